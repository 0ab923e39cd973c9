// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"strings"
	"testing"

	"github.com/AleutianAI/brain/services/brain/brainerr"
)

func validConfig() *Config {
	cfg := Default("/base")
	cfg.Projects["api"] = Project{
		CodePath:     "/src/api",
		MemoriesMode: ModeDefault,
	}
	return cfg
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	t.Run("default config with project is valid", func(t *testing.T) {
		result := v.Validate(validConfig())
		if !result.Valid {
			t.Fatalf("valid config rejected: %v", result.Errors)
		}
		if err := result.Err(); err != nil {
			t.Errorf("Err() = %v, want nil", err)
		}
	})

	t.Run("wrong version is rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Version = 1
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("version 1 accepted")
		}
		assertViolation(t, result, "version", "eq=2")
	})

	t.Run("missing memories_location is rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Defaults.MemoriesLocation = ""
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("empty memories_location accepted")
		}
		assertViolation(t, result, "defaults.memories_location", "required")
	})

	t.Run("unknown mode is rejected", func(t *testing.T) {
		cfg := validConfig()
		p := cfg.Projects["api"]
		p.MemoriesMode = "exotic"
		cfg.Projects["api"] = p
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("unknown mode accepted")
		}
	})

	t.Run("custom mode requires memories_path", func(t *testing.T) {
		cfg := validConfig()
		p := cfg.Projects["api"]
		p.MemoriesMode = ModeCustom
		p.MemoriesPath = ""
		cfg.Projects["api"] = p
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("custom mode without memories_path accepted")
		}
	})

	t.Run("debounce below floor is rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Watcher.DebounceMS = 50
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("debounce_ms=50 accepted")
		}
		assertViolation(t, result, "watcher.debounce_ms", "gte=100")
	})

	t.Run("negative sync delay is rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sync.DelayMS = -1
		result := v.Validate(cfg)
		if result.Valid {
			t.Fatal("negative delay_ms accepted")
		}
	})

	t.Run("bad project names are rejected", func(t *testing.T) {
		for _, name := range []string{"a/b", `a\b`, "..", "has..dots", "nul\x00byte"} {
			cfg := validConfig()
			cfg.Projects[name] = Project{CodePath: "/src/x", MemoriesMode: ModeDefault}
			result := v.Validate(cfg)
			if result.Valid {
				t.Errorf("project name %q accepted", name)
			}
		}
	})

	t.Run("errors never echo field values", func(t *testing.T) {
		cfg := validConfig()
		cfg.Defaults.MemoriesLocation = ""
		p := cfg.Projects["api"]
		p.CodePath = "/secret/location"
		p.MemoriesMode = "exotic-value"
		cfg.Projects["api"] = p
		result := v.Validate(cfg)
		for _, e := range result.Errors {
			if strings.Contains(e.Error(), "secret") || strings.Contains(e.Error(), "exotic-value") {
				t.Errorf("error echoes a raw user value: %s", e.Error())
			}
		}
	})
}

func TestParse(t *testing.T) {
	t.Run("malformed JSON maps to invalid_json", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": 2,`))
		if !brainerr.Is(err, brainerr.KindInvalidJSON) {
			t.Errorf("err = %v, want invalid_json kind", err)
		}
	})

	t.Run("sparse document is normalized", func(t *testing.T) {
		cfg, err := Parse([]byte(`{"version": 2, "defaults": {"memories_location": "/base"}}`))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Defaults.MemoriesMode != ModeDefault {
			t.Errorf("defaults.memories_mode = %q, want default", cfg.Defaults.MemoriesMode)
		}
		if cfg.Watcher.DebounceMS != 2000 {
			t.Errorf("watcher.debounce_ms = %d, want 2000", cfg.Watcher.DebounceMS)
		}
		if cfg.Logging.Level != "info" {
			t.Errorf("logging.level = %q, want info", cfg.Logging.Level)
		}
	})
}

func TestResolvedMemoryPath(t *testing.T) {
	cfg := Default("/base")
	cfg.Projects["p"] = Project{CodePath: "/src/p", MemoriesMode: ModeDefault}
	cfg.Projects["q"] = Project{CodePath: "/src/q", MemoriesMode: ModeCode}
	cfg.Projects["r"] = Project{CodePath: "/src/r", MemoriesMode: ModeCustom, MemoriesPath: "/custom/r"}

	cases := []struct {
		project string
		want    string
	}{
		{"p", "/base/p"},
		{"q", "/src/q/docs"},
		{"r", "/custom/r"},
	}
	for _, tc := range cases {
		got, err := cfg.ResolvedMemoryPath(tc.project)
		if err != nil {
			t.Errorf("ResolvedMemoryPath(%s): %v", tc.project, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ResolvedMemoryPath(%s) = %s, want %s", tc.project, got, tc.want)
		}
	}

	t.Run("unknown project errors", func(t *testing.T) {
		if _, err := cfg.ResolvedMemoryPath("ghost"); err == nil {
			t.Error("expected error for unknown project")
		}
	})
}

func TestMarshalStable(t *testing.T) {
	cfg := validConfig()
	a, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Error("Marshal is not byte-stable across calls")
	}
	reparsed, err := Parse(a)
	if err != nil {
		t.Fatalf("Parse(Marshal(cfg)): %v", err)
	}
	if reparsed.Version != CurrentVersion {
		t.Errorf("round-trip version = %d, want %d", reparsed.Version, CurrentVersion)
	}
}

func assertViolation(t *testing.T, result Result, field, constraint string) {
	t.Helper()
	for _, e := range result.Errors {
		if e.Field == field && e.Constraint == constraint {
			return
		}
	}
	t.Errorf("no violation %s/%s in %v", field, constraint, result.Errors)
}
