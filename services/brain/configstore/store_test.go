// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configstore

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "brain", FileName), schema.NewValidator())
}

func TestStore_WriteAtomicAndLoad(t *testing.T) {
	t.Run("round trip preserves document", func(t *testing.T) {
		store := newTestStore(t)
		cfg := schema.Default("/base")
		cfg.Projects["p"] = schema.Project{CodePath: "/src/p", MemoriesMode: schema.ModeDefault}

		written, err := store.WriteAtomic(cfg)
		if err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}

		loaded, raw, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if string(raw) != string(written) {
			t.Error("raw bytes differ from written bytes")
		}
		if loaded.Defaults.MemoriesLocation != "/base" {
			t.Errorf("memories_location = %q", loaded.Defaults.MemoriesLocation)
		}
		if _, ok := loaded.Projects["p"]; !ok {
			t.Error("project p missing after round trip")
		}
	})

	t.Run("rejects invalid config before writing", func(t *testing.T) {
		store := newTestStore(t)
		good := schema.Default("/base")
		if _, err := store.WriteAtomic(good); err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}
		before, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}

		bad := schema.Default("/base")
		bad.Version = 99
		if _, err := store.WriteAtomic(bad); !brainerr.Is(err, brainerr.KindSchemaViolation) {
			t.Fatalf("err = %v, want schema_violation", err)
		}

		after, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(before) != string(after) {
			t.Error("failed write modified the config file")
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		store := newTestStore(t)
		if _, err := store.WriteAtomic(schema.Default("/base")); err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}
		entries, err := os.ReadDir(filepath.Dir(store.Path()))
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
	})

	t.Run("creates file 0600 and directory 0700", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix permission bits")
		}
		store := newTestStore(t)
		if _, err := store.WriteAtomic(schema.Default("/base")); err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}

		fi, err := os.Stat(store.Path())
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if perm := fi.Mode().Perm(); perm != 0o600 {
			t.Errorf("file mode = %o, want 0600", perm)
		}

		di, err := os.Stat(filepath.Dir(store.Path()))
		if err != nil {
			t.Fatalf("Stat dir: %v", err)
		}
		if perm := di.Mode().Perm(); perm != 0o700 {
			t.Errorf("dir mode = %o, want 0700", perm)
		}
	})
}

func TestStore_Load(t *testing.T) {
	t.Run("malformed file yields invalid_json", func(t *testing.T) {
		store := newTestStore(t)
		if err := os.MkdirAll(filepath.Dir(store.Path()), 0o700); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, raw, err := store.Load()
		if !brainerr.Is(err, brainerr.KindInvalidJSON) {
			t.Errorf("err = %v, want invalid_json", err)
		}
		if len(raw) == 0 {
			t.Error("raw bytes not returned for invalid file")
		}
	})

	t.Run("schema violation is reported", func(t *testing.T) {
		store := newTestStore(t)
		content := `{"version": 7, "defaults": {"memories_location": "/base"}}`
		if err := os.MkdirAll(filepath.Dir(store.Path()), 0o700); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(store.Path(), []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, _, err := store.Load()
		if !brainerr.Is(err, brainerr.KindSchemaViolation) {
			t.Errorf("err = %v, want schema_violation", err)
		}
	})

	t.Run("missing file returns read error", func(t *testing.T) {
		store := newTestStore(t)
		if _, _, err := store.Load(); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestWriteFileAtomic(t *testing.T) {
	t.Run("repeated writes are byte-identical", func(t *testing.T) {
		store := newTestStore(t)
		cfg := schema.Default("/base")
		a, err := store.WriteAtomic(cfg)
		if err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}
		b, err := store.WriteAtomic(cfg)
		if err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}
		if string(a) != string(b) {
			t.Error("stable-order serialization produced different bytes")
		}
	})

	t.Run("WriteRaw restores exact bytes", func(t *testing.T) {
		store := newTestStore(t)
		content := []byte(`{"version": 2, "defaults": {"memories_location": "/base"}}` + "\n")
		if err := store.WriteRaw(content); err != nil {
			t.Fatalf("WriteRaw: %v", err)
		}
		got, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(got) != string(content) {
			t.Error("WriteRaw altered the bytes")
		}
	})
}
