// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetupFileLogging(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := filepath.Join(t.TempDir(), "logs")
	closer, err := Setup(Config{Level: "debug", LogDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	slog.Info("migration committed", "project", "main")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "brain_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"migration committed"`) {
		t.Errorf("log line missing message: %s", line)
	}
	if !strings.Contains(line, `"service":"brain"`) {
		t.Errorf("log line missing service attribute: %s", line)
	}
}

func TestSetupQuietWithoutFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	closer, err := Setup(Config{Quiet: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer closer.Close()

	// Must not panic or write anywhere.
	slog.Info("discarded")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := expandPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("expandPath = %s", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath changed absolute path: %s", got)
	}
}
