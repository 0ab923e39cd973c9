// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	t.Run("accepts plain absolute path", func(t *testing.T) {
		tmpDir := t.TempDir()
		if err := v.Validate(filepath.Join(tmpDir, "memories")); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("rejects empty path", func(t *testing.T) {
		if err := v.Validate(""); !errors.Is(err, ErrEmptyPath) {
			t.Errorf("err = %v, want ErrEmptyPath", err)
		}
	})

	t.Run("rejects traversal component", func(t *testing.T) {
		for _, p := range []string{
			"../outside",
			"/home/user/../../etc/passwd",
			"a/../b",
			"..",
		} {
			if err := v.Validate(p); !errors.Is(err, ErrTraversal) {
				t.Errorf("Validate(%q) = %v, want ErrTraversal", p, err)
			}
		}
	})

	t.Run("rejects null byte", func(t *testing.T) {
		if err := v.Validate("/tmp/mem\x00ories"); !errors.Is(err, ErrNullByte) {
			t.Errorf("err = %v, want ErrNullByte", err)
		}
	})

	t.Run("rejects system prefixes", func(t *testing.T) {
		for _, p := range []string{"/etc/brain", "/usr/local/brain", "/var/brain", "/bin", "/sbin/x"} {
			if err := v.Validate(p); !errors.Is(err, ErrSystemPath) {
				t.Errorf("Validate(%q) = %v, want ErrSystemPath", p, err)
			}
		}
	})

	t.Run("does not reject prefix-sharing siblings of system dirs", func(t *testing.T) {
		// "/etcetera" shares a string prefix with "/etc" but is a
		// different directory.
		v := NewValidatorWithPrefixes([]string{"/etc"})
		if err := v.Validate("/etcetera/brain"); err != nil {
			t.Errorf("Validate(/etcetera/brain) = %v, want nil", err)
		}
	})

	t.Run("rejects symlink into system directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		link := filepath.Join(tmpDir, "sneaky")
		if err := os.Symlink("/etc", link); err != nil {
			t.Skipf("symlink not supported: %v", err)
		}
		if err := v.Validate(filepath.Join(link, "brain")); !errors.Is(err, ErrSystemPath) {
			t.Errorf("err = %v, want ErrSystemPath", err)
		}
	})

	t.Run("expands tilde", func(t *testing.T) {
		if err := v.Validate("~/brain-memories"); err != nil {
			t.Errorf("Validate(~/brain-memories) = %v", err)
		}
	})
}

func TestValidator_IsWithin(t *testing.T) {
	v := NewValidator()

	t.Run("direct child is within", func(t *testing.T) {
		tmpDir := t.TempDir()
		if !v.IsWithin(filepath.Join(tmpDir, "p"), tmpDir) {
			t.Error("child not reported as within parent")
		}
	})

	t.Run("base is within itself", func(t *testing.T) {
		tmpDir := t.TempDir()
		if !v.IsWithin(tmpDir, tmpDir) {
			t.Error("base not within itself")
		}
	})

	t.Run("sibling with shared prefix is not within", func(t *testing.T) {
		tmpDir := t.TempDir()
		base := filepath.Join(tmpDir, "base")
		sibling := filepath.Join(tmpDir, "base-other")
		for _, dir := range []string{base, sibling} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
		}
		if v.IsWithin(sibling, base) {
			t.Error("sibling with shared prefix reported as within")
		}
	})

	t.Run("symlink escape is detected", func(t *testing.T) {
		tmpDir := t.TempDir()
		base := filepath.Join(tmpDir, "base")
		outside := filepath.Join(tmpDir, "outside")
		for _, dir := range []string{base, outside} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
		}
		link := filepath.Join(base, "link")
		if err := os.Symlink(outside, link); err != nil {
			t.Skipf("symlink not supported: %v", err)
		}
		if v.IsWithin(link, base) {
			t.Error("symlink pointing outside base reported as within")
		}
	})
}

func TestCanonicalize(t *testing.T) {
	t.Run("resolves nonexistent tail against existing ancestor", func(t *testing.T) {
		tmpDir := t.TempDir()
		target := filepath.Join(tmpDir, "does", "not", "exist")
		got, err := Canonicalize(target)
		if err != nil {
			t.Fatalf("Canonicalize: %v", err)
		}
		resolvedTmp, err := filepath.EvalSymlinks(tmpDir)
		if err != nil {
			t.Fatalf("EvalSymlinks: %v", err)
		}
		want := filepath.Join(resolvedTmp, "does", "not", "exist")
		if got != want {
			t.Errorf("Canonicalize = %s, want %s", got, want)
		}
	})

	t.Run("cleans relative paths to absolute", func(t *testing.T) {
		got, err := Canonicalize("some/relative/path")
		if err != nil {
			t.Fatalf("Canonicalize: %v", err)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("Canonicalize returned non-absolute path %s", got)
		}
	})
}
