// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package paths is the single home of path policy for the Brain core.
//
// Every path that enters the system from user input (config fields, tool
// arguments, manual edits) passes through the Validator before any
// filesystem operation uses it. The package is pure: the only I/O it
// performs is canonicalization (home expansion, symlink resolution).
//
// # Design Principles
//
// Security is paramount - traversal components, NUL bytes, and system
// directories are rejected regardless of symlink arrangement. Policy lives
// here and nowhere else; callers never re-implement prefix checks.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sentinel errors for path validation.
var (
	// ErrTraversal is returned when a path contains a ".." component.
	ErrTraversal = errors.New("path contains traversal component")

	// ErrNullByte is returned when a path contains a NUL codepoint.
	ErrNullByte = errors.New("path contains null byte")

	// ErrSystemPath is returned when the canonical path falls under a
	// protected system prefix.
	ErrSystemPath = errors.New("path is under a system directory")

	// ErrEmptyPath is returned for empty input.
	ErrEmptyPath = errors.New("path is empty")
)

// unixSystemPrefixes are directories the core must never write under.
var unixSystemPrefixes = []string{
	"/etc",
	"/usr",
	"/var",
	"/bin",
	"/sbin",
}

// windowsSystemPrefixes cover the Windows system and Program Files roots.
var windowsSystemPrefixes = []string{
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
}

// Validator checks paths against the Brain path policy.
//
// # Thread Safety
//
// Validator is immutable after construction and safe for concurrent use.
type Validator struct {
	systemPrefixes []string
}

// NewValidator creates a Validator with the platform's system prefixes.
func NewValidator() *Validator {
	prefixes := unixSystemPrefixes
	if runtime.GOOS == "windows" {
		prefixes = windowsSystemPrefixes
	}
	return &Validator{systemPrefixes: prefixes}
}

// NewValidatorWithPrefixes creates a Validator with custom system prefixes.
//
// Used in tests to exercise the prefix check without touching real system
// directories.
func NewValidatorWithPrefixes(prefixes []string) *Validator {
	return &Validator{systemPrefixes: prefixes}
}

// Validate checks a single path against the full policy.
//
// # Description
//
// Rejects paths that contain a ".." component or a NUL byte, then
// canonicalizes (home expansion, absolute resolution, symlink resolution
// of the deepest existing ancestor) and rejects paths whose canonical form
// falls under a configured system prefix.
//
// # Inputs
//
//   - path: The path to validate. May use a leading "~".
//
// # Outputs
//
//   - error: nil if the path is acceptable; otherwise one of the package
//     sentinels wrapped with context.
func (v *Validator) Validate(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: %q", ErrNullByte, sanitizeForError(path))
	}
	for _, comp := range strings.Split(filepath.ToSlash(path), "/") {
		if comp == ".." {
			return fmt.Errorf("%w: %s", ErrTraversal, sanitizeForError(path))
		}
	}

	canonical, err := Canonicalize(path)
	if err != nil {
		return fmt.Errorf("canonicalizing path: %w", err)
	}

	for _, prefix := range v.systemPrefixes {
		if hasPathPrefix(canonical, prefix) {
			return fmt.Errorf("%w: %s", ErrSystemPath, prefix)
		}
	}

	return nil
}

// IsWithin reports whether path is inside base.
//
// # Description
//
// True iff the canonical path has the canonical base as a prefix at a
// component boundary. A sibling that merely shares a string prefix is
// rejected ("/base-other" is not within "/base").
//
// # Inputs
//
//   - path: Candidate path.
//   - base: Containing directory.
//
// # Outputs
//
//   - bool: True when path is base or a descendant of base.
func (v *Validator) IsWithin(path, base string) bool {
	cp, err := Canonicalize(path)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(base)
	if err != nil {
		return false
	}
	return cp == cb || hasPathPrefix(cp, cb)
}

// ExpandHome replaces a leading "~" with the current user's home directory.
//
// Paths without a leading "~" are returned unchanged. "~user" forms are
// not supported and are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Canonicalize resolves a path to its absolute, symlink-free form.
//
// # Description
//
// Expands a leading "~", makes the path absolute, and resolves symlinks.
// Because targets of migrations usually do not exist yet, symlinks are
// resolved on the deepest existing ancestor and the non-existing remainder
// is re-joined. The result is lexically cleaned.
//
// # Inputs
//
//   - path: The path to canonicalize.
//
// # Outputs
//
//   - string: The canonical absolute path.
//   - error: Non-nil if home expansion or absolute resolution fails.
func Canonicalize(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks on the deepest ancestor that exists.
	existing := abs
	var remainder []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if len(remainder) == 0 {
				return resolved, nil
			}
			parts := append([]string{resolved}, remainder...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving symlinks for %s: %w", existing, err)
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			// Hit the filesystem root without finding an existing ancestor.
			return abs, nil
		}
		remainder = append([]string{filepath.Base(existing)}, remainder...)
		existing = parent
	}
}

// hasPathPrefix reports whether p is strictly under prefix at a component
// boundary. Comparison is case-sensitive on Unix.
func hasPathPrefix(p, prefix string) bool {
	p = filepath.Clean(p)
	prefix = filepath.Clean(prefix)
	if p == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// sanitizeForError strips NUL bytes so error strings stay printable.
// Raw user values are still never logged at production levels; this only
// guards the error text itself.
func sanitizeForError(path string) string {
	return strings.ReplaceAll(path, "\x00", `\x00`)
}
