// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configstore reads and writes the Brain user config file.
//
// All writes are atomic: serialize, write to a sibling temp file, fsync,
// rename over the destination. A reader therefore always observes either
// the previous complete document or the new complete document, never a
// torn write. Files are created 0600 inside a 0700 directory.
package configstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/brain/services/brain/schema"
)

// FileName is the user config file name inside the Brain config dir.
const FileName = "config.json"

// DefaultConfigDir returns ${XDG_CONFIG_HOME:-~/.config}/brain.
func DefaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "brain"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "brain"), nil
}

// DefaultConfigPath returns the full path of the user config file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Store is the exclusive writer of the Brain config file.
//
// # Thread Safety
//
// Store itself is stateless; callers serialize access through the lock
// manager, which owns the cross-process exclusion.
type Store struct {
	path      string
	validator *schema.Validator
	logger    *slog.Logger
}

// NewStore creates a Store for the given config path.
func NewStore(path string, validator *schema.Validator) *Store {
	return &Store{
		path:      path,
		validator: validator,
		logger:    slog.Default().With("component", "configstore.Store"),
	}
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the config file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads, parses, normalizes, and schema-validates the config file.
//
// # Outputs
//
//   - *schema.Config: The validated document.
//   - []byte: The raw bytes as read from disk, for checksum baselines.
//   - error: Read errors verbatim; parse failures as invalid_json;
//     schema failures as schema_violation.
func (s *Store) Load() (*schema.Config, []byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config %s: %w", s.path, err)
	}

	cfg, err := schema.Parse(data)
	if err != nil {
		return nil, data, err
	}

	if result := s.validator.Validate(cfg); !result.Valid {
		return nil, data, result.Err()
	}

	return cfg, data, nil
}

// WriteAtomic validates and atomically persists a config document.
//
// # Description
//
// Schema validation runs before any byte is written. The serialized form
// uses stable key order so repeated writes of the same document are
// byte-identical. On any failure the temp file is removed and the
// original file is untouched.
//
// # Outputs
//
//   - []byte: The exact bytes written, for rollback baselines.
//   - error: Validation or I/O failure.
func (s *Store) WriteAtomic(cfg *schema.Config) ([]byte, error) {
	if result := s.validator.Validate(cfg); !result.Valid {
		return nil, result.Err()
	}

	data, err := schema.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	if err := WriteFileAtomic(s.path, data, 0o600); err != nil {
		return nil, err
	}

	s.logger.Debug("config written",
		"path", s.path,
		"bytes", len(data))
	return data, nil
}

// WriteRaw atomically persists pre-validated raw bytes.
//
// Used by the rollback manager to restore a lastKnownGood snapshot
// byte-for-byte. Callers guarantee the content already passed validation.
func (s *Store) WriteRaw(data []byte) error {
	return WriteFileAtomic(s.path, data, 0o600)
}

// WriteFileAtomic writes data to path via a sibling temp file and rename.
//
// # Description
//
// Creates the parent directory (0700) if missing, writes the temp file
// with the requested mode, fsyncs file and directory, then renames. On
// any failure the temp file is removed and the destination is untouched.
//
// # Inputs
//
//   - path: Destination file.
//   - data: Complete file contents.
//   - mode: File mode for the destination (0600 for core-owned files).
func WriteFileAtomic(path string, data []byte, mode os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("setting mode on temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s over %s: %w", tmpName, path, err)
	}

	// Persist the rename itself. Failure here is logged by callers at
	// worst; the data is already durable in the file.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}
