// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest provides the durable copy plan for migrations.
//
// A Manifest is persisted to disk before the first byte of a migration
// is copied and updated after every entry transition, so a crash at any
// point leaves enough state on disk to roll the migration back. Any
// manifest whose entries are not all verified is, by definition, an
// incomplete migration.
//
// # Thread Safety
//
// A Store is safe for concurrent use on different manifests. A single
// Manifest belongs to exactly one migration and is mutated only by it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/brain/services/brain/configstore"
)

// Sentinel errors for manifest operations.
var (
	// ErrFileUnstable is returned when a file keeps changing during
	// hashing after exhausting all retry attempts.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrChecksumMismatch is returned when a copied file's content does
	// not match its source checksum.
	ErrChecksumMismatch = errors.New("target checksum does not match source")

	// ErrEntryOutOfRange is returned for an invalid entry index.
	ErrEntryOutOfRange = errors.New("manifest entry index out of range")
)

// defaultHashRetries bounds the stability retries while hashing sources.
const defaultHashRetries = 3

// EntryStatus tracks a single file through the copy pipeline.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusCopied   EntryStatus = "copied"
	StatusVerified EntryStatus = "verified"
	StatusFailed   EntryStatus = "failed"
)

// Entry is one file in the copy plan.
type Entry struct {
	SourcePath     string      `json:"source_path"`
	TargetPath     string      `json:"target_path"`
	SourceChecksum string      `json:"source_checksum"`
	TargetChecksum string      `json:"target_checksum,omitempty"`
	Status         EntryStatus `json:"status"`
	CopiedAt       *time.Time  `json:"copied_at,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Manifest is the durable plan for a single migration.
type Manifest struct {
	MigrationID string    `json:"migration_id"`
	Project     string    `json:"project"`
	SourceRoot  string    `json:"source_root"`
	TargetRoot  string    `json:"target_root"`
	StartedAt   time.Time `json:"started_at"`
	Entries     []Entry   `json:"entries"`
}

// AllVerified reports whether every entry reached verified status.
// An empty manifest counts as verified (nothing left to do).
func (m *Manifest) AllVerified() bool {
	for _, e := range m.Entries {
		if e.Status != StatusVerified {
			return false
		}
	}
	return true
}

// TotalBytes sums the size of all source files still present on disk.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		if fi, err := os.Stat(e.SourcePath); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Store persists manifests in a well-known directory so startup
// recovery can enumerate them.
type Store struct {
	dir    string
	hasher Hasher
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir, creating it (0700) if missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating manifest directory %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		hasher: NewSHA256Hasher(),
		logger: slog.Default().With("component", "manifest.Store"),
	}, nil
}

// Dir returns the manifest directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create builds a manifest for the given file set and persists it.
//
// # Description
//
// Computes a source checksum for every file (with stability retries),
// assigns a collision-resistant migration id, and atomically writes the
// manifest to disk. Nothing is copied here; persistence must complete
// before the first byte moves.
//
// # Inputs
//
//   - project: Project being migrated.
//   - sourceRoot, targetRoot: Absolute tree roots.
//   - files: Absolute source file paths under sourceRoot.
//
// # Outputs
//
//   - *Manifest: The persisted plan, entries in input order.
//   - error: Hashing or persistence failure; nothing is left on disk
//     when an error is returned.
func (s *Store) Create(project, sourceRoot, targetRoot string, files []string) (*Manifest, error) {
	m := &Manifest{
		MigrationID: uuid.New().String(),
		Project:     project,
		SourceRoot:  sourceRoot,
		TargetRoot:  targetRoot,
		StartedAt:   time.Now().UTC(),
		Entries:     make([]Entry, 0, len(files)),
	}

	for _, src := range files {
		rel, err := filepath.Rel(sourceRoot, src)
		if err != nil {
			return nil, fmt.Errorf("relativizing %s: %w", src, err)
		}
		checksum, err := s.hasher.HashFileAtomic(src, defaultHashRetries)
		if err != nil {
			return nil, fmt.Errorf("checksumming %s: %w", src, err)
		}
		m.Entries = append(m.Entries, Entry{
			SourcePath:     src,
			TargetPath:     filepath.Join(targetRoot, rel),
			SourceChecksum: checksum,
			Status:         StatusPending,
		})
	}

	if err := s.Persist(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Persist atomically writes the manifest to its on-disk file.
func (s *Store) Persist(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing manifest %s: %w", m.MigrationID, err)
	}
	data = append(data, '\n')
	if err := configstore.WriteFileAtomic(s.path(m.MigrationID), data, 0o600); err != nil {
		return fmt.Errorf("persisting manifest %s: %w", m.MigrationID, err)
	}
	return nil
}

// MarkCopied records a completed copy for entry i.
//
// Computes the target checksum, transitions the entry to copied, and
// persists the manifest before returning.
func (s *Store) MarkCopied(m *Manifest, i int) error {
	if i < 0 || i >= len(m.Entries) {
		return ErrEntryOutOfRange
	}
	checksum, err := s.hasher.HashFile(m.Entries[i].TargetPath)
	if err != nil {
		return fmt.Errorf("checksumming target: %w", err)
	}
	now := time.Now().UTC()
	m.Entries[i].TargetChecksum = checksum
	m.Entries[i].Status = StatusCopied
	m.Entries[i].CopiedAt = &now
	return s.Persist(m)
}

// VerifyEntry compares source and target checksums for entry i.
//
// On match the entry becomes verified; on mismatch it becomes failed
// with a reason and ErrChecksumMismatch is returned. Either way the
// manifest is persisted.
func (s *Store) VerifyEntry(m *Manifest, i int) error {
	if i < 0 || i >= len(m.Entries) {
		return ErrEntryOutOfRange
	}
	e := &m.Entries[i]
	if e.TargetChecksum == e.SourceChecksum && e.TargetChecksum != "" {
		e.Status = StatusVerified
		return s.Persist(m)
	}
	e.Status = StatusFailed
	e.Error = "checksum mismatch between source and target"
	if err := s.Persist(m); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrChecksumMismatch, e.TargetPath)
}

// Rollback removes every file the migration wrote and then the manifest.
//
// # Description
//
// For each entry that progressed past pending, the target file is
// removed. Empty directories up to the target root are pruned. Failures
// to remove individual files are logged and skipped; the manifest file
// is deleted only when the sweep finishes.
//
// Source files are never touched.
func (s *Store) Rollback(m *Manifest) error {
	for _, e := range m.Entries {
		if e.Status == StatusPending {
			continue
		}
		if err := os.Remove(e.TargetPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove target during rollback",
				"migration_id", m.MigrationID,
				"path", e.TargetPath,
				"error", err)
			continue
		}
		pruneEmptyDirs(filepath.Dir(e.TargetPath), m.TargetRoot)
	}

	// The target root itself, if the migration created it and it is now
	// empty.
	_ = os.Remove(m.TargetRoot)

	if err := s.Delete(m); err != nil {
		return err
	}
	s.logger.Info("migration rolled back",
		"migration_id", m.MigrationID,
		"project", m.Project,
		"entries", len(m.Entries))
	return nil
}

// Delete removes the manifest file. Called after COMMIT or a completed
// rollback.
func (s *Store) Delete(m *Manifest) error {
	if err := os.Remove(s.path(m.MigrationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting manifest %s: %w", m.MigrationID, err)
	}
	return nil
}

// List loads every manifest in the store directory.
//
// Unreadable or malformed files are logged and skipped; recovery must
// not abort because one manifest is corrupt.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var out []*Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m, err := s.load(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable manifest",
				"file", entry.Name(),
				"error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ConflictFor returns an existing manifest for the project, or nil.
//
// Any manifest on disk for a project means a migration is incomplete
// and must be recovered before a new one may start.
func (s *Store) ConflictFor(project string) (*Manifest, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Project == project {
			return m, nil
		}
	}
	return nil, nil
}

// EnumerateFiles walks a source tree and returns all regular files in
// deterministic (lexical) order. Symlinks are skipped; the migration
// engine never follows links out of the source tree.
func EnumerateFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating %s: %w", root, err)
	}
	return files, nil
}

func (s *Store) path(migrationID string) string {
	return filepath.Join(s.dir, migrationID+".json")
}

func (s *Store) load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// pruneEmptyDirs removes empty directories from dir up to (and
// excluding) stop.
func pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return // not empty or gone
		}
		dir = filepath.Dir(dir)
	}
}
