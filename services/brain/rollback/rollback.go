// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback keeps a last-known-good snapshot of the Brain config
// so a bad edit or a failed migration can always be undone.
//
// The snapshot holds the exact raw bytes, not a re-serialization, so a
// revert restores the file byte-for-byte.
package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/schema"
)

// ErrNoBaseline is returned by Revert before a successful Initialize.
var ErrNoBaseline = errors.New("no last-known-good baseline captured")

// Snapshot is an immutable last-known-good capture.
type Snapshot struct {
	Content   []byte
	Checksum  string
	Timestamp time.Time
}

// Manager guards the last-known-good Brain config.
//
// All methods are safe for concurrent use, though callers normally hold
// the global config lock around Revert and MarkGood.
type Manager struct {
	store  *configstore.Store
	logger *slog.Logger

	mu       sync.Mutex
	baseline *Snapshot
}

// NewManager creates a Manager over the given config store.
func NewManager(store *configstore.Store) *Manager {
	return &Manager{
		store:  store,
		logger: slog.Default().With("component", "rollback.Manager"),
	}
}

// DefaultMemoriesLocation is where a synthesized config roots memories.
func DefaultMemoriesLocation() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "brain", "memories"), nil
}

// Initialize captures the startup baseline.
//
// # Description
//
// Loads the on-disk config; if it parses and validates, its raw bytes
// become the baseline. If the file is missing, unreadable, or invalid,
// a default config is synthesized, written atomically (0600), and used
// as the baseline instead. After Initialize returns nil, HasBaseline is
// true unconditionally.
func (m *Manager) Initialize() error {
	_, raw, err := m.store.Load()
	if err == nil {
		m.capture(raw)
		return nil
	}
	m.logger.Warn("config invalid at startup, synthesizing default",
		"path", m.store.Path(),
		"error", err)

	loc, err := DefaultMemoriesLocation()
	if err != nil {
		return err
	}
	written, err := m.store.WriteAtomic(schema.Default(loc))
	if err != nil {
		return fmt.Errorf("writing synthesized config: %w", err)
	}
	m.capture(written)
	return nil
}

// HasBaseline reports whether a baseline has been captured.
func (m *Manager) HasBaseline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline != nil
}

// Baseline returns a copy of the current snapshot, or nil.
func (m *Manager) Baseline() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline == nil {
		return nil
	}
	cp := *m.baseline
	cp.Content = append([]byte(nil), m.baseline.Content...)
	return &cp
}

// MarkGood replaces the baseline with the given raw config bytes.
// Called after a commit succeeds; rawContent must be exactly what was
// written to disk.
func (m *Manager) MarkGood(rawContent []byte) {
	m.capture(rawContent)
}

// Revert atomically writes the baseline back to the config path.
//
// Never consults in-memory config state that predates Initialize; the
// snapshot bytes are the only source.
func (m *Manager) Revert() error {
	snap := m.Baseline()
	if snap == nil {
		return ErrNoBaseline
	}
	if err := m.store.WriteRaw(snap.Content); err != nil {
		return fmt.Errorf("reverting config: %w", err)
	}
	m.logger.Info("config reverted to last known good",
		"checksum", snap.Checksum,
		"captured_at", snap.Timestamp)
	return nil
}

func (m *Manager) capture(raw []byte) {
	sum := sha256.Sum256(raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = &Snapshot{
		Content:   append([]byte(nil), raw...),
		Checksum:  hex.EncodeToString(sum[:]),
		Timestamp: time.Now().UTC(),
	}
}
