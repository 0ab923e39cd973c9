// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package translate projects the Brain config onto the note backend's
// config format.
//
// The projection is strictly one-way. The backend file is written by the
// core and never read back as a source of truth; the Brain config is the
// only authority. Brain-only fields (defaults, modes, code paths) are not
// projected - the backend sees one resolved path per project plus three
// mirrored scalars.
package translate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/schema"
)

// BackendConfig is the minimal document the note backend consumes.
type BackendConfig struct {
	// Projects maps project name to its single resolved memory path.
	Projects map[string]string `json:"projects"`

	SyncChanges bool   `json:"sync_changes"`
	SyncDelay   int    `json:"sync_delay"`
	LogLevel    string `json:"log_level"`
}

// DefaultBackendConfigPath returns the backend config location inside the
// backend's home directory (~/.basic-memory/config.json).
func DefaultBackendConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".basic-memory", "config.json"), nil
}

// Translator owns the backend config file.
//
// # Thread Safety
//
// Callers serialize writes through the lock manager; the Translator
// itself is stateless.
type Translator struct {
	backendPath string
	logger      *slog.Logger
}

// NewTranslator creates a Translator writing to the given backend config
// path.
func NewTranslator(backendPath string) *Translator {
	return &Translator{
		backendPath: backendPath,
		logger:      slog.Default().With("component", "translate.Translator"),
	}
}

// BackendPath returns the backend config file location.
func (t *Translator) BackendPath() string {
	return t.backendPath
}

// Project computes the backend document for a Brain config.
//
// # Description
//
// Each project's resolved memory path (per its mode) becomes the single
// path entry keyed by project name. sync.enabled, sync.delay_ms, and
// logging.level mirror onto sync_changes, sync_delay, log_level.
//
// # Outputs
//
//   - *BackendConfig: The projected document.
//   - error: Non-nil if any project's path cannot be resolved.
func (t *Translator) Project(cfg *schema.Config) (*BackendConfig, error) {
	out := &BackendConfig{
		Projects:    make(map[string]string, len(cfg.Projects)),
		SyncChanges: cfg.Sync.Enabled,
		SyncDelay:   cfg.Sync.DelayMS,
		LogLevel:    cfg.Logging.Level,
	}
	for name := range cfg.Projects {
		resolved, err := cfg.ResolvedMemoryPath(name)
		if err != nil {
			return nil, fmt.Errorf("projecting %q: %w", name, err)
		}
		out.Projects[name] = resolved
	}
	return out, nil
}

// Write projects a Brain config and atomically persists the backend file.
//
// The file is created 0600 inside a 0700 directory, matching the Brain
// config's ownership model.
func (t *Translator) Write(cfg *schema.Config) error {
	backend, err := t.Project(cfg)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(backend, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing backend config: %w", err)
	}
	data = append(data, '\n')

	if err := configstore.WriteFileAtomic(t.backendPath, data, 0o600); err != nil {
		return fmt.Errorf("writing backend config: %w", err)
	}

	t.logger.Debug("backend config projected",
		"path", t.backendPath,
		"projects", len(backend.Projects))
	return nil
}
