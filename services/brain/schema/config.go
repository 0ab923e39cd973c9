// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema defines the Brain user configuration document and its
// validation rules.
//
// The Config struct is the authoritative user-owned document. It is
// serialized as JSON with stable field order and validated before every
// write and after every load. Validation never touches the filesystem;
// path policy lives in the paths package.
package schema

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/brain/services/brain/brainerr"
)

// CurrentVersion is the supported config schema version.
const CurrentVersion = 2

// SchemaURL identifies the config schema. Its presence in user files is
// not enforced; it is written so editors can offer completion.
const SchemaURL = "https://aleutian.ai/schemas/brain/config-v2.json"

// MemoriesMode selects how a project's memory tree location is resolved.
type MemoriesMode string

const (
	// ModeDefault resolves to {defaults.memories_location}/{project}.
	ModeDefault MemoriesMode = "default"

	// ModeCode resolves to {code_path}/docs.
	ModeCode MemoriesMode = "code"

	// ModeCustom resolves to the project's explicit memories_path.
	ModeCustom MemoriesMode = "custom"
)

// Valid reports whether the mode is one of the allowed values.
func (m MemoriesMode) Valid() bool {
	switch m {
	case ModeDefault, ModeCode, ModeCustom:
		return true
	}
	return false
}

// Config is the authoritative Brain configuration document.
//
// Field order here is the stable serialization order.
type Config struct {
	Schema   string             `json:"$schema,omitempty"`
	Version  int                `json:"version" validate:"eq=2"`
	Defaults Defaults           `json:"defaults"`
	Projects map[string]Project `json:"projects" validate:"dive"`
	Sync     SyncSettings       `json:"sync"`
	Logging  LoggingSettings    `json:"logging"`
	Watcher  WatcherSettings    `json:"watcher"`
}

// Defaults configures resolution for projects without explicit settings.
type Defaults struct {
	// MemoriesLocation is the base directory for default-mode projects.
	MemoriesLocation string `json:"memories_location" validate:"required"`

	// MemoriesMode is the mode applied to newly added projects that do
	// not set one. It does not retroactively change existing projects.
	MemoriesMode MemoriesMode `json:"memories_mode" validate:"oneof=default code custom"`
}

// Project is a single named scope with its own memory tree.
type Project struct {
	// CodePath is the absolute path to the project source tree.
	// Metadata only; changing it never triggers a migration.
	CodePath string `json:"code_path" validate:"required"`

	// MemoriesMode selects the resolution rule for this project.
	MemoriesMode MemoriesMode `json:"memories_mode" validate:"oneof=default code custom"`

	// MemoriesPath is the explicit memory tree location. Required when
	// MemoriesMode is "custom", ignored otherwise.
	MemoriesPath string `json:"memories_path,omitempty" validate:"required_if=MemoriesMode custom"`
}

// SyncSettings are runtime-only backend sync knobs. Non-migrating.
type SyncSettings struct {
	Enabled bool `json:"enabled"`
	DelayMS int  `json:"delay_ms" validate:"gte=0"`
}

// LoggingSettings are runtime-only. Non-migrating.
type LoggingSettings struct {
	Level string `json:"level" validate:"oneof=debug info warn error"`
}

// WatcherSettings control the manual-edit watcher. Non-migrating.
type WatcherSettings struct {
	Enabled    bool `json:"enabled"`
	DebounceMS int  `json:"debounce_ms" validate:"gte=100"`
}

// Default returns a freshly initialized config with sensible defaults.
//
// memoriesLocation is the base directory for default-mode projects,
// typically ~/.local/share/brain/memories.
func Default(memoriesLocation string) *Config {
	return &Config{
		Schema:  SchemaURL,
		Version: CurrentVersion,
		Defaults: Defaults{
			MemoriesLocation: memoriesLocation,
			MemoriesMode:     ModeDefault,
		},
		Projects: map[string]Project{},
		Sync: SyncSettings{
			Enabled: true,
			DelayMS: 1000,
		},
		Logging: LoggingSettings{
			Level: "info",
		},
		Watcher: WatcherSettings{
			Enabled:    true,
			DebounceMS: 2000,
		},
	}
}

// Normalize fills omitted fields with their defaults so that a sparse
// user-edited document validates and behaves predictably.
func (c *Config) Normalize() {
	if c.Defaults.MemoriesMode == "" {
		c.Defaults.MemoriesMode = ModeDefault
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Watcher.DebounceMS == 0 {
		c.Watcher.DebounceMS = 2000
	}
	if c.Projects == nil {
		c.Projects = map[string]Project{}
	}
	for name, p := range c.Projects {
		if p.MemoriesMode == "" {
			p.MemoriesMode = ModeDefault
			c.Projects[name] = p
		}
	}
}

// Clone returns a deep copy. The copy can be mutated without affecting
// the original; tool handlers rely on this when building candidate
// configs.
func (c *Config) Clone() *Config {
	out := *c
	out.Projects = make(map[string]Project, len(c.Projects))
	for name, p := range c.Projects {
		out.Projects[name] = p
	}
	return &out
}

// ResolvedMemoryPath derives the absolute memory tree directory for a
// project.
//
// # Outputs
//
//   - string: The resolved directory for the project's mode.
//   - error: Non-nil if the project does not exist or a custom project
//     has no memories_path.
func (c *Config) ResolvedMemoryPath(name string) (string, error) {
	p, ok := c.Projects[name]
	if !ok {
		return "", fmt.Errorf("project %q not found", name)
	}
	switch p.MemoriesMode {
	case ModeCode:
		return filepath.Join(p.CodePath, "docs"), nil
	case ModeCustom:
		if p.MemoriesPath == "" {
			return "", fmt.Errorf("project %q: custom mode without memories_path", name)
		}
		return p.MemoriesPath, nil
	default:
		return filepath.Join(c.Defaults.MemoriesLocation, name), nil
	}
}

// Parse decodes and normalizes a config document.
//
// Malformed JSON maps to brainerr.KindInvalidJSON. The decoder is strict
// about types but tolerant of unknown fields, so forward-compatible
// additions survive a round trip through an older binary.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, brainerr.New(brainerr.KindInvalidJSON, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Marshal serializes a config with stable key order and a trailing
// newline, the exact byte form written to disk.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing config: %w", err)
	}
	return append(data, '\n'), nil
}

// ValidProjectName checks the project naming rules: non-empty, no path
// separators, no "..", no NUL bytes.
func ValidProjectName(name string) bool {
	if name == "" || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
