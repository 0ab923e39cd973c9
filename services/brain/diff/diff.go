// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff classifies the difference between two Brain configs.
//
// Every field change is labeled as non-migrating, per-project migrating,
// or globally migrating, so the caller knows exactly which locks to take
// and which data to move before the new config may be committed. Output
// order is deterministic regardless of map iteration order.
package diff

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/brain/services/brain/schema"
)

// Scope says how far a single change reaches.
type Scope string

const (
	// ScopeNone marks changes that never move data (sync, logging,
	// watcher settings, code paths, project add/remove).
	ScopeNone Scope = "none"

	// ScopeProject marks changes that migrate one project's memories.
	ScopeProject Scope = "project"

	// ScopeGlobal marks changes to the shared memories base that can
	// migrate several projects at once.
	ScopeGlobal Scope = "global"
)

// Change is one classified field difference.
type Change struct {
	// Field is the JSON path of the changed field, e.g.
	// "projects.main.memories_mode".
	Field string

	// Old and New are the serialized old and new values.
	Old string
	New string

	// Scope drives lock acquisition and migration planning.
	Scope Scope

	// AffectedProjects lists the projects whose resolved memory path
	// changes because of this field. Empty for ScopeNone.
	AffectedProjects []string
}

// MigrationRequired reports whether this change moves data.
func (c Change) MigrationRequired() bool {
	return c.Scope != ScopeNone
}

// Diff is the full comparison result.
type Diff struct {
	Changes []Change
}

// HasChanges reports whether the two configs differ at all.
func (d *Diff) HasChanges() bool {
	return len(d.Changes) > 0
}

// RequiresMigration reports whether any change moves data.
func (d *Diff) RequiresMigration() bool {
	for _, c := range d.Changes {
		if c.MigrationRequired() {
			return true
		}
	}
	return false
}

// RequiresGlobal reports whether any change has global scope.
func (d *Diff) RequiresGlobal() bool {
	for _, c := range d.Changes {
		if c.Scope == ScopeGlobal {
			return true
		}
	}
	return false
}

// AffectedProjects returns the sorted union of projects touched by
// migrating changes.
func (d *Diff) AffectedProjects() []string {
	seen := map[string]bool{}
	for _, c := range d.Changes {
		for _, p := range c.AffectedProjects {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Compute compares old and new configs and classifies every difference.
//
// # Description
//
// Field order in the result is stable: defaults first, then projects in
// sorted name order (each project's fields in a fixed order), then
// sync, logging, and watcher scalars. The global memories base change
// lists as affected exactly the projects resolved via default mode
// under the old base; projects pinned to code or custom paths do not
// move when the base moves.
//
// # Inputs
//
//   - oldCfg, newCfg: Both already schema-validated.
//
// # Outputs
//
//   - *Diff: Classified, ordered change list. Never nil.
func Compute(oldCfg, newCfg *schema.Config) *Diff {
	d := &Diff{}

	if oldCfg.Defaults.MemoriesLocation != newCfg.Defaults.MemoriesLocation {
		d.Changes = append(d.Changes, Change{
			Field:            "defaults.memories_location",
			Old:              oldCfg.Defaults.MemoriesLocation,
			New:              newCfg.Defaults.MemoriesLocation,
			Scope:            ScopeGlobal,
			AffectedProjects: defaultModeProjects(oldCfg, newCfg),
		})
	}
	if oldCfg.Defaults.MemoriesMode != newCfg.Defaults.MemoriesMode {
		// Template for new projects only; existing projects keep their
		// own mode.
		d.Changes = append(d.Changes, Change{
			Field: "defaults.memories_mode",
			Old:   string(oldCfg.Defaults.MemoriesMode),
			New:   string(newCfg.Defaults.MemoriesMode),
			Scope: ScopeNone,
		})
	}

	for _, name := range sortedProjectNames(oldCfg, newCfg) {
		oldP, inOld := oldCfg.Projects[name]
		newP, inNew := newCfg.Projects[name]

		switch {
		case !inOld:
			d.Changes = append(d.Changes, Change{
				Field: fmt.Sprintf("projects.%s", name),
				New:   "added",
				Scope: ScopeNone,
			})
		case !inNew:
			d.Changes = append(d.Changes, Change{
				Field: fmt.Sprintf("projects.%s", name),
				Old:   "removed",
				Scope: ScopeNone,
			})
		default:
			d.Changes = append(d.Changes, projectChanges(name, oldP, newP)...)
		}
	}

	d.Changes = append(d.Changes, scalarChanges(oldCfg, newCfg)...)
	return d
}

func projectChanges(name string, oldP, newP schema.Project) []Change {
	var out []Change
	if oldP.MemoriesMode != newP.MemoriesMode {
		out = append(out, Change{
			Field:            fmt.Sprintf("projects.%s.memories_mode", name),
			Old:              string(oldP.MemoriesMode),
			New:              string(newP.MemoriesMode),
			Scope:            ScopeProject,
			AffectedProjects: []string{name},
		})
	}
	if oldP.MemoriesPath != newP.MemoriesPath {
		// Only meaningful in custom mode; a path change in custom mode
		// relocates the project even when the mode itself is unchanged.
		scope := ScopeProject
		affected := []string{name}
		if newP.MemoriesMode != schema.ModeCustom && oldP.MemoriesMode != schema.ModeCustom {
			scope = ScopeNone
			affected = nil
		}
		out = append(out, Change{
			Field:            fmt.Sprintf("projects.%s.memories_path", name),
			Old:              oldP.MemoriesPath,
			New:              newP.MemoriesPath,
			Scope:            scope,
			AffectedProjects: affected,
		})
	}
	if oldP.CodePath != newP.CodePath {
		scope := ScopeNone
		var affected []string
		if newP.MemoriesMode == schema.ModeCode {
			// The resolved memory path lives under the code path.
			scope = ScopeProject
			affected = []string{name}
		}
		out = append(out, Change{
			Field:            fmt.Sprintf("projects.%s.code_path", name),
			Old:              oldP.CodePath,
			New:              newP.CodePath,
			Scope:            scope,
			AffectedProjects: affected,
		})
	}
	return out
}

func scalarChanges(oldCfg, newCfg *schema.Config) []Change {
	var out []Change
	add := func(field, oldV, newV string) {
		if oldV != newV {
			out = append(out, Change{Field: field, Old: oldV, New: newV, Scope: ScopeNone})
		}
	}
	add("sync.enabled", fmt.Sprintf("%t", oldCfg.Sync.Enabled), fmt.Sprintf("%t", newCfg.Sync.Enabled))
	add("sync.delay_ms", fmt.Sprintf("%d", oldCfg.Sync.DelayMS), fmt.Sprintf("%d", newCfg.Sync.DelayMS))
	add("logging.level", oldCfg.Logging.Level, newCfg.Logging.Level)
	add("watcher.enabled", fmt.Sprintf("%t", oldCfg.Watcher.Enabled), fmt.Sprintf("%t", newCfg.Watcher.Enabled))
	add("watcher.debounce_ms", fmt.Sprintf("%d", oldCfg.Watcher.DebounceMS), fmt.Sprintf("%d", newCfg.Watcher.DebounceMS))
	return out
}

// defaultModeProjects returns projects resolved under the old default
// base that still exist in the new config, sorted.
func defaultModeProjects(oldCfg, newCfg *schema.Config) []string {
	var out []string
	for name, p := range oldCfg.Projects {
		if p.MemoriesMode != schema.ModeDefault {
			continue
		}
		if _, ok := newCfg.Projects[name]; !ok {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedProjectNames(oldCfg, newCfg *schema.Config) []string {
	seen := map[string]bool{}
	for name := range oldCfg.Projects {
		seen[name] = true
	}
	for name := range newCfg.Projects {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
