// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the idempotent operations exposed to CLI and
// MCP transports: project config updates, global config updates, and
// agent-file migration into the note backend.
//
// Each operation acquires its own locks and runs the full
// validate-diff-migrate pipeline, so callers get the same guarantees as
// the manual-edit watcher.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/brain/services/brain/backend"
	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/diff"
	"github.com/AleutianAI/brain/services/brain/lock"
	"github.com/AleutianAI/brain/services/brain/manifest"
	"github.com/AleutianAI/brain/services/brain/migrate"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/translate"
)

// agentsDirName is the directory under a project's code path holding
// agent instruction files.
const agentsDirName = ".agents"

// migrator is the engine surface the service drives.
type migrator interface {
	Migrate(ctx context.Context, req migrate.Request) (*migrate.Result, error)
	MigrateGlobal(ctx context.Context, reqs []migrate.Request) ([]*migrate.Result, error)
}

// ProjectUpdate carries the optional fields of update_project_config.
type ProjectUpdate struct {
	MemoriesPath *string
	MemoriesMode *string
	DryRun       bool
}

// ProjectUpdateResult is the update_project_config response shape.
type ProjectUpdateResult struct {
	Success            bool   `json:"success"`
	MigrationPerformed bool   `json:"migration_performed"`
	FilesMigrated      int    `json:"files_migrated,omitempty"`
	SourcePath         string `json:"source_path,omitempty"`
	TargetPath         string `json:"target_path,omitempty"`
	VerificationResult string `json:"verification_result,omitempty"`
	Error              string `json:"error,omitempty"`
}

// GlobalUpdateResult is the update_global_config response shape.
type GlobalUpdateResult struct {
	Success             bool     `json:"success"`
	ProjectsAffected    []string `json:"projects_affected,omitempty"`
	MigrationsPerformed int      `json:"migrations_performed,omitempty"`
	TotalFilesMigrated  int      `json:"total_files_migrated,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// AgentFailure is one file that could not be migrated.
type AgentFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// AgentMigrationResult is the migrate_agents response shape.
type AgentMigrationResult struct {
	Success       bool           `json:"success"`
	FilesMigrated int            `json:"files_migrated"`
	Failures      []AgentFailure `json:"failures,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Service executes the tool operations.
type Service struct {
	store      *configstore.Store
	translator *translate.Translator
	locks      *lock.Manager
	engine     migrator
	baseline   *rollback.Manager
	client     backend.Client
	logger     *slog.Logger
}

// NewService wires a Service from its collaborators.
func NewService(
	store *configstore.Store,
	translator *translate.Translator,
	locks *lock.Manager,
	engine migrator,
	baseline *rollback.Manager,
	client backend.Client,
) *Service {
	return &Service{
		store:      store,
		translator: translator,
		locks:      locks,
		engine:     engine,
		baseline:   baseline,
		client:     client,
		logger:     slog.Default().With("component", "tools.Service"),
	}
}

// UpdateProjectConfig changes one project's memory placement.
//
// # Description
//
// Acquires the project's lock, applies the requested mode and path to a
// copy of the committed config, validates it, and migrates when the
// resolved memory path changes. Idempotent: applying the current values
// succeeds without migrating.
func (s *Service) UpdateProjectConfig(ctx context.Context, project string, update ProjectUpdate) *ProjectUpdateResult {
	if !schema.ValidProjectName(project) {
		return &ProjectUpdateResult{Error: string(brainerr.KindSchemaViolation)}
	}

	lease, err := s.locks.AcquireProject(ctx, project)
	if err != nil {
		return &ProjectUpdateResult{Error: errorKind(err)}
	}
	defer lease.Release()

	oldCfg, _, err := s.store.Load()
	if err != nil {
		return &ProjectUpdateResult{Error: errorKind(err)}
	}
	p, ok := oldCfg.Projects[project]
	if !ok {
		return &ProjectUpdateResult{Error: string(brainerr.KindSchemaViolation)}
	}

	newCfg := oldCfg.Clone()
	if update.MemoriesMode != nil {
		mode := schema.MemoriesMode(strings.ToLower(*update.MemoriesMode))
		if !mode.Valid() {
			return &ProjectUpdateResult{Error: string(brainerr.KindSchemaViolation)}
		}
		p.MemoriesMode = mode
	}
	if update.MemoriesPath != nil {
		p.MemoriesPath = *update.MemoriesPath
	}
	newCfg.Projects[project] = p

	d := diff.Compute(oldCfg, newCfg)
	if !d.HasChanges() {
		return &ProjectUpdateResult{Success: true}
	}

	if !d.RequiresMigration() {
		if err := s.commitWithoutMigration(newCfg); err != nil {
			return &ProjectUpdateResult{Error: errorKind(err)}
		}
		return &ProjectUpdateResult{Success: true}
	}

	source, err := oldCfg.ResolvedMemoryPath(project)
	if err != nil {
		return &ProjectUpdateResult{Error: errorKind(err)}
	}
	target, err := newCfg.ResolvedMemoryPath(project)
	if err != nil {
		return &ProjectUpdateResult{Error: errorKind(err)}
	}

	res, err := s.engine.Migrate(ctx, migrate.Request{
		Project:    project,
		SourceRoot: source,
		TargetRoot: target,
		OldConfig:  oldCfg,
		NewConfig:  newCfg,
		DryRun:     update.DryRun,
	})
	if err != nil {
		return &ProjectUpdateResult{
			SourcePath: source,
			TargetPath: target,
			Error:      errorKind(err),
		}
	}

	out := &ProjectUpdateResult{
		Success:            true,
		MigrationPerformed: !res.DryRun,
		FilesMigrated:      res.Plan.FileCount,
		SourcePath:         source,
		TargetPath:         target,
	}
	if !res.DryRun {
		out.VerificationResult = "verified"
	}
	return out
}

// UpdateGlobalConfig moves the shared default memories base.
//
// All default-mode projects migrate sequentially under the global lock;
// either every project commits or none does.
func (s *Service) UpdateGlobalConfig(ctx context.Context, defaultMemoriesLocation string, dryRun bool) *GlobalUpdateResult {
	lease, err := s.locks.AcquireGlobal(ctx, nil)
	if err != nil {
		return &GlobalUpdateResult{Error: errorKind(err)}
	}
	defer lease.Release()

	oldCfg, _, err := s.store.Load()
	if err != nil {
		return &GlobalUpdateResult{Error: errorKind(err)}
	}
	newCfg := oldCfg.Clone()
	newCfg.Defaults.MemoriesLocation = defaultMemoriesLocation

	d := diff.Compute(oldCfg, newCfg)
	if !d.HasChanges() {
		return &GlobalUpdateResult{Success: true}
	}
	affected := d.AffectedProjects()

	if len(affected) == 0 {
		// Base moved but no project currently resolves under it.
		if err := s.commitWithoutMigration(newCfg); err != nil {
			return &GlobalUpdateResult{Error: errorKind(err)}
		}
		return &GlobalUpdateResult{Success: true}
	}

	if err := s.locks.AcquireProjectLocks(ctx, lease, affected); err != nil {
		return &GlobalUpdateResult{ProjectsAffected: affected, Error: errorKind(err)}
	}

	var reqs []migrate.Request
	for _, project := range affected {
		source, err := oldCfg.ResolvedMemoryPath(project)
		if err != nil {
			return &GlobalUpdateResult{ProjectsAffected: affected, Error: errorKind(err)}
		}
		target, err := newCfg.ResolvedMemoryPath(project)
		if err != nil {
			return &GlobalUpdateResult{ProjectsAffected: affected, Error: errorKind(err)}
		}
		reqs = append(reqs, migrate.Request{
			Project:    project,
			SourceRoot: source,
			TargetRoot: target,
			OldConfig:  oldCfg,
			NewConfig:  newCfg,
			DryRun:     dryRun,
		})
	}

	results, err := s.engine.MigrateGlobal(ctx, reqs)
	if err != nil {
		return &GlobalUpdateResult{ProjectsAffected: affected, Error: errorKind(err)}
	}

	out := &GlobalUpdateResult{
		Success:          true,
		ProjectsAffected: affected,
	}
	for _, r := range results {
		if r != nil && !r.DryRun {
			out.MigrationsPerformed++
			out.TotalFilesMigrated += r.FilesCopied
		}
	}
	return out
}

// MigrateAgents moves a project's agent instruction files into the note
// backend, verifying each note via search before removing the source.
func (s *Service) MigrateAgents(ctx context.Context, project string, dryRun bool) *AgentMigrationResult {
	lease, err := s.locks.AcquireProject(ctx, project)
	if err != nil {
		return &AgentMigrationResult{Error: errorKind(err)}
	}
	defer lease.Release()

	cfg, _, err := s.store.Load()
	if err != nil {
		return &AgentMigrationResult{Error: errorKind(err)}
	}
	p, ok := cfg.Projects[project]
	if !ok {
		return &AgentMigrationResult{Error: string(brainerr.KindSchemaViolation)}
	}

	agentsDir := filepath.Join(p.CodePath, agentsDirName)
	files, err := manifest.EnumerateFiles(agentsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &AgentMigrationResult{Success: true}
		}
		return &AgentMigrationResult{Error: errorKind(err)}
	}
	if dryRun {
		return &AgentMigrationResult{Success: true, FilesMigrated: len(files)}
	}

	out := &AgentMigrationResult{}
	for _, path := range files {
		if err := s.migrateAgentFile(ctx, project, path); err != nil {
			out.Failures = append(out.Failures, AgentFailure{
				Path:   path,
				Reason: err.Error(),
			})
			continue
		}
		out.FilesMigrated++
	}
	out.Success = len(out.Failures) == 0
	return out
}

func (s *Service) migrateAgentFile(ctx context.Context, project, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := s.client.WriteNote(ctx, project, title, content); err != nil {
		return fmt.Errorf("writing note: %w", err)
	}

	results, err := s.client.Search(ctx, backend.SearchOptions{
		Project:  project,
		Query:    title,
		PageSize: 25,
	})
	if err != nil {
		return fmt.Errorf("verifying note: %w", err)
	}
	found := false
	for _, r := range results {
		if r.Title == title {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("note %q not searchable after write", title)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing source: %w", err)
	}
	return nil
}

// commitWithoutMigration persists a non-migrating change: backend
// scalars re-projected, config written, baseline advanced.
func (s *Service) commitWithoutMigration(cfg *schema.Config) error {
	if err := s.translator.Write(cfg); err != nil {
		return err
	}
	written, err := s.store.WriteAtomic(cfg)
	if err != nil {
		return err
	}
	s.baseline.MarkGood(written)
	return nil
}

// errorKind maps an error to its stable kind string for transports.
// Kindless errors collapse to internal_error so raw messages, which can
// carry filesystem paths, never reach the caller.
func errorKind(err error) string {
	if kind, ok := brainerr.KindOf(err); ok {
		return string(kind)
	}
	return string(brainerr.KindInternal)
}
