// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/brain/services/brain/backend"
	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/lock"
	"github.com/AleutianAI/brain/services/brain/migrate"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/translate"
)

// stubEngine records migration requests and commits configs like the
// real engine does.
type stubEngine struct {
	single  []migrate.Request
	global  [][]migrate.Request
	failErr error
	store   *configstore.Store
	good    *rollback.Manager
	files   int
}

func (s *stubEngine) Migrate(_ context.Context, req migrate.Request) (*migrate.Result, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	s.single = append(s.single, req)
	if req.DryRun {
		return &migrate.Result{DryRun: true, Plan: migrate.Plan{FileCount: s.files}}, nil
	}
	written, err := s.store.WriteAtomic(req.NewConfig)
	if err != nil {
		return nil, err
	}
	s.good.MarkGood(written)
	return &migrate.Result{FilesCopied: s.files, Plan: migrate.Plan{FileCount: s.files}}, nil
}

func (s *stubEngine) MigrateGlobal(ctx context.Context, reqs []migrate.Request) ([]*migrate.Result, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	s.global = append(s.global, reqs)
	var out []*migrate.Result
	for range reqs {
		out = append(out, &migrate.Result{DryRun: reqs[0].DryRun, FilesCopied: s.files, Plan: migrate.Plan{FileCount: s.files}})
	}
	if !reqs[0].DryRun {
		written, err := s.store.WriteAtomic(reqs[0].NewConfig)
		if err != nil {
			return nil, err
		}
		s.good.MarkGood(written)
	}
	return out, nil
}

// stubClient is an in-memory note backend.
type stubClient struct {
	notes      map[string][]byte
	hideTitles map[string]bool
}

func (c *stubClient) WriteNote(_ context.Context, _, title string, content []byte) error {
	if c.notes == nil {
		c.notes = map[string][]byte{}
	}
	c.notes[title] = content
	return nil
}

func (c *stubClient) ReadNote(_ context.Context, _, identifier string) ([]byte, error) {
	content, ok := c.notes[identifier]
	if !ok {
		return nil, backend.ErrNoteNotFound
	}
	return content, nil
}

func (c *stubClient) Search(_ context.Context, opts backend.SearchOptions) ([]backend.SearchResult, error) {
	var out []backend.SearchResult
	for title := range c.notes {
		if c.hideTitles[title] {
			continue
		}
		if strings.Contains(title, opts.Query) {
			out = append(out, backend.SearchResult{Title: title, Project: opts.Project})
		}
	}
	return out, nil
}

func (c *stubClient) Reindex(context.Context, string) error { return nil }

type serviceEnv struct {
	service *Service
	engine  *stubEngine
	client  *stubClient
	store   *configstore.Store
	cfg     *schema.Config
	root    string
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	root := t.TempDir()
	store := configstore.NewStore(filepath.Join(root, "config.json"), schema.NewValidator())

	cfg := schema.Default(filepath.Join(root, "memories"))
	cfg.Projects["main"] = schema.Project{CodePath: filepath.Join(root, "code"), MemoriesMode: schema.ModeDefault}
	_, err := store.WriteAtomic(cfg)
	require.NoError(t, err)

	baseline := rollback.NewManager(store)
	require.NoError(t, baseline.Initialize())

	locks, err := lock.NewManager(lock.ManagerConfig{
		LockDir:        filepath.Join(root, "locks"),
		GlobalTimeout:  time.Second,
		ProjectTimeout: time.Second,
	})
	require.NoError(t, err)

	translator := translate.NewTranslator(filepath.Join(root, "backend.json"))
	require.NoError(t, translator.Write(cfg))

	engine := &stubEngine{store: store, good: baseline, files: 4}
	client := &stubClient{}
	service := NewService(store, translator, locks, engine, baseline, client)

	return &serviceEnv{service: service, engine: engine, client: client, store: store, cfg: cfg, root: root}
}

func strPtr(s string) *string { return &s }

func TestUpdateProjectConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("mode change migrates", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("code")})
		require.Empty(t, res.Error)
		assert.True(t, res.Success)
		assert.True(t, res.MigrationPerformed)
		assert.Equal(t, 4, res.FilesMigrated)
		assert.Equal(t, "verified", res.VerificationResult)
		assert.Equal(t, filepath.Join(e.root, "memories", "main"), res.SourcePath)
		assert.Equal(t, filepath.Join(e.root, "code", "docs"), res.TargetPath)
		require.Len(t, e.engine.single, 1)
	})

	t.Run("idempotent no-op", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("default")})
		assert.True(t, res.Success)
		assert.False(t, res.MigrationPerformed)
		assert.Empty(t, e.engine.single)
	})

	t.Run("dry run", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("code"), DryRun: true})
		assert.True(t, res.Success)
		assert.False(t, res.MigrationPerformed)
		assert.Equal(t, 4, res.FilesMigrated)

		// Config untouched by the dry run.
		cfg, _, err := e.store.Load()
		require.NoError(t, err)
		assert.Equal(t, schema.ModeDefault, cfg.Projects["main"].MemoriesMode)
	})

	t.Run("unknown project", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateProjectConfig(ctx, "ghost", ProjectUpdate{MemoriesMode: strPtr("code")})
		assert.False(t, res.Success)
		assert.Equal(t, string(brainerr.KindSchemaViolation), res.Error)
	})

	t.Run("invalid mode", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("floppy")})
		assert.Equal(t, string(brainerr.KindSchemaViolation), res.Error)
	})

	t.Run("engine failure surfaces kind", func(t *testing.T) {
		e := newServiceEnv(t)
		e.engine.failErr = brainerr.New(brainerr.KindVerificationFailed, context.DeadlineExceeded)
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("code")})
		assert.False(t, res.Success)
		assert.Equal(t, string(brainerr.KindVerificationFailed), res.Error)
	})

	t.Run("kindless failure never echoes the message", func(t *testing.T) {
		e := newServiceEnv(t)
		e.engine.failErr = errors.New("open /home/someone/.secret/notes: permission denied")
		res := e.service.UpdateProjectConfig(ctx, "main", ProjectUpdate{MemoriesMode: strPtr("code")})
		assert.False(t, res.Success)
		assert.Equal(t, string(brainerr.KindInternal), res.Error)
		assert.NotContains(t, res.Error, "/home/someone")
	})
}

func TestUpdateGlobalConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("migrates default-mode projects", func(t *testing.T) {
		e := newServiceEnv(t)
		newBase := filepath.Join(e.root, "relocated")
		res := e.service.UpdateGlobalConfig(ctx, newBase, false)
		require.Empty(t, res.Error)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"main"}, res.ProjectsAffected)
		assert.Equal(t, 1, res.MigrationsPerformed)
		assert.Equal(t, 4, res.TotalFilesMigrated)
		require.Len(t, e.engine.global, 1)
		assert.Equal(t, filepath.Join(newBase, "main"), e.engine.global[0][0].TargetRoot)
	})

	t.Run("no affected projects commits directly", func(t *testing.T) {
		e := newServiceEnv(t)
		p := e.cfg.Projects["main"]
		p.MemoriesMode = schema.ModeCode
		e.cfg.Projects["main"] = p
		_, err := e.store.WriteAtomic(e.cfg)
		require.NoError(t, err)

		res := e.service.UpdateGlobalConfig(ctx, filepath.Join(e.root, "relocated"), false)
		assert.True(t, res.Success)
		assert.Zero(t, res.MigrationsPerformed)
		assert.Empty(t, e.engine.global)

		cfg, _, err := e.store.Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(e.root, "relocated"), cfg.Defaults.MemoriesLocation)
	})

	t.Run("unchanged location is a no-op", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.UpdateGlobalConfig(ctx, e.cfg.Defaults.MemoriesLocation, false)
		assert.True(t, res.Success)
		assert.Empty(t, res.ProjectsAffected)
	})
}

func TestMigrateAgents(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, e *serviceEnv, files map[string]string) string {
		dir := filepath.Join(e.root, "code", agentsDirName)
		for rel, content := range files {
			p := filepath.Join(dir, rel)
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
			require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		}
		return dir
	}

	t.Run("imports and removes sources", func(t *testing.T) {
		e := newServiceEnv(t)
		dir := seed(t, e, map[string]string{"reviewer.md": "review rules\n", "planner.md": "plan rules\n"})

		res := e.service.MigrateAgents(ctx, "main", false)
		require.Empty(t, res.Error)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.FilesMigrated)
		assert.Empty(t, res.Failures)

		content, err := e.client.ReadNote(ctx, "main", "reviewer")
		require.NoError(t, err)
		assert.Equal(t, "review rules\n", string(content))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unsearchable note keeps source", func(t *testing.T) {
		e := newServiceEnv(t)
		seed(t, e, map[string]string{"reviewer.md": "review rules\n"})
		e.client.hideTitles = map[string]bool{"reviewer": true}

		res := e.service.MigrateAgents(ctx, "main", false)
		assert.False(t, res.Success)
		require.Len(t, res.Failures, 1)
		assert.FileExists(t, res.Failures[0].Path)
	})

	t.Run("dry run counts only", func(t *testing.T) {
		e := newServiceEnv(t)
		seed(t, e, map[string]string{"reviewer.md": "review rules\n"})

		res := e.service.MigrateAgents(ctx, "main", true)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.FilesMigrated)
		assert.Empty(t, e.client.notes)
	})

	t.Run("missing agents dir succeeds empty", func(t *testing.T) {
		e := newServiceEnv(t)
		res := e.service.MigrateAgents(ctx, "main", false)
		assert.True(t, res.Success)
		assert.Zero(t, res.FilesMigrated)
	})
}
