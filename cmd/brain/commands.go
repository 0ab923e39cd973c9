// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/brain/pkg/logging"
	"github.com/AleutianAI/brain/services/brain/backend"
	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/lock"
	"github.com/AleutianAI/brain/services/brain/manifest"
	"github.com/AleutianAI/brain/services/brain/migrate"
	"github.com/AleutianAI/brain/services/brain/paths"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/tools"
	"github.com/AleutianAI/brain/services/brain/translate"
	"github.com/AleutianAI/brain/services/brain/watch"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	flagConfigPath string // Override the Brain config location
	flagBackendURL string // Note backend HTTP endpoint
	flagLogLevel   string // Override logging.level for this invocation
	flagVerbose    bool   // Shorthand for --log-level debug
	flagQuiet      bool   // Suppress stderr logs
	flagJSON       bool   // JSON log output
)

var rootCmd = &cobra.Command{
	Use:   "brain",
	Short: "Manage Brain configuration and memory placement",
	Long: `brain owns the user-facing configuration for the Brain memory service
and performs atomic migrations of memory trees and their search index
whenever that configuration changes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to the Brain config file (default: XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&flagBackendURL, "backend-url", "http://127.0.0.1:8765", "note backend HTTP endpoint")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress stderr logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json-logs", false, "emit logs as JSON")
}

// =============================================================================
// CORE WIRING
// =============================================================================

// core bundles every collaborator a command may need. Built once per
// invocation; composition only, no business logic.
type core struct {
	store      *configstore.Store
	translator *translate.Translator
	locks      *lock.Manager
	manifests  *manifest.Store
	baseline   *rollback.Manager
	client     backend.Client
	engine     *migrate.Engine
	service    *tools.Service
	logClose   io.Closer
}

// buildCore wires the full pipeline: config store, baseline capture,
// crash recovery, lock manager, engine, and tool service.
func buildCore(ctx context.Context) (*core, error) {
	configPath := flagConfigPath
	if configPath == "" {
		var err error
		configPath, err = configstore.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	configDir := filepath.Dir(configPath)

	store := configstore.NewStore(configPath, schema.NewValidator())
	baseline := rollback.NewManager(store)
	if err := baseline.Initialize(); err != nil {
		return nil, err
	}

	cfg, _, err := store.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if flagVerbose {
		level = "debug"
	}
	logDir, err := logging.DefaultLogDir()
	if err != nil {
		logDir = ""
	}
	logClose, err := logging.Setup(logging.Config{
		Level:  level,
		LogDir: logDir,
		Quiet:  flagQuiet,
		JSON:   flagJSON,
	})
	if err != nil {
		return nil, err
	}

	locks, err := lock.NewManager(lock.ManagerConfig{
		LockDir: filepath.Join(configDir, "locks"),
	})
	if err != nil {
		return nil, err
	}
	if removed, err := locks.CleanupStaleLocks(); err == nil && removed > 0 {
		slog.Info("removed stale locks", "count", removed)
	}

	manifests, err := manifest.NewStore(filepath.Join(configDir, "manifests"))
	if err != nil {
		return nil, err
	}
	if report, err := migrate.Recover(ctx, manifests, nil); err != nil {
		return nil, err
	} else if len(report.RolledBack) > 0 || len(report.Completed) > 0 {
		slog.Warn("recovered interrupted migrations",
			"rolled_back", len(report.RolledBack),
			"completed", len(report.Completed))
	}

	backendPath, err := translate.DefaultBackendConfigPath()
	if err != nil {
		return nil, err
	}
	translator := translate.NewTranslator(backendPath)
	client := backend.NewHTTPClient(flagBackendURL)

	engine := migrate.NewEngine(store, translator, manifests, baseline, client, paths.NewValidator())
	service := tools.NewService(store, translator, locks, engine, baseline, client)

	return &core{
		store:      store,
		translator: translator,
		locks:      locks,
		manifests:  manifests,
		baseline:   baseline,
		client:     client,
		engine:     engine,
		service:    service,
		logClose:   logClose,
	}, nil
}

// close releases resources held by the core.
func (c *core) close() {
	c.locks.ReleaseAll()
	if c.logClose != nil {
		_ = c.logClose.Close()
	}
}

// newWatcher builds the manual-edit watcher over this core.
func (c *core) newWatcher(debounceMS int) *watch.Watcher {
	return watch.NewWatcher(
		c.store,
		c.translator,
		c.locks,
		c.engine,
		c.baseline,
		paths.NewValidator(),
		time.Duration(debounceMS)*time.Millisecond,
	)
}
