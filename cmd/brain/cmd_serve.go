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
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/brain/services/brain/tools"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var serveNoWatch bool

// # Description
//
// Runs the MCP server over stdio, exposing update_project_config,
// update_global_config, and migrate_agents. Unless disabled, the
// manual-edit watcher runs alongside it so direct edits to the config
// file are picked up, validated, and migrated while the server is up.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configuration tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE:  runServeCommand,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not watch the config file for manual edits")
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	cfg, _, err := c.store.Load()
	if err != nil {
		return err
	}

	s := server.NewMCPServer(
		"brain",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	updateProject := tools.NewUpdateProjectTool(c.service)
	updateGlobal := tools.NewUpdateGlobalTool(c.service)
	migrateAgents := tools.NewMigrateAgentsTool(c.service)
	s.AddTool(updateProject.Definition(), updateProject.Handle)
	s.AddTool(updateGlobal.Definition(), updateGlobal.Handle)
	s.AddTool(migrateAgents.Definition(), migrateAgents.Handle)

	watchDone := make(chan struct{})
	if cfg.Watcher.Enabled && !serveNoWatch {
		w := c.newWatcher(cfg.Watcher.DebounceMS)
		go func() {
			defer close(watchDone)
			if werr := w.Run(ctx); werr != nil && ctx.Err() == nil {
				slog.Error("config watcher stopped", "error", werr)
			}
		}()
		defer func() {
			w.Stop()
			<-watchDone
		}()
	} else {
		close(watchDone)
	}

	slog.Info("serving MCP tools over stdio",
		"version", Version,
		"watcher", cfg.Watcher.Enabled && !serveNoWatch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(s)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}
