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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/tools"
)

var (
	setProjectMode   string
	setProjectPath   string
	setProjectDryRun bool
	setDefaultDryRun bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change the Brain configuration",
}

// # Description
//
// Prints the committed configuration together with each project's
// resolved memory path, so the effect of the mode rules is visible
// without reading the raw file.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the committed configuration with resolved paths",
	Args:  cobra.NoArgs,
	RunE:  runConfigShowCommand,
}

var configSetProjectCmd = &cobra.Command{
	Use:   "set-project <name>",
	Short: "Change a project's memory mode or path, migrating if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetProjectCommand,
}

var configSetDefaultCmd = &cobra.Command{
	Use:   "set-default <location>",
	Short: "Change the default memories location, migrating every default-mode project",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetDefaultCommand,
}

func init() {
	configSetProjectCmd.Flags().StringVar(&setProjectMode, "mode", "", "memories mode: default, code, or custom")
	configSetProjectCmd.Flags().StringVar(&setProjectPath, "path", "", "explicit memories path (custom mode)")
	configSetProjectCmd.Flags().BoolVar(&setProjectDryRun, "dry-run", false, "report the plan without migrating")
	configSetDefaultCmd.Flags().BoolVar(&setDefaultDryRun, "dry-run", false, "report the plan without migrating")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetProjectCmd)
	configCmd.AddCommand(configSetDefaultCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShowCommand(cmd *cobra.Command, args []string) error {
	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	cfg, _, err := c.store.Load()
	if err != nil {
		return err
	}

	type projectView struct {
		CodePath     string `json:"code_path"`
		MemoriesMode string `json:"memories_mode"`
		MemoriesPath string `json:"memories_path,omitempty"`
		ResolvedPath string `json:"resolved_path"`
	}
	view := struct {
		Version  int                    `json:"version"`
		Defaults any                    `json:"defaults"`
		Projects map[string]projectView `json:"projects"`
		Sync     any                    `json:"sync"`
		Logging  any                    `json:"logging"`
		Watcher  any                    `json:"watcher"`
	}{
		Version:  cfg.Version,
		Defaults: cfg.Defaults,
		Projects: make(map[string]projectView, len(cfg.Projects)),
		Sync:     cfg.Sync,
		Logging:  cfg.Logging,
		Watcher:  cfg.Watcher,
	}
	for name, p := range cfg.Projects {
		resolved, rerr := cfg.ResolvedMemoryPath(name)
		if rerr != nil {
			resolved = "(unresolvable: " + rerr.Error() + ")"
		}
		view.Projects[name] = projectView{
			CodePath:     p.CodePath,
			MemoriesMode: string(p.MemoriesMode),
			MemoriesPath: p.MemoriesPath,
			ResolvedPath: resolved,
		}
	}
	return printJSON(view)
}

func runConfigSetProjectCommand(cmd *cobra.Command, args []string) error {
	if setProjectMode == "" && setProjectPath == "" {
		return fmt.Errorf("nothing to change: pass --mode and/or --path")
	}

	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	update := tools.ProjectUpdate{DryRun: setProjectDryRun}
	if setProjectMode != "" {
		update.MemoriesMode = &setProjectMode
	}
	if setProjectPath != "" {
		update.MemoriesPath = &setProjectPath
	}

	result := c.service.UpdateProjectConfig(cmd.Context(), args[0], update)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return toolError(result.Error)
	}
	return nil
}

func runConfigSetDefaultCommand(cmd *cobra.Command, args []string) error {
	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	result := c.service.UpdateGlobalConfig(cmd.Context(), args[0], setDefaultDryRun)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return toolError(result.Error)
	}
	return nil
}

// printJSON writes indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toolError rehydrates a tool-result error kind so the process exit
// code matches the failure class.
func toolError(kind string) error {
	return brainerr.New(brainerr.Kind(kind), fmt.Errorf("operation failed: %s", kind))
}
