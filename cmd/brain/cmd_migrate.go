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
	"github.com/spf13/cobra"
)

var migrateAgentsDryRun bool

// # Description
//
// Imports a project's legacy .agents files into the note backend. Each
// file becomes a note titled after its base name; a file's source is
// deleted only after its note is readable and searchable. Files that
// fail import are reported and left in place.
var migrateAgentsCmd = &cobra.Command{
	Use:   "migrate-agents <project>",
	Short: "Import legacy .agents files into the note backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateAgentsCommand,
}

func init() {
	migrateAgentsCmd.Flags().BoolVar(&migrateAgentsDryRun, "dry-run", false, "count importable files without touching them")
	rootCmd.AddCommand(migrateAgentsCmd)
}

func runMigrateAgentsCommand(cmd *cobra.Command, args []string) error {
	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	result := c.service.MigrateAgents(cmd.Context(), args[0], migrateAgentsDryRun)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return toolError(result.Error)
	}
	return nil
}
