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
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// UpdateProjectTool handles the update_project_config MCP tool.
type UpdateProjectTool struct {
	service *Service
}

// NewUpdateProjectTool creates an UpdateProjectTool.
func NewUpdateProjectTool(service *Service) *UpdateProjectTool {
	return &UpdateProjectTool{service: service}
}

// Definition returns the MCP tool definition for update_project_config.
func (t *UpdateProjectTool) Definition() mcp.Tool {
	return mcp.NewTool("update_project_config",
		mcp.WithDescription(
			"Change where a project's memories are stored. Moves the files and the "+
				"search index atomically; on any failure everything stays where it was.",
		),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
		mcp.WithString("memories_mode",
			mcp.Description("Placement mode: default, code, or custom"),
		),
		mcp.WithString("memories_path",
			mcp.Description("Explicit memories directory (custom mode only)"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Plan only; no files are moved"),
		),
	)
}

// Handle processes the update_project_config tool call.
func (t *UpdateProjectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := req.GetString("project", "")
	if project == "" {
		return mcp.NewToolResultError("'project' is required"), nil
	}

	update := ProjectUpdate{DryRun: req.GetBool("dry_run", false)}
	if mode := req.GetString("memories_mode", ""); mode != "" {
		update.MemoriesMode = &mode
	}
	if path := req.GetString("memories_path", ""); path != "" {
		update.MemoriesPath = &path
	}

	return resultJSON(t.service.UpdateProjectConfig(ctx, project, update))
}

// UpdateGlobalTool handles the update_global_config MCP tool.
type UpdateGlobalTool struct {
	service *Service
}

// NewUpdateGlobalTool creates an UpdateGlobalTool.
func NewUpdateGlobalTool(service *Service) *UpdateGlobalTool {
	return &UpdateGlobalTool{service: service}
}

// Definition returns the MCP tool definition for update_global_config.
func (t *UpdateGlobalTool) Definition() mcp.Tool {
	return mcp.NewTool("update_global_config",
		mcp.WithDescription(
			"Move the shared default memories location. Every project stored under the "+
				"default base migrates with it; the change commits only when all of them verify.",
		),
		mcp.WithString("default_memories_location",
			mcp.Required(),
			mcp.Description("New base directory for default-mode project memories"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Plan only; no files are moved"),
		),
	)
}

// Handle processes the update_global_config tool call.
func (t *UpdateGlobalTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	location := req.GetString("default_memories_location", "")
	if location == "" {
		return mcp.NewToolResultError("'default_memories_location' is required"), nil
	}
	return resultJSON(t.service.UpdateGlobalConfig(ctx, location, req.GetBool("dry_run", false)))
}

// MigrateAgentsTool handles the migrate_agents MCP tool.
type MigrateAgentsTool struct {
	service *Service
}

// NewMigrateAgentsTool creates a MigrateAgentsTool.
func NewMigrateAgentsTool(service *Service) *MigrateAgentsTool {
	return &MigrateAgentsTool{service: service}
}

// Definition returns the MCP tool definition for migrate_agents.
func (t *MigrateAgentsTool) Definition() mcp.Tool {
	return mcp.NewTool("migrate_agents",
		mcp.WithDescription(
			"Import a project's agent instruction files into the note backend. Each file "+
				"becomes a searchable note; sources are removed only after the note is found by search.",
		),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Count the files without importing them"),
		),
	)
}

// Handle processes the migrate_agents tool call.
func (t *MigrateAgentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := req.GetString("project", "")
	if project == "" {
		return mcp.NewToolResultError("'project' is required"), nil
	}
	return resultJSON(t.service.MigrateAgents(ctx, project, req.GetBool("dry_run", false)))
}

// resultJSON serializes a result struct as the tool's text payload.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
