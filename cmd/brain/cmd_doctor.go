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
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/brain/services/brain/backend"
)

// checkResult is one line of the doctor report.
type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// # Description
//
// Runs read-mostly health checks: config parse and schema validity,
// per-project path resolution, memory tree existence, backend
// reachability, and leftover migration state. Stale locks are swept as
// a side effect of startup and reported. Exits non-zero when any check
// fails.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, paths, locks, and backend health",
	Args:  cobra.NoArgs,
	RunE:  runDoctorCommand,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctorCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	var checks []checkResult
	add := func(name string, err error, okDetail string) {
		r := checkResult{Name: name, OK: err == nil, Detail: okDetail}
		if err != nil {
			r.Detail = err.Error()
		}
		checks = append(checks, r)
	}

	cfg, _, err := c.store.Load()
	if err != nil {
		add("config", err, "")
		return reportDoctor(checks)
	}
	add("config", nil, fmt.Sprintf("valid (%d projects)", len(cfg.Projects)))

	names := make([]string, 0, len(cfg.Projects))
	for name := range cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resolved, rerr := cfg.ResolvedMemoryPath(name)
		if rerr != nil {
			add("project."+name+".path", rerr, "")
			continue
		}
		if _, serr := os.Stat(resolved); serr != nil && !errors.Is(serr, os.ErrNotExist) {
			add("project."+name+".tree", serr, "")
			continue
		} else if errors.Is(serr, os.ErrNotExist) {
			add("project."+name+".tree", nil, "not yet created: "+resolved)
			continue
		}
		add("project."+name+".tree", nil, resolved)
	}

	// A 404 from a throwaway probe still proves the backend answers;
	// only transport-level failure counts against it.
	_, perr := c.client.Search(ctx, backend.SearchOptions{Project: "doctor-probe", Query: "ping", PageSize: 1})
	if perr != nil && !errors.Is(perr, backend.ErrBackendUnavailable) {
		perr = nil
	}
	add("backend", perr, flagBackendURL)

	orphans, merr := c.manifests.List()
	if merr != nil {
		add("manifests", merr, "")
	} else {
		add("manifests", nil, fmt.Sprintf("%d outstanding", len(orphans)))
	}

	return reportDoctor(checks)
}

func reportDoctor(checks []checkResult) error {
	healthy := true
	for _, r := range checks {
		if !r.OK {
			healthy = false
		}
	}
	if err := printJSON(struct {
		Healthy bool          `json:"healthy"`
		Checks  []checkResult `json:"checks"`
	}{healthy, checks}); err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("one or more health checks failed")
	}
	return nil
}
