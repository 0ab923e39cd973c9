// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/manifest"
)

// RecoveryReport summarizes a startup recovery sweep.
type RecoveryReport struct {
	// RolledBack lists migration ids whose partial targets were removed.
	RolledBack []string

	// Completed lists migration ids that were fully verified and only
	// needed their manifest deleted.
	Completed []string
}

// Recover sweeps the manifest directory for orphans of a crashed run.
//
// # Description
//
// Runs at startup, after the rollback baseline is captured and before
// the watcher starts. A manifest whose entries are all verified is a
// leftover from a crash between VERIFY and final cleanup; only the
// manifest file is deleted. Anything else is an interrupted copy and is
// rolled back, removing partial targets while leaving sources intact.
//
// # Outputs
//
//   - *RecoveryReport: What was cleaned up. Never nil on success.
//   - error: Only when the manifest directory itself cannot be read;
//     individual manifest failures are logged and skipped.
func Recover(ctx context.Context, manifests *manifest.Store, logger *slog.Logger) (*RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default().With("component", "migrate.Recover")
	}

	orphans, err := manifests.List()
	if err != nil {
		return nil, brainerr.New(brainerr.KindCrashRecovery, err)
	}

	report := &RecoveryReport{}
	for _, m := range orphans {
		recordRecovery(ctx, m.Project)
		if m.AllVerified() {
			if err := manifests.Delete(m); err != nil {
				logger.Error("failed to delete verified orphan manifest",
					"migration_id", m.MigrationID,
					"error", err)
				continue
			}
			logger.Info("completed interrupted migration cleanup",
				"migration_id", m.MigrationID,
				"project", m.Project)
			report.Completed = append(report.Completed, m.MigrationID)
			continue
		}

		if err := manifests.Rollback(m); err != nil {
			logger.Error("failed to roll back orphan manifest",
				"migration_id", m.MigrationID,
				"error", err)
			continue
		}
		logger.Warn("rolled back interrupted migration",
			"migration_id", m.MigrationID,
			"project", m.Project,
			"entries", len(m.Entries))
		report.RolledBack = append(report.RolledBack, m.MigrationID)
	}
	return report, nil
}
