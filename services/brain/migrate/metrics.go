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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for migration metrics.
var meter = otel.Meter("brain.migrate")

// Metric instruments for migration operations.
var (
	migrationTotal    metric.Int64Counter
	rollbackTotal     metric.Int64Counter
	recoveryTotal     metric.Int64Counter
	migrationDuration metric.Float64Histogram
	filesMigrated     metric.Int64Histogram
	bytesMigrated     metric.Int64Histogram
	activeGauge       metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		migrationTotal, err = meter.Int64Counter(
			"migration_total",
			metric.WithDescription("Total number of migration attempts by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"migration_rollback_total",
			metric.WithDescription("Total number of migration rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recoveryTotal, err = meter.Int64Counter(
			"migration_recovery_total",
			metric.WithDescription("Total number of orphaned manifests recovered at startup"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		migrationDuration, err = meter.Float64Histogram(
			"migration_duration_seconds",
			metric.WithDescription("Duration of migrations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesMigrated, err = meter.Int64Histogram(
			"migration_files",
			metric.WithDescription("Number of files moved per migration"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		bytesMigrated, err = meter.Int64Histogram(
			"migration_bytes",
			metric.WithDescription("Bytes moved per migration"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"migration_active",
			metric.WithDescription("Number of currently running migrations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordMigration records one finished migration.
func recordMigration(ctx context.Context, project, outcome string, files int, bytes int64, elapsed time.Duration) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("outcome", outcome),
	)
	migrationTotal.Add(ctx, 1, attrs)
	migrationDuration.Record(ctx, elapsed.Seconds(), attrs)
	filesMigrated.Record(ctx, int64(files), attrs)
	bytesMigrated.Record(ctx, bytes, attrs)
}

// recordRollback records one rollback, keyed by the phase that failed.
func recordRollback(ctx context.Context, project, phase string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("phase", phase),
	))
}

// recordRecovery records one startup recovery sweep entry.
func recordRecovery(ctx context.Context, project string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	recoveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
	))
}

// trackActive bumps the active gauge and returns the matching decrement.
func trackActive(ctx context.Context) func() {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return func() {}
	}
	activeGauge.Add(ctx, 1)
	return func() { activeGauge.Add(ctx, -1) }
}
