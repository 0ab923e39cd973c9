// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate relocates a project's memory tree and search index.
//
// The engine is a strict state machine: VALIDATE, PREPARE, EXECUTE,
// REINDEX, VERIFY, COMMIT. Source files are never touched before
// COMMIT, so a failure in any phase — or a crash at any byte — leaves
// the sources intact and the manifest with enough state to remove the
// partial target.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/brain/services/brain/backend"
	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/manifest"
	"github.com/AleutianAI/brain/services/brain/paths"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/translate"
)

// Phase names the engine's state machine steps.
type Phase string

const (
	PhaseValidate Phase = "VALIDATE"
	PhasePrepare  Phase = "PREPARE"
	PhaseExecute  Phase = "EXECUTE"
	PhaseReindex  Phase = "REINDEX"
	PhaseVerify   Phase = "VERIFY"
	PhaseCommit   Phase = "COMMIT"
	PhaseRollback Phase = "ROLLBACK"
)

// DefaultReindexTimeout bounds the REINDEX wait.
const DefaultReindexTimeout = 120 * time.Second

// spaceHeadroom is the safety factor applied to the source size when
// checking free space at the target.
const spaceHeadroom = 1.1

// Progress is one engine progress event. Current and Total are
// monotonic within a phase.
type Progress struct {
	Phase            Phase
	Current          int
	Total            int
	CurrentFile      string
	BytesTransferred int64
	BytesTotal       int64
}

// ProgressFunc receives progress events. Must not block.
type ProgressFunc func(Progress)

// Request describes one project migration.
type Request struct {
	// Project is the project whose memories move.
	Project string

	// SourceRoot and TargetRoot are absolute tree roots.
	SourceRoot string
	TargetRoot string

	// OldConfig is the committed config; re-projected to the backend on
	// rollback.
	OldConfig *schema.Config

	// NewConfig is committed only after VERIFY passes.
	NewConfig *schema.Config

	// DryRun stops after VALIDATE and planning; no manifest is
	// persisted and no bytes are copied.
	DryRun bool
}

// Plan is the would-be shape of a migration, returned by dry runs.
type Plan struct {
	Project    string
	SourceRoot string
	TargetRoot string
	FileCount  int
	TotalBytes int64
}

// Result summarizes a finished migration.
type Result struct {
	MigrationID string
	Plan        Plan
	FilesCopied int
	Elapsed     time.Duration
	DryRun      bool
}

// Engine executes migrations. Locks are the caller's responsibility;
// the engine assumes the owning project (or global) lock is held for
// the duration of Migrate.
type Engine struct {
	store      *configstore.Store
	translator *translate.Translator
	manifests  *manifest.Store
	baseline   *rollback.Manager
	client     backend.Client
	pathCheck  *paths.Validator
	hasher     manifest.Hasher
	tracer     *Tracer
	logger     *slog.Logger

	progress       ProgressFunc
	reindexTimeout time.Duration

	// freeSpace is swappable in tests.
	freeSpace func(string) (uint64, error)
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

// WithReindexTimeout overrides the REINDEX wait ceiling.
func WithReindexTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.reindexTimeout = d }
}

// WithTracer attaches a tracer.
func WithTracer(t *Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(
	store *configstore.Store,
	translator *translate.Translator,
	manifests *manifest.Store,
	baseline *rollback.Manager,
	client backend.Client,
	pathCheck *paths.Validator,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:          store,
		translator:     translator,
		manifests:      manifests,
		baseline:       baseline,
		client:         client,
		pathCheck:      pathCheck,
		hasher:         manifest.NewSHA256Hasher(),
		tracer:         NewTracer(nil, false),
		logger:         slog.Default().With("component", "migrate.Engine"),
		reindexTimeout: DefaultReindexTimeout,
		freeSpace:      diskFree,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Migrate runs one project migration end to end.
//
// # Description
//
// Validates, plans, copies, reindexes, and verifies; only then deletes
// the sources and commits the new config. Any failure between PREPARE
// and VERIFY triggers a full rollback: partial targets removed, backend
// config re-projected from the old config, reindex re-requested. A
// failure during COMMIT never removes targets; the verified targets and
// the manifest are left for startup recovery to finish. The caller
// must hold the project's lock (and the global lock for global-scope
// changes).
//
// # Outputs
//
//   - *Result: Summary of the work performed, or the dry-run plan.
//   - error: A brainerr.Error carrying a stable kind and the phase that
//     failed.
func (e *Engine) Migrate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	done := trackActive(ctx)
	defer done()

	ctx, span := e.tracer.StartMigration(ctx, req.Project, req.SourceRoot, req.TargetRoot)
	defer span.End()

	plan, files, err := e.validate(ctx, req)
	if err != nil {
		recordMigration(ctx, req.Project, "rejected", 0, 0, time.Since(start))
		return nil, err
	}
	if req.DryRun {
		return &Result{Plan: *plan, Elapsed: time.Since(start), DryRun: true}, nil
	}

	m, err := e.prepare(ctx, req, files)
	if err != nil {
		recordMigration(ctx, req.Project, "rejected", 0, 0, time.Since(start))
		return nil, err
	}

	if err := e.runThroughVerify(ctx, req, m, plan); err != nil {
		e.rollbackMigration(ctx, req, m, err)
		recordMigration(ctx, req.Project, "rolled_back", 0, 0, time.Since(start))
		return nil, err
	}

	if err := e.commit(ctx, req, m, true); err != nil {
		// Source removal has begun, so the verified targets and the
		// manifest must stay in place; startup recovery finishes the
		// cleanup. Removing targets here would leave no copy at all.
		e.logger.Error("commit failed, leaving targets and manifest for recovery",
			"project", req.Project,
			"migration_id", m.MigrationID,
			"error", err)
		recordMigration(ctx, req.Project, "commit_failed", 0, 0, time.Since(start))
		return nil, err
	}

	elapsed := time.Since(start)
	recordMigration(ctx, req.Project, "committed", plan.FileCount, plan.TotalBytes, elapsed)
	e.logger.Info("migration committed",
		"project", req.Project,
		"migration_id", m.MigrationID,
		"files", plan.FileCount,
		"bytes", plan.TotalBytes,
		"elapsed", elapsed)
	return &Result{
		MigrationID: m.MigrationID,
		Plan:        *plan,
		FilesCopied: plan.FileCount,
		Elapsed:     elapsed,
	}, nil
}

// MigrateGlobal relocates several projects under one base change.
//
// # Description
//
// Projects run sequentially. Every project is carried through VERIFY
// before the first COMMIT, so a failure up to that point rolls back all
// pending targets in reverse order with all sources still intact. Once
// COMMIT starts, targets are never removed: a commit failure leaves the
// failing project's verified targets and manifest for recovery and
// rolls back only the projects whose commit has not begun. The final
// config write happens exactly once, after every project's sources are
// deleted.
func (e *Engine) MigrateGlobal(ctx context.Context, reqs []Request) ([]*Result, error) {
	type staged struct {
		req  Request
		m    *manifest.Manifest
		plan *Plan
	}
	var pending []staged

	rollbackAll := func(cause error) {
		for i := len(pending) - 1; i >= 0; i-- {
			e.rollbackMigration(ctx, pending[i].req, pending[i].m, cause)
		}
	}

	for _, req := range reqs {
		plan, files, err := e.validate(ctx, req)
		if err != nil {
			rollbackAll(err)
			return nil, err
		}
		if req.DryRun {
			pending = append(pending, staged{req: req, plan: plan})
			continue
		}
		m, err := e.prepare(ctx, req, files)
		if err != nil {
			rollbackAll(err)
			return nil, err
		}
		pending = append(pending, staged{req: req, m: m, plan: plan})
		if err := e.runThroughVerify(ctx, req, m, plan); err != nil {
			rollbackAll(err)
			return nil, err
		}
	}

	var results []*Result
	if len(pending) > 0 && pending[0].req.DryRun {
		for _, s := range pending {
			results = append(results, &Result{Plan: *s.plan, DryRun: true})
		}
		return results, nil
	}

	// All projects verified; now irreversible cleanup, config last.
	for i, s := range pending {
		final := i == len(pending)-1
		if err := e.commit(ctx, s.req, s.m, final); err != nil {
			// Source removal for this project has begun; its verified
			// targets and manifest stay for recovery. Later projects
			// have not started commit, so only their targets are
			// removed.
			for j := len(pending) - 1; j > i; j-- {
				e.rollbackMigration(ctx, pending[j].req, pending[j].m, err)
			}
			e.logger.Error("global commit failed, leaving targets and manifest for recovery",
				"project", s.req.Project,
				"migration_id", s.m.MigrationID,
				"error", err)
			return nil, err
		}
		results = append(results, &Result{
			MigrationID: s.m.MigrationID,
			Plan:        *s.plan,
			FilesCopied: s.plan.FileCount,
		})
	}
	return results, nil
}

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

func (e *Engine) validate(ctx context.Context, req Request) (*Plan, []string, error) {
	_, span := e.tracer.StartPhase(ctx, PhaseValidate)
	var err error
	defer func() { e.tracer.EndPhase(span, err) }()

	info, statErr := os.Stat(req.SourceRoot)
	if statErr != nil || !info.IsDir() {
		err = brainerr.WithPhase(brainerr.KindSourceMissing, string(PhaseValidate),
			fmt.Errorf("source root %s is not a readable directory", req.SourceRoot))
		return nil, nil, err
	}

	if verr := e.pathCheck.Validate(req.TargetRoot); verr != nil {
		kind := brainerr.KindPathInvalid
		if errors.Is(verr, paths.ErrTraversal) {
			kind = brainerr.KindPathTraversal
		}
		err = brainerr.WithPhase(kind, string(PhaseValidate), verr)
		return nil, nil, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(req.TargetRoot), 0o700); mkErr != nil {
		err = brainerr.WithPhase(brainerr.KindTargetUnwritable, string(PhaseValidate),
			fmt.Errorf("creating target parent: %w", mkErr))
		return nil, nil, err
	}

	files, enumErr := manifest.EnumerateFiles(req.SourceRoot)
	if enumErr != nil {
		err = brainerr.WithPhase(brainerr.KindSourceMissing, string(PhaseValidate), enumErr)
		return nil, nil, err
	}
	var totalBytes int64
	for _, f := range files {
		if fi, statErr := os.Stat(f); statErr == nil {
			totalBytes += fi.Size()
		}
	}

	free, spaceErr := e.freeSpace(filepath.Dir(req.TargetRoot))
	if spaceErr != nil {
		err = brainerr.WithPhase(brainerr.KindTargetUnwritable, string(PhaseValidate), spaceErr)
		return nil, nil, err
	}
	if need := uint64(float64(totalBytes) * spaceHeadroom); free < need {
		err = brainerr.WithPhase(brainerr.KindInsufficientSpace, string(PhaseValidate),
			fmt.Errorf("target filesystem has %d bytes free, need %d", free, need))
		return nil, nil, err
	}

	conflict, confErr := e.manifests.ConflictFor(req.Project)
	if confErr != nil {
		err = brainerr.WithPhase(brainerr.KindConflictingMigration, string(PhaseValidate), confErr)
		return nil, nil, err
	}
	if conflict != nil {
		err = brainerr.WithPhase(brainerr.KindConflictingMigration, string(PhaseValidate),
			fmt.Errorf("migration %s for project %s is incomplete", conflict.MigrationID, req.Project))
		return nil, nil, err
	}

	return &Plan{
		Project:    req.Project,
		SourceRoot: req.SourceRoot,
		TargetRoot: req.TargetRoot,
		FileCount:  len(files),
		TotalBytes: totalBytes,
	}, files, nil
}

func (e *Engine) prepare(ctx context.Context, req Request, files []string) (*manifest.Manifest, error) {
	_, span := e.tracer.StartPhase(ctx, PhasePrepare)
	m, err := e.manifests.Create(req.Project, req.SourceRoot, req.TargetRoot, files)
	if err != nil {
		err = brainerr.WithPhase(brainerr.KindCopyFailed, string(PhasePrepare), err)
	}
	e.tracer.EndPhase(span, err)
	return m, err
}

func (e *Engine) runThroughVerify(ctx context.Context, req Request, m *manifest.Manifest, plan *Plan) error {
	if err := e.execute(ctx, m, plan); err != nil {
		return err
	}
	if err := e.reindex(ctx, req); err != nil {
		return err
	}
	return e.verify(ctx, req, m)
}

func (e *Engine) execute(ctx context.Context, m *manifest.Manifest, plan *Plan) error {
	_, span := e.tracer.StartPhase(ctx, PhaseExecute)
	var err error
	defer func() { e.tracer.EndPhase(span, err) }()

	var transferred int64
	for i := range m.Entries {
		entry := &m.Entries[i]
		var n int64
		n, err = copyFile(entry.SourcePath, entry.TargetPath)
		if err != nil {
			err = brainerr.WithPhase(brainerr.KindCopyFailed, string(PhaseExecute),
				fmt.Errorf("copying %s: %w", entry.SourcePath, err))
			return err
		}
		if err = e.manifests.MarkCopied(m, i); err != nil {
			err = brainerr.WithPhase(brainerr.KindCopyFailed, string(PhaseExecute), err)
			return err
		}
		if entry.TargetChecksum != entry.SourceChecksum {
			err = brainerr.WithPhase(brainerr.KindChecksumMismatch, string(PhaseExecute),
				fmt.Errorf("%s changed during copy", entry.SourcePath))
			return err
		}
		transferred += n
		e.emit(Progress{
			Phase:            PhaseExecute,
			Current:          i + 1,
			Total:            len(m.Entries),
			CurrentFile:      entry.SourcePath,
			BytesTransferred: transferred,
			BytesTotal:       plan.TotalBytes,
		})
	}
	return nil
}

func (e *Engine) reindex(ctx context.Context, req Request) error {
	_, span := e.tracer.StartPhase(ctx, PhaseReindex)
	var err error
	defer func() { e.tracer.EndPhase(span, err) }()

	if err = e.translator.Write(req.NewConfig); err != nil {
		err = brainerr.WithPhase(brainerr.KindReindexFailed, string(PhaseReindex),
			fmt.Errorf("projecting backend config: %w", err))
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.reindexTimeout)
	defer cancel()
	if err = e.client.Reindex(rctx, req.Project); err != nil {
		err = brainerr.WithPhase(brainerr.KindReindexFailed, string(PhaseReindex), err)
		return err
	}
	e.emit(Progress{Phase: PhaseReindex, Current: 1, Total: 1})
	return nil
}

func (e *Engine) verify(ctx context.Context, req Request, m *manifest.Manifest) error {
	_, span := e.tracer.StartPhase(ctx, PhaseVerify)
	var err error
	defer func() { e.tracer.EndPhase(span, err) }()

	for i := range m.Entries {
		entry := &m.Entries[i]
		if err = e.manifests.VerifyEntry(m, i); err != nil {
			err = brainerr.WithPhase(brainerr.KindVerificationFailed, string(PhaseVerify), err)
			return err
		}
		if err = e.probeBackend(ctx, req.Project, entry); err != nil {
			err = brainerr.WithPhase(brainerr.KindVerificationFailed, string(PhaseVerify), err)
			return err
		}
		e.emit(Progress{Phase: PhaseVerify, Current: i + 1, Total: len(m.Entries)})
	}
	return nil
}

// probeBackend confirms the backend can find the note by title and
// serves content matching the source checksum.
func (e *Engine) probeBackend(ctx context.Context, project string, entry *manifest.Entry) error {
	title := noteTitle(entry.SourcePath)
	results, err := e.client.Search(ctx, backend.SearchOptions{
		Project:  project,
		Query:    title,
		PageSize: 25,
	})
	if err != nil {
		return fmt.Errorf("searching for %q: %w", title, err)
	}
	found := false
	for _, r := range results {
		if r.Title == title {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("note %q not returned by search after reindex", title)
	}

	content, err := e.client.ReadNote(ctx, project, title)
	if err != nil {
		return fmt.Errorf("reading %q back: %w", title, err)
	}
	if e.hasher.HashBytes(content) != entry.SourceChecksum {
		return fmt.Errorf("note %q content does not match source", title)
	}
	return nil
}

// commit deletes source files and, when writeConfig is true, persists
// the new Brain config and marks it good. The manifest is deleted last.
func (e *Engine) commit(ctx context.Context, req Request, m *manifest.Manifest, writeConfig bool) error {
	_, span := e.tracer.StartPhase(ctx, PhaseCommit)
	var err error
	defer func() { e.tracer.EndPhase(span, err) }()

	for i := range m.Entries {
		if rmErr := os.Remove(m.Entries[i].SourcePath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.logger.Warn("failed to remove source after verify",
				"path", m.Entries[i].SourcePath,
				"error", rmErr)
		}
		e.emit(Progress{Phase: PhaseCommit, Current: i + 1, Total: len(m.Entries)})
	}
	pruneTree(req.SourceRoot)

	if writeConfig {
		var written []byte
		written, err = e.store.WriteAtomic(req.NewConfig)
		if err != nil {
			err = brainerr.WithPhase(brainerr.KindTargetUnwritable, string(PhaseCommit),
				fmt.Errorf("committing config: %w", err))
			return err
		}
		e.baseline.MarkGood(written)
	}

	if err = e.manifests.Delete(m); err != nil {
		err = brainerr.WithPhase(brainerr.KindTargetUnwritable, string(PhaseCommit), err)
		return err
	}
	return nil
}

// rollbackMigration removes the partial target, re-projects the old
// config to the backend, and re-requests a reindex. Best-effort; the
// original cause is what the caller returns.
func (e *Engine) rollbackMigration(ctx context.Context, req Request, m *manifest.Manifest, cause error) {
	if m == nil {
		return
	}
	_, span := e.tracer.StartPhase(ctx, PhaseRollback)
	defer e.tracer.EndPhase(span, nil)

	phase := "unknown"
	var be *brainerr.Error
	if errors.As(cause, &be) && be.Phase != "" {
		phase = be.Phase
	}
	recordRollback(ctx, req.Project, phase)
	e.logger.Warn("rolling back migration",
		"project", req.Project,
		"migration_id", m.MigrationID,
		"cause", cause)

	if err := e.manifests.Rollback(m); err != nil {
		e.logger.Error("manifest rollback failed",
			"migration_id", m.MigrationID,
			"error", err)
	}
	if req.OldConfig != nil {
		if err := e.translator.Write(req.OldConfig); err != nil {
			e.logger.Error("failed to restore backend config",
				"project", req.Project,
				"error", err)
			return
		}
		rctx, cancel := context.WithTimeout(ctx, e.reindexTimeout)
		defer cancel()
		if err := e.client.Reindex(rctx, req.Project); err != nil {
			e.logger.Warn("reindex after rollback failed",
				"project", req.Project,
				"error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (e *Engine) emit(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}

// copyFile copies src to dst (0600, parents 0700) and fsyncs before
// returning the byte count.
func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// noteTitle derives the backend note title from a file path.
func noteTitle(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// pruneTree removes a directory tree that contains no regular files,
// leaving it in place otherwise.
func pruneTree(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			pruneTree(filepath.Join(root, entry.Name()))
		}
	}
	_ = os.Remove(root) // fails if anything is left
}
