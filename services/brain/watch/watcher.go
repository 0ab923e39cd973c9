// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch detects out-of-band edits to the Brain config file and
// feeds them through the same validate-diff-migrate pipeline as
// programmatic changes.
//
// Events are debounced; a change arriving while a migration runs is
// coalesced into a single pending flag, so a burst of editor saves
// costs at most one processing cycle and always observes the last
// stable file state.
package watch

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/brain/services/brain/brainerr"
	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/diff"
	"github.com/AleutianAI/brain/services/brain/lock"
	"github.com/AleutianAI/brain/services/brain/migrate"
	"github.com/AleutianAI/brain/services/brain/paths"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/translate"
)

const (
	// DefaultDebounce is used until the config supplies its own value.
	DefaultDebounce = 2 * time.Second

	// MinDebounce is the floor for configured debounce intervals.
	MinDebounce = 100 * time.Millisecond

	// stabilizeWait is the window between the double reads that detect
	// a partial write.
	stabilizeWait = 50 * time.Millisecond
)

// migrator is the engine surface the watcher drives.
type migrator interface {
	Migrate(ctx context.Context, req migrate.Request) (*migrate.Result, error)
	MigrateGlobal(ctx context.Context, reqs []migrate.Request) ([]*migrate.Result, error)
}

// Watcher reacts to manual edits of the Brain config file.
//
// # Thread Safety
//
// Run is single-goroutine; the pending flag and timer are guarded by an
// internal mutex because the debounce timer fires on its own goroutine.
type Watcher struct {
	store      *configstore.Store
	translator *translate.Translator
	locks      *lock.Manager
	engine     migrator
	baseline   *rollback.Manager
	pathCheck  *paths.Validator
	logger     *slog.Logger

	debounce time.Duration

	mu         sync.Mutex
	timer      *time.Timer
	processing bool
	pending    bool

	trigger chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// NewWatcher wires a Watcher from its collaborators. The debounce
// interval comes from the committed config; values below the floor are
// clamped.
func NewWatcher(
	store *configstore.Store,
	translator *translate.Translator,
	locks *lock.Manager,
	engine migrator,
	baseline *rollback.Manager,
	pathCheck *paths.Validator,
	debounce time.Duration,
) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if debounce < MinDebounce {
		debounce = MinDebounce
	}
	return &Watcher{
		store:      store,
		translator: translator,
		locks:      locks,
		engine:     engine,
		baseline:   baseline,
		pathCheck:  pathCheck,
		logger:     slog.Default().With("component", "watch.Watcher"),
		debounce:   debounce,
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Run watches the config file until ctx is canceled, Stop is called, or
// a processed change disables the watcher.
//
// The parent directory is watched rather than the file itself so
// rename-based atomic writes keep delivering events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		return err
	}
	w.logger.Info("watching config for manual edits",
		"path", w.store.Path(),
		"debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", "error", err)
		case <-w.trigger:
			if !w.process(ctx) {
				return nil
			}
		}
	}
}

// Stop terminates Run. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// relevant reports whether the event concerns the config file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Name != w.store.Path() {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// schedule starts or restarts the debounce timer, or sets the pending
// flag when a processing cycle is already underway.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.processing {
		w.pending = true
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

// process runs one change cycle. Returns false when the watcher should
// stop (the processed config disabled it).
func (w *Watcher) process(ctx context.Context) bool {
	w.mu.Lock()
	w.processing = true
	w.mu.Unlock()

	keepRunning := w.processChangeAtomic(ctx)

	w.mu.Lock()
	w.processing = false
	rearm := w.pending
	w.pending = false
	w.mu.Unlock()

	if rearm && keepRunning {
		// One more cycle for events that arrived mid-processing.
		w.schedule()
	}
	if !keepRunning {
		w.logger.Info("watcher disabled by config change, stopping")
		w.Stop()
	}
	return keepRunning
}

// processChangeAtomic validates and applies one manual edit under the
// global lock.
//
// # Description
//
// The whole sequence — lock acquire, load, schema validate, path
// validate, diff, migrate, commit — runs inside the held locks; nothing
// read before the acquire is trusted. Validation failures revert the
// file to the last known good config and log at warn level; nothing is
// raised above the watcher boundary.
//
// Returns false only when the new committed config turns the watcher
// off.
func (w *Watcher) processChangeAtomic(ctx context.Context) bool {
	if !w.stableRead() {
		w.logger.Debug("config still being written, deferring to next event")
		return true
	}

	lease, err := w.locks.AcquireGlobal(ctx, nil)
	if err != nil {
		w.logger.Warn("could not acquire global lock for manual edit", "error", err)
		return true
	}
	defer lease.Release()

	oldCfg, keep := w.loadBaseline()
	if !keep {
		return true
	}

	newCfg, _, err := w.store.Load()
	if err != nil {
		w.revert("manual edit rejected", err)
		return true
	}
	if err := w.validatePaths(newCfg); err != nil {
		w.revert("manual edit references invalid path", err)
		return true
	}

	d := diff.Compute(oldCfg, newCfg)
	if !d.HasChanges() {
		return newCfg.Watcher.Enabled
	}

	if d.RequiresMigration() {
		affected := d.AffectedProjects()
		if err := w.locks.AcquireProjectLocks(ctx, lease, affected); err != nil {
			w.revert("could not lock projects for manual edit", err)
			return true
		}
		if err := w.runMigrations(ctx, oldCfg, newCfg, d); err != nil {
			w.revert("migration for manual edit failed", err)
			return true
		}
		w.logger.Info("manual edit migrated and committed",
			"projects", affected)
		return newCfg.Watcher.Enabled
	}

	// Non-migrating change: re-project scalars to the backend and mark
	// the new content good.
	if err := w.translator.Write(newCfg); err != nil {
		w.revert("backend projection failed", err)
		return true
	}
	written, err := w.store.WriteAtomic(newCfg)
	if err != nil {
		w.revert("config rewrite failed", err)
		return true
	}
	w.baseline.MarkGood(written)
	w.logger.Info("manual edit accepted", "changes", len(d.Changes))
	return newCfg.Watcher.Enabled
}

// stableRead reads the file twice across a stabilization window and
// reports whether the content held still.
func (w *Watcher) stableRead() bool {
	first, err := os.ReadFile(w.store.Path())
	if err != nil {
		return false
	}
	h1 := sha256.Sum256(first)
	time.Sleep(stabilizeWait)
	second, err := os.ReadFile(w.store.Path())
	if err != nil {
		return false
	}
	return h1 == sha256.Sum256(second)
}

// loadBaseline parses the last-known-good snapshot as the old config.
func (w *Watcher) loadBaseline() (*schema.Config, bool) {
	snap := w.baseline.Baseline()
	if snap == nil {
		w.logger.Error("no baseline available, ignoring manual edit")
		return nil, false
	}
	oldCfg, err := schema.Parse(snap.Content)
	if err != nil {
		w.logger.Error("baseline snapshot does not parse", "error", err)
		return nil, false
	}
	oldCfg.Normalize()
	return oldCfg, true
}

func (w *Watcher) validatePaths(cfg *schema.Config) error {
	if err := w.pathCheck.Validate(cfg.Defaults.MemoriesLocation); err != nil {
		return brainerr.New(brainerr.KindPathInvalid, err)
	}
	for name := range cfg.Projects {
		resolved, err := cfg.ResolvedMemoryPath(name)
		if err != nil {
			return brainerr.New(brainerr.KindPathInvalid, err)
		}
		if err := w.pathCheck.Validate(resolved); err != nil {
			return brainerr.New(brainerr.KindPathInvalid, err)
		}
	}
	return nil
}

func (w *Watcher) runMigrations(ctx context.Context, oldCfg, newCfg *schema.Config, d *diff.Diff) error {
	reqs, err := buildRequests(oldCfg, newCfg, d)
	if err != nil {
		return err
	}
	if d.RequiresGlobal() {
		_, err = w.engine.MigrateGlobal(ctx, reqs)
		return err
	}
	for _, req := range reqs {
		if _, err := w.engine.Migrate(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// buildRequests turns a migrating diff into engine requests, one per
// affected project, in the diff's deterministic order.
func buildRequests(oldCfg, newCfg *schema.Config, d *diff.Diff) ([]migrate.Request, error) {
	var reqs []migrate.Request
	for _, project := range d.AffectedProjects() {
		source, err := oldCfg.ResolvedMemoryPath(project)
		if err != nil {
			return nil, err
		}
		target, err := newCfg.ResolvedMemoryPath(project)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, migrate.Request{
			Project:    project,
			SourceRoot: source,
			TargetRoot: target,
			OldConfig:  oldCfg,
			NewConfig:  newCfg,
		})
	}
	return reqs, nil
}

// revert restores the last known good config and logs at warn level.
func (w *Watcher) revert(msg string, cause error) {
	if err := w.baseline.Revert(); err != nil {
		w.logger.Error("revert after rejected edit failed",
			"cause", cause,
			"error", err)
		return
	}
	w.logger.Warn(msg, "error", cause, "action", "reverted to last known good")
}
