// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/brain/services/brain/configstore"
	"github.com/AleutianAI/brain/services/brain/lock"
	"github.com/AleutianAI/brain/services/brain/migrate"
	"github.com/AleutianAI/brain/services/brain/paths"
	"github.com/AleutianAI/brain/services/brain/rollback"
	"github.com/AleutianAI/brain/services/brain/schema"
	"github.com/AleutianAI/brain/services/brain/translate"
)

// fakeMigrator records requests instead of moving files.
type fakeMigrator struct {
	mu      sync.Mutex
	single  []migrate.Request
	global  [][]migrate.Request
	failErr error
	store   *configstore.Store
	good    *rollback.Manager
}

func (f *fakeMigrator) Migrate(_ context.Context, req migrate.Request) (*migrate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.single = append(f.single, req)
	return f.commit(req)
}

func (f *fakeMigrator) MigrateGlobal(_ context.Context, reqs []migrate.Request) ([]*migrate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.global = append(f.global, reqs)
	if len(reqs) > 0 {
		if _, err := f.commit(reqs[0]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// commit mirrors the engine's config commit so the watcher observes a
// consistent post-migration state.
func (f *fakeMigrator) commit(req migrate.Request) (*migrate.Result, error) {
	written, err := f.store.WriteAtomic(req.NewConfig)
	if err != nil {
		return nil, err
	}
	f.good.MarkGood(written)
	return &migrate.Result{FilesCopied: 1}, nil
}

func (f *fakeMigrator) singleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.single)
}

func (f *fakeMigrator) globalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.global)
}

type watchEnv struct {
	watcher  *Watcher
	store    *configstore.Store
	baseline *rollback.Manager
	fake     *fakeMigrator
	cfg      *schema.Config
}

func newWatchEnv(t *testing.T) *watchEnv {
	t.Helper()
	root := t.TempDir()
	store := configstore.NewStore(filepath.Join(root, "config", "config.json"), schema.NewValidator())

	cfg := schema.Default(filepath.Join(root, "memories"))
	cfg.Projects["main"] = schema.Project{CodePath: "/code/main", MemoriesMode: schema.ModeDefault}
	if _, err := store.WriteAtomic(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	baseline := rollback.NewManager(store)
	if err := baseline.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	locks, err := lock.NewManager(lock.ManagerConfig{
		LockDir:        filepath.Join(root, "locks"),
		GlobalTimeout:  2 * time.Second,
		ProjectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	translator := translate.NewTranslator(filepath.Join(root, "backend", "config.json"))
	if err := translator.Write(cfg); err != nil {
		t.Fatalf("seed backend config: %v", err)
	}

	fake := &fakeMigrator{store: store, good: baseline}
	w := NewWatcher(store, translator, locks, fake, baseline, paths.NewValidator(), MinDebounce)

	return &watchEnv{watcher: w, store: store, baseline: baseline, fake: fake, cfg: cfg}
}

// writeConfig writes cfg through a temp-and-rename like a well-behaved
// editor would.
func (e *watchEnv) writeConfig(t *testing.T, cfg *schema.Config) {
	t.Helper()
	data, err := schema.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := configstore.WriteFileAtomic(e.store.Path(), data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		w.Stop()
		<-done
	})
	// Give fsnotify time to register the directory watch.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcherNonMigratingEdit(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	edited := e.cfg.Clone()
	edited.Logging.Level = "debug"
	e.writeConfig(t, edited)

	eventually(t, func() bool {
		cfg, _, err := e.store.Load()
		return err == nil && cfg.Logging.Level == "debug" && e.baseline.Baseline() != nil
	}, "non-migrating edit not accepted")

	if e.fake.singleCount() != 0 || e.fake.globalCount() != 0 {
		t.Error("non-migrating edit triggered a migration")
	}
}

func TestWatcherInvalidEditReverts(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	good, err := os.ReadFile(e.store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := configstore.WriteFileAtomic(e.store.Path(), []byte(`{"version": 99}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	eventually(t, func() bool {
		now, err := os.ReadFile(e.store.Path())
		return err == nil && string(now) == string(good)
	}, "invalid edit not reverted to last known good")
}

func TestWatcherProjectMigration(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	edited := e.cfg.Clone()
	p := edited.Projects["main"]
	p.MemoriesMode = schema.ModeCustom
	p.MemoriesPath = filepath.Join(filepath.Dir(e.cfg.Defaults.MemoriesLocation), "custom")
	edited.Projects["main"] = p
	e.writeConfig(t, edited)

	eventually(t, func() bool { return e.fake.singleCount() == 1 }, "project migration not dispatched")

	e.fake.mu.Lock()
	req := e.fake.single[0]
	e.fake.mu.Unlock()
	if req.Project != "main" {
		t.Errorf("project = %s", req.Project)
	}
	wantSource := filepath.Join(e.cfg.Defaults.MemoriesLocation, "main")
	if req.SourceRoot != wantSource {
		t.Errorf("source = %s, want %s", req.SourceRoot, wantSource)
	}
	if req.TargetRoot != p.MemoriesPath {
		t.Errorf("target = %s, want %s", req.TargetRoot, p.MemoriesPath)
	}
}

func TestWatcherGlobalMigration(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	edited := e.cfg.Clone()
	edited.Defaults.MemoriesLocation = filepath.Join(filepath.Dir(e.cfg.Defaults.MemoriesLocation), "relocated")
	e.writeConfig(t, edited)

	eventually(t, func() bool { return e.fake.globalCount() == 1 }, "global migration not dispatched")

	e.fake.mu.Lock()
	reqs := e.fake.global[0]
	e.fake.mu.Unlock()
	if len(reqs) != 1 || reqs[0].Project != "main" {
		t.Errorf("unexpected requests %+v", reqs)
	}
}

func TestWatcherFailedMigrationReverts(t *testing.T) {
	e := newWatchEnv(t)
	e.fake.failErr = context.DeadlineExceeded
	runWatcher(t, e.watcher)

	good, err := os.ReadFile(e.store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	edited := e.cfg.Clone()
	p := edited.Projects["main"]
	p.MemoriesMode = schema.ModeCode
	edited.Projects["main"] = p
	e.writeConfig(t, edited)

	eventually(t, func() bool {
		now, err := os.ReadFile(e.store.Path())
		return err == nil && string(now) == string(good)
	}, "failed migration not reverted")
}

func TestWatcherSelfStop(t *testing.T) {
	e := newWatchEnv(t)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.watcher.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	edited := e.cfg.Clone()
	edited.Watcher.Enabled = false
	e.writeConfig(t, edited)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop after watcher.enabled=false")
	}
}

func TestWatcherPartialWriteDefersUntilStable(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	edited := e.cfg.Clone()
	edited.Sync.DelayMS = 3000
	data, err := schema.Marshal(edited)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	half := len(data) / 2

	// An editor writing in place across two chunks: the first leaves
	// truncated JSON on disk for longer than the stabilization window.
	// The stability check must see the content still moving and take no
	// action, not revert the half-written file.
	if err := os.WriteFile(e.store.Path(), data[:half], 0o600); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	f, err := os.OpenFile(e.store.Path(), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.Write(data[half:]); err != nil {
		t.Fatalf("write second chunk: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	eventually(t, func() bool {
		cfg, _, err := e.store.Load()
		return err == nil && cfg.Sync.DelayMS == 3000 && e.baseline.Baseline() != nil
	}, "completed write not accepted after stabilizing")

	if e.fake.singleCount() != 0 || e.fake.globalCount() != 0 {
		t.Error("scalar edit triggered a migration")
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	e := newWatchEnv(t)
	runWatcher(t, e.watcher)

	// A burst of rewrites inside one debounce window; the last state
	// wins and only one cycle runs.
	for i := 0; i < 5; i++ {
		edited := e.cfg.Clone()
		edited.Sync.DelayMS = 2000 + i
		e.writeConfig(t, edited)
		time.Sleep(10 * time.Millisecond)
	}

	eventually(t, func() bool {
		cfg, _, err := e.store.Load()
		return err == nil && cfg.Sync.DelayMS == 2004
	}, "burst did not settle on last state")

	if e.fake.singleCount() != 0 {
		t.Error("burst of scalar edits triggered a migration")
	}
}
