// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/brain/services/brain/brainerr"
)

// GlobalLockName is the file name of the global lock.
const GlobalLockName = "global.lock"

// Default acquisition timeouts per scope.
const (
	DefaultGlobalTimeout  = 60 * time.Second
	DefaultProjectTimeout = 30 * time.Second
)

// defaultStaleTTL is the ceiling after which a lock is considered stale
// even if its holder PID is alive (e.g. a recycled PID).
const defaultStaleTTL = time.Hour

// pollInterval is the retry cadence while waiting for a contended lock.
const pollInterval = 100 * time.Millisecond

// Info is the holder identity written into every lock file.
type Info struct {
	Scope      string    `json:"scope"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock passed its TTL ceiling.
func (i *Info) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir is the directory holding global.lock and {project}.lock.
	LockDir string

	// GlobalTimeout bounds global lock acquisition. Default 60s.
	GlobalTimeout time.Duration

	// ProjectTimeout bounds project lock acquisition. Default 30s.
	ProjectTimeout time.Duration

	// StaleTTL is the ceiling after which lock info files are considered
	// stale regardless of holder liveness. Default 1h.
	StaleTTL time.Duration
}

// Manager coordinates the global and per-project advisory locks.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple
// goroutines. Cross-process exclusion comes from the OS advisory locks.
type Manager struct {
	lockDir        string
	locker         FileLocker
	globalTimeout  time.Duration
	projectTimeout time.Duration
	staleTTL       time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	file *os.File
	path string
}

// NewManager creates a lock manager rooted at config.LockDir.
//
// The lock directory is created (0700) if missing.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LockDir == "" {
		return nil, fmt.Errorf("LockDir is required")
	}
	if config.GlobalTimeout == 0 {
		config.GlobalTimeout = DefaultGlobalTimeout
	}
	if config.ProjectTimeout == 0 {
		config.ProjectTimeout = DefaultProjectTimeout
	}
	if config.StaleTTL == 0 {
		config.StaleTTL = defaultStaleTTL
	}

	if err := os.MkdirAll(config.LockDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	return &Manager{
		lockDir:        config.LockDir,
		locker:         newFileLocker(),
		globalTimeout:  config.GlobalTimeout,
		projectTimeout: config.ProjectTimeout,
		staleTTL:       config.StaleTTL,
		logger:         slog.Default().With("component", "lock.Manager"),
		held:           make(map[string]*heldLock),
	}, nil
}

// Lease is a set of held locks with guaranteed-release semantics.
//
// Release is idempotent and releases in reverse acquisition order.
// Callers defer Release() immediately after a successful acquire.
type Lease struct {
	manager *Manager
	names   []string
	once    sync.Once
}

// Names returns the lock names held by this lease, in acquisition order.
func (l *Lease) Names() []string {
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

// Release releases every lock in the lease, last acquired first.
// Safe to call multiple times.
func (l *Lease) Release() {
	l.once.Do(func() {
		for i := len(l.names) - 1; i >= 0; i-- {
			l.manager.release(l.names[i])
		}
	})
}

// AcquireProject acquires a single project lock.
//
// # Description
//
// Project-scoped operations call this and nothing else. Waits up to the
// project timeout, polling the advisory lock; on expiry returns a
// lock_timeout error.
//
// # Inputs
//
//   - ctx: Bounds the wait in addition to the configured timeout.
//   - project: Validated project name (used as the lock file stem).
//
// # Outputs
//
//   - *Lease: Held lease; caller must Release.
//   - error: lock_timeout on contention; I/O errors otherwise.
func (m *Manager) AcquireProject(ctx context.Context, project string) (*Lease, error) {
	name := projectLockName(project)
	if err := m.acquire(ctx, name, m.projectTimeout); err != nil {
		return nil, err
	}
	return &Lease{manager: m, names: []string{name}}, nil
}

// AcquireGlobal acquires the global lock plus every affected project
// lock in sorted name order.
//
// # Description
//
// This is the only acquisition path for changes to the default memories
// location. The global lock totally orders the operation against all
// per-project operations; the sorted project order keeps concurrent
// global operations deadlock-free. On any failure, locks already held
// are released in reverse order.
//
// # Inputs
//
//   - ctx: Bounds each individual wait.
//   - projects: Affected project names; duplicates are ignored.
//
// # Outputs
//
//   - *Lease: Held lease covering global + project locks.
//   - error: lock_timeout on contention; nothing remains held on error.
func (m *Manager) AcquireGlobal(ctx context.Context, projects []string) (*Lease, error) {
	sorted := dedupeSorted(projects)

	lease := &Lease{manager: m}
	if err := m.acquire(ctx, GlobalLockName, m.globalTimeout); err != nil {
		return nil, err
	}
	lease.names = append(lease.names, GlobalLockName)

	for _, p := range sorted {
		name := projectLockName(p)
		if err := m.acquire(ctx, name, m.projectTimeout); err != nil {
			lease.Release()
			return nil, err
		}
		lease.names = append(lease.names, name)
	}

	return lease, nil
}

// AcquireProjectLocks adds project locks to an already-held global lease
// in sorted order.
//
// Used when the affected project set is only known after loading the
// config under the global lock.
func (m *Manager) AcquireProjectLocks(ctx context.Context, lease *Lease, projects []string) error {
	if len(lease.names) == 0 || lease.names[0] != GlobalLockName {
		return fmt.Errorf("project locks can only be added to a global lease")
	}
	already := make(map[string]bool, len(lease.names))
	for _, n := range lease.names {
		already[n] = true
	}
	for _, p := range dedupeSorted(projects) {
		name := projectLockName(p)
		if already[name] {
			continue
		}
		if err := m.acquire(ctx, name, m.projectTimeout); err != nil {
			return err
		}
		lease.names = append(lease.names, name)
	}
	return nil
}

// CleanupStaleLocks removes lock info files from dead or expired holders.
//
// # Outputs
//
//   - int: Number of stale lock files removed.
//   - error: Non-nil only if the lock directory cannot be read.
func (m *Manager) CleanupStaleLocks() (int, error) {
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		lockPath := filepath.Join(m.lockDir, entry.Name())

		m.mu.Lock()
		_, ours := m.held[entry.Name()]
		m.mu.Unlock()
		if ours {
			continue
		}

		info, err := m.readInfo(lockPath)
		if err != nil || info == nil {
			continue
		}
		if info.IsExpired() || !IsProcessAlive(info.PID) {
			m.logger.Info("removing stale lock",
				"scope", info.Scope,
				"pid", info.PID,
				"expired", info.IsExpired())
			if err := os.Remove(lockPath); err != nil {
				m.logger.Warn("failed to remove stale lock",
					"path", lockPath,
					"error", err)
				continue
			}
			cleaned++
		}
	}
	return cleaned, nil
}

// ReleaseAll releases everything this manager still holds. Called on
// shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		m.release(name)
	}
}

// acquire takes one named lock, waiting up to timeout.
func (m *Manager) acquire(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lockPath := filepath.Join(m.lockDir, name)

	if err := os.MkdirAll(m.lockDir, 0o700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("opening lock file %s: %w", lockPath, err)
		}

		err = m.locker.TryLock(f)
		if err == nil {
			if werr := m.writeInfo(f, name); werr != nil {
				m.locker.Unlock(f)
				f.Close()
				return werr
			}
			m.mu.Lock()
			m.held[name] = &heldLock{file: f, path: lockPath}
			m.mu.Unlock()
			m.logger.Debug("lock acquired", "name", name)
			return nil
		}
		f.Close()
		if err != ErrLocked {
			return fmt.Errorf("locking %s: %w", lockPath, err)
		}

		if time.Now().After(deadline) {
			return brainerr.Newf(brainerr.KindLockTimeout,
				"timed out acquiring %s after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return brainerr.New(brainerr.KindLockTimeout, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// release releases one named lock if held.
func (m *Manager) release(name string) {
	m.mu.Lock()
	entry, ok := m.held[name]
	if ok {
		delete(m.held, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// Remove the info file before dropping the flock so a racing
	// acquirer never reads our identity after we let go.
	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove lock file",
			"path", entry.path,
			"error", err)
	}
	if err := m.locker.Unlock(entry.file); err != nil {
		m.logger.Warn("failed to unlock file",
			"path", entry.path,
			"error", err)
	}
	entry.file.Close()
	m.logger.Debug("lock released", "name", name)
}

// writeInfo records the holder identity into the locked file.
func (m *Manager) writeInfo(f *os.File, scope string) error {
	now := time.Now()
	info := Info{
		Scope:      strings.TrimSuffix(scope, ".lock"),
		PID:        os.Getpid(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.staleTTL),
	}
	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock info: %w", err)
	}
	return nil
}

// readInfo reads holder identity from a lock file path.
func (m *Manager) readInfo(lockPath string) (*Info, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// projectLockName maps a project name to its lock file name.
// Project names are validated upstream (no separators, no traversal),
// so the name embeds directly.
func projectLockName(project string) string {
	return project + ".lock"
}

// dedupeSorted returns the unique project names in sorted order.
func dedupeSorted(projects []string) []string {
	seen := make(map[string]bool, len(projects))
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
