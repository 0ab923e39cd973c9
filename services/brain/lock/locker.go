// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides hierarchical advisory file locks for the Brain
// core: one global lock plus one lock per project.
//
// # Lock Ordering
//
// Global-scoped operations acquire the global lock first, then each
// affected project lock in sorted project-name order. Project-scoped
// operations acquire only their own project lock. All callers share this
// total order, which rules out deadlock by construction.
//
// # Stale Locks
//
// Lock files carry the holder's PID and timestamps. The OS releases the
// advisory flock when a holder dies, but the info file can linger; stale
// detection (dead PID or expired TTL) lets cleanup remove leftovers.
package lock

import (
	"errors"
	"os"
)

// ErrLocked is returned when a non-blocking acquisition finds the file
// already locked by another process.
var ErrLocked = errors.New("file is locked by another process")

// FileLocker abstracts platform-specific advisory locking.
//
// Unix uses flock(2); Windows uses LockFileEx.
//
// # Thread Safety
//
// Implementations are safe for concurrent use on different files.
type FileLocker interface {
	// TryLock attempts a non-blocking exclusive lock.
	// Returns ErrLocked when another process holds the lock.
	TryLock(f *os.File) error

	// Unlock releases a held lock. Safe to call on unlocked files.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID exists.
// Used for stale lock detection; implemented per platform.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// newFileLocker returns the platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
