// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package brainerr defines the stable, machine-readable error taxonomy
// shared by the Brain core subsystems.
//
// Every failure that crosses a subsystem boundary is wrapped in an *Error
// carrying a Kind. Kinds are part of the external contract: tool handlers
// return them verbatim to the transport, and CLI wrappers map them to exit
// codes. Underlying causes stay reachable through errors.Is/errors.As.
package brainerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

// Error kinds. These strings are part of the tool surface contract and
// must not change between releases.
const (
	// Input faults. The operation is rejected; a manual edit that produced
	// one of these is reverted to the last known good config.
	KindInvalidJSON     Kind = "invalid_json"
	KindSchemaViolation Kind = "schema_violation"
	KindPathInvalid     Kind = "path_invalid"
	KindPathTraversal   Kind = "path_traversal"

	// Concurrency faults. The operation is refused; the caller may retry.
	KindLockTimeout          Kind = "lock_timeout"
	KindConflictingMigration Kind = "conflicting_migration"

	// Pre-migration faults. No state has changed.
	KindSourceMissing     Kind = "source_missing"
	KindTargetUnwritable  Kind = "target_unwritable"
	KindInsufficientSpace Kind = "insufficient_space"

	// EXECUTE faults. Partial copies are rolled back via the manifest.
	KindCopyFailed       Kind = "copy_failed"
	KindChecksumMismatch Kind = "checksum_mismatch"

	// KindReindexFailed is a REINDEX fault. The target is removed and the
	// backend config reverted to the prior projection.
	KindReindexFailed Kind = "reindex_failed"

	// KindVerificationFailed is a VERIFY fault triggering full rollback.
	KindVerificationFailed Kind = "verification_failed"

	// KindCrashRecovery is emitted by startup recovery when an orphaned
	// manifest was rolled back.
	KindCrashRecovery Kind = "crash_recovery"

	// KindInternal is the catch-all for errors carrying no kind of their
	// own. Transports report this instead of raw error text, which may
	// contain filesystem paths.
	KindInternal Kind = "internal_error"
)

// Exit codes for CLI wrappers.
const (
	ExitOK       = 0
	ExitUser     = 1
	ExitInternal = 2
	ExitVerify   = 3
)

// Error attaches a Kind and an optional phase name to an underlying cause.
type Error struct {
	// Kind is the stable category for this failure.
	Kind Kind

	// Phase names the migration phase that raised the error, when the
	// failure happened inside the migration engine. Empty otherwise.
	Phase string

	// Err is the underlying cause. May be nil.
	Err error
}

// Error returns "kind: cause", with the phase prefixed when present.
func (e *Error) Error() string {
	switch {
	case e.Phase != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Phase, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Phase != "":
		return fmt.Sprintf("%s [%s]", e.Kind, e.Phase)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given kind and cause.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates an Error with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithPhase creates an Error tagged with the migration phase that failed.
func WithPhase(kind Kind, phase string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// KindOf extracts the Kind from an error chain.
//
// Returns the kind of the outermost *Error and true, or "" and false when
// the chain carries no Brain error.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ExitCode maps an error to the CLI exit code contract.
//
// nil maps to 0; user and concurrency faults to 1; verification failures
// to 3; everything else (IO, internal) to 2.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	kind, ok := KindOf(err)
	if !ok {
		return ExitInternal
	}
	switch kind {
	case KindInvalidJSON, KindSchemaViolation, KindPathInvalid, KindPathTraversal,
		KindLockTimeout, KindConflictingMigration,
		KindSourceMissing, KindTargetUnwritable, KindInsufficientSpace:
		return ExitUser
	case KindVerificationFailed:
		return ExitVerify
	default:
		return ExitInternal
	}
}
