// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher computes content checksums for manifest entries.
type Hasher interface {
	// HashFile hashes a file's content.
	HashFile(path string) (string, error)

	// HashFileAtomic hashes a file, retrying when the file changes
	// underneath the read (mtime/size check before and after).
	HashFileAtomic(path string, maxRetries int) (string, error)

	// HashBytes hashes an in-memory buffer.
	HashBytes(data []byte) string
}

// SHA256Hasher is the production Hasher.
//
// Hashes are 64 lowercase hexadecimal characters.
type SHA256Hasher struct{}

// NewSHA256Hasher creates a SHA256Hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// HashFile streams the file through SHA-256.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashFileAtomic hashes with a stability check around the read.
//
// # Description
//
// Stats the file, hashes it, stats again. If size or mtime moved during
// the read, the file was being written and the hash is retried. After
// maxRetries unstable reads, returns ErrFileUnstable.
func (h *SHA256Hasher) HashFileAtomic(path string, maxRetries int) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}

		hash, err := h.HashFile(path)
		if err != nil {
			return "", err
		}

		after, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return hash, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFileUnstable, path)
}

// HashBytes hashes a buffer.
func (h *SHA256Hasher) HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
