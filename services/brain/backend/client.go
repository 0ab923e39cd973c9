// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend talks to the note-storage backend's local HTTP API.
//
// The migration engine only needs four operations: write a note, read
// a note back, search by text, and request a reindex after the backend
// config changed. Transient failures are retried with exponential
// backoff; the reindex wait is bounded by the caller's context.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoteNotFound is returned when the backend has no note at the
	// requested identifier.
	ErrNoteNotFound = errors.New("note not found in backend")

	// ErrBackendUnavailable is returned when the backend cannot be
	// reached after all retries.
	ErrBackendUnavailable = errors.New("backend is not available")

	// ErrReindexIncomplete is returned when a reindex does not finish
	// before the context deadline.
	ErrReindexIncomplete = errors.New("reindex did not complete in time")

	// errTransient tags failures worth retrying.
	errTransient = errors.New("transient backend failure")
)

// -----------------------------------------------------------------------------
// Client interface
// -----------------------------------------------------------------------------

// SearchOptions narrows a search request.
type SearchOptions struct {
	Project  string
	Query    string
	PageSize int
}

// SearchResult is one hit from the backend's search index.
type SearchResult struct {
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
	Project   string `json:"project"`
}

// Client is the backend surface the migration engine depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// WriteNote creates or replaces a note in the given project.
	WriteNote(ctx context.Context, project, title string, content []byte) error

	// ReadNote returns the raw content of a note by permalink or title.
	ReadNote(ctx context.Context, project, identifier string) ([]byte, error)

	// Search queries the backend index.
	Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error)

	// Reindex asks the backend to rebuild its index for the project and
	// waits for completion or context expiry.
	Reindex(ctx context.Context, project string) error
}

// -----------------------------------------------------------------------------
// HTTP implementation
// -----------------------------------------------------------------------------

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	maxRetryElapsed     = 15 * time.Second
)

// HTTPClient talks to a locally running backend over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
	logger  *slog.Logger
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithPollInterval sets the reindex status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(h *HTTPClient) { h.poll = d }
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		poll:    defaultPollInterval,
		logger:  slog.Default().With("component", "backend.HTTPClient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WriteNote implements Client.
func (c *HTTPClient) WriteNote(ctx context.Context, project, title string, content []byte) error {
	body, err := json.Marshal(map[string]string{
		"title":   title,
		"content": string(content),
	})
	if err != nil {
		return fmt.Errorf("encoding note: %w", err)
	}
	path := fmt.Sprintf("/projects/%s/notes", url.PathEscape(project))
	_, err = c.do(ctx, http.MethodPost, path, body)
	return err
}

// ReadNote implements Client.
func (c *HTTPClient) ReadNote(ctx context.Context, project, identifier string) ([]byte, error) {
	path := fmt.Sprintf("/projects/%s/notes/%s", url.PathEscape(project), url.PathEscape(identifier))
	return c.do(ctx, http.MethodGet, path, nil)
}

// Search implements Client.
func (c *HTTPClient) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", opts.Query)
	if opts.PageSize > 0 {
		q.Set("page_size", fmt.Sprintf("%d", opts.PageSize))
	}
	path := fmt.Sprintf("/projects/%s/search?%s", url.PathEscape(opts.Project), q.Encode())
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return resp.Results, nil
}

// Reindex implements Client.
//
// Starts a reindex and polls the status endpoint until the backend
// reports completion or ctx expires. The caller bounds the ceiling via
// context deadline.
func (c *HTTPClient) Reindex(ctx context.Context, project string) error {
	start := fmt.Sprintf("/projects/%s/reindex", url.PathEscape(project))
	if _, err := c.do(ctx, http.MethodPost, start, nil); err != nil {
		return err
	}

	status := fmt.Sprintf("/projects/%s/reindex/status", url.PathEscape(project))
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrReindexIncomplete, ctx.Err())
		case <-ticker.C:
			data, err := c.do(ctx, http.MethodGet, status, nil)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("%w: %v", ErrReindexIncomplete, ctx.Err())
				}
				return err
			}
			var st struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("decoding reindex status: %w", err)
			}
			switch st.State {
			case "completed", "idle":
				return nil
			case "failed":
				return fmt.Errorf("backend reported reindex failure for %s", project)
			}
		}
	}
}

// do issues one request with retries on transient failures.
//
// Connection errors and 5xx responses are retried with exponential
// backoff; 4xx responses are permanent. 404 maps to ErrNoteNotFound.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var out []byte
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", errTransient, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", errTransient, err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNoteNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: backend returned %d for %s %s", errTransient, resp.StatusCode, method, path)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("backend rejected %s %s with %d", method, path, resp.StatusCode))
		}
		out = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxRetryElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, errTransient) {
			c.logger.Warn("backend unreachable after retries",
				"method", method,
				"path", path,
				"error", err)
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return out, nil
}
