// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for Brain components.
//
// All components log through slog with a "component" attribute; this
// package installs the process-wide default handler from the committed
// config's logging level. Output goes to stderr (text, Unix CLI
// convention) and optionally to a daily JSON log file.
//
// # Usage
//
//	closer, err := logging.Setup(logging.Config{Level: "info", LogDir: "~/.local/state/brain/logs"})
//	if err != nil { ... }
//	defer closer.Close()
//
// # Thread Safety
//
// Setup is called once at startup; slog handlers are safe for
// concurrent use afterward.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config selects destinations and verbosity.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// LogDir enables file logging when set. The file is named
	// brain_{YYYY-MM-DD}.log and always JSON. Supports ~ expansion.
	LogDir string

	// Quiet disables stderr output; only the file (if any) receives
	// logs. For daemon use.
	Quiet bool

	// JSON switches stderr output to JSON as well.
	JSON bool
}

// ParseLevel maps a config level string to a slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the process default logger.
//
// # Outputs
//
//   - io.Closer: Closes the log file if one was opened. Never nil.
//   - error: Only when the log directory exists but the file cannot be
//     opened; a missing directory is created.
func Setup(config Config) (io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	closer := io.Closer(nopCloser{})
	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return closer, fmt.Errorf("creating log directory %s: %w", dir, err)
		}
		name := fmt.Sprintf("brain_%s.log", time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return closer, fmt.Errorf("opening log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = file
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file: discard.
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	slog.SetDefault(slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "brain"),
	})))
	return closer, nil
}

// DefaultLogDir returns the conventional log location,
// ${XDG_STATE_HOME:-~/.local/state}/brain/logs.
func DefaultLogDir() (string, error) {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "brain", "logs"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "brain", "logs"), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler fans out log records to multiple slog handlers, letting
// stderr stay text while the file stays JSON.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
