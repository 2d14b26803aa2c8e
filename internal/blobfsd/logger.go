// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobfsd holds the process-level ambient stack shared by
// cmd/blobfsd: logger construction and mount configuration loading. It is
// kept out of cmd/ so it stays importable by tests without pulling in
// main.
package blobfsd

import (
	"log/slog"
	"os"
)

// NewLogger creates the standard blobfs process logger: a JSON handler
// writing to stderr at Info level, with debug enabled when debug is true
// (spec's per-block tracing gate). It also sets the default slog logger
// so third-party code using the package-level slog functions gets the
// same handler.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
