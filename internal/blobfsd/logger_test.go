// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfsd

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLoggerDebugEnablesDebugLevel(t *testing.T) {
	logger := NewLogger(true)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("NewLogger(true): debug level not enabled")
	}
}

func TestNewLoggerNonDebugStaysAtInfo(t *testing.T) {
	logger := NewLogger(false)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("NewLogger(false): debug level unexpectedly enabled")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("NewLogger(false): info level not enabled")
	}
}
