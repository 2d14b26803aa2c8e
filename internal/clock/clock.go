// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability, grounded on
// lib/clock: production code accepts a Clock instead of calling
// time.Now directly, so tests can inject Fake() for deterministic
// latency histograms and mount timestamps. Trimmed from the teacher's
// full Clock (which also covers After/AfterFunc/NewTicker/Sleep for its
// sync-loop and retry-backoff callers) to the single method blobfs
// itself needs: nothing here schedules delayed work.
package clock

import "time"

// Clock abstracts the current time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
