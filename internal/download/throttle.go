// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"time"

	"golang.org/x/time/rate"
)

// throttle coalesces byte deltas and forwards them at most once per
// interval. Not safe for concurrent use; one throttle per attempt.
type throttle struct {
	fn      ProgressFunc
	every   rate.Sometimes
	pending int64
}

func newThrottle(fn ProgressFunc, interval time.Duration) *throttle {
	return &throttle{fn: fn, every: rate.Sometimes{Interval: interval}}
}

func (t *throttle) add(delta int64) {
	if t.fn == nil || delta == 0 {
		return
	}
	t.pending += delta
	t.every.Do(t.emit)
}

func (t *throttle) emit() {
	if t.pending != 0 {
		t.fn(t.pending)
		t.pending = 0
	}
}

// flush delivers whatever is still pending.
func (t *throttle) flush() {
	if t.fn != nil {
		t.emit()
	}
}
