// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/modelkeeper/internal/manifest"
)

// ProgressFunc receives overall acquisition progress in [0,100].
type ProgressFunc func(percent float64)

// ProgressInterval bounds progress reports to ~10 per second.
const ProgressInterval = 100 * time.Millisecond

// progressTracker aggregates per-file bytes into one weighted percentage.
//
// Each manifest entry weighs its expected size, or 1 when unknown. A file
// of unknown size contributes nothing until it completes. Reported values
// never decrease within one acquisition, even when a failed attempt
// discards bytes.
type progressTracker struct {
	mu          sync.Mutex
	totalWeight float64
	doneWeight  float64
	current     manifest.FileSpec
	currentSize int64
	reported    float64
	every       rate.Sometimes
	emit        func(float64)
}

func newProgressTracker(m *manifest.Manifest, emit func(float64)) *progressTracker {
	return &progressTracker{
		totalWeight: float64(m.TotalWeight()),
		every:       rate.Sometimes{Interval: ProgressInterval},
		emit:        emit,
	}
}

// complete marks spec as fully counted.
func (p *progressTracker) complete(spec manifest.FileSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doneWeight += float64(spec.Weight())
	if p.current.Name == spec.Name {
		p.current = manifest.FileSpec{}
		p.currentSize = 0
	}
	p.reportLocked(false)
}

// begin starts tracking spec with offset bytes already on disk.
func (p *progressTracker) begin(spec manifest.FileSpec, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = spec
	p.currentSize = offset
	p.reportLocked(false)
}

// addBytes applies a delta to the current file.
func (p *progressTracker) addBytes(delta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentSize += delta
	if p.currentSize < 0 {
		p.currentSize = 0
	}
	p.reportLocked(false)
}

// finish reports 100 unthrottled.
func (p *progressTracker) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported = 100
	p.emit(100)
}

// flush reports the current value unthrottled.
func (p *progressTracker) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportLocked(true)
}

func (p *progressTracker) percentLocked() float64 {
	if p.totalWeight <= 0 {
		return 100
	}
	w := p.doneWeight
	if exp := p.current.ExpectedSizeBytes; exp > 0 && p.currentSize > 0 {
		frac := float64(p.currentSize) / float64(exp)
		if frac > 1 {
			frac = 1
		}
		w += frac * float64(exp)
	}
	pct := 100 * w / p.totalWeight
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (p *progressTracker) reportLocked(force bool) {
	pct := p.percentLocked()
	if pct < p.reported {
		pct = p.reported
	}
	if force {
		p.reported = pct
		p.emit(pct)
		return
	}
	if pct == p.reported {
		return
	}
	p.every.Do(func() {
		p.reported = pct
		p.emit(pct)
	})
}
