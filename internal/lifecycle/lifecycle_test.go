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
	"fmt"
	"io/fs"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/manifest"
)

func TestCanTransition(t *testing.T) {
	allowed := map[State][]State{
		NotAcquired: {Downloading},
		Downloading: {Acquired, Faulted, NotAcquired},
		Acquired:    {Loading, NotAcquired},
		Loading:     {Ready, Faulted},
		Ready:       {Acquired, NotAcquired},
		Faulted:     {NotAcquired},
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateText(t *testing.T) {
	b, err := Ready.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(b))
	assert.Equal(t, "not_acquired", NotAcquired.String())
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubCoalescesProgressButKeepsState(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(Event{Kind: EventState, From: NotAcquired, To: Downloading})
	for i := 1; i <= 5; i++ {
		hub.Publish(Event{Kind: EventProgress, Progress: float64(i * 10)})
	}
	hub.Publish(Event{Kind: EventState, From: Downloading, To: Acquired})

	first := recvEvent(t, ch)
	assert.Equal(t, EventState, first.Kind)
	assert.Equal(t, Downloading, first.To)

	progress := recvEvent(t, ch)
	assert.Equal(t, EventProgress, progress.Kind)
	assert.Equal(t, 50.0, progress.Progress)

	last := recvEvent(t, ch)
	assert.Equal(t, EventState, last.Kind)
	assert.Equal(t, Acquired, last.To)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	unsubscribe()
	unsubscribe()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	hub.Close()

	closed, _ := hub.Subscribe()
	_, ok := <-closed
	assert.False(t, ok)
}

type recorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *recorder) add(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
}

func (r *recorder) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func TestProgressTrackerWeightedAndMonotonic(t *testing.T) {
	m := &manifest.Manifest{Files: []manifest.FileSpec{
		{Name: "a", ExpectedSizeBytes: 100, Required: true},
		{Name: "b", ExpectedSizeBytes: 300, Required: true},
	}}
	var rec recorder
	p := newProgressTracker(m, rec.add)

	p.complete(m.Files[0])
	assert.Equal(t, []float64{25}, rec.snapshot())

	p.begin(m.Files[1], 0)
	p.addBytes(150)
	p.flush()
	values := rec.snapshot()
	assert.Equal(t, 62.5, values[len(values)-1])

	// A failed attempt discards bytes; the reported value holds.
	p.addBytes(-150)
	p.flush()
	values = rec.snapshot()
	assert.Equal(t, 62.5, values[len(values)-1])

	p.finish()
	values = rec.snapshot()
	assert.Equal(t, 100.0, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
}

func TestProgressTrackerUnknownSizes(t *testing.T) {
	m := &manifest.Manifest{Files: []manifest.FileSpec{
		{Name: "a", Required: true},
		{Name: "b", Required: true},
	}}
	var rec recorder
	p := newProgressTracker(m, rec.add)

	p.begin(m.Files[0], 0)
	p.addBytes(1 << 20)
	p.flush()
	assert.Equal(t, 0.0, rec.snapshot()[0])

	p.complete(m.Files[0])
	p.flush()
	values := rec.snapshot()
	assert.Equal(t, 50.0, values[len(values)-1])
}

func TestFileLockExcludes(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLock(dir)
	second := NewFileLock(dir)

	require.NoError(t, first.Acquire())
	assert.ErrorIs(t, second.Acquire(), ErrLockHeld)
	assert.Equal(t, os.Getpid(), second.HolderPID())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
	assert.FileExists(t, first.Path())
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	have := func(n int64) DiskSpaceFunc {
		return func(string) (int64, error) { return n, nil }
	}

	assert.NoError(t, CheckFreeSpace(dir, 900, 0.10, have(1000)))
	assert.NoError(t, CheckFreeSpace(dir, 0, 0.10, have(0)))

	err := CheckFreeSpace(dir, 950, 0.10, have(1000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, failure.Storage, failure.KindOf(err))

	denied := func(string) (int64, error) {
		return 0, fmt.Errorf("statfs: %w", fs.ErrPermission)
	}
	err = CheckFreeSpace(dir, 10, 0.10, denied)
	require.Error(t, err)
	assert.Equal(t, failure.Permission, failure.KindOf(err))

	// statfs errno wrapped the way AvailableBytes wraps it.
	eacces := func(path string) (int64, error) {
		return 0, fmt.Errorf("statfs failed for %s: %w", path, unix.EACCES)
	}
	err = CheckFreeSpace(dir, 10, 0.10, eacces)
	require.Error(t, err)
	assert.Equal(t, failure.Permission, failure.KindOf(err))
	assert.ErrorIs(t, err, unix.EACCES)
}

func TestAvailableBytesWalksToExistingAncestor(t *testing.T) {
	n, err := AvailableBytes(t.TempDir() + "/not/yet/created")
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}
