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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// EventKind identifies the stream an Event belongs to.
type EventKind int

const (
	// EventState is a state change (From -> To).
	EventState EventKind = iota

	// EventProgress is a 0-100 acquisition progress value.
	EventProgress

	// EventError is an entry of the error-notification stream.
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one entry on a subscription.
type Event struct {
	Kind     EventKind       `json:"kind"`
	From     State           `json:"from"`
	To       State           `json:"to"`
	Progress float64         `json:"progress"`
	Notice   *failure.Notice `json:"notice,omitempty"`
	At       time.Time       `json:"at"`
}

// Hub fans events out to subscribers.
//
// # Description
//
// Every subscriber has its own unbounded queue drained by a pump goroutine,
// so a slow subscriber never blocks the publisher. Consecutive progress
// events coalesce to the latest value while queued; state and error events
// are never dropped. The last progress value published is therefore always
// delivered.
//
// # Thread Safety
//
// Hub is safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	out    chan Event
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. The returned func unsubscribes; the
// channel is closed afterwards. Subscribing to a closed hub returns a
// closed channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	util.SafeGo(&h.wg, "lifecycle.hub", h.logger, func() { s.pump() })

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			s.stop()
		})
	}
}

// Publish enqueues ev for every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.enqueue(ev)
	}
}

// Close unsubscribes everyone and waits for the pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	h.wg.Wait()
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if n := len(s.queue); ev.Kind == EventProgress && n > 0 && s.queue[n-1].Kind == EventProgress {
		s.queue[n-1] = ev
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
