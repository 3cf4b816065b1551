// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// Defaults for Config.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultGracePeriod      = 30 * time.Second
	DefaultSignalHysteresis = 0.15
	DefaultMaxAutoResumes   = 10
)

// ErrAlreadyStarted is returned by Start on a running monitor.
var ErrAlreadyStarted = errors.New("network monitor already started")

// Config controls the Monitor.
type Config struct {
	// PollInterval is the fixed probe interval.
	PollInterval time.Duration

	// GracePeriod is how long a restored link must stay up before
	// EventReconnected fires.
	GracePeriod time.Duration

	// SignalHysteresis is the minimum SignalQuality move that counts as a
	// change on its own.
	SignalHysteresis float64

	// MaxAutoResumes caps automatic resumptions until ResetAutoResume.
	MaxAutoResumes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		GracePeriod:      DefaultGracePeriod,
		SignalHysteresis: DefaultSignalHysteresis,
		MaxAutoResumes:   DefaultMaxAutoResumes,
	}
}

// Monitor reconciles polling and OS notifications into one NetworkStatus.
//
// # Description
//
// Start runs one probe synchronously, then a loop that re-probes on every
// poll tick and notifier hint. Stop ends the loop and waits for it.
//
// The auto-resume counter lives here because it is bound to connectivity:
// each reconnect-triggered resumption calls BeginAutoResume, which refuses
// once MaxAutoResumes is reached.
//
// # Thread Safety
//
// Monitor is safe for concurrent use.
type Monitor struct {
	cfg      Config
	prober   Prober
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	status         NetworkStatus
	hasStatus      bool
	reconnectSince time.Time
	awaitingGrace  bool
	subs           map[int]chan Event
	nextSub        int
	autoResumes    int

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a monitor. notifier may be nil (polling only).
func NewMonitor(prober Prober, notifier Notifier, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.SignalHysteresis <= 0 {
		cfg.SignalHysteresis = def.SignalHysteresis
	}
	if cfg.MaxAutoResumes <= 0 {
		cfg.MaxAutoResumes = def.MaxAutoResumes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[int]chan Event),
	}
}

// Start probes once and begins background observation.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var hints <-chan struct{}
	if m.notifier != nil {
		ch, err := m.notifier.Start(loopCtx)
		if err != nil {
			m.logger.Warn("OS network notifications unavailable, polling only", "error", err)
		} else {
			hints = ch
		}
	}

	m.Refresh(loopCtx)

	m.cancel = cancel
	m.running = true
	util.SafeGo(&m.wg, "netmon.poll", m.logger, func() {
		m.loop(loopCtx, hints)
	})
	return nil
}

// Stop ends observation and waits for the loop to exit. Safe to call on a
// stopped monitor.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	if m.notifier != nil {
		m.notifier.Close()
	}
	m.wg.Wait()
	m.running = false
}

func (m *Monitor) loop(ctx context.Context, hints <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var graceTimer *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		case _, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			m.logger.Debug("Network change notification")
			m.Refresh(ctx)
		case <-graceC:
			graceC = nil
			m.CheckGrace()
		}

		if remaining, waiting := m.graceRemaining(); waiting && graceC == nil {
			if graceTimer == nil {
				graceTimer = time.NewTimer(remaining)
			} else {
				graceTimer.Reset(remaining)
			}
			graceC = graceTimer.C
		}
	}
}

// Refresh probes now and reconciles the result.
func (m *Monitor) Refresh(ctx context.Context) NetworkStatus {
	s := m.prober.Probe(ctx)
	if s.ObservedAt.IsZero() {
		s.ObservedAt = m.now()
	}
	m.observe(s)
	return m.Status()
}

// Status returns the current status.
func (m *Monitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// observe applies hysteresis and emits events for significant changes.
func (m *Monitor) observe(s NetworkStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasStatus && !s.DiffersFrom(m.status, m.cfg.SignalHysteresis) {
		m.status.ObservedAt = s.ObservedAt
		m.checkGraceLocked()
		return
	}

	prev, had := m.status, m.hasStatus
	m.status = s
	m.hasStatus = true
	recordStatus(s)

	switch {
	case !s.IsConnected && (!had || prev.IsConnected):
		m.awaitingGrace = false
		m.logger.Info("Network disconnected")
		m.emitLocked(Event{Type: EventDisconnected, Status: s})
	case s.IsConnected && had && !prev.IsConnected:
		m.awaitingGrace = true
		m.reconnectSince = m.now()
		m.logger.Info("Network restored, waiting for grace period", "grace", m.cfg.GracePeriod, "kind", s.Kind.String())
		m.emitLocked(Event{Type: EventStatusChanged, Status: s})
		m.checkGraceLocked()
	default:
		m.emitLocked(Event{Type: EventStatusChanged, Status: s})
	}
}

// CheckGrace emits EventReconnected once the grace period has elapsed on a
// restored link.
func (m *Monitor) CheckGrace() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkGraceLocked()
}

func (m *Monitor) checkGraceLocked() {
	if !m.awaitingGrace || !m.status.IsConnected {
		return
	}
	if m.now().Sub(m.reconnectSince) < m.cfg.GracePeriod {
		return
	}
	m.awaitingGrace = false
	reconnects.Inc()
	m.logger.Info("Network reconnected", "kind", m.status.Kind.String(), "metered", m.status.IsMetered)
	m.emitLocked(Event{Type: EventReconnected, Status: m.status})
}

func (m *Monitor) graceRemaining() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.awaitingGrace {
		return 0, false
	}
	remaining := m.cfg.GracePeriod - m.now().Sub(m.reconnectSince)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel. Slow subscribers lose events once their buffer is full.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 16)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

func (m *Monitor) emitLocked(ev Event) {
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("Dropping network event for slow subscriber", "subscriber", id, "event", ev.Type.String())
		}
	}
}

// BeginAutoResume reserves one automatic resumption.
//
// # Outputs
//
//   - error: *failure.Error of kind AutoResumeExhausted once the cap is hit.
func (m *Monitor) BeginAutoResume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoResumes >= m.cfg.MaxAutoResumes {
		return &failure.Error{
			Kind:        failure.AutoResumeExhausted,
			Op:          "auto-resume",
			Message:     fmt.Sprintf("automatic resumption stopped after %d attempts", m.autoResumes),
			Remediation: "Check the network connection, then start the download again.",
		}
	}
	m.autoResumes++
	return nil
}

// ResetAutoResume clears the counter after a success or a user action.
func (m *Monitor) ResetAutoResume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoResumes = 0
}

// AutoResumeCount returns the number of resumptions used.
func (m *Monitor) AutoResumeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoResumes
}
