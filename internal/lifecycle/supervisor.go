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
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// DefaultHealthInterval is the period of the artifact health check.
const DefaultHealthInterval = 5 * time.Minute

// Health check results, also used as metric labels.
const (
	HealthOK       = "ok"
	HealthInvalid  = "invalid"
	HealthDeferred = "deferred"
	HealthSkipped  = "skipped"
	HealthError    = "error"
)

// AutoResumer is the slice of the network monitor the supervisor needs.
type AutoResumer interface {
	Subscribe() (<-chan netmon.Event, func())
	BeginAutoResume() error
	AutoResumeCount() int
}

// Supervisor runs the background work bound to a Controller's lifetime:
// the periodic health check and the reconnect-driven auto-resume.
//
// # Description
//
// Both tasks defer to a running Acquire instead of racing it. The
// supervisor's goroutine exits when Stop is called or the context passed to
// Start is cancelled.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use.
type Supervisor struct {
	ctrl     *Controller
	net      AutoResumer
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSupervisor creates a supervisor. net may be nil, which disables
// auto-resume. interval <= 0 uses DefaultHealthInterval.
func NewSupervisor(ctrl *Controller, net AutoResumer, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{ctrl: ctrl, net: net, interval: interval, logger: logger}
}

// Start launches the background loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor already started")
	}

	var events <-chan netmon.Event
	unsubscribe := func() {}
	if s.net != nil {
		events, unsubscribe = s.net.Subscribe()
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	util.SafeGo(&s.wg, "lifecycle.supervisor", s.logger, func() {
		defer unsubscribe()
		s.loop(ctx, events)
	})
	return nil
}

// Stop cancels the loop and waits for it to exit, including any
// auto-resume it started.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, events <-chan netmon.Event) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HealthCheck(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == netmon.EventReconnected {
				if err := s.AutoResume(ctx); err != nil && !failure.IsCancelled(err) {
					s.logger.Warn("Auto-resume failed", "error", err)
				}
			}
		}
	}
}

// HealthCheck re-validates the artifact files when the model is Acquired or
// Ready, and publishes an integrity notice when they no longer validate.
// It returns one of the Health* results.
func (s *Supervisor) HealthCheck(ctx context.Context) string {
	result := s.healthCheck(ctx)
	healthChecks.WithLabelValues(result).Inc()
	return result
}

func (s *Supervisor) healthCheck(ctx context.Context) string {
	if s.ctrl.Busy() {
		return HealthDeferred
	}
	if st := s.ctrl.State(); st != Acquired && st != Ready {
		return HealthSkipped
	}

	ok, err := s.ctrl.IsAcquired(ctx)
	switch {
	case err != nil:
		s.logger.Warn("Health check could not read artifact files", "error", err)
		return HealthError
	case !ok:
		s.logger.Warn("Artifact files failed re-validation", "model_version", s.ctrl.Manifest().ModelVersion)
		s.ctrl.notify(&failure.Error{
			Kind:        failure.Integrity,
			Op:          "health",
			Message:     "Model files failed re-validation",
			Remediation: "Run acquire to repair the model files.",
		})
		return HealthInvalid
	}
	return HealthOK
}

// AutoResume continues an interrupted acquisition after a reconnect. It does
// nothing when an Acquire is running, the model is not in NotAcquired or
// Faulted, or no incomplete session is stored. Each attempt is counted
// against the monitor's auto-resume budget.
func (s *Supervisor) AutoResume(ctx context.Context) error {
	if s.net == nil || s.ctrl.Busy() {
		return nil
	}
	if st := s.ctrl.State(); st != NotAcquired && st != Faulted {
		return nil
	}
	if !s.ctrl.ResumePending(ctx) {
		return nil
	}
	if err := s.net.BeginAutoResume(); err != nil {
		s.ctrl.notify(err)
		return err
	}

	s.logger.Info("Resuming interrupted download after reconnect",
		"model_version", s.ctrl.Manifest().ModelVersion,
		"attempt", s.net.AutoResumeCount())
	err := s.ctrl.acquire(ctx, nil, true)
	if errors.Is(err, ErrAcquireInProgress) {
		return nil
	}
	return err
}
