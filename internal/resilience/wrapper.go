// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// Wrapper is a lifecycle.Manager that guards another Manager with a circuit
// breaker.
//
// # Description
//
// Every operation goes through the breaker. A failure increments the
// consecutive-failure counter and is returned sanitized, so paths, URLs and
// tokens from the underlying cause never reach the caller. Any success
// resets the counter. Cancellation and "already in progress" rejections are
// neutral.
//
// While the circuit is open the inner manager is not called at all:
//
//   - IsAcquired returns false
//   - Info returns the last successful snapshot
//   - Verify returns no checks
//   - Acquire, Load, Unload and Delete do nothing and return nil
//
// A single "temporarily unavailable" notice is published each time the
// circuit opens.
//
// # Thread Safety
//
// Wrapper is safe for concurrent use.
type Wrapper struct {
	inner   lifecycle.Manager
	breaker *CircuitBreaker
	hub     *lifecycle.Hub
	logger  *slog.Logger

	mu       sync.Mutex
	cached   lifecycle.Info
	lastKind failure.Kind

	stopForward func()
	wg          sync.WaitGroup
}

// NewWrapper decorates inner. Events of inner are re-published on the
// wrapper's own stream together with the wrapper's notices.
func NewWrapper(inner lifecycle.Manager, cfg CircuitBreakerConfig, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Wrapper{
		inner:  inner,
		hub:    lifecycle.NewHub(logger),
		logger: logger,
		cached: lifecycle.Info{State: inner.State()},
	}

	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		w.logger.Info("Circuit state changed", "from", from.String(), "to", to.String())
		if to == CircuitOpen {
			w.announceOpen()
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	w.breaker = NewCircuitBreaker(cfg)

	events, unsubscribe := inner.Subscribe()
	w.stopForward = unsubscribe
	util.SafeGo(&w.wg, "resilience.forward", logger, func() {
		for ev := range events {
			w.hub.Publish(ev)
		}
	})
	return w
}

// Close stops forwarding and closes the wrapper's event stream.
func (w *Wrapper) Close() {
	w.stopForward()
	w.wg.Wait()
	w.hub.Close()
}

// FailureRecord returns the breaker bookkeeping.
func (w *Wrapper) FailureRecord() FailureRecord {
	return w.breaker.Snapshot()
}

// Available reports whether calls currently reach the inner manager. It is
// false while the circuit is open and the cooldown has not elapsed.
func (w *Wrapper) Available() bool {
	return w.breaker.State() != CircuitOpen
}

// ResetCircuit closes the circuit and clears the failure counter. It is the
// explicit "try again now" a user can issue instead of waiting out the
// cooldown.
func (w *Wrapper) ResetCircuit() {
	w.breaker.Reset()
	w.logger.Info("Circuit reset by request")
}

// Subscribe implements lifecycle.Manager.
func (w *Wrapper) Subscribe() (<-chan lifecycle.Event, func()) {
	return w.hub.Subscribe()
}

// State implements lifecycle.Manager. Reading the state never fails and is
// not guarded.
func (w *Wrapper) State() lifecycle.State {
	return w.inner.State()
}

// Info implements lifecycle.Manager.
func (w *Wrapper) Info(ctx context.Context) (lifecycle.Info, error) {
	var info lifecycle.Info
	ran, err := w.guard("info", func() error {
		var err error
		info, err = w.inner.Info(ctx)
		return err
	})
	if !ran || err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.cached, err
	}
	w.mu.Lock()
	w.cached = info
	w.mu.Unlock()
	return info, nil
}

// IsAcquired implements lifecycle.Manager.
func (w *Wrapper) IsAcquired(ctx context.Context) (bool, error) {
	ok := false
	_, err := w.guard("is_acquired", func() error {
		var err error
		ok, err = w.inner.IsAcquired(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Verify implements lifecycle.Manager.
func (w *Wrapper) Verify(ctx context.Context) ([]lifecycle.FileCheck, error) {
	var checks []lifecycle.FileCheck
	_, err := w.guard("verify", func() error {
		var err error
		checks, err = w.inner.Verify(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return checks, nil
}

// Acquire implements lifecycle.Manager.
func (w *Wrapper) Acquire(ctx context.Context, progress lifecycle.ProgressFunc) error {
	_, err := w.guard("acquire", func() error { return w.inner.Acquire(ctx, progress) })
	return err
}

// Load implements lifecycle.Manager.
func (w *Wrapper) Load(ctx context.Context) error {
	_, err := w.guard("load", func() error { return w.inner.Load(ctx) })
	return err
}

// Unload implements lifecycle.Manager.
func (w *Wrapper) Unload(ctx context.Context) error {
	_, err := w.guard("unload", func() error { return w.inner.Unload(ctx) })
	return err
}

// Delete implements lifecycle.Manager.
func (w *Wrapper) Delete(ctx context.Context) error {
	_, err := w.guard("delete", func() error { return w.inner.Delete(ctx) })
	return err
}

// guard runs fn through the breaker. ran is false when the call was
// short-circuited; the error is then nil.
func (w *Wrapper) guard(op string, fn func() error) (ran bool, err error) {
	if !w.breaker.Allow() {
		shortCircuits.WithLabelValues(op).Inc()
		w.logger.Debug("Call short-circuited", "op", op)
		return false, nil
	}

	err = fn()
	outcome := classify(err)
	if outcome == OutcomeFailure {
		kind := failure.KindOf(err)
		operationFailures.WithLabelValues(op, kind.Tag()).Inc()
		w.logger.Warn("Lifecycle operation failed",
			"op", op, "kind", kind.String(), "consecutive_failures", w.breaker.Failures()+1)
		w.mu.Lock()
		w.lastKind = kind
		w.mu.Unlock()
	}
	w.breaker.Record(outcome)
	return true, failure.Sanitize(err)
}

// announceOpen publishes the notice for a new open period.
func (w *Wrapper) announceOpen() {
	w.mu.Lock()
	kind := w.lastKind
	w.mu.Unlock()
	detail := fmt.Sprintf("Model features are temporarily unavailable; retrying after %s",
		w.breaker.config.OpenTimeout.Round(time.Second))
	n := failure.NewNotice(&failure.Error{Kind: kind, Op: "circuit"}, detail)
	w.logger.Warn("Circuit opened", "kind", kind.String(), "cooldown", w.breaker.config.OpenTimeout)
	w.hub.Publish(lifecycle.Event{Kind: lifecycle.EventError, Notice: &n, At: n.At})
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case failure.IsCancelled(err), errors.Is(err, lifecycle.ErrAcquireInProgress):
		return OutcomeNeutral
	default:
		return OutcomeFailure
	}
}
