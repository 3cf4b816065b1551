// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience decorates a lifecycle.Manager with a circuit breaker.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │  ▲
//	   │                     [cooldown]  │ [trial failed]
//	   └───[trial ok]◄── HALF_OPEN ◄──┘  │
//	                         └────────────┘
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means calls are short-circuited.
	CircuitOpen

	// CircuitHalfOpen means one trial call is allowed through.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Outcome classifies a call result for the breaker.
type Outcome int

const (
	// OutcomeSuccess resets the failure counter.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure counts toward the threshold.
	OutcomeFailure

	// OutcomeNeutral leaves the counter untouched (cancellation, a call
	// rejected because another is running). A neutral half-open trial
	// re-opens the circuit for another cooldown.
	OutcomeNeutral
)

const (
	// DefaultFailureThreshold is consecutive failures before opening.
	DefaultFailureThreshold = 3

	// DefaultOpenTimeout is the cooldown before a trial call.
	DefaultOpenTimeout = 30 * time.Minute
)

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 3
	FailureThreshold int

	// OpenTimeout is how long to stay open before allowing a trial call.
	// Default: 30 minutes
	OpenTimeout time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to CircuitState)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

// FailureRecord is a snapshot of the breaker's bookkeeping.
type FailureRecord struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	IsCircuitOpen       bool       `json:"is_circuit_open"`
	State               string     `json:"state"`
}

// CircuitBreaker implements the circuit breaker pattern.
//
// # Description
//
// After FailureThreshold consecutive failures the circuit opens and every
// call is rejected without running. Once OpenTimeout has elapsed exactly one
// trial call is let through: success closes the circuit, failure re-opens it
// and restarts the cooldown. Calls arriving while the trial runs are
// rejected.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use.
//
// # Example
//
//	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
//
//	if !cb.Allow() {
//	    return fallback
//	}
//	err := ctrl.Load(ctx)
//	if err != nil {
//	    cb.Record(OutcomeFailure)
//	} else {
//	    cb.Record(OutcomeSuccess)
//	}
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultOpenTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether a call may proceed. A true result in the half-open
// state reserves the single trial; the caller must then call Record.
func (cb *CircuitBreaker) Allow() bool {
	var from, to CircuitState
	changed := false

	cb.mu.Lock()
	allowed := false
	switch cb.state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		if cb.config.Now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
			from, to, changed = cb.state, CircuitHalfOpen, true
			cb.state = CircuitHalfOpen
			cb.trialInFlight = true
			allowed = true
		}
	case CircuitHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

// Record applies the outcome of an allowed call and returns the state
// after it.
func (cb *CircuitBreaker) Record(outcome Outcome) CircuitState {
	cb.mu.Lock()
	from := cb.state
	switch outcome {
	case OutcomeSuccess:
		cb.failures = 0
		cb.state = CircuitClosed
	case OutcomeFailure:
		cb.failures++
		cb.lastFailure = cb.config.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.lastFailure
		}
	case OutcomeNeutral:
		// A half-open trial is spent even when it proves nothing.
		if cb.state == CircuitHalfOpen {
			cb.state = CircuitOpen
			cb.openedAt = cb.config.Now()
		}
	}
	cb.trialInFlight = false
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
	return to
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	circuitState.Set(float64(to))
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed still reports CircuitOpen until the next Allow.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot returns the failure bookkeeping.
func (cb *CircuitBreaker) Snapshot() FailureRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	rec := FailureRecord{
		ConsecutiveFailures: cb.failures,
		IsCircuitOpen:       cb.state == CircuitOpen,
		State:               cb.state.String(),
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		rec.LastFailureAt = &t
	}
	return rec
}

// Reset forces the circuit closed and clears the counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.trialInFlight = false
	cb.mu.Unlock()

	if from != CircuitClosed {
		cb.notify(from, CircuitClosed)
	}
}
