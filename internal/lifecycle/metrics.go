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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stateGauge is 1 for the current state and 0 for all others.
	// Labels: model_version, state
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modelkeeper",
		Subsystem: "lifecycle",
		Name:      "state",
		Help:      "Current lifecycle state (1 for the active state)",
	}, []string{"model_version", "state"})

	// transitionsTotal counts state transitions.
	// Labels: from, to
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions",
	}, []string{"from", "to"})

	// acquireDuration measures Acquire calls by outcome.
	// Labels: outcome (success, failure, cancelled, noop)
	acquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelkeeper",
		Subsystem: "lifecycle",
		Name:      "acquire_duration_seconds",
		Help:      "Acquire duration by outcome",
		Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 900, 1800, 3600},
	}, []string{"outcome"})

	// healthChecks counts supervisor health checks.
	// Labels: result (ok, invalid, deferred, error)
	healthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "lifecycle",
		Name:      "health_checks_total",
		Help:      "Periodic artifact health checks by result",
	}, []string{"result"})
)

func recordState(modelVersion string, current State) {
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		stateGauge.WithLabelValues(modelVersion, s.String()).Set(v)
	}
}
