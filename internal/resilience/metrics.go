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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitState is 0 closed, 1 open, 2 half-open.
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelkeeper",
		Subsystem: "resilience",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// shortCircuits counts calls answered with a fallback.
	// Labels: op
	shortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "resilience",
		Name:      "short_circuits_total",
		Help:      "Calls answered with a fallback while the circuit was open",
	}, []string{"op"})

	// operationFailures counts failed operations by kind tag.
	// Labels: op, kind
	operationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "resilience",
		Name:      "operation_failures_total",
		Help:      "Failed lifecycle operations seen by the wrapper",
	}, []string{"op", "kind"})
)
