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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Artifact Downloads
// =============================================================================

var (
	// bytesDownloaded counts bytes written to artifact files.
	bytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Total bytes written to artifact files",
	})

	// fetchAttempts counts single-file attempts.
	// Labels: result (success, failure, cancelled)
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "download",
		Name:      "attempts_total",
		Help:      "Total single-file download attempts",
	}, []string{"result"})

	// fetchFailures counts failed attempts by failure kind.
	// Labels: kind (network, storage, corruption, server, ...)
	fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "download",
		Name:      "failures_total",
		Help:      "Failed download attempts by failure kind",
	}, []string{"kind"})

	// fetchDuration measures successful single-file downloads.
	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modelkeeper",
		Subsystem: "download",
		Name:      "file_duration_seconds",
		Help:      "Time to download and validate one artifact file",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)
