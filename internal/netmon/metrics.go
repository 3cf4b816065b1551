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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// connected is 1 while the last significant status was connected.
	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelkeeper",
		Subsystem: "network",
		Name:      "connected",
		Help:      "1 when the network is reachable",
	})

	// signalQuality mirrors NetworkStatus.SignalQuality.
	signalQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelkeeper",
		Subsystem: "network",
		Name:      "signal_quality",
		Help:      "Signal quality derived from probe latency (0-1)",
	})

	// reconnects counts confirmed reconnects.
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelkeeper",
		Subsystem: "network",
		Name:      "reconnects_total",
		Help:      "Reconnects confirmed after the grace period",
	})
)

func recordStatus(s NetworkStatus) {
	if s.IsConnected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
	signalQuality.Set(s.SignalQuality)
}
