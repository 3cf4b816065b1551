// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netmon observes network connectivity and raises reconnect and
// disconnect events that drive automatic download resumption.
//
// # Description
//
// Two sources feed one NetworkStatus: a fixed-interval poll through a
// Prober, and OS change notifications through a Notifier. A new status is
// published only when it differs from the current one by more than the
// hysteresis margin. A disconnected-to-connected transition is reported as
// EventReconnected only after the link stayed up for the grace period.
//
// NetworkStatus is never persisted; it is always recomputed.
package netmon

import (
	"math"
	"time"
)

// ConnectionKind classifies the active link.
type ConnectionKind int

const (
	// KindNone means no usable interface is up.
	KindNone ConnectionKind = iota

	// KindEthernet is a wired link.
	KindEthernet

	// KindWiFi is a wireless LAN link.
	KindWiFi

	// KindCellular is a mobile broadband link. Treated as metered.
	KindCellular

	// KindUnknown is an up interface that could not be classified.
	KindUnknown
)

// String returns the kind name.
func (k ConnectionKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEthernet:
		return "ethernet"
	case KindWiFi:
		return "wifi"
	case KindCellular:
		return "cellular"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ConnectionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// NetworkStatus is one observation of the environment.
type NetworkStatus struct {
	IsConnected bool           `json:"is_connected"`
	IsMetered   bool           `json:"is_metered"`
	Kind        ConnectionKind `json:"connection_kind"`

	// SignalQuality is in [0,1], derived from probe latency.
	SignalQuality float64 `json:"signal_quality"`

	ObservedAt time.Time `json:"observed_at"`
}

// DiffersFrom reports whether s is a meaningful change from prev: any
// boolean or kind change, or a signal quality move larger than hysteresis.
func (s NetworkStatus) DiffersFrom(prev NetworkStatus, hysteresis float64) bool {
	if s.IsConnected != prev.IsConnected || s.IsMetered != prev.IsMetered || s.Kind != prev.Kind {
		return true
	}
	return math.Abs(s.SignalQuality-prev.SignalQuality) > hysteresis
}

// EventType identifies a monitor event.
type EventType int

const (
	// EventStatusChanged is a significant change that is neither a
	// disconnect nor a confirmed reconnect.
	EventStatusChanged EventType = iota

	// EventDisconnected is emitted as soon as connectivity is lost.
	EventDisconnected

	// EventReconnected is emitted once connectivity has been stable for the
	// grace period after a disconnect.
	EventReconnected
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	default:
		return "status_changed"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type   EventType
	Status NetworkStatus
}
