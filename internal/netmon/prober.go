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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Prober takes one connectivity observation.
type Prober interface {
	Probe(ctx context.Context) NetworkStatus
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) NetworkStatus

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) NetworkStatus { return f(ctx) }

// Latency bounds for mapping probe round trips onto SignalQuality.
const (
	excellentLatency = 100 * time.Millisecond
	poorLatency      = 2 * time.Second
	minQuality       = 0.1
)

// DefaultProber classifies the active interface and confirms reachability
// with HEAD requests.
//
// # Description
//
// The link kind comes from the names of up, non-loopback interfaces
// (en*/eth* wired, wl* wireless, wwan*/rmnet*/ppp* cellular). Reachability is
// the first successful HEAD against ProbeURLs; any HTTP response counts.
// With no probe URLs configured, an up interface counts as connected.
//
// # Thread Safety
//
// DefaultProber is safe for concurrent use.
type DefaultProber struct {
	client     *http.Client
	probeURLs  []string
	interfaces func() ([]net.Interface, error)
	logger     *slog.Logger
}

// NewDefaultProber creates a prober for urls with a per-request timeout.
func NewDefaultProber(urls []string, timeout time.Duration, logger *slog.Logger) *DefaultProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultProber{
		client:     &http.Client{Timeout: timeout},
		probeURLs:  urls,
		interfaces: net.Interfaces,
		logger:     logger,
	}
}

// Probe implements Prober.
func (p *DefaultProber) Probe(ctx context.Context) NetworkStatus {
	now := time.Now()
	kind := p.linkKind()
	status := NetworkStatus{Kind: kind, IsMetered: kind == KindCellular, ObservedAt: now}
	if kind == KindNone {
		return status
	}

	if len(p.probeURLs) == 0 {
		status.IsConnected = true
		status.SignalQuality = 1
		return status
	}

	for _, u := range p.probeURLs {
		start := time.Now()
		if err := p.head(ctx, u); err != nil {
			p.logger.Debug("Connectivity probe failed", "url", u, "error", err)
			continue
		}
		status.IsConnected = true
		status.SignalQuality = qualityFromLatency(time.Since(start))
		return status
	}
	return status
}

func (p *DefaultProber) head(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *DefaultProber) linkKind() ConnectionKind {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Debug("Listing interfaces failed", "error", err)
		return KindUnknown
	}
	return classifyInterfaces(ifaces)
}

// classifyInterfaces picks the best up link: ethernet, then wifi, then
// cellular, then anything else.
func classifyInterfaces(ifaces []net.Interface) ConnectionKind {
	best := KindNone
	rank := func(k ConnectionKind) int {
		switch k {
		case KindEthernet:
			return 4
		case KindWiFi:
			return 3
		case KindCellular:
			return 2
		case KindUnknown:
			return 1
		default:
			return 0
		}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		k := kindFromName(iface.Name)
		if rank(k) > rank(best) {
			best = k
		}
	}
	return best
}

func kindFromName(name string) ConnectionKind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ppp"), strings.HasPrefix(n, "ccmni"):
		return KindCellular
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return KindWiFi
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"):
		return KindEthernet
	case strings.HasPrefix(n, "docker"), strings.HasPrefix(n, "veth"), strings.HasPrefix(n, "br-"), strings.HasPrefix(n, "virbr"):
		// Virtual bridges do not imply outside connectivity.
		return KindNone
	default:
		return KindUnknown
	}
}

// qualityFromLatency maps a round trip linearly from 1.0 at 100ms down to
// 0.1 at 2s and beyond.
func qualityFromLatency(d time.Duration) float64 {
	switch {
	case d <= excellentLatency:
		return 1
	case d >= poorLatency:
		return minQuality
	}
	frac := float64(d-excellentLatency) / float64(poorLatency-excellentLatency)
	return 1 - frac*(1-minQuality)
}
