// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/config"
	"github.com/AleutianAI/modelkeeper/internal/download"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/manifest"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/resilience"
	"github.com/AleutianAI/modelkeeper/internal/session"
	"github.com/AleutianAI/modelkeeper/internal/telemetry"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	manifest *manifest.Manifest
	monitor  *netmon.Monitor
	ctrl     *lifecycle.Controller
	mgr      *resilience.Wrapper

	closers []func() error
}

// newApp builds the controller stack from cfg.
//
// # Description
//
// Loads the manifest, opens the session store, assembles the download
// sources (HTTP always, GCS when the manifest references gs:// URLs), and
// wraps the controller in the circuit breaker. The network monitor is
// created but not started; commands decide whether to run its loop.
//
// # Outputs
//
//   - *app: Must be closed by the caller.
//   - error: Manifest, store or source setup failure. A manifest that
//     cannot be loaded exits with code 2.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	a.manifest, err = manifest.Load(cfg.Manifest, manifest.ValidateOptions{
		RequireHashForLargest: cfg.RequireHashForLargest,
	})
	if err != nil {
		return nil, &exitError{code: exitInvalid, err: err}
	}
	dir := cfg.ModelDir(a.manifest.ModelVersion)

	store, err := a.openStore(dir)
	if err != nil {
		return nil, err
	}

	source, err := a.buildSource(ctx)
	if err != nil {
		return nil, err
	}

	probeURLs := cfg.Network.ProbeURLs
	if len(probeURLs) == 0 && strings.HasPrefix(a.manifest.BaseURL, "http") {
		probeURLs = []string{a.manifest.BaseURL}
	}
	a.monitor = netmon.NewMonitor(
		netmon.NewDefaultProber(probeURLs, cfg.Network.ProbeTimeout, logger),
		netmon.NewFSNotifier(cfg.Network.WatchPaths, 0, logger),
		cfg.Network.MonitorConfig(),
		logger,
	)

	a.ctrl, err = lifecycle.NewController(lifecycle.Options{
		Manifest:    a.manifest,
		Dir:         dir,
		Store:       store,
		Downloader:  download.NewEngine(source, cfg.Download.EngineConfig(), logger),
		Network:     a.monitor,
		SpaceMargin: cfg.Download.SpaceMargin,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.ctrl.Close(); return nil })

	a.mgr = resilience.NewWrapper(a.ctrl, cfg.Resilience.BreakerConfig(), logger)
	a.closers = append(a.closers, func() error { a.mgr.Close(); return nil })
	built = true
	return a, nil
}

func (a *app) openStore(dir string) (session.Store, error) {
	if a.cfg.Session.Backend != config.BackendBadger {
		return session.NewFileStore(dir, a.manifest.ModelVersion, a.logger), nil
	}
	db, err := session.OpenBadger(session.BadgerConfig{Path: a.cfg.BadgerPath(), Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return session.NewBadgerStore(db, a.manifest.ModelVersion, a.logger), nil
}

func (a *app) buildSource(ctx context.Context) (download.Source, error) {
	var opts []download.HTTPSourceOption
	if timeout := a.cfg.Download.RequestTimeout; timeout > 0 {
		// Bounds connect and first byte only; bodies stream for minutes.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.ResponseHeaderTimeout = timeout
		opts = append(opts, download.WithHTTPClient(&http.Client{Transport: transport}))
	}
	if a.cfg.AuthToken != "" {
		opts = append(opts, download.WithBearerToken(a.cfg.AuthToken))
	}
	if a.cfg.Download.UserAgent != "" {
		opts = append(opts, download.WithUserAgent(a.cfg.Download.UserAgent))
	}
	httpSrc := download.NewHTTPSource(opts...)
	sources := download.MultiSource{"http": httpSrc, "https": httpSrc}

	if usesGCS(a.manifest) {
		gcs, err := download.NewGCSSource(ctx, a.cfg.Download.GCSCredentials)
		if err != nil {
			return nil, fmt.Errorf("create GCS source: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		sources["gs"] = gcs
	}
	return sources, nil
}

func usesGCS(m *manifest.Manifest) bool {
	if strings.HasPrefix(m.BaseURL, "gs://") {
		return true
	}
	for _, f := range m.Files {
		if strings.HasPrefix(f.SourceURL, "gs://") {
			return true
		}
	}
	return false
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
