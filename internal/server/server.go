// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a lifecycle.Manager over a local HTTP API.
//
// # Endpoints
//
//	GET    /v1/status   - lifecycle snapshot and circuit state
//	GET    /v1/verify   - per-file validation report
//	POST   /v1/acquire  - start an acquisition in the background (202, 409)
//	DELETE /v1/acquire  - cancel the running acquisition
//	POST   /v1/load     - load the inference engine
//	POST   /v1/unload   - release the inference engine
//	DELETE /v1/model    - delete the artifacts
//	POST   /v1/circuit/reset - close the circuit breaker now
//	GET    /v1/network  - current network status
//	GET    /v1/events   - websocket stream of lifecycle events
//	GET    /metrics     - Prometheus metrics
//	GET    /healthz     - liveness
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/resilience"
	"github.com/AleutianAI/modelkeeper/internal/telemetry"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// NetworkReporter is the slice of the network monitor the API shows.
type NetworkReporter interface {
	Status() netmon.NetworkStatus
}

// BreakerReporter exposes the circuit bookkeeping.
type BreakerReporter interface {
	FailureRecord() resilience.FailureRecord
	Available() bool
	ResetCircuit()
}

// Options wires a Server.
type Options struct {
	// Manager serves every lifecycle route. Required.
	Manager lifecycle.Manager

	// Network backs /v1/network. Optional.
	Network NetworkReporter

	// Breaker adds circuit state to /v1/status and enables
	// /v1/circuit/reset. Optional.
	Breaker BreakerReporter

	// ServiceName names the otelgin spans.
	ServiceName string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front of the lifecycle manager.
//
// # Thread Safety
//
// Server is safe for concurrent use.
type Server struct {
	mgr     lifecycle.Manager
	net     NetworkReporter
	breaker BreakerReporter
	logger  *slog.Logger
	router  *gin.Engine

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu            sync.Mutex
	cancelAcquire context.CancelFunc
	wg            sync.WaitGroup
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	lifecycle.Info
	Circuit   *resilience.FailureRecord `json:"circuit,omitempty"`
	Available bool                      `json:"available"`
}

// ErrorResponse is the body of every non-2xx answer. TraceID is set when
// the request was traced.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "modelkeeper"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mgr:        opts.Manager,
		net:        opts.Network,
		breaker:    opts.Breaker,
		logger:     opts.Logger,
		baseCtx:    ctx,
		cancelBase: cancel,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	s.router = router
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/verify", s.handleVerify)
	v1.POST("/acquire", s.handleAcquire)
	v1.DELETE("/acquire", s.handleCancelAcquire)
	v1.POST("/load", s.handleLoad)
	v1.POST("/unload", s.handleUnload)
	v1.DELETE("/model", s.handleDelete)
	v1.POST("/circuit/reset", s.handleResetCircuit)
	v1.GET("/network", s.handleNetwork)
	v1.GET("/events", s.handleEvents)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels a running background acquisition and waits for it.
func (s *Server) Close() {
	s.cancelBase()
	s.wg.Wait()
}

func (s *Server) handleStatus(c *gin.Context) {
	info, err := s.mgr.Info(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := StatusResponse{Info: info, Available: true}
	if s.breaker != nil {
		rec := s.breaker.FailureRecord()
		resp.Circuit = &rec
		resp.Available = s.breaker.Available()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVerify(c *gin.Context) {
	checks, err := s.mgr.Verify(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": checks})
}

func (s *Server) handleAcquire(c *gin.Context) {
	s.mu.Lock()
	if s.cancelAcquire != nil {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, ErrorResponse{Error: lifecycle.ErrAcquireInProgress.Error()})
		return
	}
	if info, err := s.mgr.Info(c.Request.Context()); err == nil && info.Busy {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, ErrorResponse{Error: lifecycle.ErrAcquireInProgress.Error()})
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancelAcquire = cancel
	s.mu.Unlock()

	util.SafeGo(&s.wg, "server.acquire", s.logger, func() {
		defer func() {
			s.mu.Lock()
			s.cancelAcquire = nil
			s.mu.Unlock()
			cancel()
		}()
		if err := s.mgr.Acquire(ctx, nil); err != nil && !failure.IsCancelled(err) {
			s.logger.Warn("Background acquisition failed", "error", err)
		}
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleCancelAcquire(c *gin.Context) {
	s.mu.Lock()
	cancel := s.cancelAcquire
	s.mu.Unlock()
	if cancel == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no acquisition is running"})
		return
	}
	cancel()
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleLoad(c *gin.Context) {
	s.respond(c, s.mgr.Load(c.Request.Context()))
}

func (s *Server) handleUnload(c *gin.Context) {
	s.respond(c, s.mgr.Unload(c.Request.Context()))
}

func (s *Server) handleDelete(c *gin.Context) {
	s.respond(c, s.mgr.Delete(c.Request.Context()))
}

func (s *Server) handleResetCircuit(c *gin.Context) {
	if s.breaker == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no circuit breaker is configured"})
		return
	}
	s.breaker.ResetCircuit()
	c.JSON(http.StatusOK, s.breaker.FailureRecord())
}

func (s *Server) handleNetwork(c *gin.Context) {
	if s.net == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "network monitoring is disabled"})
		return
	}
	c.JSON(http.StatusOK, s.net.Status())
}

func (s *Server) respond(c *gin.Context, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.mgr.State()})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrAcquireInProgress), errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	case failure.IsCancelled(err):
		status = 499
	}
	kind := failure.KindOf(err).Tag()
	traceID := telemetry.TraceID(c.Request.Context())
	s.logger.Debug("Request failed",
		"path", c.FullPath(), "status", status, "kind", kind, "trace_id", traceID)
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind, TraceID: traceID})
}
