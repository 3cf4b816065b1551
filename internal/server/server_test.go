// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeManager struct {
	mu       sync.Mutex
	state    lifecycle.State
	loadErr  error
	acquired chan struct{}
	block    chan struct{}
	hub      *lifecycle.Hub
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		state:    lifecycle.NotAcquired,
		acquired: make(chan struct{}, 4),
		hub:      lifecycle.NewHub(nil),
	}
}

func (m *fakeManager) State() lifecycle.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeManager) Info(ctx context.Context) (lifecycle.Info, error) {
	return lifecycle.Info{State: m.State(), ModelVersion: "v2.0.0", Dir: "/models/v2.0.0"}, nil
}

func (m *fakeManager) IsAcquired(ctx context.Context) (bool, error) {
	return m.State() == lifecycle.Acquired, nil
}

func (m *fakeManager) Verify(ctx context.Context) ([]lifecycle.FileCheck, error) {
	return []lifecycle.FileCheck{
		{Name: "weights.bin", Required: true, Valid: false, Problem: "file is missing"},
	}, nil
}

func (m *fakeManager) Acquire(ctx context.Context, progress lifecycle.ProgressFunc) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			m.acquired <- struct{}{}
			return failure.Wrap(ctx.Err(), failure.UserCancelled, "acquire")
		}
	}
	m.mu.Lock()
	m.state = lifecycle.Acquired
	m.mu.Unlock()
	m.acquired <- struct{}{}
	return nil
}

func (m *fakeManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return m.loadErr
	}
	m.state = lifecycle.Ready
	return nil
}

func (m *fakeManager) Unload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == lifecycle.Ready {
		m.state = lifecycle.Acquired
	}
	return nil
}

func (m *fakeManager) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = lifecycle.NotAcquired
	return nil
}

func (m *fakeManager) Subscribe() (<-chan lifecycle.Event, func()) {
	return m.hub.Subscribe()
}

type fakeNetwork struct{ status netmon.NetworkStatus }

func (f fakeNetwork) Status() netmon.NetworkStatus { return f.status }

type fakeBreaker struct {
	mu  sync.Mutex
	rec resilience.FailureRecord
}

func (f *fakeBreaker) FailureRecord() resilience.FailureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec
}

func (f *fakeBreaker) Available() bool { return !f.FailureRecord().IsCircuitOpen }

func (f *fakeBreaker) ResetCircuit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = resilience.FailureRecord{State: "CLOSED"}
}

func newTestServer(t *testing.T, mgr *fakeManager, opts Options) *Server {
	opts.Manager = mgr
	s := New(opts)
	t.Cleanup(func() {
		s.Close()
		mgr.hub.Close()
	})
	return s
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestStatusIncludesCircuit(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr, Options{Breaker: &fakeBreaker{rec: resilience.FailureRecord{
		ConsecutiveFailures: 3, IsCircuitOpen: true, State: "OPEN",
	}}})

	rec, body := do(t, s.Handler(), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_acquired", body["state"])
	assert.Equal(t, "v2.0.0", body["model_version"])
	assert.Equal(t, false, body["available"])
	circuit := body["circuit"].(map[string]any)
	assert.Equal(t, true, circuit["is_circuit_open"])
}

func TestStatusWithoutBreaker(t *testing.T) {
	s := newTestServer(t, newFakeManager(), Options{})
	rec, body := do(t, s.Handler(), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["available"])
	assert.NotContains(t, body, "circuit")
}

func TestAcquireRunsInBackground(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr, Options{})

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/acquire")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-mgr.acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not run")
	}
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cancelAcquire == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.Acquired, mgr.State())
}

func TestAcquireConflictAndCancel(t *testing.T) {
	mgr := newFakeManager()
	mgr.block = make(chan struct{})
	s := newTestServer(t, mgr, Options{})

	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/acquire")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/acquire")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, lifecycle.ErrAcquireInProgress.Error(), body["error"])

	rec, _ = do(t, s.Handler(), http.MethodDelete, "/v1/acquire")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-mgr.acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire was not cancelled")
	}
	assert.Equal(t, lifecycle.NotAcquired, mgr.State())
}

func TestCancelWithoutAcquire(t *testing.T) {
	s := newTestServer(t, newFakeManager(), Options{})
	rec, _ := do(t, s.Handler(), http.MethodDelete, "/v1/acquire")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadUnloadDelete(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr, Options{})

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/load")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["state"])

	rec, body = do(t, s.Handler(), http.MethodPost, "/v1/unload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acquired", body["state"])

	rec, body = do(t, s.Handler(), http.MethodDelete, "/v1/model")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_acquired", body["state"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{
			name:     "invalid transition",
			err:      fmt.Errorf("%w: %w (state NotAcquired)", lifecycle.ErrInvalidTransition, lifecycle.ErrNotAcquired),
			wantCode: http.StatusConflict,
			wantKind: "unknown",
		},
		{
			name:     "busy",
			err:      lifecycle.ErrAcquireInProgress,
			wantCode: http.StatusConflict,
			wantKind: "unknown",
		},
		{
			name:     "storage",
			err:      failure.Wrap(fmt.Errorf("disk full"), failure.Storage, "load"),
			wantCode: http.StatusInternalServerError,
			wantKind: "storage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newFakeManager()
			mgr.loadErr = tt.err
			s := newTestServer(t, mgr, Options{})
			rec, body := do(t, s.Handler(), http.MethodPost, "/v1/load")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestErrorCarriesTraceID(t *testing.T) {
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	mgr := newFakeManager()
	mgr.loadErr = failure.Wrap(fmt.Errorf("disk full"), failure.Storage, "load")
	s := newTestServer(t, mgr, Options{})

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/load")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	traceID, _ := body["trace_id"].(string)
	assert.Len(t, traceID, 32)
}

func TestResetCircuit(t *testing.T) {
	breaker := &fakeBreaker{rec: resilience.FailureRecord{ConsecutiveFailures: 3, IsCircuitOpen: true, State: "OPEN"}}
	s := newTestServer(t, newFakeManager(), Options{Breaker: breaker})

	rec, body := do(t, s.Handler(), http.MethodPost, "/v1/circuit/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", body["state"])
	assert.Equal(t, false, body["is_circuit_open"])
	assert.True(t, breaker.Available())

	rec, _ = do(t, newTestServer(t, newFakeManager(), Options{}).Handler(), http.MethodPost, "/v1/circuit/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyAndNetwork(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr, Options{Network: fakeNetwork{status: netmon.NetworkStatus{
		IsConnected: true, Kind: netmon.KindWiFi, SignalQuality: 0.8,
	}}})

	rec, body := do(t, s.Handler(), http.MethodGet, "/v1/verify")
	require.Equal(t, http.StatusOK, rec.Code)
	files := body["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "file is missing", files[0].(map[string]any)["problem"])

	rec, body = do(t, s.Handler(), http.MethodGet, "/v1/network")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_connected"])
	assert.Equal(t, 0.8, body["signal_quality"])
}

func TestNetworkDisabled(t *testing.T) {
	s := newTestServer(t, newFakeManager(), Options{})
	rec, _ := do(t, s.Handler(), http.MethodGet, "/v1/network")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, newFakeManager(), Options{})

	rec, body := do(t, s.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEventStream(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "stream_opened", hello["action"])
	assert.Equal(t, "not_acquired", hello["state"])
	assert.NotEmpty(t, hello["stream_id"])

	// The hello is sent after subscribing, so this event is not lost.
	mgr.hub.Publish(lifecycle.Event{Kind: lifecycle.EventState, From: lifecycle.NotAcquired, To: lifecycle.Downloading})

	var ev map[string]any
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "state", ev["kind"])
	assert.Equal(t, "downloading", ev["to"])
}
