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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
)

const writeWait = 10 * time.Second

// The API binds to loopback by default; any origin on the host may watch.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// StreamHello is the first frame on every event stream.
type StreamHello struct {
	Action   string          `json:"action"`
	StreamID string          `json:"stream_id"`
	State    lifecycle.State `json:"state"`
}

func (s *Server) sendJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(v)
	if err != nil {
		s.logger.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// handleEvents streams lifecycle events until the client goes away or the
// server closes.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	streamID := uuid.New().String()
	s.logger.Info("Event stream connected", "stream_id", streamID)

	events, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	if err := s.sendJSON(ws, StreamHello{Action: "stream_opened", StreamID: streamID, State: s.mgr.State()}); err != nil {
		return
	}

	// Clients never send; reading only surfaces the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.sendJSON(ws, ev); err != nil {
				return
			}
		case <-gone:
			s.logger.Info("Event stream disconnected", "stream_id", streamID)
			return
		case <-s.baseCtx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
