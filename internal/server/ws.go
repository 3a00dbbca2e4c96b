// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jllopis/tessera/pkg/errors"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tokens, not cookies, authenticate the stream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRunStream relays the run's events as JSON text messages. The
// retained history comes first; the server closes the stream after the
// run.finished event.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		s.respondError(w, r, errors.New(errors.CodeNotFound, "event streaming is not enabled", nil))
		return
	}
	runID := chi.URLParam(r, "id")
	if runID == "" {
		s.respondError(w, r, errors.New(errors.CodeInvalidInput, "run id is required", nil))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server.ws.upgrade.error", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ch, cancel, err := s.opts.Events.Subscribe(r.Context(), runID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer cancel()

	streamsActive.Inc()
	defer streamsActive.Dec()
	s.logger.Debug("server.ws.open", slog.String("run_id", runID), slog.String("remote_addr", r.RemoteAddr))

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-peerGone:
			return
		case <-s.runCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
