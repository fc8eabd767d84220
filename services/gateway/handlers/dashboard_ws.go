// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/gateway/observability"
	"github.com/queryloom/queryloom/services/pipeline/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 25 * time.Second
	// wsMaxMessage bounds inbound frames; widget patches are small.
	wsMaxMessage = 256 * 1024
)

var wsValidate = validator.New()

// HandleDashboardWS is the dashboard sync endpoint. The first client
// frame must be a SubscribeMessage; after that the client sends widget
// updates and cursor moves while the session fans sequenced events back.
func HandleDashboardWS(sessions *session.Manager, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		if principal == nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		ws.SetReadLimit(wsMaxMessage)

		var sub datatypes.SubscribeMessage
		ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		if err := ws.ReadJSON(&sub); err != nil {
			logger.Info("dashboard client sent no subscribe frame", "error", err)
			return
		}
		if err := wsValidate.Struct(sub); err != nil {
			writeWSError(ws, "subscribe frame requires dashboard_id")
			return
		}

		client, err := sessions.Subscribe(sub.DashboardID, principal.UserID, sub.LastSeenSeq)
		if err != nil {
			writeWSError(ws, datatypes.AsPipelineError(err).UserMessage())
			return
		}
		defer sessions.Unsubscribe(client)

		logger.Info("dashboard client connected",
			"dashboard_id", sub.DashboardID,
			"client_id", client.ID,
			"user_id", principal.UserID,
			"last_seen_seq", sub.LastSeenSeq)

		// All writes happen on this goroutine; gorilla/websocket allows
		// only one concurrent writer.
		done := make(chan struct{})
		go readLoop(ws, client, sessions, logger, done)

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case ev := <-client.Events():
				ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := ws.WriteJSON(ev); err != nil {
					logger.Info("dashboard client write failed",
						"client_id", client.ID, "error", err)
					return
				}

			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-client.Done():
				if client.Dropped() {
					logger.Warn("dashboard client dropped for backpressure",
						"client_id", client.ID)
					if m := observability.DefaultMetrics; m != nil {
						m.ClientDropsTotal.Inc()
					}
					ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation,
							"client too slow, reconnect with last_seen_seq"))
				}
				return

			case <-done:
				return
			}
		}
	}
}

// readLoop consumes client frames and publishes them into the session.
func readLoop(ws *websocket.Conn, client *session.Client, sessions *session.Manager, logger *slog.Logger, done chan struct{}) {
	defer close(done)

	ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		var msg datatypes.ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("dashboard client disconnected", "client_id", client.ID, "error", err)
			}
			return
		}
		if err := wsValidate.Struct(msg); err != nil {
			logger.Warn("invalid dashboard frame", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "widget_update":
			if msg.WidgetID == "" {
				continue
			}
			payload, err := json.Marshal(datatypes.WidgetUpdatePayload{
				WidgetID: msg.WidgetID,
				Patch:    msg.Patch,
			})
			if err != nil {
				continue
			}
			if sessions.Publish(client.DashboardID, datatypes.DashboardWidgetUpdate, client.ID, payload) {
				if m := observability.DefaultMetrics; m != nil {
					m.DashboardEventsTotal.WithLabelValues(string(datatypes.DashboardWidgetUpdate)).Inc()
				}
			}

		case "cursor_move":
			if msg.Position == nil {
				continue
			}
			payload, err := json.Marshal(msg.Position)
			if err != nil {
				continue
			}
			if sessions.Publish(client.DashboardID, datatypes.DashboardCursorMove, client.ID, payload) {
				if m := observability.DefaultMetrics; m != nil {
					m.DashboardEventsTotal.WithLabelValues(string(datatypes.DashboardCursorMove)).Inc()
				}
			}
		}
	}
}

func writeWSError(ws *websocket.Conn, message string) {
	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	ws.WriteJSON(gin.H{"error": message})
}
