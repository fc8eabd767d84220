// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin HTTP handlers for the gateway.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/gateway/observability"
	"github.com/queryloom/queryloom/services/pipeline/coordinator"
)

// HandleSubmitQuery accepts a natural-language question and streams the
// request lifecycle back over SSE until a terminal event.
func HandleSubmitQuery(coord *coordinator.Coordinator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		if principal == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var body datatypes.SubmitQueryRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !principal.CanAccess(body.WorkspaceID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "workspace access denied"})
			return
		}

		req := &datatypes.QueryRequest{
			ID:          uuid.NewString(),
			Text:        body.Text,
			UserID:      principal.UserID,
			WorkspaceID: body.WorkspaceID,
			DashboardID: body.DashboardID,
			DatasetID:   body.DatasetID,
			SubmittedAt: time.Now(),
			Status:      datatypes.StatusPending,
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		logger.Info("query submitted",
			"request_id", req.ID,
			"user_id", req.UserID,
			"workspace_id", req.WorkspaceID,
			"dataset_id", req.DatasetID)

		// Keepalives cover the gap while the pipeline waits on the
		// resolver or a busy pool.
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						return
					}
				case <-stop:
					return
				}
			}
		}()
		defer close(stop)

		start := time.Now()
		coord.Run(c.Request.Context(), req, func(ev datatypes.StreamEvent) {
			recordOutcome(ev, start)
			if err := writer.WriteEvent(ev); err != nil {
				logger.Info("client disconnected mid-stream",
					"request_id", req.ID, "error", err)
			}
		})
	}
}

// recordOutcome feeds terminal lifecycle events into the pipeline
// metrics, when metrics are enabled.
func recordOutcome(ev datatypes.StreamEvent, start time.Time) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	switch ev.Type {
	case datatypes.EventResult:
		rows := 0
		cacheHit := false
		if ev.Result != nil {
			rows = len(ev.Result.Rows)
			cacheHit = ev.Result.CacheHit
		}
		m.RecordRequest(string(ev.Status), time.Since(start).Seconds(), cacheHit, rows)
	case datatypes.EventError:
		m.RecordRequest(string(ev.Status), time.Since(start).Seconds(), false, -1)
		m.RecordError(ev.ErrorKind)
	case datatypes.EventClarificationNeeded:
		m.RecordRequest(string(ev.Status), time.Since(start).Seconds(), false, -1)
	}
}
