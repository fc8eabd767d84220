// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/pipeline/history"
)

// HandleListHistory returns the caller's past queries, newest first.
//
//	GET /v1/history?limit=50&cursor=<opaque>
func HandleListHistory(store *history.Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		if principal == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
				return
			}
			limit = n
		}

		records, next, err := store.ListByUser(principal.UserID, limit, c.Query("cursor"))
		if err != nil {
			logger.Error("list history failed", "user_id", principal.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"records":     records,
			"next_cursor": next,
		})
	}
}

// HandleGetHistory returns one history record by request id. Records
// belong to their submitter; other users get 404 rather than 403 so ids
// are not probeable.
func HandleGetHistory(store *history.Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		if principal == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		rec, err := store.Get(c.Param("id"))
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if err != nil {
			logger.Error("get history failed", "id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		if rec.UserID != principal.UserID {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}
