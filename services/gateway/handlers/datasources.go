// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/pool"
)

// HandleListSources lists configured data sources with their breaker
// state. DSNs never appear here.
func HandleListSources(pools *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := pools.Stats()
		out := make([]gin.H, 0, len(stats))
		for _, s := range stats {
			out = append(out, gin.H{
				"source_id":     s.SourceID,
				"dialect":       s.Dialect,
				"health":        s.Health.String(),
				"in_use":        s.InUse,
				"max_open":      s.MaxOpen,
				"failures":      s.Breaker.Failures,
				"state_changed": s.Breaker.LastChange,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sources": out})
	}
}

// HandleGetDataset returns the table metadata for one dataset so
// clients can render pickers and synonym hints.
func HandleGetDataset(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		if principal == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		d, ok := cat.Dataset(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown dataset"})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}
