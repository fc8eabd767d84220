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

	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/session"
)

// HandleHealth reports liveness plus a summary of source health. The
// endpoint stays 200 while any source is healthy; a fully degraded
// fleet returns 503 so load balancers stop routing here.
func HandleHealth(pools *pool.Manager, results *cache.ResultCache, sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := pools.Stats()

		healthy := 0
		sources := make([]gin.H, 0, len(stats))
		for _, s := range stats {
			if s.Health == pool.Healthy {
				healthy++
			}
			sources = append(sources, gin.H{
				"source_id": s.SourceID,
				"dialect":   s.Dialect,
				"health":    s.Health.String(),
				"in_use":    s.InUse,
				"max_open":  s.MaxOpen,
			})
		}

		status := http.StatusOK
		state := "ok"
		if len(stats) > 0 && healthy == 0 {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}

		cacheStats := results.Stats()
		c.JSON(status, gin.H{
			"status":  state,
			"sources": sources,
			"cache": gin.H{
				"entries": cacheStats.EntryCount,
				"hits":    cacheStats.Hits,
				"misses":  cacheStats.Misses,
			},
			"dashboard_sessions": sessions.ActiveSessions(),
		})
	}
}
