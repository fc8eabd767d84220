// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queryloom/queryloom/services/gateway/handlers"
	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/coordinator"
	"github.com/queryloom/queryloom/services/pipeline/history"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/session"
)

// Deps are the live components the routes hand to their handlers.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Pools       *pool.Manager
	Cache       *cache.ResultCache
	Sessions    *session.Manager
	History     *history.Store
	Catalog     *catalog.Catalog
	Auth        middleware.Provider
	Logger      *slog.Logger
	Metrics     bool
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HandleHealth(deps.Pools, deps.Cache, deps.Sessions))
	if deps.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(deps.Auth))
	{
		v1.POST("/queries", handlers.HandleSubmitQuery(deps.Coordinator, deps.Logger))
		v1.GET("/dashboards/ws", handlers.HandleDashboardWS(deps.Sessions, deps.Logger))

		v1.GET("/history", handlers.HandleListHistory(deps.History, deps.Logger))
		v1.GET("/history/:id", handlers.HandleGetHistory(deps.History, deps.Logger))

		v1.GET("/sources", handlers.HandleListSources(deps.Pools))
		v1.GET("/datasets/:id", handlers.HandleGetDataset(deps.Catalog))
	}
}
