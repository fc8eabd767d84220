// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the query pipeline and serves it over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/queryloom/queryloom/pkg/logging"
	"github.com/queryloom/queryloom/services/gateway/middleware"
	"github.com/queryloom/queryloom/services/gateway/observability"
	"github.com/queryloom/queryloom/services/gateway/routes"
	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/config"
	"github.com/queryloom/queryloom/services/pipeline/coordinator"
	"github.com/queryloom/queryloom/services/pipeline/history"
	"github.com/queryloom/queryloom/services/pipeline/intent"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/safety"
	"github.com/queryloom/queryloom/services/pipeline/session"
	"github.com/queryloom/queryloom/services/pipeline/synth"
)

const serviceName = "queryloom-gateway"

// Server is the assembled gateway.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger

	pools    *pool.Manager
	results  *cache.ResultCache
	sessions *session.Manager
	store    *history.Store
	catalog  *catalog.Catalog
	coord    *coordinator.Coordinator

	httpSrv       *http.Server
	tracerCleanup func(context.Context)
}

// New wires every component from cfg.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  cfg.Server.LogDir,
		Service: serviceName,
	})
	slog.SetDefault(logger.Slog())
	log := logger.Slog()

	cat, err := catalog.Load(cfg.CatalogPath, log)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	pools, err := pool.New(cfg.Sources, cfg.Breaker, cfg.Retry, log)
	if err != nil {
		return nil, fmt.Errorf("open data sources: %w", err)
	}

	results := cache.NewResultCache(cfg.Cache, log)
	sessions := session.NewManager(cfg.Session, log)

	store, err := history.Open(cfg.History, log)
	if err != nil {
		pools.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}

	resolver, err := intent.FromConfig(cfg.Intent, log)
	if err != nil {
		pools.Close()
		store.Close()
		return nil, fmt.Errorf("configure intent resolver: %w", err)
	}

	validator := safety.NewValidator(cfg.Safety.MaxRows, cfg.Safety.CostBudget, pools, log)
	synthesizer := synth.New(cfg.Safety.MaxRows, time.Now)

	coord := coordinator.New(coordinator.Deps{
		Resolver:    resolver,
		Synthesizer: synthesizer,
		Validator:   validator,
		Pools:       pools,
		Cache:       results,
		Sessions:    sessions,
		History:     store,
		Catalog:     cat,
		Logger:      log,
	}, cfg.Admission, cfg.Safety)

	tracerCleanup, err := initTracer(log)
	if err != nil {
		pools.Close()
		store.Close()
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	if cfg.Server.Metrics {
		observability.InitMetrics()
		observability.RegisterStatsCollector(pools, results, coord, sessions)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(router, routes.Deps{
		Coordinator: coord,
		Pools:       pools,
		Cache:       results,
		Sessions:    sessions,
		History:     store,
		Catalog:     cat,
		Auth:        &middleware.StaticProvider{},
		Logger:      log,
		Metrics:     cfg.Server.Metrics,
	})

	return &Server{
		cfg:      cfg,
		logger:   logger,
		pools:    pools,
		results:  results,
		sessions: sessions,
		store:    store,
		catalog:  cat,
		coord:    coord,
		httpSrv: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tracerCleanup: tracerCleanup,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := s.logger.Slog()
	g, gctx := errgroup.WithContext(ctx)

	// Catalog hot reload invalidates dependent cache entries.
	watcher := catalog.NewWatcher(s.catalog, func(sourceID, _, _ string) {
		n := s.results.InvalidateSource(sourceID)
		log.Info("invalidated cached results after schema change",
			"source_id", sourceID, "entries", n)
	}, log)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("catalog watcher stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.pools.Run(gctx, 30*time.Second); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("pool health probes stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("gateway listening", "port", s.cfg.Server.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) shutdown() error {
	log := s.logger.Slog()
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	s.sessions.Shutdown()
	if err := s.store.Close(); err != nil {
		log.Error("close history store", "error", err)
	}
	if err := s.pools.Close(); err != nil {
		log.Error("close pools", "error", err)
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	return s.logger.Close()
}

// initTracer configures the OTLP gRPC exporter when an endpoint is set,
// falling back to a quiet stdout exporter so span creation always works.
func initTracer(log *slog.Logger) (func(context.Context), error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, err
		}
		log.Info("tracing to OTLP collector", "endpoint", endpoint)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(devNull{}))
		if err != nil {
			return nil, err
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace provider", "error", err)
		}
	}, nil
}

// devNull discards spans when no collector is configured.
type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }
