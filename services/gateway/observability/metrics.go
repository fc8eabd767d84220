// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
//
// Metrics cover the query pipeline (request counts, stage latencies,
// error kinds), the result cache, the connection pools, and dashboard
// sessions. Pool and cache occupancy is scraped lazily through a custom
// collector reading their Stats snapshots, so the pipeline packages
// carry no prometheus dependency.
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/coordinator"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/session"
)

const metricsNamespace = "queryloom"

// PipelineMetrics holds the counters and histograms fed directly by the
// request path. Initialize once at startup via InitMetrics.
type PipelineMetrics struct {
	// RequestsTotal counts query submissions by terminal status.
	// Labels: status (completed, failed, needs_clarification)
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts failures by taxonomy kind.
	// Labels: kind (timeout, policy_violation, service_degraded, ...)
	ErrorsTotal *prometheus.CounterVec

	// QueryDurationSeconds measures end-to-end request latency.
	// Labels: cache (hit, miss)
	QueryDurationSeconds *prometheus.HistogramVec

	// RowsReturned measures result sizes.
	RowsReturned prometheus.Histogram

	// DashboardEventsTotal counts events fanned out to sessions.
	// Labels: type (query_result, widget_update, cursor_move, snapshot)
	DashboardEventsTotal *prometheus.CounterVec

	// ClientDropsTotal counts dashboard clients disconnected for
	// backpressure.
	ClientDropsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *PipelineMetrics

// InitMetrics registers the pipeline metrics on the default registry.
// Panics if called twice.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "Query submissions by terminal status",
			},
			[]string{"status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Pipeline failures by error kind",
			},
			[]string{"kind"},
		),

		QueryDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "query_duration_seconds",
				Help:      "End-to-end query latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0, 60.0},
			},
			[]string{"cache"},
		),

		RowsReturned: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "rows_returned",
				Help:      "Rows per completed query",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),

		DashboardEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "events_total",
				Help:      "Dashboard events published by type",
			},
			[]string{"type"},
		),

		ClientDropsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "client_drops_total",
				Help:      "Dashboard clients disconnected for backpressure",
			},
		),
	}
	return DefaultMetrics
}

// RecordRequest records one terminal query outcome.
func (m *PipelineMetrics) RecordRequest(status string, seconds float64, cacheHit bool, rows int) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	m.QueryDurationSeconds.WithLabelValues(cacheLabel).Observe(seconds)
	if rows >= 0 {
		m.RowsReturned.Observe(float64(rows))
	}
}

// RecordError records a pipeline failure kind.
func (m *PipelineMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// statsCollector exposes pool, cache, admission, and session occupancy
// as gauges computed at scrape time.
type statsCollector struct {
	pools    *pool.Manager
	results  *cache.ResultCache
	coord    *coordinator.Coordinator
	sessions *session.Manager

	sourceHealth    *prometheus.Desc
	sourceInUse     *prometheus.Desc
	cacheEntries    *prometheus.Desc
	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	cacheBytes      *prometheus.Desc
	admissionInUse  *prometheus.Desc
	activeSessions  *prometheus.Desc
}

// RegisterStatsCollector wires the live components into the default
// registry. Any nil component is skipped at scrape time.
func RegisterStatsCollector(pools *pool.Manager, results *cache.ResultCache, coord *coordinator.Coordinator, sessions *session.Manager) {
	prometheus.MustRegister(&statsCollector{
		pools:    pools,
		results:  results,
		coord:    coord,
		sessions: sessions,

		sourceHealth: prometheus.NewDesc(
			metricsNamespace+"_pool_source_healthy",
			"1 when the source's breaker is closed", []string{"source_id", "dialect"}, nil),
		sourceInUse: prometheus.NewDesc(
			metricsNamespace+"_pool_connections_in_use",
			"Connections currently executing", []string{"source_id"}, nil),
		cacheEntries: prometheus.NewDesc(
			metricsNamespace+"_cache_entries",
			"Live result cache entries", nil, nil),
		cacheHits: prometheus.NewDesc(
			metricsNamespace+"_cache_hits_total",
			"Result cache hits", nil, nil),
		cacheMisses: prometheus.NewDesc(
			metricsNamespace+"_cache_misses_total",
			"Result cache misses", nil, nil),
		cacheEvictions: prometheus.NewDesc(
			metricsNamespace+"_cache_evictions_total",
			"Result cache evictions", nil, nil),
		cacheBytes: prometheus.NewDesc(
			metricsNamespace+"_cache_estimated_bytes",
			"Estimated result cache memory", nil, nil),
		admissionInUse: prometheus.NewDesc(
			metricsNamespace+"_admission_in_flight",
			"Requests holding an admission slot", nil, nil),
		activeSessions: prometheus.NewDesc(
			metricsNamespace+"_sessions_active",
			"Live dashboard sessions", nil, nil),
	})
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sourceHealth
	ch <- c.sourceInUse
	ch <- c.cacheEntries
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheBytes
	ch <- c.admissionInUse
	ch <- c.activeSessions
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pools != nil {
		for _, s := range c.pools.Stats() {
			healthy := 0.0
			if s.Health == pool.Healthy {
				healthy = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.sourceHealth,
				prometheus.GaugeValue, healthy, s.SourceID, s.Dialect)
			ch <- prometheus.MustNewConstMetric(c.sourceInUse,
				prometheus.GaugeValue, float64(s.InUse), s.SourceID)
		}
	}
	if c.results != nil {
		stats := c.results.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheEntries,
			prometheus.GaugeValue, float64(stats.EntryCount))
		ch <- prometheus.MustNewConstMetric(c.cacheHits,
			prometheus.CounterValue, float64(stats.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses,
			prometheus.CounterValue, float64(stats.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions,
			prometheus.CounterValue, float64(stats.Evictions))
		ch <- prometheus.MustNewConstMetric(c.cacheBytes,
			prometheus.GaugeValue, float64(stats.EstimatedBytes))
	}
	if c.coord != nil {
		ch <- prometheus.MustNewConstMetric(c.admissionInUse,
			prometheus.GaugeValue, float64(c.coord.Stats().GlobalInFlight))
	}
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessions,
			prometheus.GaugeValue, float64(c.sessions.ActiveSessions()))
	}
}
