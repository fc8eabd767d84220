// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/pipeline/config"
	"github.com/queryloom/queryloom/services/pipeline/session"
)

// InitMetrics registers on the default registry and must run once per
// process.
var testMetrics = InitMetrics()

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(testMetrics.RequestsTotal.WithLabelValues("completed"))

	testMetrics.RecordRequest("completed", 0.42, true, 12)
	testMetrics.RecordRequest("completed", 0.10, false, 3)

	after := testutil.ToFloat64(testMetrics.RequestsTotal.WithLabelValues("completed"))
	assert.Equal(t, before+2, after)
}

func histogramSamples(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRecordRequest_NegativeRowsSkipHistogram(t *testing.T) {
	before := histogramSamples(t, testMetrics.RowsReturned)

	testMetrics.RecordRequest("failed", 0.05, false, -1)
	assert.Equal(t, before, histogramSamples(t, testMetrics.RowsReturned))

	testMetrics.RecordRequest("completed", 0.05, false, 7)
	assert.Equal(t, before+1, histogramSamples(t, testMetrics.RowsReturned))
}

func TestRecordError(t *testing.T) {
	before := testutil.ToFloat64(testMetrics.ErrorsTotal.WithLabelValues("timeout"))
	testMetrics.RecordError("timeout")
	assert.Equal(t, before+1, testutil.ToFloat64(testMetrics.ErrorsTotal.WithLabelValues("timeout")))
}

func TestDefaultMetricsSingleton(t *testing.T) {
	require.NotNil(t, DefaultMetrics)
	assert.Same(t, testMetrics, DefaultMetrics)
}

func newTestCollector(sessions *session.Manager) *statsCollector {
	return &statsCollector{
		sessions: sessions,
		sourceHealth: prometheus.NewDesc("t_pool_source_healthy", "",
			[]string{"source_id", "dialect"}, nil),
		sourceInUse: prometheus.NewDesc("t_pool_connections_in_use", "",
			[]string{"source_id"}, nil),
		cacheEntries:   prometheus.NewDesc("t_cache_entries", "", nil, nil),
		cacheHits:      prometheus.NewDesc("t_cache_hits_total", "", nil, nil),
		cacheMisses:    prometheus.NewDesc("t_cache_misses_total", "", nil, nil),
		cacheEvictions: prometheus.NewDesc("t_cache_evictions_total", "", nil, nil),
		cacheBytes:     prometheus.NewDesc("t_cache_estimated_bytes", "", nil, nil),
		admissionInUse: prometheus.NewDesc("t_admission_in_flight", "", nil, nil),
		activeSessions: prometheus.NewDesc("t_sessions_active", "", nil, nil),
	}
}

func TestStatsCollector_NilComponentsSkipped(t *testing.T) {
	c := newTestCollector(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestStatsCollector_SessionGauge(t *testing.T) {
	sessions := session.NewManager(config.SessionConfig{
		BufferSize: 8, ClientQueueLen: 8, GracePeriod: time.Minute,
	}, nil)
	defer sessions.Shutdown()

	client, err := sessions.Subscribe("dash1", "alice", 0)
	require.NoError(t, err)
	defer sessions.Unsubscribe(client)

	c := newTestCollector(sessions)
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}
