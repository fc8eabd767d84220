// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/config"
	"github.com/queryloom/queryloom/services/pipeline/history"
	"github.com/queryloom/queryloom/services/pipeline/intent"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/safety"
	"github.com/queryloom/queryloom/services/pipeline/session"
	"github.com/queryloom/queryloom/services/pipeline/synth"
)

const coordinatorCatalogYAML = `
datasets:
  - id: sales_demo
    source_id: src1
    tables:
      - name: sales
        time_column: date
        columns:
          - name: amount
            type: numeric
            synonyms: [revenue]
          - name: region
            type: text
          - name: date
            type: date
policies:
  - workspace_id: ws1
    allowed_tables: [sales]
  - workspace_id: ws_locked
    allowed_tables: []
`

// seedSalesDB creates an on-disk sqlite database with a handful of rows.
func seedSalesDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sales (amount NUMERIC, region TEXT, date DATE)`)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		region := "north"
		if i%2 == 1 {
			region = "south"
		}
		_, err = db.Exec(`INSERT INTO sales (amount, region, date) VALUES (?, ?, ?)`,
			100+i, region, "2026-07-15")
		require.NoError(t, err)
	}
	return path
}

type testEnv struct {
	coord    *Coordinator
	store    *history.Store
	sessions *session.Manager
}

func newTestEnv(t *testing.T, threshold float64) *testEnv {
	t.Helper()
	return newTestEnvWith(t, intent.NewStaticResolver(threshold), 10*time.Second)
}

func newTestEnvWith(t *testing.T, resolver intent.Resolver, timeout time.Duration) *testEnv {
	t.Helper()

	dbPath := seedSalesDB(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf(`
sources:
  - id: src1
    dialect: sqlite
    dsn: %s
    max_open_conns: 4
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0600))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	catPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte(coordinatorCatalogYAML), 0600))
	cat, err := catalog.Load(catPath, nil)
	require.NoError(t, err)

	pools, err := pool.New(cfg.Sources, cfg.Breaker, cfg.Retry, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pools.Close() })

	results := cache.NewResultCache(config.CacheConfig{
		TTL: time.Minute, MaxEntries: 32, MaxMemoryMB: 16,
	}, nil)

	sessions := session.NewManager(config.SessionConfig{
		BufferSize: 16, ClientQueueLen: 16, GracePeriod: time.Minute,
	}, nil)
	t.Cleanup(sessions.Shutdown)

	store, err := history.Open(config.HistoryConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := New(Deps{
		Resolver:    resolver,
		Synthesizer: synth.New(1000, time.Now),
		Validator:   safety.NewValidator(1000, 1e7, pools, nil),
		Pools:       pools,
		Cache:       results,
		Sessions:    sessions,
		History:     store,
		Catalog:     cat,
	}, config.AdmissionConfig{
		GlobalLimit: 8, PerUserLimit: 4, PerUserBurst: 100,
		RequestTimeout: timeout,
	}, config.SafetyConfig{MaxRows: 1000, CostBudget: 1e7})

	return &testEnv{coord: coord, store: store, sessions: sessions}
}

func newRequest(id, text string) *datatypes.QueryRequest {
	return &datatypes.QueryRequest{
		ID:          id,
		Text:        text,
		UserID:      "alice",
		WorkspaceID: "ws1",
		DatasetID:   "sales_demo",
		SubmittedAt: time.Now(),
		Status:      datatypes.StatusPending,
	}
}

// collect gathers emitted events in order.
func collect(events *[]datatypes.StreamEvent) EmitFunc {
	return func(ev datatypes.StreamEvent) {
		*events = append(*events, ev)
	}
}

func TestCoordinator_HappyPath(t *testing.T) {
	env := newTestEnv(t, 0.5)
	req := newRequest("req-1", "total revenue by region")

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	require.Equal(t, datatypes.StatusCompleted, req.Status)

	var statuses []datatypes.QueryStatus
	for _, ev := range events {
		if ev.Type == datatypes.EventStatusChanged {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []datatypes.QueryStatus{
		datatypes.StatusParsing,
		datatypes.StatusSynthesizing,
		datatypes.StatusValidating,
		datatypes.StatusExecuting,
		datatypes.StatusCompleted,
	}, statuses)

	last := events[len(events)-1]
	require.Equal(t, datatypes.EventResult, last.Type)
	require.NotNil(t, last.Result)
	assert.Len(t, last.Result.Rows, 2, "one row per region")
	assert.False(t, last.Result.CacheHit)
	assert.Equal(t, "req-1", last.RequestID)
	assert.NotEmpty(t, last.Id)

	rec, err := env.store.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, rec.Status)
	assert.Contains(t, rec.SQL, "SUM")
	assert.Equal(t, "src1", rec.SourceID)
	assert.Equal(t, 2, rec.RowCount)
}

func TestCoordinator_SecondRunHitsCache(t *testing.T) {
	env := newTestEnv(t, 0.5)

	var first []datatypes.StreamEvent
	env.coord.Run(context.Background(), newRequest("req-1", "total revenue by region"), collect(&first))
	require.Equal(t, datatypes.EventResult, first[len(first)-1].Type)
	assert.False(t, first[len(first)-1].Result.CacheHit)

	var second []datatypes.StreamEvent
	env.coord.Run(context.Background(), newRequest("req-2", "total revenue by region"), collect(&second))
	require.Equal(t, datatypes.EventResult, second[len(second)-1].Type)
	assert.True(t, second[len(second)-1].Result.CacheHit)

	rec, err := env.store.Get("req-2")
	require.NoError(t, err)
	assert.True(t, rec.CacheHit)
}

func TestCoordinator_AmbiguousQuestionAsksForClarification(t *testing.T) {
	env := newTestEnv(t, 0.95)
	req := newRequest("req-1", "numbers please")

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	assert.Equal(t, datatypes.StatusNeedsClarification, req.Status)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventClarificationNeeded, last.Type)
	assert.NotEmpty(t, last.Candidates)
	assert.NotEmpty(t, last.Message)

	rec, err := env.store.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusNeedsClarification, rec.Status)
}

// stalledResolver blocks until the request deadline fires.
type stalledResolver struct{}

func (stalledResolver) Resolve(ctx context.Context, _ string, _ *catalog.Hints) (*datatypes.QueryIntent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCoordinator_DeadlineMapsToTimeout(t *testing.T) {
	env := newTestEnvWith(t, stalledResolver{}, 30*time.Millisecond)
	req := newRequest("req-1", "total revenue by region")

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	assert.Equal(t, datatypes.StatusFailed, req.Status)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventError, last.Type)
	assert.Equal(t, string(datatypes.KindTimeout), last.ErrorKind)
	assert.NotEmpty(t, last.Message)

	rec, err := env.store.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, string(datatypes.KindTimeout), rec.ErrorKind)
}

func TestCoordinator_UnknownDataset(t *testing.T) {
	env := newTestEnv(t, 0.5)
	req := newRequest("req-1", "total revenue")
	req.DatasetID = "missing"

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	assert.Equal(t, datatypes.StatusFailed, req.Status)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventError, last.Type)
	assert.Equal(t, string(datatypes.KindUnknownEntity), last.ErrorKind)
}

func TestCoordinator_WorkspaceWithoutPolicy(t *testing.T) {
	env := newTestEnv(t, 0.5)
	req := newRequest("req-1", "total revenue by region")
	req.WorkspaceID = "ws_unknown"

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	last := events[len(events)-1]
	require.Equal(t, datatypes.EventError, last.Type)
	assert.Equal(t, string(datatypes.KindPolicyViolation), last.ErrorKind)
}

func TestCoordinator_LockedWorkspaceDenied(t *testing.T) {
	env := newTestEnv(t, 0.5)
	req := newRequest("req-1", "total revenue by region")
	req.WorkspaceID = "ws_locked"

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))

	assert.Equal(t, datatypes.StatusFailed, req.Status)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventError, last.Type)
	assert.Equal(t, string(datatypes.KindPolicyViolation), last.ErrorKind)

	rec, err := env.store.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, string(datatypes.KindPolicyViolation), rec.ErrorKind)
	assert.NotEmpty(t, rec.SQL, "refused queries keep their SQL for review")
}

func TestCoordinator_PublishesResultToDashboard(t *testing.T) {
	env := newTestEnv(t, 0.5)

	viewer, err := env.sessions.Subscribe("dash1", "bob", 0)
	require.NoError(t, err)

	req := newRequest("req-1", "total revenue by region")
	req.DashboardID = "dash1"

	var events []datatypes.StreamEvent
	env.coord.Run(context.Background(), req, collect(&events))
	require.Equal(t, datatypes.StatusCompleted, req.Status)

	select {
	case ev := <-viewer.Events():
		assert.Equal(t, datatypes.DashboardQueryResult, ev.Type)
		var payload datatypes.QueryResultPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "req-1", payload.RequestID)
		assert.Equal(t, "alice", payload.UserID)
		require.NotNil(t, payload.Result)
		assert.Len(t, payload.Result.Rows, 2)
	case <-time.After(time.Second):
		t.Fatal("dashboard session never received the result")
	}
}

func TestCoordinator_StatsReflectIdle(t *testing.T) {
	env := newTestEnv(t, 0.5)

	stats := env.coord.Stats()
	assert.Equal(t, 0, stats.GlobalInFlight)
	assert.Equal(t, 8, stats.GlobalLimit)
	assert.Equal(t, 0, stats.ActiveUsers)

	env.coord.Run(context.Background(), newRequest("req-1", "total revenue by region"), func(datatypes.StreamEvent) {})

	stats = env.coord.Stats()
	assert.Equal(t, 0, stats.GlobalInFlight, "admission slot released after the run")
}
