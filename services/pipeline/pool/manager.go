// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool manages the connection pools for all configured data
// sources, with per-source circuit breaking, transient-error retry, and
// bounded acquisition.
package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
	"github.com/queryloom/queryloom/services/pipeline/synth"
)

// source is one pooled database with its breaker and acquisition gate.
type source struct {
	id      string
	dialect string
	db      *sql.DB
	breaker *breaker

	// sem bounds concurrent executions against this source. Buffered to
	// MaxOpenConns so waiters queue here instead of inside database/sql.
	sem chan struct{}

	acquireTimeout time.Duration
	queryTimeout   time.Duration
	estimateCost   bool
}

// Manager owns every configured data source.
type Manager struct {
	mu      sync.RWMutex
	sources map[string]*source

	retryCfg   config.RetryConfig
	breakerCfg config.BreakerConfig
	logger     *slog.Logger
}

// New opens a pool for each configured source. A source whose database
// cannot be reached at startup is still registered; its breaker handles
// the failures as queries arrive.
func New(sources []config.DataSourceConfig, breakerCfg config.BreakerConfig, retryCfg config.RetryConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sources:    make(map[string]*source, len(sources)),
		retryCfg:   retryCfg,
		breakerCfg: breakerCfg,
		logger:     logger,
	}

	for i := range sources {
		cfg := &sources[i]
		src, err := m.openSource(cfg)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.sources[cfg.ID] = src
		logger.Info("data source registered",
			"source_id", cfg.ID, "dialect", cfg.Dialect, "max_open", cfg.MaxOpenConns)
	}
	return m, nil
}

func (m *Manager) openSource(cfg *config.DataSourceConfig) (*source, error) {
	grammar, ok := synth.GrammarFor(cfg.Dialect)
	if !ok {
		return nil, fmt.Errorf("source %s: unknown dialect %q", cfg.ID, cfg.Dialect)
	}
	if grammar.DriverName == "" {
		return nil, fmt.Errorf("source %s: no driver available for dialect %s", cfg.ID, cfg.Dialect)
	}

	dsn, err := cfg.OpenDSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(grammar.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("source %s: open: %w", cfg.ID, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 5 * time.Second
	}
	queryTO := cfg.QueryTimeout
	if queryTO <= 0 {
		queryTO = 30 * time.Second
	}

	return &source{
		id:             cfg.ID,
		dialect:        cfg.Dialect,
		db:             db,
		breaker:        newBreaker(m.breakerCfg),
		sem:            make(chan struct{}, maxOpen),
		acquireTimeout: acquire,
		queryTimeout:   queryTO,
		estimateCost:   cfg.EstimateCost,
	}, nil
}

func (m *Manager) lookup(sourceID string) (*source, error) {
	m.mu.RLock()
	src, ok := m.sources[sourceID]
	m.mu.RUnlock()
	if !ok {
		return nil, datatypes.NewPipelineError(datatypes.KindUnknownEntity,
			fmt.Sprintf("unknown data source %q", sourceID), nil)
	}
	return src, nil
}

// Execute runs a validated statement against the named source. Rows are
// read up to rowCap; when the engine returns more, the result is marked
// Truncated and the overflow is discarded.
//
// A degraded source fails immediately with ServiceDegraded. Pool
// exhaustion past the acquire timeout fails with PoolExhausted.
func (m *Manager) Execute(ctx context.Context, sourceID string, q *datatypes.GeneratedQuery, rowCap int) (*datatypes.ExecutionResult, error) {
	src, err := m.lookup(sourceID)
	if err != nil {
		return nil, err
	}
	if !q.Validated {
		return nil, datatypes.NewPipelineError(datatypes.KindInternal,
			"statement reached execution without validation", nil)
	}

	if !src.breaker.Allow() {
		return nil, datatypes.NewPipelineError(datatypes.KindServiceDegraded,
			fmt.Sprintf("data source %s is degraded, retry later", sourceID), nil)
	}

	release, err := src.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	var result *datatypes.ExecutionResult

	execErr := retry(ctx, m.retryCfg, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			m.logger.Warn("retrying query",
				"source_id", sourceID, "attempt", attempt)
		}
		r, err := src.queryOnce(ctx, q.SQL, q.Params, rowCap)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if execErr != nil {
		return nil, m.classify(src, execErr)
	}

	src.breaker.RecordSuccess()
	result.Duration = time.Since(start)
	result.DurationMS = float64(result.Duration.Microseconds()) / 1000.0
	return result, nil
}

// acquire takes a pool slot or gives up after the acquire timeout.
func (s *source) acquire(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	default:
	}

	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		return nil, datatypes.NewPipelineError(datatypes.KindPoolExhausted,
			fmt.Sprintf("data source %s: all connections busy", s.id), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queryOnce is a single attempt: run the statement under the per-source
// query timeout and scan up to rowCap rows.
func (s *source) queryOnce(ctx context.Context, query string, params []any, rowCap int) (*datatypes.ExecutionResult, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	meta := make([]datatypes.ColumnMeta, len(cols))
	for i, name := range cols {
		meta[i] = datatypes.ColumnMeta{Name: name, Type: types[i].DatabaseTypeName()}
	}

	result := &datatypes.ExecutionResult{Columns: meta}
	for rows.Next() {
		if rowCap > 0 && len(result.Rows) >= rowCap {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// classify maps a raw execution error onto the pipeline taxonomy and
// feeds the breaker for transport failures.
func (m *Manager) classify(src *source, err error) error {
	var perr *datatypes.PipelineError
	if errors.As(err, &perr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return datatypes.NewPipelineError(datatypes.KindTimeout,
			fmt.Sprintf("query against %s exceeded its time budget", src.id), err)
	case errors.Is(err, context.Canceled):
		return err
	case isTransient(err):
		src.breaker.RecordFailure()
		m.logger.Error("data source unreachable",
			"source_id", src.id, "health", src.breaker.Health().String(), "error", err)
		return datatypes.NewPipelineError(datatypes.KindConnectionFailure,
			fmt.Sprintf("data source %s is unreachable", src.id), err)
	default:
		return datatypes.NewPipelineError(datatypes.KindSyntaxOrPermission,
			fmt.Sprintf("data source %s rejected the query", src.id), err)
	}
}

// EstimateCost reports the planner's total cost for sql on a postgres
// source. Engines without a plan cost report ok=false.
func (m *Manager) EstimateCost(ctx context.Context, sourceID, query string, params []any) (float64, bool, error) {
	src, err := m.lookup(sourceID)
	if err != nil {
		return 0, false, err
	}
	if !src.estimateCost || src.dialect != "postgres" {
		return 0, false, nil
	}

	qctx, cancel := context.WithTimeout(ctx, src.queryTimeout)
	defer cancel()

	var planJSON string
	row := src.db.QueryRowContext(qctx, "EXPLAIN (FORMAT JSON) "+query, params...)
	if err := row.Scan(&planJSON); err != nil {
		return 0, false, err
	}

	var plans []struct {
		Plan struct {
			TotalCost float64 `json:"Total Cost"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(planJSON), &plans); err != nil || len(plans) == 0 {
		return 0, false, fmt.Errorf("unexpected EXPLAIN output: %w", err)
	}
	return plans[0].Plan.TotalCost, true, nil
}

// Dialect returns the SQL dialect of one source.
func (m *Manager) Dialect(sourceID string) (string, error) {
	src, err := m.lookup(sourceID)
	if err != nil {
		return "", err
	}
	return src.dialect, nil
}

// Health returns the breaker state for one source.
func (m *Manager) Health(sourceID string) (Health, error) {
	src, err := m.lookup(sourceID)
	if err != nil {
		return Degraded, err
	}
	return src.breaker.Health(), nil
}

// SourceStats is one source's view for health endpoints and metrics.
type SourceStats struct {
	SourceID string
	Dialect  string
	Health   Health
	InUse    int
	MaxOpen  int
	Breaker  BreakerStats
}

// Stats snapshots every source.
func (m *Manager) Stats() []SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SourceStats, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, SourceStats{
			SourceID: src.id,
			Dialect:  src.dialect,
			Health:   src.breaker.Health(),
			InUse:    len(src.sem),
			MaxOpen:  cap(src.sem),
			Breaker:  src.breaker.Stats(),
		})
	}
	return out
}

// Run pings each source on an interval until ctx is cancelled. Failed
// pings feed the breakers so sources degrade even while idle.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	sources := make([]*source, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, src := range sources {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, 5*time.Second)
			defer cancel()
			if err := src.db.PingContext(pctx); err != nil {
				src.breaker.RecordFailure()
				m.logger.Warn("health probe failed",
					"source_id", src.id, "health", src.breaker.Health().String(), "error", err)
			} else {
				src.breaker.RecordSuccess()
			}
			return nil
		})
	}
	g.Wait()
}

// Close shuts every pool down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, src := range m.sources {
		if err := src.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close source %s: %w", id, err)
		}
	}
	return firstErr
}
