// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// mockManager wires a sqlmock-backed source straight into a Manager so
// Execute's orchestration can be tested without a live database.
func mockManager(t *testing.T, dialect string) (*Manager, sqlmock.Sqlmock, *source) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := &source{
		id:             "src1",
		dialect:        dialect,
		db:             db,
		breaker:        newBreaker(config.BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}),
		sem:            make(chan struct{}, 2),
		acquireTimeout: 50 * time.Millisecond,
		queryTimeout:   time.Second,
		estimateCost:   dialect == "postgres",
	}
	m := &Manager{
		sources:  map[string]*source{"src1": src},
		retryCfg: fastRetry,
		logger:   slog.Default(),
	}
	return m, mock, src
}

func validatedQuery(sql string) *datatypes.GeneratedQuery {
	return &datatypes.GeneratedQuery{
		Dialect:   "postgres",
		SQL:       sql,
		Tables:    []string{"sales"},
		Validated: true,
	}
}

func TestExecute_RefusesUnvalidatedQuery(t *testing.T) {
	m, _, _ := mockManager(t, "postgres")

	q := validatedQuery("SELECT 1")
	q.Validated = false

	_, err := m.Execute(context.Background(), "src1", q, 100)
	assert.Equal(t, datatypes.KindInternal, datatypes.KindOf(err))
}

func TestExecute_ReturnsRows(t *testing.T) {
	m, mock, src := mockManager(t, "postgres")

	mock.ExpectQuery("SELECT region, SUM(amount) FROM sales GROUP BY region LIMIT 100").
		WillReturnRows(sqlmock.NewRows([]string{"region", "sum"}).
			AddRow("emea", 1200).
			AddRow("apac", 900))

	result, err := m.Execute(context.Background(), "src1",
		validatedQuery("SELECT region, SUM(amount) FROM sales GROUP BY region LIMIT 100"), 100)
	require.NoError(t, err)

	require.Len(t, result.Rows, 2)
	assert.Equal(t, "emea", result.Rows[0][0])
	assert.False(t, result.Truncated)
	assert.Greater(t, result.DurationMS, 0.0)
	assert.Equal(t, Healthy, src.breaker.Health())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TruncatesAtRowCap(t *testing.T) {
	m, mock, _ := mockManager(t, "postgres")

	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < 10; i++ {
		rows.AddRow(i)
	}
	mock.ExpectQuery("SELECT id FROM sales").WillReturnRows(rows)

	result, err := m.Execute(context.Background(), "src1",
		validatedQuery("SELECT id FROM sales"), 3)
	require.NoError(t, err)

	assert.Len(t, result.Rows, 3)
	assert.True(t, result.Truncated)
}

func TestExecute_SemanticErrorIsFinal(t *testing.T) {
	m, mock, src := mockManager(t, "postgres")

	mock.ExpectQuery("SELECT nope FROM sales").
		WillReturnError(errors.New(`column "nope" does not exist`))

	_, err := m.Execute(context.Background(), "src1",
		validatedQuery("SELECT nope FROM sales"), 100)
	assert.Equal(t, datatypes.KindSyntaxOrPermission, datatypes.KindOf(err))

	// Semantic errors never feed the breaker.
	assert.Equal(t, Healthy, src.breaker.Health())
	assert.Equal(t, 0, src.breaker.Stats().Failures)
}

func TestExecute_TransientErrorFeedsBreaker(t *testing.T) {
	m, mock, src := mockManager(t, "postgres")

	reset := errors.New("read: connection reset by peer")
	for i := 0; i < fastRetry.MaxAttempts; i++ {
		mock.ExpectQuery("SELECT 1").WillReturnError(reset)
	}

	_, err := m.Execute(context.Background(), "src1", validatedQuery("SELECT 1"), 100)
	assert.Equal(t, datatypes.KindConnectionFailure, datatypes.KindOf(err))
	assert.Equal(t, 1, src.breaker.Stats().Failures)
}

func TestExecute_DegradedSourceRejectsImmediately(t *testing.T) {
	m, mock, src := mockManager(t, "postgres")

	for i := 0; i < 3; i++ {
		src.breaker.RecordFailure()
	}

	_, err := m.Execute(context.Background(), "src1", validatedQuery("SELECT 1"), 100)
	assert.Equal(t, datatypes.KindServiceDegraded, datatypes.KindOf(err))

	// The database was never touched.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_PoolExhausted(t *testing.T) {
	m, _, src := mockManager(t, "postgres")

	// Fill every slot so acquisition times out.
	src.sem <- struct{}{}
	src.sem <- struct{}{}

	_, err := m.Execute(context.Background(), "src1", validatedQuery("SELECT 1"), 100)
	assert.Equal(t, datatypes.KindPoolExhausted, datatypes.KindOf(err))
}

func TestExecute_UnknownSource(t *testing.T) {
	m, _, _ := mockManager(t, "postgres")

	_, err := m.Execute(context.Background(), "nope", validatedQuery("SELECT 1"), 100)
	assert.Equal(t, datatypes.KindUnknownEntity, datatypes.KindOf(err))
}

func TestEstimateCost_Postgres(t *testing.T) {
	m, mock, _ := mockManager(t, "postgres")

	plan := `[{"Plan": {"Node Type": "Seq Scan", "Total Cost": 1234.5}}]`
	mock.ExpectQuery("EXPLAIN (FORMAT JSON) SELECT * FROM sales").
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(plan))

	cost, ok, err := m.EstimateCost(context.Background(), "src1", "SELECT * FROM sales", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1234.5, cost)
}

func TestEstimateCost_SkippedForNonPostgres(t *testing.T) {
	m, _, _ := mockManager(t, "sqlite")

	_, ok, err := m.EstimateCost(context.Background(), "src1", "SELECT * FROM sales", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDialectAndStats(t *testing.T) {
	m, _, _ := mockManager(t, "postgres")

	d, err := m.Dialect("src1")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "src1", stats[0].SourceID)
	assert.Equal(t, Healthy, stats[0].Health)
	assert.Equal(t, 2, stats[0].MaxOpen)
	assert.Equal(t, 0, stats[0].InUse)
}
