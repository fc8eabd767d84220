// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
)

func testPolicy() *catalog.WorkspacePolicy {
	return &catalog.WorkspacePolicy{
		WorkspaceID:   "ws1",
		AllowedTables: []string{"sales", "orders"},
		DeniedColumns: []string{"orders.card_number"},
	}
}

func kindOf(t *testing.T, err error) datatypes.ErrorKind {
	t.Helper()
	var perr *datatypes.PipelineError
	require.True(t, errors.As(err, &perr), "expected a PipelineError, got %v", err)
	return perr.Kind
}

func TestValidate_AllowsReadQuery(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT region, SUM(amount) FROM sales GROUP BY region LIMIT 100",
		Tables: []string{"sales"},
	}
	require.NoError(t, v.Validate(context.Background(), q, testPolicy(), "src1"))
	assert.True(t, q.Validated)
	assert.False(t, q.LimitInjected)
}

func TestValidate_RejectsNonSelectVerbs(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	tests := []string{
		"DELETE FROM sales",
		"UPDATE sales SET amount = 0",
		"INSERT INTO sales VALUES (1)",
		"DROP TABLE sales",
		"TRUNCATE sales",
	}
	for _, sql := range tests {
		q := &datatypes.GeneratedQuery{SQL: sql, Tables: []string{"sales"}}
		err := v.Validate(context.Background(), q, testPolicy(), "src1")
		assert.Equal(t, datatypes.KindPolicyViolation, kindOf(t, err), sql)
		assert.False(t, q.Validated, sql)
	}
}

func TestValidate_RejectsMultipleStatements(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM sales LIMIT 10; DROP TABLE sales",
		Tables: []string{"sales"},
	}
	err := v.Validate(context.Background(), q, testPolicy(), "src1")
	assert.Equal(t, datatypes.KindPolicyViolation, kindOf(t, err))
}

func TestValidate_RejectsTableOutsidePolicy(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM payroll LIMIT 10",
		Tables: []string{"payroll"},
	}
	err := v.Validate(context.Background(), q, testPolicy(), "src1")
	assert.Equal(t, datatypes.KindPolicyViolation, kindOf(t, err))
}

func TestValidate_RejectsDeniedColumn(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT card_number FROM orders LIMIT 10",
		Tables: []string{"orders"},
		Intent: &datatypes.QueryIntent{
			Op:         datatypes.OpSelect,
			Table:      "orders",
			Dimensions: []string{"card_number"},
		},
	}
	err := v.Validate(context.Background(), q, testPolicy(), "src1")
	assert.Equal(t, datatypes.KindPolicyViolation, kindOf(t, err))
}

func TestValidate_InjectsLimitWhenAbsent(t *testing.T) {
	v := NewValidator(500, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM sales",
		Tables: []string{"sales"},
	}
	require.NoError(t, v.Validate(context.Background(), q, testPolicy(), "src1"))
	assert.Equal(t, "SELECT * FROM sales LIMIT 500", q.SQL)
	assert.True(t, q.LimitInjected)
}

func TestValidate_ClampsSynthesizedLimit(t *testing.T) {
	// A limit above the cap that the user did not ask for is clamped.
	v := NewValidator(500, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM sales LIMIT 1000",
		Tables: []string{"sales"},
		Intent: &datatypes.QueryIntent{Op: datatypes.OpSelect, Table: "sales"},
	}
	require.NoError(t, v.Validate(context.Background(), q, testPolicy(), "src1"))
	assert.Equal(t, "SELECT * FROM sales LIMIT 500", q.SQL)
	assert.True(t, q.LimitInjected)
}

func TestValidate_ExplicitLimitOverCapFails(t *testing.T) {
	v := NewValidator(500, 0, nil, nil)

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM sales LIMIT 5000",
		Tables: []string{"sales"},
		Intent: &datatypes.QueryIntent{Op: datatypes.OpSelect, Table: "sales", Limit: 5000},
	}
	err := v.Validate(context.Background(), q, testPolicy(), "src1")
	assert.Equal(t, datatypes.KindRowLimitExceeded, kindOf(t, err))
}

func TestValidate_WorkspaceMaxRowsTightensCap(t *testing.T) {
	v := NewValidator(1000, 0, nil, nil)

	policy := testPolicy()
	policy.MaxRows = 50

	q := &datatypes.GeneratedQuery{
		SQL:    "SELECT * FROM sales",
		Tables: []string{"sales"},
	}
	require.NoError(t, v.Validate(context.Background(), q, policy, "src1"))
	assert.Equal(t, "SELECT * FROM sales LIMIT 50", q.SQL)
}

type fakeEstimator struct {
	cost float64
	ok   bool
	err  error
}

func (f *fakeEstimator) EstimateCost(_ context.Context, _, _ string, _ []any) (float64, bool, error) {
	return f.cost, f.ok, f.err
}

func TestValidate_CostBudget(t *testing.T) {
	q := func() *datatypes.GeneratedQuery {
		return &datatypes.GeneratedQuery{
			SQL:    "SELECT * FROM sales LIMIT 10",
			Tables: []string{"sales"},
		}
	}

	over := NewValidator(1000, 100, &fakeEstimator{cost: 5000, ok: true}, nil)
	err := over.Validate(context.Background(), q(), testPolicy(), "src1")
	assert.Equal(t, datatypes.KindPolicyViolation, kindOf(t, err))

	under := NewValidator(1000, 100, &fakeEstimator{cost: 10, ok: true}, nil)
	assert.NoError(t, under.Validate(context.Background(), q(), testPolicy(), "src1"))

	// Sources without plan costs skip the budget check.
	noPlan := NewValidator(1000, 100, &fakeEstimator{ok: false}, nil)
	assert.NoError(t, noPlan.Validate(context.Background(), q(), testPolicy(), "src1"))

	// An estimator failure is logged, not fatal.
	broken := NewValidator(1000, 100, &fakeEstimator{err: errors.New("explain failed")}, nil)
	assert.NoError(t, broken.Validate(context.Background(), q(), testPolicy(), "src1"))
}

func TestParseStatement(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		verb    string
		tables  []string
		limit   int
		wantErr bool
	}{
		{
			name:   "simple select",
			sql:    "SELECT * FROM sales LIMIT 10",
			verb:   "SELECT",
			tables: []string{"sales"},
			limit:  10,
		},
		{
			name:   "join collects both tables",
			sql:    "SELECT a.x FROM sales JOIN orders ON sales.id = orders.sale_id LIMIT 5",
			verb:   "SELECT",
			tables: []string{"sales", "orders"},
			limit:  5,
		},
		{
			name:   "no limit",
			sql:    "SELECT region FROM sales",
			verb:   "SELECT",
			tables: []string{"sales"},
			limit:  0,
		},
		{
			name:    "forbidden keyword in body",
			sql:     "SELECT * FROM sales WHERE id = 1 OR (SELECT 1 FROM pg_catalog.pg_tables); DELETE FROM sales",
			wantErr: true,
		},
		{
			name:    "empty statement",
			sql:     "   ",
			wantErr: true,
		},
		{
			name:   "quoted literal with semicolon is fine",
			sql:    "SELECT * FROM sales WHERE note = 'a;b' LIMIT 1",
			verb:   "SELECT",
			tables: []string{"sales"},
			limit:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, err := parseStatement(tt.sql)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.verb, shape.Verb)
			assert.Equal(t, tt.tables, shape.Tables)
			assert.Equal(t, tt.limit, shape.Limit)
		})
	}
}
