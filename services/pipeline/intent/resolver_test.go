// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
)

func salesHints() *catalog.Hints {
	return &catalog.Hints{
		DatasetID: "sales_demo",
		SourceID:  "src1",
		Tables: []catalog.Table{
			{
				Name:       "sales",
				TimeColumn: "date",
				Columns: []catalog.Column{
					{Name: "amount", Type: "numeric", Synonyms: []string{"revenue"}},
					{Name: "region", Type: "text", Synonyms: []string{"state"}},
					{Name: "date", Type: "date"},
				},
			},
		},
	}
}

func pipelineKind(t *testing.T, err error) datatypes.ErrorKind {
	t.Helper()
	var pe *datatypes.PipelineError
	require.ErrorAs(t, err, &pe)
	return pe.Kind
}

func TestStaticResolver_AggregateQuestion(t *testing.T) {
	r := NewStaticResolver(0.7)

	in, err := r.Resolve(context.Background(),
		"total revenue by region last quarter", salesHints())
	require.NoError(t, err)

	assert.Equal(t, datatypes.OpSum, in.Op)
	assert.Equal(t, "sales", in.Table)
	assert.Equal(t, "amount", in.Metric, "synonym must map to the column name")
	assert.Equal(t, []string{"region"}, in.Dimensions)
	assert.Equal(t, "date", in.TimeRange.Column)
	assert.Equal(t, datatypes.RangeLastQuarter, in.TimeRange.Relative)
	assert.GreaterOrEqual(t, in.Confidence, 0.7)
}

func TestStaticResolver_Deterministic(t *testing.T) {
	r := NewStaticResolver(0.5)

	first, err := r.Resolve(context.Background(),
		"average amount per region this month", salesHints())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(),
			"average amount per region this month", salesHints())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStaticResolver_AmbiguousBelowThreshold(t *testing.T) {
	r := NewStaticResolver(0.9)

	_, err := r.Resolve(context.Background(), "numbers please", salesHints())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindAmbiguousIntent, pipelineKind(t, err))

	var pe *datatypes.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, pe.Candidates, "clarification must offer candidates")
}

func TestStaticResolver_MultipleTablesNeedDisambiguation(t *testing.T) {
	hints := salesHints()
	hints.Tables = append(hints.Tables, catalog.Table{
		Name:    "orders",
		Columns: []catalog.Column{{Name: "qty", Type: "int"}},
	})
	r := NewStaticResolver(0.5)

	_, err := r.Resolve(context.Background(), "total last week", hints)
	require.Error(t, err)
	assert.Equal(t, datatypes.KindAmbiguousIntent, pipelineKind(t, err))
}

func TestStaticResolver_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStaticResolver(0.5).Resolve(ctx, "total revenue", salesHints())
	assert.ErrorIs(t, err, context.Canceled)
}

// stubGenerator returns a canned model response.
type stubGenerator struct {
	response string
	err      error
	prompt   string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.response, g.err
}

func TestResolver_ParsesModelResponse(t *testing.T) {
	gen := &stubGenerator{response: `Here you go:
` + "```json" + `
{"intent": {"op": "sum", "table": "sales", "metric": "amount",
 "dimensions": ["region"], "time_range": {"column": "date", "relative": "last_quarter"}},
 "confidence": 0.93}
` + "```"}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	in, err := r.Resolve(context.Background(), "total revenue by region last quarter", salesHints())
	require.NoError(t, err)
	assert.Equal(t, datatypes.OpSum, in.Op)
	assert.Equal(t, "amount", in.Metric)
	assert.InDelta(t, 0.93, in.Confidence, 1e-9)

	assert.Contains(t, gen.prompt, "Table: sales")
	assert.Contains(t, gen.prompt, "aka revenue")
	assert.Contains(t, gen.prompt, "total revenue by region last quarter")
}

func TestResolver_AmbiguousResponse(t *testing.T) {
	gen := &stubGenerator{response: `{"ambiguous": true,
		"candidates": ["total amount by region", "count of sales"], "confidence": 0.2}`}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	_, err := r.Resolve(context.Background(), "sales stuff", salesHints())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindAmbiguousIntent, pipelineKind(t, err))

	var pe *datatypes.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Candidates, 2)
}

func TestResolver_LowConfidenceIsAmbiguous(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": {"op": "count", "table": "sales"}, "confidence": 0.4}`}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	_, err := r.Resolve(context.Background(), "how many", salesHints())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindAmbiguousIntent, pipelineKind(t, err))
}

func TestResolver_GarbageResponseIsAmbiguous(t *testing.T) {
	gen := &stubGenerator{response: "I cannot answer that."}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	_, err := r.Resolve(context.Background(), "total revenue", salesHints())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindAmbiguousIntent, pipelineKind(t, err))
}

func TestResolver_BackendErrorPropagates(t *testing.T) {
	gen := &stubGenerator{err: errors.New("connection refused")}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	_, err := r.Resolve(context.Background(), "total revenue", salesHints())
	require.Error(t, err)
	var pe *datatypes.PipelineError
	assert.False(t, errors.As(err, &pe), "transport failures are not pipeline errors")
}

func TestResolver_UnknownColumnRejected(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": {"op": "sum", "table": "sales",
		"metric": "profit"}, "confidence": 0.95}`}
	r := NewResolver(gen, Options{ConfidenceThreshold: 0.7})

	_, err := r.Resolve(context.Background(), "total profit", salesHints())
	require.Error(t, err)
	assert.Equal(t, datatypes.KindUnknownEntity, pipelineKind(t, err))
}

func TestValidateIntent(t *testing.T) {
	hints := salesHints()

	tests := []struct {
		name     string
		intent   *datatypes.QueryIntent
		wantKind datatypes.ErrorKind
	}{
		{
			name:   "all terms mapped",
			intent: &datatypes.QueryIntent{Op: datatypes.OpSum, Table: "sales", Metric: "amount"},
		},
		{
			name:     "unknown table",
			intent:   &datatypes.QueryIntent{Op: datatypes.OpCount, Table: "invoices"},
			wantKind: datatypes.KindUnknownEntity,
		},
		{
			name: "unknown dimension",
			intent: &datatypes.QueryIntent{Op: datatypes.OpSum, Table: "sales",
				Metric: "amount", Dimensions: []string{"tier"}},
			wantKind: datatypes.KindUnknownEntity,
		},
		{
			name: "unknown filter column",
			intent: &datatypes.QueryIntent{Op: datatypes.OpSelect, Table: "sales",
				Filters: []datatypes.Filter{{Column: "channel", Op: datatypes.FilterEq, Value: "web"}}},
			wantKind: datatypes.KindUnknownEntity,
		},
		{
			name: "unknown sort column",
			intent: &datatypes.QueryIntent{Op: datatypes.OpSelect, Table: "sales",
				Sort: &datatypes.SortSpec{Column: "rank", Descending: true}},
			wantKind: datatypes.KindUnknownEntity,
		},
		{
			name:   "count ignores empty metric",
			intent: &datatypes.QueryIntent{Op: datatypes.OpCount, Table: "sales"},
		},
	}

	t.Run("table synonym accepted", func(t *testing.T) {
		withSyn := salesHints()
		withSyn.Tables[0].Synonyms = []string{"transactions"}
		err := ValidateIntent(&datatypes.QueryIntent{
			Op: datatypes.OpCount, Table: "transactions"}, withSyn)
		assert.NoError(t, err)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIntent(tt.intent, hints)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, pipelineKind(t, err))
		})
	}
}
