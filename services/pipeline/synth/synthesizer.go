// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synth deterministically compiles a QueryIntent into
// dialect-specific parameterized SQL.
//
// Two contracts hold unconditionally:
//   - Identical (intent, dialect, now) inputs produce identical SQL text
//     and parameter ordering.
//   - Every user-supplied literal becomes a bound parameter, never part
//     of the SQL text, regardless of dialect.
package synth

import (
	"fmt"
	"strings"
	"time"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
)

// Synthesizer compiles intents. The clock is injected so synthesis stays
// a pure function of its inputs.
type Synthesizer struct {
	defaultLimit int
	now          func() time.Time
}

// New creates a Synthesizer. now may be nil, defaulting to time.Now.
func New(defaultLimit int, now func() time.Time) *Synthesizer {
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{defaultLimit: defaultLimit, now: now}
}

// Synthesize compiles in for the named dialect.
//
// Fails with DialectMismatch for an unknown dialect and with
// UnsupportedOperation when the intent needs a capability the dialect
// lacks; both are fatal for that data source and never retried.
func (s *Synthesizer) Synthesize(in *datatypes.QueryIntent, dialect string) (*datatypes.GeneratedQuery, error) {
	g, ok := GrammarFor(dialect)
	if !ok {
		return nil, &datatypes.PipelineError{
			Kind:    datatypes.KindDialectMismatch,
			Message: fmt.Sprintf("no grammar registered for dialect %q", dialect),
		}
	}
	if in.Op == datatypes.OpTrend && !g.SupportsWindowFunctions {
		return nil, &datatypes.PipelineError{
			Kind:    datatypes.KindUnsupportedOperation,
			Message: fmt.Sprintf("dialect %q lacks window functions required for trends", g.Name),
		}
	}
	if in.Table == "" {
		return nil, &datatypes.PipelineError{
			Kind:    datatypes.KindUnsupportedOperation,
			Message: "intent names no table",
		}
	}

	b := &builder{grammar: g}

	selectList, err := s.selectList(in, g)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectList)
	sb.WriteString(" FROM ")
	sb.WriteString(g.quoteIdent(in.Table))

	where, err := s.whereClause(in, b)
	if err != nil {
		return nil, err
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if len(in.Dimensions) > 0 && aggregated(in.Op) {
		quoted := make([]string, len(in.Dimensions))
		for i, d := range in.Dimensions {
			quoted[i] = g.quoteIdent(d)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(quoted, ", "))
	}

	if in.Sort != nil {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(g.quoteIdent(in.Sort.Column))
		if in.Sort.Descending {
			sb.WriteString(" DESC")
		}
	}

	limit := in.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit)

	return &datatypes.GeneratedQuery{
		Dialect: g.Name,
		SQL:     sb.String(),
		Params:  b.params,
		Tables:  []string{in.Table},
		Intent:  in,
	}, nil
}

// builder accumulates ordered bind parameters.
type builder struct {
	grammar Grammar
	params  []any
}

// bind appends a parameter and returns its placeholder.
func (b *builder) bind(value any) string {
	b.params = append(b.params, value)
	return b.grammar.Placeholder(len(b.params))
}

func aggregated(op datatypes.OpKind) bool {
	switch op {
	case datatypes.OpSum, datatypes.OpAvg, datatypes.OpMin, datatypes.OpMax, datatypes.OpCount:
		return true
	}
	return false
}

var aggFuncs = map[datatypes.OpKind]string{
	datatypes.OpSum: "SUM",
	datatypes.OpAvg: "AVG",
	datatypes.OpMin: "MIN",
	datatypes.OpMax: "MAX",
}

func (s *Synthesizer) selectList(in *datatypes.QueryIntent, g Grammar) (string, error) {
	var cols []string
	for _, d := range in.Dimensions {
		cols = append(cols, g.quoteIdent(d))
	}

	switch in.Op {
	case datatypes.OpSelect:
		if in.Metric != "" {
			cols = append(cols, g.quoteIdent(in.Metric))
		}
		if len(cols) == 0 {
			cols = append(cols, "*")
		}

	case datatypes.OpCount:
		cols = append(cols, "COUNT(*)")

	case datatypes.OpSum, datatypes.OpAvg, datatypes.OpMin, datatypes.OpMax:
		if in.Metric == "" {
			return "", &datatypes.PipelineError{
				Kind:    datatypes.KindUnsupportedOperation,
				Message: fmt.Sprintf("%s requires a metric column", in.Op),
			}
		}
		cols = append(cols, fmt.Sprintf("%s(%s)", aggFuncs[in.Op], g.quoteIdent(in.Metric)))

	case datatypes.OpTrend:
		if in.Metric == "" || in.TimeRange.Column == "" {
			return "", &datatypes.PipelineError{
				Kind:    datatypes.KindUnsupportedOperation,
				Message: "trend requires a metric and a time column",
			}
		}
		tc := g.quoteIdent(in.TimeRange.Column)
		cols = append(cols, tc,
			fmt.Sprintf("SUM(%s) OVER (ORDER BY %s)", g.quoteIdent(in.Metric), tc))

	default:
		return "", &datatypes.PipelineError{
			Kind:    datatypes.KindUnsupportedOperation,
			Message: fmt.Sprintf("unknown operation %q", in.Op),
		}
	}

	return strings.Join(cols, ", "), nil
}

var filterOps = map[datatypes.FilterOp]string{
	datatypes.FilterEq:  "=",
	datatypes.FilterNeq: "<>",
	datatypes.FilterGt:  ">",
	datatypes.FilterGte: ">=",
	datatypes.FilterLt:  "<",
	datatypes.FilterLte: "<=",
}

func (s *Synthesizer) whereClause(in *datatypes.QueryIntent, b *builder) (string, error) {
	var conds []string
	g := b.grammar

	for _, f := range in.Filters {
		col := g.quoteIdent(f.Column)
		switch f.Op {
		case datatypes.FilterIn:
			if len(f.Values) == 0 {
				return "", &datatypes.PipelineError{
					Kind:    datatypes.KindUnsupportedOperation,
					Message: fmt.Sprintf("IN filter on %s has no values", f.Column),
				}
			}
			holes := make([]string, len(f.Values))
			for i, v := range f.Values {
				holes[i] = b.bind(v)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(holes, ", ")))

		case datatypes.FilterContains:
			pattern := "%" + strings.ToLower(fmt.Sprintf("%v", f.Value)) + "%"
			conds = append(conds, fmt.Sprintf("LOWER(%s) LIKE %s", col, b.bind(pattern)))

		default:
			op, ok := filterOps[f.Op]
			if !ok {
				return "", &datatypes.PipelineError{
					Kind:    datatypes.KindUnsupportedOperation,
					Message: fmt.Sprintf("unknown filter operator %q", f.Op),
				}
			}
			conds = append(conds, fmt.Sprintf("%s %s %s", col, op, b.bind(f.Value)))
		}
	}

	if !in.TimeRange.IsZero() {
		tr := in.TimeRange
		start, end := tr.Start, tr.End
		if tr.Relative != "" {
			var ok bool
			start, end, ok = resolveRange(string(tr.Relative), s.now())
			if !ok {
				return "", &datatypes.PipelineError{
					Kind:    datatypes.KindUnsupportedOperation,
					Message: fmt.Sprintf("unknown relative range %q", tr.Relative),
				}
			}
		}
		col := g.quoteIdent(tr.Column)
		conds = append(conds,
			fmt.Sprintf("%s >= %s", col, b.bind(start)),
			fmt.Sprintf("%s < %s", col, b.bind(end)))
	}

	return strings.Join(conds, " AND "), nil
}
