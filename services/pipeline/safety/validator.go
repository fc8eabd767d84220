// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
)

// CostEstimator reports a planner cost estimate for a statement. Sources
// whose engine exposes no plan cost return ok=false and the budget check
// is skipped.
type CostEstimator interface {
	EstimateCost(ctx context.Context, sourceID, sql string, params []any) (cost float64, ok bool, err error)
}

// Validator is the last gate before execution. Every statement that
// reaches a data source passes through Validate first.
type Validator struct {
	maxRows    int
	costBudget float64
	estimator  CostEstimator
	logger     *slog.Logger
}

// NewValidator builds a Validator. estimator may be nil, in which case
// cost budgeting is disabled.
func NewValidator(maxRows int, costBudget float64, estimator CostEstimator, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &Validator{
		maxRows:    maxRows,
		costBudget: costBudget,
		estimator:  estimator,
		logger:     logger,
	}
}

// Validate checks q against the read-only whitelist and the workspace
// policy, enforcing the row cap in place. On success q.Validated is set
// and q.SQL may have been rewritten with an injected or clamped LIMIT.
func (v *Validator) Validate(ctx context.Context, q *datatypes.GeneratedQuery, policy *catalog.WorkspacePolicy, sourceID string) error {
	shape, err := parseStatement(q.SQL)
	if err != nil {
		return datatypes.NewPipelineError(datatypes.KindPolicyViolation,
			fmt.Sprintf("statement rejected: %v", err), err)
	}

	if shape.Verb != "SELECT" && shape.Verb != "WITH" {
		return datatypes.NewPipelineError(datatypes.KindPolicyViolation,
			fmt.Sprintf("only read queries are allowed, got %s", shape.Verb), nil)
	}

	tables := shape.Tables
	if len(tables) == 0 {
		tables = q.Tables
	}
	for _, table := range tables {
		if !policy.AllowsTable(table) {
			return datatypes.NewPipelineError(datatypes.KindPolicyViolation,
				fmt.Sprintf("table %q is not accessible in this workspace", table), nil)
		}
	}

	if err := v.checkColumns(q, policy); err != nil {
		return err
	}

	if err := v.enforceLimit(q, shape, policy); err != nil {
		return err
	}

	if v.estimator != nil && v.costBudget > 0 {
		cost, ok, err := v.estimator.EstimateCost(ctx, sourceID, q.SQL, q.Params)
		if err != nil {
			// An estimate failure is not grounds to block the query.
			v.logger.Warn("cost estimate failed", "source_id", sourceID, "error", err)
		} else if ok && cost > v.costBudget {
			return datatypes.NewPipelineError(datatypes.KindPolicyViolation,
				fmt.Sprintf("estimated cost %.0f exceeds budget %.0f", cost, v.costBudget), nil)
		}
	}

	q.Validated = true
	return nil
}

// checkColumns verifies every column the intent references against the
// policy's deny list. The intent is the authoritative column inventory;
// the synthesizer emits no column the intent does not name.
func (v *Validator) checkColumns(q *datatypes.GeneratedQuery, policy *catalog.WorkspacePolicy) error {
	if q.Intent == nil {
		return nil
	}
	in := q.Intent
	var cols []string
	if in.Metric != "" {
		cols = append(cols, in.Metric)
	}
	cols = append(cols, in.Dimensions...)
	for _, f := range in.Filters {
		cols = append(cols, f.Column)
	}
	if in.TimeRange.Column != "" {
		cols = append(cols, in.TimeRange.Column)
	}
	if in.Sort != nil && in.Sort.Column != "" {
		cols = append(cols, in.Sort.Column)
	}
	for _, col := range cols {
		if !policy.AllowsColumn(in.Table, col) {
			return datatypes.NewPipelineError(datatypes.KindPolicyViolation,
				fmt.Sprintf("column %q on table %q is not accessible in this workspace", col, in.Table), nil)
		}
	}
	return nil
}

// enforceLimit injects a LIMIT when the statement lacks one and clamps
// any present limit to the effective cap. A limit the caller asked for
// explicitly that exceeds the cap is an error rather than a silent clamp.
func (v *Validator) enforceLimit(q *datatypes.GeneratedQuery, shape *statementShape, policy *catalog.WorkspacePolicy) error {
	cap := v.maxRows
	if policy != nil && policy.MaxRows > 0 && policy.MaxRows < cap {
		cap = policy.MaxRows
	}

	if shape.Limit == 0 {
		q.SQL = strings.TrimRight(q.SQL, " ;\n\t") + fmt.Sprintf(" LIMIT %d", cap)
		q.LimitInjected = true
		return nil
	}

	if shape.Limit > cap {
		if q.Intent != nil && q.Intent.Limit > cap {
			return datatypes.NewPipelineError(datatypes.KindRowLimitExceeded,
				fmt.Sprintf("requested limit %d exceeds the maximum of %d rows", q.Intent.Limit, cap), nil)
		}
		q.SQL = q.SQL[:shape.LimitStart] + fmt.Sprintf("LIMIT %d", cap) + q.SQL[shape.LimitEnd:]
		q.LimitInjected = true
	}
	return nil
}
