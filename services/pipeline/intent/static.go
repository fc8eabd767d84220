// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"strings"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
)

// StaticResolver is a deterministic, offline intent resolver. It keeps
// the pipeline testable without a live model and doubles as the local
// fallback when no inference backend is configured.
//
// Resolution is keyword based: aggregate verbs pick the operation,
// schema terms (including synonyms) picked out of the question become
// the metric, dimensions, and time range. Identical input always yields
// the identical intent.
type StaticResolver struct {
	// Threshold mirrors the llmResolver's confidence threshold.
	Threshold float64
}

// NewStaticResolver returns a StaticResolver with the given threshold.
func NewStaticResolver(threshold float64) *StaticResolver {
	return &StaticResolver{Threshold: threshold}
}

var opKeywords = []struct {
	op    datatypes.OpKind
	words []string
}{
	{datatypes.OpSum, []string{"total", "sum", "overall"}},
	{datatypes.OpCount, []string{"how many", "count", "number of"}},
	{datatypes.OpAvg, []string{"average", "avg", "mean"}},
	{datatypes.OpMax, []string{"highest", "max", "largest", "top"}},
	{datatypes.OpMin, []string{"lowest", "min", "smallest"}},
	{datatypes.OpTrend, []string{"trend", "over time", "running"}},
}

var rangeKeywords = map[string]datatypes.RelativeRange{
	"today":        datatypes.RangeToday,
	"last week":    datatypes.RangeLast7Days,
	"last 7 days":  datatypes.RangeLast7Days,
	"last 30 days": datatypes.RangeLast30Days,
	"this month":   datatypes.RangeThisMonth,
	"last month":   datatypes.RangeLastMonth,
	"this quarter": datatypes.RangeThisQuarter,
	"last quarter": datatypes.RangeLastQuarter,
	"this year":    datatypes.RangeThisYear,
}

// Resolve implements Resolver.
func (s *StaticResolver) Resolve(ctx context.Context, text string, hints *catalog.Hints) (*datatypes.QueryIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)

	intent := &datatypes.QueryIntent{Op: datatypes.OpSelect}
	matches := 0

	for _, ok := range opKeywords {
		for _, w := range ok.words {
			if strings.Contains(lower, w) {
				intent.Op = ok.op
				matches++
				break
			}
		}
		if intent.Op != datatypes.OpSelect {
			break
		}
	}

	// First table whose name or synonym appears in the question, falling
	// back to the dataset's only table.
	for i := range hints.Tables {
		t := &hints.Tables[i]
		names := append([]string{t.Name}, t.Synonyms...)
		for _, n := range names {
			if strings.Contains(lower, strings.ToLower(n)) {
				intent.Table = t.Name
				matches++
				break
			}
		}
		if intent.Table != "" {
			break
		}
	}
	if intent.Table == "" {
		if len(hints.Tables) == 1 {
			intent.Table = hints.Tables[0].Name
		} else {
			candidates := make([]string, 0, len(hints.Tables))
			for _, t := range hints.Tables {
				candidates = append(candidates, "about "+t.Name)
			}
			return nil, &datatypes.PipelineError{
				Kind:       datatypes.KindAmbiguousIntent,
				Message:    "which table is the question about?",
				Candidates: candidates,
			}
		}
	}

	table := findTable(hints, intent.Table)

	// Columns mentioned by name or synonym. "by <dimension>" groups;
	// everything else becomes the metric candidate.
	for _, col := range table.Columns {
		terms := append([]string{col.Name}, col.Synonyms...)
		for _, term := range terms {
			lt := strings.ToLower(term)
			if !strings.Contains(lower, lt) {
				continue
			}
			matches++
			if strings.Contains(lower, "by "+lt) || strings.Contains(lower, "per "+lt) {
				intent.Dimensions = append(intent.Dimensions, col.Name)
			} else if intent.Metric == "" {
				intent.Metric = col.Name
			}
			break
		}
	}

	for phrase, rel := range rangeKeywords {
		if strings.Contains(lower, phrase) {
			col := table.TimeColumn
			if col == "" {
				col = firstTimeColumn(table)
			}
			if col != "" {
				intent.TimeRange = datatypes.TimeRange{Column: col, Relative: rel}
				matches++
			}
			break
		}
	}

	confidence := 0.4 + 0.15*float64(matches)
	if confidence > 0.99 {
		confidence = 0.99
	}
	intent.Confidence = confidence

	if confidence < s.Threshold {
		return nil, &datatypes.PipelineError{
			Kind:    datatypes.KindAmbiguousIntent,
			Message: "the question is ambiguous, please clarify",
			Candidates: []string{
				"total " + firstNumericColumn(table) + " by " + firstTextColumn(table),
				"count of rows in " + table.Name,
			},
		}
	}

	if err := ValidateIntent(intent, hints); err != nil {
		return nil, err
	}
	return intent, nil
}

func firstTimeColumn(t *catalog.Table) string {
	for _, col := range t.Columns {
		switch strings.ToLower(col.Type) {
		case "date", "timestamp", "timestamptz", "datetime":
			return col.Name
		}
	}
	return ""
}

func firstNumericColumn(t *catalog.Table) string {
	for _, col := range t.Columns {
		switch strings.ToLower(col.Type) {
		case "int", "integer", "bigint", "numeric", "decimal", "float", "double", "real":
			return col.Name
		}
	}
	if len(t.Columns) > 0 {
		return t.Columns[0].Name
	}
	return ""
}

func firstTextColumn(t *catalog.Table) string {
	for _, col := range t.Columns {
		switch strings.ToLower(col.Type) {
		case "text", "varchar", "string", "char":
			return col.Name
		}
	}
	if len(t.Columns) > 0 {
		return t.Columns[0].Name
	}
	return ""
}
