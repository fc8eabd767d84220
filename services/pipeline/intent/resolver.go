// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intent turns natural-language questions into structured
// QueryIntents by calling an external inference capability.
//
// The capability is polymorphic: remote backends (anthropic, openai,
// ollama) and a deterministic static backend for tests and offline use
// all satisfy Generator. The model only ever returns a structured JSON
// intent; no SQL and no literal text is echoed back outside of it.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
)

// Generator is the minimal contract an inference backend must satisfy.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Resolver resolves raw text into a QueryIntent.
//
// Thread Safety: implementations must be safe for concurrent use.
type Resolver interface {
	// Resolve returns a validated intent, or a PipelineError of kind
	// AmbiguousIntent (confidence below threshold, surfaced as a
	// clarification request) or UnknownEntity (a business term with no
	// schema mapping).
	Resolve(ctx context.Context, text string, hints *catalog.Hints) (*datatypes.QueryIntent, error)
}

// Options configures an LLM-backed resolver.
type Options struct {
	// ConfidenceThreshold below which resolution is ambiguous.
	ConfidenceThreshold float64
	// Timeout bounds every inference call.
	Timeout time.Duration
	Logger  *slog.Logger
}

// llmResolver wraps a Generator with prompt construction, response
// parsing, and intent validation against the schema hints.
type llmResolver struct {
	gen       Generator
	threshold float64
	timeout   time.Duration
	logger    *slog.Logger
}

// NewResolver builds a Resolver over any Generator backend.
func NewResolver(gen Generator, opts Options) Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &llmResolver{
		gen:       gen,
		threshold: opts.ConfidenceThreshold,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
	}
}

// inferenceResponse is the JSON envelope the model is instructed to emit.
type inferenceResponse struct {
	Intent     *datatypes.QueryIntent `json:"intent,omitempty"`
	Ambiguous  bool                   `json:"ambiguous,omitempty"`
	Candidates []string               `json:"candidates,omitempty"`
	Confidence float64                `json:"confidence"`
}

func (r *llmResolver) Resolve(ctx context.Context, text string, hints *catalog.Hints) (*datatypes.QueryIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := buildPrompt(text, hints)
	raw, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("inference call: %w", err)
	}

	var resp inferenceResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		r.logger.Warn("unparseable inference response", "error", err)
		return nil, datatypes.NewPipelineError(datatypes.KindAmbiguousIntent,
			"the question could not be interpreted, please rephrase", err)
	}

	if resp.Ambiguous || resp.Intent == nil || resp.Confidence < r.threshold {
		r.logger.Info("ambiguous intent",
			"confidence", resp.Confidence, "threshold", r.threshold)
		return nil, &datatypes.PipelineError{
			Kind:       datatypes.KindAmbiguousIntent,
			Message:    "the question is ambiguous, please clarify",
			Candidates: resp.Candidates,
		}
	}

	resp.Intent.Confidence = resp.Confidence
	if err := ValidateIntent(resp.Intent, hints); err != nil {
		return nil, err
	}
	return resp.Intent, nil
}

// ValidateIntent checks every table and column the intent references
// against the schema hints, rejecting unmapped business terms.
func ValidateIntent(in *datatypes.QueryIntent, hints *catalog.Hints) error {
	table := findTable(hints, in.Table)
	if table == nil {
		return &datatypes.PipelineError{
			Kind:    datatypes.KindUnknownEntity,
			Message: fmt.Sprintf("no schema mapping for %q", in.Table),
		}
	}

	check := func(term string) error {
		if term == "" || hasColumn(table, term) {
			return nil
		}
		return &datatypes.PipelineError{
			Kind:    datatypes.KindUnknownEntity,
			Message: fmt.Sprintf("no schema mapping for %q", term),
		}
	}

	if in.Op != datatypes.OpSelect && in.Op != datatypes.OpCount {
		if err := check(in.Metric); err != nil {
			return err
		}
	}
	for _, d := range in.Dimensions {
		if err := check(d); err != nil {
			return err
		}
	}
	for _, f := range in.Filters {
		if err := check(f.Column); err != nil {
			return err
		}
	}
	if in.TimeRange.Column != "" {
		if err := check(in.TimeRange.Column); err != nil {
			return err
		}
	}
	if in.Sort != nil {
		if err := check(in.Sort.Column); err != nil {
			return err
		}
	}
	return nil
}

func findTable(hints *catalog.Hints, name string) *catalog.Table {
	needle := strings.ToLower(name)
	for i := range hints.Tables {
		t := &hints.Tables[i]
		if strings.ToLower(t.Name) == needle {
			return t
		}
		for _, syn := range t.Synonyms {
			if strings.ToLower(syn) == needle {
				return t
			}
		}
	}
	return nil
}

func hasColumn(t *catalog.Table, name string) bool {
	needle := strings.ToLower(name)
	for _, col := range t.Columns {
		if strings.ToLower(col.Name) == needle {
			return true
		}
	}
	return false
}

// buildPrompt embeds the schema context and the contract the model must
// follow. The model must answer with a single JSON object and nothing
// else.
func buildPrompt(text string, hints *catalog.Hints) string {
	var b strings.Builder

	b.WriteString("You translate business questions into a structured JSON query intent.\n\n")
	b.WriteString("DATABASE SCHEMA:\n")
	for _, t := range hints.Tables {
		fmt.Fprintf(&b, "\nTable: %s\n", t.Name)
		if t.TimeColumn != "" {
			fmt.Fprintf(&b, "  Time column: %s\n", t.TimeColumn)
		}
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s)", col.Name, col.Type)
			if len(col.Synonyms) > 0 {
				fmt.Fprintf(&b, " aka %s", strings.Join(col.Synonyms, ", "))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(`
RULES:
1. Answer with ONE JSON object, no explanations, no markdown fences.
2. Shape: {"intent": {"op": "...", "table": "...", "metric": "...",
   "dimensions": [], "filters": [], "time_range": {}, "sort": null,
   "limit": 0}, "confidence": 0.0}
3. op is one of: select, count, sum, avg, min, max, trend.
4. Use only tables and columns from the schema above.
5. Express relative periods with time_range.relative: today,
   last_7_days, last_30_days, this_month, last_month, this_quarter,
   last_quarter, this_year.
6. If the question is ambiguous, answer
   {"ambiguous": true, "candidates": ["...", "..."], "confidence": 0.0}
   where candidates are short rephrasings the user can pick from.
7. Never emit SQL.

QUESTION: `)
	b.WriteString(text)
	return b.String()
}

// extractJSON strips markdown fences and surrounding prose, returning
// the outermost JSON object in raw.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
