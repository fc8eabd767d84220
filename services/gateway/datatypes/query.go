// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire and domain types shared across the
// gateway handlers and the pipeline packages.
package datatypes

import (
	"time"
)

// QueryStatus is the lifecycle state of a QueryRequest.
//
// Transitions are strictly forward:
//
//	Pending → Parsing → Synthesizing → Validating → Executing → Completed
//
// Any stage failure moves directly to Failed with the originating error,
// except AmbiguousIntent which terminates in NeedsClarification.
type QueryStatus string

const (
	StatusPending            QueryStatus = "pending"
	StatusParsing            QueryStatus = "parsing"
	StatusSynthesizing       QueryStatus = "synthesizing"
	StatusValidating         QueryStatus = "validating"
	StatusExecuting          QueryStatus = "executing"
	StatusCompleted          QueryStatus = "completed"
	StatusFailed             QueryStatus = "failed"
	StatusNeedsClarification QueryStatus = "needs_clarification"
)

// Terminal reports whether the status ends the request lifecycle.
func (s QueryStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsClarification:
		return true
	}
	return false
}

// SubmitQueryRequest is the inbound payload for POST /v1/queries.
type SubmitQueryRequest struct {
	Text        string `json:"text" binding:"required,min=3,max=2000"`
	WorkspaceID string `json:"workspace_id" binding:"required"`
	DashboardID string `json:"dashboard_id" binding:"required"`
	DatasetID   string `json:"dataset_id" binding:"required"`
}

// QueryRequest is the per-request state owned by the Execution Coordinator.
// It is destroyed once the result is delivered or the request terminally
// failed.
type QueryRequest struct {
	ID          string
	Text        string
	UserID      string
	WorkspaceID string
	DashboardID string
	DatasetID   string
	SubmittedAt time.Time
	Status      QueryStatus
}

// OpKind is the operation requested by a QueryIntent.
type OpKind string

const (
	OpSelect OpKind = "select"
	OpCount  OpKind = "count"
	OpSum    OpKind = "sum"
	OpAvg    OpKind = "avg"
	OpMin    OpKind = "min"
	OpMax    OpKind = "max"
	// OpTrend asks for a windowed running aggregate and needs window
	// function support in the target dialect.
	OpTrend OpKind = "trend"
)

// FilterOp is the comparison operator of a Filter.
type FilterOp string

const (
	FilterEq  FilterOp = "eq"
	FilterNeq FilterOp = "neq"
	FilterGt  FilterOp = "gt"
	FilterGte FilterOp = "gte"
	FilterLt  FilterOp = "lt"
	FilterLte FilterOp = "lte"
	FilterIn  FilterOp = "in"
	// FilterContains performs a case-insensitive substring match.
	FilterContains FilterOp = "contains"
)

// Filter constrains rows by a single column. Value is always bound as a
// parameter, never interpolated into SQL text.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value"`
	// Values is used instead of Value for FilterIn.
	Values []any `json:"values,omitempty"`
}

// RelativeRange names a relative time window resolved at synthesis time.
type RelativeRange string

const (
	RangeToday       RelativeRange = "today"
	RangeLast7Days   RelativeRange = "last_7_days"
	RangeLast30Days  RelativeRange = "last_30_days"
	RangeThisMonth   RelativeRange = "this_month"
	RangeLastMonth   RelativeRange = "last_month"
	RangeThisQuarter RelativeRange = "this_quarter"
	RangeLastQuarter RelativeRange = "last_quarter"
	RangeThisYear    RelativeRange = "this_year"
)

// TimeRange restricts a time column to [Start, End). Either the absolute
// bounds or Relative is set; Relative wins when both are present.
type TimeRange struct {
	Column   string        `json:"column"`
	Start    time.Time     `json:"start,omitempty"`
	End      time.Time     `json:"end,omitempty"`
	Relative RelativeRange `json:"relative,omitempty"`
}

// IsZero reports whether the range is unset.
func (t TimeRange) IsZero() bool {
	return t.Column == "" && t.Relative == "" && t.Start.IsZero() && t.End.IsZero()
}

// SortSpec orders the result set.
type SortSpec struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

// QueryIntent is the structured interpretation of a natural-language
// question. Produced exactly once per request by the Intent Resolver and
// immutable afterwards.
type QueryIntent struct {
	Op         OpKind    `json:"op"`
	Table      string    `json:"table"`
	Metric     string    `json:"metric,omitempty"`
	Dimensions []string  `json:"dimensions,omitempty"`
	Filters    []Filter  `json:"filters,omitempty"`
	TimeRange  TimeRange `json:"time_range,omitempty"`
	Sort       *SortSpec `json:"sort,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Confidence float64   `json:"confidence"`
}

// GeneratedQuery is the dialect-specific compiled form of an intent.
// Immutable once validated.
type GeneratedQuery struct {
	Dialect string
	SQL     string
	// Params are the ordered bind values, matching placeholder order.
	Params []any
	// Tables are the relations the query reads, used for cache
	// invalidation on table change notifications.
	Tables []string
	// LimitInjected is set when the validator added the row cap itself.
	LimitInjected bool
	// Validated is set by the safety validator; execution refuses
	// queries without it.
	Validated bool

	Intent *QueryIntent
}

// ColumnMeta describes one result column.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExecutionResult is the immutable outcome of a query execution. Shared
// between all single-flight waiters, so it must never be mutated after
// construction.
type ExecutionResult struct {
	Columns    []ColumnMeta  `json:"columns"`
	Rows       [][]any       `json:"rows"`
	Truncated  bool          `json:"truncated"`
	Duration   time.Duration `json:"-"`
	DurationMS float64       `json:"duration_ms"`
	CacheHit   bool          `json:"cache_hit"`
}

// StreamEvent is one SSE lifecycle event on the query submission stream.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	RequestID string `json:"request_id"`

	Status     QueryStatus      `json:"status,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Candidates []string         `json:"candidates,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Stream event types emitted on the query lifecycle stream.
const (
	EventStatusChanged      = "status_changed"
	EventClarificationNeeded = "clarification_needed"
	EventResult             = "result"
	EventError              = "error"
)
