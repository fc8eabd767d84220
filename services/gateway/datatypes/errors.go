// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure for user-visible reporting.
//
// The kinds form the full error taxonomy of the query pipeline. Handlers
// map a PipelineError to `{kind, message}` on the wire; internal details
// (SQL text, connection strings, driver errors) never leave the process.
type ErrorKind string

const (
	// KindAmbiguousIntent means the resolver's confidence was below the
	// configured threshold. This is a clarification request, not a fault.
	KindAmbiguousIntent ErrorKind = "ambiguous_intent"

	// KindUnknownEntity means a business term in the question has no
	// mapping in the schema catalog.
	KindUnknownEntity ErrorKind = "unknown_entity"

	// KindUnsupportedOperation means the intent needs a capability the
	// target dialect lacks. Fatal for that data source, never retried.
	KindUnsupportedOperation ErrorKind = "unsupported_operation"

	// KindDialectMismatch means the data source's dialect has no
	// registered grammar or driver.
	KindDialectMismatch ErrorKind = "dialect_mismatch"

	// KindPolicyViolation means the generated SQL failed safety
	// validation. Always fatal, never retried.
	KindPolicyViolation ErrorKind = "policy_violation"

	// KindRowLimitExceeded means the requested limit exceeds the global cap.
	KindRowLimitExceeded ErrorKind = "row_limit_exceeded"

	// KindTimeout means the request exceeded its deadline budget,
	// regardless of which stage was active.
	KindTimeout ErrorKind = "timeout"

	// KindPoolExhausted means no connection became available within the
	// acquire timeout.
	KindPoolExhausted ErrorKind = "pool_exhausted"

	// KindServiceDegraded means the data source's circuit breaker is open
	// and the call was rejected without touching the network.
	KindServiceDegraded ErrorKind = "service_degraded"

	// KindConnectionFailure is a transient execution failure that survived
	// the pool's own retry policy.
	KindConnectionFailure ErrorKind = "connection_failure"

	// KindSyntaxOrPermission is a semantic database error. Never retried.
	KindSyntaxOrPermission ErrorKind = "syntax_or_permission"

	// KindCacheFault is an internal cache error. Soft: the coordinator
	// falls back to direct execution and the caller never sees this kind.
	KindCacheFault ErrorKind = "cache_fault"

	// KindBackpressure means admission control rejected the request.
	KindBackpressure ErrorKind = "backpressure"

	// KindSessionDesync means a dashboard client fell outside the replay
	// window. Auto-healed via resnapshot, logged, never surfaced.
	KindSessionDesync ErrorKind = "session_desync"

	// KindInternal is any failure not covered above.
	KindInternal ErrorKind = "internal"
)

// PipelineError is the typed error carried through every pipeline stage.
type PipelineError struct {
	Kind      ErrorKind
	Message   string
	RequestID string

	// Candidates carries alternative interpretations for
	// KindAmbiguousIntent so the client can ask the user to pick one.
	Candidates []string

	Err error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// UserMessage returns the sanitized message for the wire. The wrapped
// error is deliberately excluded so SQL and connection details never leak.
func (e *PipelineError) UserMessage() string { return e.Message }

// NewPipelineError builds a PipelineError wrapping err.
func NewPipelineError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, or KindInternal if err is not a
// PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// AsPipelineError converts any error into a PipelineError, preserving an
// existing one and wrapping everything else as KindInternal with a generic
// message.
func AsPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Kind: KindInternal, Message: "internal error", Err: err}
}

// IsClarification reports whether err is an AmbiguousIntent outcome,
// which terminates a request in NeedsClarification rather than Failed.
func IsClarification(err error) bool {
	return KindOf(err) == KindAmbiguousIntent
}
