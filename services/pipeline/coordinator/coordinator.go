// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package coordinator drives a query request through its lifecycle:
// admission, intent resolution, synthesis, safety validation, cached
// execution, and delivery to the submitter's stream and the dashboard
// session.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/cache"
	"github.com/queryloom/queryloom/services/pipeline/catalog"
	"github.com/queryloom/queryloom/services/pipeline/config"
	"github.com/queryloom/queryloom/services/pipeline/history"
	"github.com/queryloom/queryloom/services/pipeline/intent"
	"github.com/queryloom/queryloom/services/pipeline/pool"
	"github.com/queryloom/queryloom/services/pipeline/safety"
	"github.com/queryloom/queryloom/services/pipeline/session"
	"github.com/queryloom/queryloom/services/pipeline/synth"
)

// EmitFunc delivers one lifecycle event to the submitting client's
// stream. Called from the request's own goroutine, in order.
type EmitFunc func(ev datatypes.StreamEvent)

// Deps are the pipeline stages the coordinator wires together.
type Deps struct {
	Resolver    intent.Resolver
	Synthesizer *synth.Synthesizer
	Validator   *safety.Validator
	Pools       *pool.Manager
	Cache       *cache.ResultCache
	Sessions    *session.Manager
	History     *history.Store
	Catalog     *catalog.Catalog
	Logger      *slog.Logger
}

// Coordinator owns per-request state from submission to terminal
// status.
type Coordinator struct {
	deps Deps

	admission      *admission
	requestTimeout time.Duration
	maxRows        int
	logger         *slog.Logger
	tracer         trace.Tracer
}

// New builds a Coordinator.
func New(deps Deps, admissionCfg config.AdmissionConfig, safetyCfg config.SafetyConfig) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := admissionCfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRows := safetyCfg.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &Coordinator{
		deps:           deps,
		admission:      newAdmission(admissionCfg),
		requestTimeout: timeout,
		maxRows:        maxRows,
		logger:         logger,
		tracer:         otel.Tracer("queryloom.pipeline.coordinator"),
	}
}

// Stats exposes admission occupancy for metrics.
func (c *Coordinator) Stats() AdmissionStats {
	return c.admission.stats()
}

// Run drives req to a terminal status, emitting lifecycle events along
// the way. It blocks until the request finishes and always leaves req
// in a terminal state.
func (c *Coordinator) Run(ctx context.Context, req *datatypes.QueryRequest, emit EmitFunc) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("dataset_id", req.DatasetID))

	release, err := c.admission.admit(req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, "admission refused")
		c.fail(req, emit, err)
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	start := time.Now()
	result, gq, runErr := c.pipeline(ctx, req, emit)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(datatypes.AsPipelineError(runErr).Kind))
		c.fail(req, emit, runErr)
		c.record(req, gq, nil, runErr)
		return
	}
	span.SetAttributes(attribute.Bool("cache_hit", result.CacheHit))

	c.setStatus(req, emit, datatypes.StatusCompleted)
	emit(c.event(req, datatypes.StreamEvent{
		Type:   datatypes.EventResult,
		Status: datatypes.StatusCompleted,
		Result: result,
	}))
	c.publishResult(req, result)
	c.record(req, gq, result, nil)

	c.logger.Info("query completed",
		"request_id", req.ID,
		"user_id", req.UserID,
		"rows", len(result.Rows),
		"cache_hit", result.CacheHit,
		"duration_ms", time.Since(start).Milliseconds())
}

// pipeline runs the non-terminal stages and returns the result along
// with the generated query for the history record.
func (c *Coordinator) pipeline(ctx context.Context, req *datatypes.QueryRequest, emit EmitFunc) (*datatypes.ExecutionResult, *datatypes.GeneratedQuery, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.pipeline")
	defer span.End()

	c.setStatus(req, emit, datatypes.StatusParsing)

	hints, err := c.deps.Catalog.HintsFor(req.DatasetID)
	if err != nil {
		return nil, nil, datatypes.NewPipelineError(datatypes.KindUnknownEntity,
			fmt.Sprintf("unknown dataset %q", req.DatasetID), err)
	}

	in, err := c.deps.Resolver.Resolve(ctx, req.Text, hints)
	if err != nil {
		return nil, nil, c.stageErr(ctx, err)
	}
	if err := intent.ValidateIntent(in, hints); err != nil {
		return nil, nil, err
	}

	c.setStatus(req, emit, datatypes.StatusSynthesizing)

	dialect, err := c.deps.Pools.Dialect(hints.SourceID)
	if err != nil {
		return nil, nil, err
	}
	gq, err := c.deps.Synthesizer.Synthesize(in, dialect)
	if err != nil {
		return nil, nil, err
	}

	c.setStatus(req, emit, datatypes.StatusValidating)

	policy, ok := c.deps.Catalog.Policy(req.WorkspaceID)
	if !ok {
		return nil, gq, datatypes.NewPipelineError(datatypes.KindPolicyViolation,
			fmt.Sprintf("workspace %q has no access policy", req.WorkspaceID), nil)
	}
	if err := c.deps.Validator.Validate(ctx, gq, policy, hints.SourceID); err != nil {
		return nil, gq, c.stageErr(ctx, err)
	}

	c.setStatus(req, emit, datatypes.StatusExecuting)

	key := cache.Fingerprint(gq.SQL, gq.Params, hints.SourceID,
		c.deps.Catalog.SchemaVersion(hints.SourceID))
	result, hit, err := c.deps.Cache.GetOrCompute(ctx, key, hints.SourceID, gq.Tables,
		func(cctx context.Context) (*datatypes.ExecutionResult, error) {
			return c.deps.Pools.Execute(cctx, hints.SourceID, gq, c.maxRows)
		})
	if err != nil {
		return nil, gq, c.stageErr(ctx, err)
	}

	// The cached value is shared between waiters; flag the hit on a copy.
	out := *result
	out.CacheHit = hit
	return &out, gq, nil
}

// stageErr maps a context deadline onto the timeout kind; everything
// else passes through.
func (c *Coordinator) stageErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return datatypes.NewPipelineError(datatypes.KindTimeout,
			"query did not finish within its time budget", err)
	}
	return err
}

func (c *Coordinator) setStatus(req *datatypes.QueryRequest, emit EmitFunc, status datatypes.QueryStatus) {
	req.Status = status
	emit(c.event(req, datatypes.StreamEvent{
		Type:   datatypes.EventStatusChanged,
		Status: status,
	}))
}

// fail moves req to its terminal error state. Ambiguity terminates in
// NeedsClarification with candidate rephrasings; everything else fails
// with the taxonomy kind and a user-facing message.
func (c *Coordinator) fail(req *datatypes.QueryRequest, emit EmitFunc, err error) {
	perr := datatypes.AsPipelineError(err)

	if datatypes.IsClarification(err) {
		req.Status = datatypes.StatusNeedsClarification
		emit(c.event(req, datatypes.StreamEvent{
			Type:       datatypes.EventClarificationNeeded,
			Status:     datatypes.StatusNeedsClarification,
			Candidates: perr.Candidates,
			Message:    perr.UserMessage(),
		}))
		return
	}

	req.Status = datatypes.StatusFailed
	emit(c.event(req, datatypes.StreamEvent{
		Type:      datatypes.EventError,
		Status:    datatypes.StatusFailed,
		ErrorKind: string(perr.Kind),
		Message:   perr.UserMessage(),
	}))

	c.logger.Error("query failed",
		"request_id", req.ID,
		"user_id", req.UserID,
		"kind", string(perr.Kind),
		"error", err)
}

// publishResult pushes the completed result onto the dashboard session
// so every viewer sees it, not just the submitter.
func (c *Coordinator) publishResult(req *datatypes.QueryRequest, result *datatypes.ExecutionResult) {
	if c.deps.Sessions == nil || req.DashboardID == "" {
		return
	}
	payload, err := json.Marshal(datatypes.QueryResultPayload{
		RequestID: req.ID,
		UserID:    req.UserID,
		Result:    result,
	})
	if err != nil {
		c.logger.Error("marshal result payload", "request_id", req.ID, "error", err)
		return
	}
	c.deps.Sessions.Publish(req.DashboardID, datatypes.DashboardQueryResult, "", payload)
}

// record persists the request outcome. History failures are logged and
// swallowed; losing an audit row must not fail a served query.
func (c *Coordinator) record(req *datatypes.QueryRequest, gq *datatypes.GeneratedQuery, result *datatypes.ExecutionResult, runErr error) {
	if c.deps.History == nil {
		return
	}
	rec := &history.Record{
		ID:          req.ID,
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		Text:        req.Text,
		Status:      req.Status,
		CreatedAt:   req.SubmittedAt,
	}
	if gq != nil {
		rec.SQL = gq.SQL
		rec.Params = gq.Params
		rec.Dialect = gq.Dialect
	}
	if hints, err := c.deps.Catalog.HintsFor(req.DatasetID); err == nil {
		rec.SourceID = hints.SourceID
	}
	if result != nil {
		rec.RowCount = len(result.Rows)
		rec.DurationMS = int64(result.DurationMS)
		rec.CacheHit = result.CacheHit
	}
	if runErr != nil {
		perr := datatypes.AsPipelineError(runErr)
		rec.ErrorKind = string(perr.Kind)
		rec.Message = perr.UserMessage()
	}
	if err := c.deps.History.Save(rec); err != nil {
		c.logger.Error("save history record", "request_id", req.ID, "error", err)
	}
}

func (c *Coordinator) event(req *datatypes.QueryRequest, ev datatypes.StreamEvent) datatypes.StreamEvent {
	ev.Id = uuid.NewString()
	ev.CreatedAt = time.Now().UnixMilli()
	ev.RequestID = req.ID
	return ev
}
