// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/queryloom/queryloom/services/pipeline/config"
)

// jitterFactor spreads backoff waits by +/-20% to avoid synchronized
// retry storms across concurrent requests.
const jitterFactor = 0.2

// backoffFactor doubles the wait between attempts.
const backoffFactor = 2.0

// retryableFunc is one execution attempt. attempt starts at 1.
type retryableFunc func(ctx context.Context, attempt int) error

// retry runs fn with exponential backoff, retrying only transient
// transport errors. Semantic errors (bad SQL, permission denied) return
// immediately.
func retry(ctx context.Context, cfg config.RetryConfig, fn retryableFunc) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) || attempt == attempts {
			return lastErr
		}

		jitter := 1.0 + (rand.Float64()*2-1)*jitterFactor
		wait := time.Duration(float64(backoff) * jitter)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}

// isTransient classifies an execution error. Connection-level failures
// are worth retrying and feed the breaker; anything the database said
// on an established connection is semantic and final.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"server closed the connection",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
