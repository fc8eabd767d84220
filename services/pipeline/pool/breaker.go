// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"sync"
	"time"

	"github.com/queryloom/queryloom/services/pipeline/config"
)

// Health is the reachability state of one data source.
type Health int

const (
	// Healthy passes requests through.
	Healthy Health = iota

	// Degraded rejects requests until the cooldown elapses.
	Degraded

	// Probing lets a single request through to test recovery.
	Probing
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// breaker trips a source to Degraded after consecutive connection-level
// failures and sends exactly one probe per cooldown window. Semantic
// query errors never feed it; only transport failures count.
//
// Thread Safety: safe for concurrent use.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	health      Health
	failures    int
	probeInUse  bool
	lastFailure time.Time
	lastChange  time.Time

	// now is swapped in tests to drive the cooldown clock.
	now func() time.Time
}

func newBreaker(cfg config.BreakerConfig) *breaker {
	b := &breaker{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
	if b.threshold < 1 {
		b.threshold = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	b.lastChange = b.now()
	return b
}

// Allow reports whether a request may reach the source. When the
// cooldown has elapsed on a Degraded source the caller becomes the
// probe; everyone else keeps being rejected until the probe reports.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.health {
	case Healthy:
		return true

	case Degraded:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.transition(Probing)
			b.probeInUse = true
			return true
		}
		return false

	case Probing:
		if !b.probeInUse {
			b.probeInUse = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess clears the failure streak. A successful probe restores
// the source to Healthy immediately.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.health == Probing {
		b.transition(Healthy)
	}
}

// RecordFailure counts a transport failure. A failed probe re-degrades
// the source for another full cooldown.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.health {
	case Healthy:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(Degraded)
		}
	case Probing:
		b.transition(Degraded)
	}
}

// Health returns the current state.
func (b *breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Health      Health
	Failures    int
	LastFailure time.Time
	LastChange  time.Time
}

func (b *breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Health:      b.health,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
}

// transition must be called with the lock held.
func (b *breaker) transition(to Health) {
	b.health = to
	b.lastChange = b.now()
	b.probeInUse = false
	if to == Healthy {
		b.failures = 0
	}
}
