// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// admission bounds in-flight work. Refusal is immediate; queueing
// rejected requests would only move the backlog somewhere less visible.
type admission struct {
	global chan struct{}

	mu       sync.Mutex
	inflight map[string]int
	limiters map[string]*rate.Limiter

	perUserLimit int
	perUserRate  rate.Limit
	perUserBurst int
}

func newAdmission(cfg config.AdmissionConfig) *admission {
	globalLimit := cfg.GlobalLimit
	if globalLimit <= 0 {
		globalLimit = 64
	}
	perUser := cfg.PerUserLimit
	if perUser <= 0 {
		perUser = 4
	}
	burst := cfg.PerUserBurst
	if burst <= 0 {
		burst = 10
	}
	r := rate.Limit(cfg.PerUserRate)
	if r <= 0 {
		r = rate.Inf
	}
	return &admission{
		global:       make(chan struct{}, globalLimit),
		inflight:     make(map[string]int),
		limiters:     make(map[string]*rate.Limiter),
		perUserLimit: perUser,
		perUserRate:  r,
		perUserBurst: burst,
	}
}

// admit reserves capacity for one request. The release function must be
// called exactly once when the request reaches a terminal state.
func (a *admission) admit(userID string) (func(), error) {
	a.mu.Lock()
	lim, ok := a.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(a.perUserRate, a.perUserBurst)
		a.limiters[userID] = lim
	}
	if !lim.Allow() {
		a.mu.Unlock()
		return nil, datatypes.NewPipelineError(datatypes.KindBackpressure,
			"request rate too high, slow down", nil)
	}
	if a.inflight[userID] >= a.perUserLimit {
		a.mu.Unlock()
		return nil, datatypes.NewPipelineError(datatypes.KindBackpressure,
			"too many queries in flight for this user", nil)
	}
	a.inflight[userID]++
	a.mu.Unlock()

	select {
	case a.global <- struct{}{}:
	default:
		a.releaseUser(userID)
		return nil, datatypes.NewPipelineError(datatypes.KindBackpressure,
			"service is at capacity, retry shortly", nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-a.global
			a.releaseUser(userID)
		})
	}, nil
}

func (a *admission) releaseUser(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[userID] <= 1 {
		delete(a.inflight, userID)
	} else {
		a.inflight[userID]--
	}
}

// AdmissionStats is the live occupancy view for metrics.
type AdmissionStats struct {
	GlobalInFlight int
	GlobalLimit    int
	ActiveUsers    int
}

func (a *admission) stats() AdmissionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdmissionStats{
		GlobalInFlight: len(a.global),
		GlobalLimit:    cap(a.global),
		ActiveUsers:    len(a.inflight),
	}
}
