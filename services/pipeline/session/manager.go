// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// Manager owns the dashboard session registry. Sessions are created on
// first subscribe and torn down after the grace period with no clients.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      config.SessionConfig
	logger   *slog.Logger
	closed   bool
}

func NewManager(cfg config.SessionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
	}
}

// Subscribe attaches a new client to the dashboard's session, creating
// the session if needed, and replays events past lastSeenSeq.
func (m *Manager) Subscribe(dashboardID, userID string, lastSeenSeq uint64) (*Client, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, datatypes.NewPipelineError(datatypes.KindSessionDesync,
				"session manager is shutting down", nil)
		}
		s, ok := m.sessions[dashboardID]
		if !ok {
			s = newSession(dashboardID, m.cfg, m.logger, m.removeIdle)
			m.sessions[dashboardID] = s
			m.logger.Info("dashboard session created", "dashboard_id", dashboardID)
		}
		m.mu.Unlock()

		c := newClient(uuid.NewString(), userID, dashboardID, m.cfg.ClientQueueLen)
		if s.Subscribe(c, lastSeenSeq) {
			return c, nil
		}
		// The session tore itself down between lookup and subscribe;
		// retry against a fresh one.
		m.mu.Lock()
		if m.sessions[dashboardID] == s {
			delete(m.sessions, dashboardID)
		}
		m.mu.Unlock()
	}
}

// Unsubscribe detaches a client from its session.
func (m *Manager) Unsubscribe(c *Client) {
	m.mu.Lock()
	s, ok := m.sessions[c.DashboardID]
	m.mu.Unlock()
	if ok {
		s.Unsubscribe(c)
	}
}

// Publish sequences an event onto a dashboard's session. Publishing to
// a dashboard nobody watches is a no-op; query results for it surface
// again on the next snapshot-bearing subscription.
func (m *Manager) Publish(dashboardID string, eventType datatypes.DashboardEventType, origin string, payload json.RawMessage) bool {
	m.mu.Lock()
	s, ok := m.sessions[dashboardID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !s.Publish(eventType, origin, payload) {
		m.logger.Warn("dashboard event dropped, session queue full",
			"dashboard_id", dashboardID, "type", string(eventType))
		return false
	}
	return true
}

// ActiveSessions reports the number of live sessions, for metrics.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// removeIdle is called from a session's own goroutine when its grace
// period expires with no clients.
func (m *Manager) removeIdle(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.DashboardID] == s {
		delete(m.sessions, s.DashboardID)
	}
}

// Shutdown stops every session, disconnecting all clients.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
