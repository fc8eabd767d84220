// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session keeps each dashboard's live state and fans events out
// to its subscribed clients. All state for one dashboard is owned by a
// single supervising goroutine; everything reaches it through channels,
// so no event ordering ever depends on lock acquisition order.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// subscribeReq asks the session to attach a client, replaying from
// lastSeenSeq.
type subscribeReq struct {
	client      *Client
	lastSeenSeq uint64
	reply       chan struct{}
}

type unsubscribeReq struct {
	client *Client
	reply  chan struct{}
}

type publishReq struct {
	eventType datatypes.DashboardEventType
	origin    string
	payload   json.RawMessage
}

// Session is one dashboard's event hub. Sequence numbers are assigned
// here and only here, so every client observes the same gapless order.
type Session struct {
	DashboardID string

	subscribeCh   chan subscribeReq
	unsubscribeCh chan unsubscribeReq
	publishCh     chan publishReq
	stopOnce      sync.Once
	stopCh        chan struct{}
	stopped       chan struct{}

	cfg    config.SessionConfig
	logger *slog.Logger

	// onIdle fires after the grace period passes with no clients.
	onIdle func(*Session)

	// State below is owned by the run goroutine.
	seq     uint64
	buffer  []datatypes.DashboardEvent
	clients map[*Client]struct{}
	widgets map[string]datatypes.WidgetState
}

func newSession(dashboardID string, cfg config.SessionConfig, logger *slog.Logger, onIdle func(*Session)) *Session {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	s := &Session{
		DashboardID:   dashboardID,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan unsubscribeReq),
		publishCh:     make(chan publishReq, 64),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
		cfg:           cfg,
		logger:        logger,
		onIdle:        onIdle,
		clients:       make(map[*Client]struct{}),
		widgets:       make(map[string]datatypes.WidgetState),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	for {
		select {
		case req := <-s.subscribeCh:
			s.attach(req)
			grace.Stop()
			close(req.reply)

		case req := <-s.unsubscribeCh:
			if _, ok := s.clients[req.client]; ok {
				delete(s.clients, req.client)
				req.client.close(false)
			}
			if len(s.clients) == 0 {
				grace.Reset(s.cfg.GracePeriod)
			}
			close(req.reply)

		case req := <-s.publishCh:
			s.apply(req)

		case <-grace.C:
			if len(s.clients) == 0 {
				s.logger.Info("dashboard session idle, tearing down",
					"dashboard_id", s.DashboardID, "last_seq", s.seq)
				if s.onIdle != nil {
					s.onIdle(s)
				}
				return
			}

		case <-s.stopCh:
			for c := range s.clients {
				c.close(false)
			}
			return
		}
	}
}

// attach registers the client and brings it up to date, either by
// replaying the buffered suffix past lastSeenSeq or, when the buffer no
// longer covers the gap, by a full snapshot. A lastSeenSeq ahead of the
// session means the client outlived a previous incarnation of this
// dashboard; it gets the snapshot so its stale state is replaced.
func (s *Session) attach(req subscribeReq) {
	c := req.client
	s.clients[c] = struct{}{}

	if req.lastSeenSeq == s.seq {
		return
	}

	if req.lastSeenSeq < s.seq && s.canReplayFrom(req.lastSeenSeq) {
		for _, ev := range s.buffer {
			if ev.Seq > req.lastSeenSeq {
				if !c.trySend(ev) {
					s.drop(c)
					return
				}
			}
		}
		return
	}

	snap := datatypes.SessionSnapshot{
		DashboardID: s.DashboardID,
		Seq:         s.seq,
		Widgets:     make([]datatypes.WidgetState, 0, len(s.widgets)),
	}
	for _, w := range s.widgets {
		snap.Widgets = append(snap.Widgets, w)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("marshal snapshot", "dashboard_id", s.DashboardID, "error", err)
		s.drop(c)
		return
	}
	if !c.trySend(datatypes.DashboardEvent{
		Type:    datatypes.DashboardSnapshot,
		Seq:     s.seq,
		Payload: payload,
	}) {
		s.drop(c)
	}
}

// canReplayFrom reports whether the buffer still holds every event
// after lastSeen.
func (s *Session) canReplayFrom(lastSeen uint64) bool {
	if len(s.buffer) == 0 {
		return false
	}
	return s.buffer[0].Seq <= lastSeen+1
}

// apply assigns the next sequence number, records the event, folds
// widget updates into the last-writer-wins state, and fans out.
func (s *Session) apply(req publishReq) {
	s.seq++
	ev := datatypes.DashboardEvent{
		Type:    req.eventType,
		Seq:     s.seq,
		Origin:  req.origin,
		Payload: req.payload,
	}

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.cfg.BufferSize {
		s.buffer = s.buffer[len(s.buffer)-s.cfg.BufferSize:]
	}

	if req.eventType == datatypes.DashboardWidgetUpdate {
		var upd datatypes.WidgetUpdatePayload
		if err := json.Unmarshal(req.payload, &upd); err == nil && upd.WidgetID != "" {
			s.widgets[upd.WidgetID] = datatypes.WidgetState{
				WidgetID: upd.WidgetID,
				Patch:    upd.Patch,
				Seq:      ev.Seq,
				ClientID: req.origin,
			}
		}
	}

	for c := range s.clients {
		if c.ID == req.origin && req.eventType == datatypes.DashboardCursorMove {
			// Senders already know where their own cursor is.
			continue
		}
		if !c.trySend(ev) {
			s.drop(c)
		}
	}
}

// drop disconnects a client that fell too far behind.
func (s *Session) drop(c *Client) {
	delete(s.clients, c)
	c.close(true)
	s.logger.Warn("client dropped for backpressure",
		"dashboard_id", s.DashboardID, "client_id", c.ID, "seq", s.seq)
}

// Subscribe attaches a client and replays missed events. Returns false
// if the session is shutting down.
func (s *Session) Subscribe(c *Client, lastSeenSeq uint64) bool {
	req := subscribeReq{client: c, lastSeenSeq: lastSeenSeq, reply: make(chan struct{})}
	select {
	case s.subscribeCh <- req:
		<-req.reply
		return true
	case <-s.stopped:
		return false
	}
}

// Unsubscribe detaches a client. Safe to call for an already-dropped
// client.
func (s *Session) Unsubscribe(c *Client) {
	req := unsubscribeReq{client: c, reply: make(chan struct{})}
	select {
	case s.unsubscribeCh <- req:
		<-req.reply
	case <-s.stopped:
	}
}

// Publish hands an event to the session for sequencing and fan-out.
// Returns false when the session's inbound queue is full or it is
// shutting down.
func (s *Session) Publish(eventType datatypes.DashboardEventType, origin string, payload json.RawMessage) bool {
	select {
	case s.publishCh <- publishReq{eventType: eventType, origin: origin, payload: payload}:
		return true
	case <-s.stopped:
		return false
	default:
		return false
	}
}

// Stop tears the session down, disconnecting every client.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stopped
}
