// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
)

// Client is one subscribed dashboard viewer. Events are delivered on a
// bounded queue; a client that cannot drain it is disconnected rather
// than allowed to stall the session.
type Client struct {
	ID          string
	UserID      string
	DashboardID string

	events chan datatypes.DashboardEvent

	closeOnce sync.Once
	done      chan struct{}
	// dropped is set when the session disconnected the client for
	// falling behind, so the transport can tell the two apart.
	dropped bool
}

func newClient(id, userID, dashboardID string, queueLen int) *Client {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Client{
		ID:          id,
		UserID:      userID,
		DashboardID: dashboardID,
		events:      make(chan datatypes.DashboardEvent, queueLen),
		done:        make(chan struct{}),
	}
}

// Events is the delivery channel. It is never closed; receivers select
// on Done as well.
func (c *Client) Events() <-chan datatypes.DashboardEvent {
	return c.events
}

// Done is closed when the session has disconnected this client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Dropped reports whether the disconnect was a backpressure drop.
func (c *Client) Dropped() bool {
	select {
	case <-c.done:
		return c.dropped
	default:
		return false
	}
}

// trySend queues an event without blocking. False means the queue was
// full.
func (c *Client) trySend(ev datatypes.DashboardEvent) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close(dropped bool) {
	c.closeOnce.Do(func() {
		c.dropped = dropped
		close(c.done)
	})
}
