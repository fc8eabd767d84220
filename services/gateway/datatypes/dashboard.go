// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// DashboardEventType classifies an event fanned out to dashboard clients.
type DashboardEventType string

const (
	DashboardQueryResult  DashboardEventType = "query_result"
	DashboardWidgetUpdate DashboardEventType = "widget_update"
	DashboardCursorMove   DashboardEventType = "cursor_move"
	// DashboardSnapshot carries the full session state on resync.
	DashboardSnapshot DashboardEventType = "snapshot"
)

// DashboardEvent is one sequenced event on a dashboard session.
// Seq is assigned by the session's supervising goroutine and is strictly
// increasing and gapless within a session.
type DashboardEvent struct {
	Type     DashboardEventType `json:"type"`
	Seq      uint64             `json:"seq"`
	Origin   string             `json:"origin,omitempty"`
	Payload  json.RawMessage    `json:"payload"`
}

// SubscribeMessage is the first client frame on the dashboard WebSocket.
// LastSeenSeq of zero means a fresh subscription.
type SubscribeMessage struct {
	DashboardID string `json:"dashboard_id" validate:"required"`
	LastSeenSeq uint64 `json:"last_seen_seq,omitempty"`
}

// ClientMessage is any subsequent frame sent by a dashboard client.
type ClientMessage struct {
	Type string `json:"type" validate:"required,oneof=widget_update cursor_move"`

	WidgetID string          `json:"widget_id,omitempty"`
	Patch    json.RawMessage `json:"patch,omitempty"`
	Position *CursorPosition `json:"position,omitempty"`
}

// CursorPosition is a collaborator's pointer location on the dashboard.
type CursorPosition struct {
	WidgetID string  `json:"widget_id,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// WidgetState is the last-writer-wins state of one widget. Seq and
// ClientID record the winning edit for the tie-break ordering.
type WidgetState struct {
	WidgetID string          `json:"widget_id"`
	Patch    json.RawMessage `json:"patch"`
	Seq      uint64          `json:"seq"`
	ClientID string          `json:"client_id"`
}

// SessionSnapshot is the full state sent when replay is not possible.
type SessionSnapshot struct {
	DashboardID string        `json:"dashboard_id"`
	Seq         uint64        `json:"seq"`
	Widgets     []WidgetState `json:"widgets"`
}

// QueryResultPayload is the payload of a DashboardQueryResult event.
type QueryResultPayload struct {
	RequestID string           `json:"request_id"`
	UserID    string           `json:"user_id"`
	Result    *ExecutionResult `json:"result"`
}

// WidgetUpdatePayload is the payload of a DashboardWidgetUpdate event.
type WidgetUpdatePayload struct {
	WidgetID string          `json:"widget_id"`
	Patch    json.RawMessage `json:"patch"`
}
