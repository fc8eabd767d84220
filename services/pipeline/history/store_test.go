// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.HistoryConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)

	rec := &Record{
		ID:          "req-1",
		UserID:      "alice",
		WorkspaceID: "ws1",
		Text:        "total revenue by region last quarter",
		Status:      datatypes.StatusCompleted,
		SQL:         "SELECT region, SUM(amount) FROM sales GROUP BY region LIMIT 1000",
		Params:      []any{"2026-04-01"},
		Dialect:     "postgres",
		SourceID:    "src1",
		RowCount:    12,
		DurationMS:  84,
		CacheHit:    true,
		CreatedAt:   time.Date(2026, time.August, 12, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(rec))

	got, err := s.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Text, got.Text)
	assert.Equal(t, rec.SQL, got.SQL)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)
	assert.True(t, got.CacheHit)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveRequiresIdentity(t *testing.T) {
	s := openTestStore(t)

	assert.Error(t, s.Save(&Record{UserID: "alice"}))
	assert.Error(t, s.Save(&Record{ID: "req-1"}))
}

func TestStore_SaveFillsCreatedAt(t *testing.T) {
	s := openTestStore(t)

	rec := &Record{ID: "req-1", UserID: "alice", Status: datatypes.StatusFailed}
	require.NoError(t, s.Save(rec))
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(&Record{
			ID:        fmt.Sprintf("req-%d", i),
			UserID:    "alice",
			Text:      fmt.Sprintf("question %d", i),
			Status:    datatypes.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Another user's records must not leak into alice's listing.
	require.NoError(t, s.Save(&Record{
		ID: "req-bob", UserID: "bob", Status: datatypes.StatusCompleted,
		CreatedAt: base.Add(time.Hour),
	}))

	records, next, err := s.ListByUser("alice", 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("req-%d", 4-i), rec.ID, "newest first")
	}
}

func TestStore_ListPagination(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Save(&Record{
			ID:        fmt.Sprintf("req-%d", i),
			UserID:    "alice",
			Status:    datatypes.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, cursor, err := s.ListByUser("alice", 3, "")
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "req-6", page1[0].ID)
	assert.Equal(t, "req-4", page1[2].ID)

	page2, cursor, err := s.ListByUser("alice", 3, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, "req-3", page2[0].ID)
	assert.Equal(t, "req-1", page2[2].ID)

	page3, cursor, err := s.ListByUser("alice", 3, cursor)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "req-0", page3[0].ID)
	assert.Empty(t, cursor)
}

func TestStore_ListUnknownUser(t *testing.T) {
	s := openTestStore(t)

	records, next, err := s.ListByUser("ghost", 10, "")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, next)
}
