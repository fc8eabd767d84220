// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists completed query requests in an embedded
// BadgerDB so users can review and re-run past questions.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// Record is one finished request. The SQL stored here is the
// parameterized statement text; bound values are kept separately so a
// re-run can rebind them.
type Record struct {
	ID          string                `json:"id"`
	UserID      string                `json:"user_id"`
	WorkspaceID string                `json:"workspace_id"`
	Text        string                `json:"text"`
	Status      datatypes.QueryStatus `json:"status"`
	SQL         string                `json:"sql,omitempty"`
	Params      []any                 `json:"params,omitempty"`
	Dialect     string                `json:"dialect,omitempty"`
	SourceID    string                `json:"source_id,omitempty"`
	ErrorKind   string                `json:"error_kind,omitempty"`
	Message     string                `json:"message,omitempty"`
	RowCount    int                   `json:"row_count"`
	DurationMS  int64                 `json:"duration_ms"`
	CacheHit    bool                  `json:"cache_hit"`
	CreatedAt   time.Time             `json:"created_at"`
}

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("history: record not found")

// Store is a badger-backed history store. Keys sort newest-first per
// user so listing needs no in-memory sort.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the store at cfg.Path, or in memory when cfg.InMemory is
// set.
func Open(cfg config.HistoryConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithSyncWrites(false)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("history: path is required for persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("history: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// userKey sorts records for one user newest-first by inverting the
// timestamp.
func userKey(userID string, createdAt time.Time, id string) []byte {
	rev := ^uint64(createdAt.UnixNano())
	return []byte(fmt.Sprintf("qh:%s:%016x:%s", userID, rev, id))
}

func idKey(id string) []byte {
	return []byte("qhi:" + id)
}

// Save persists one record.
func (s *Store) Save(rec *Record) error {
	if rec.ID == "" || rec.UserID == "" {
		return errors.New("history: record needs id and user_id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record: %w", err)
	}

	key := userKey(rec.UserID, rec.CreatedAt, rec.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(rec.ID), key)
	})
}

// Get looks a record up by request id.
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var primary []byte
		if err := item.Value(func(v []byte) error {
			primary = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(primary)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns up to limit records for one user, newest first.
// cursor is the opaque key returned by a previous page, empty for the
// first page. nextCursor is empty when the listing is exhausted.
func (s *Store) ListByUser(userID string, limit int, cursor string) (records []*Record, nextCursor string, err error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte("qh:" + userID + ":")

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		if cursor != "" {
			it.Seek([]byte(cursor))
			if it.ValidForPrefix(prefix) && string(it.Item().Key()) == cursor {
				it.Next()
			}
		} else {
			it.Seek(prefix)
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(records) >= limit {
				return nil
			}
			var rec Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			records = append(records, &rec)
			if len(records) == limit {
				nextCursor = string(it.Item().KeyCopy(nil))
			}
		}
		// Fewer than limit records remained; the listing is done.
		if len(records) < limit {
			nextCursor = ""
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return records, nextCursor, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
