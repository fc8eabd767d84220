// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc is invoked after a successful reload for every data source
// whose schema version changed. The cache subscribes here to invalidate
// dependent entries.
type ChangeFunc func(sourceID, oldVersion, newVersion string)

// Watcher reloads the catalog when its backing file changes.
//
// Editors typically write via rename, so the watcher observes the parent
// directory and filters for the catalog file name. Events are debounced
// to avoid reloading on every partial write.
type Watcher struct {
	catalog  *Catalog
	onChange ChangeFunc
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for c. onChange may be nil.
func NewWatcher(c *Catalog, onChange ChangeFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		catalog:  c,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled. It returns the fsnotify setup
// error, if any; reload failures are logged and keep the old snapshot.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.catalog.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.catalog.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	before := w.snapshotVersions()

	if err := w.catalog.Reload(); err != nil {
		w.logger.Error("catalog reload failed, keeping previous snapshot", "error", err)
		return
	}

	after := w.snapshotVersions()
	if w.onChange == nil {
		return
	}
	for sourceID, newV := range after {
		if oldV := before[sourceID]; oldV != newV {
			w.logger.Info("schema version changed",
				"source_id", sourceID, "old", oldV, "new", newV)
			w.onChange(sourceID, oldV, newV)
		}
	}
	// Sources removed from the catalog also invalidate.
	for sourceID, oldV := range before {
		if _, still := after[sourceID]; !still {
			w.onChange(sourceID, oldV, "")
		}
	}
}

func (w *Watcher) snapshotVersions() map[string]string {
	w.catalog.mu.RLock()
	defer w.catalog.mu.RUnlock()
	out := make(map[string]string, len(w.catalog.versions))
	for k, v := range w.catalog.versions {
		out[k] = v
	}
	return out
}
