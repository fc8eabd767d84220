// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/queryloom/queryloom/services/gateway/datatypes"
	"github.com/queryloom/queryloom/services/pipeline/config"
)

// ComputeFunc produces a result on cache miss.
type ComputeFunc func(ctx context.Context) (*datatypes.ExecutionResult, error)

// entry is one cached result. Results are immutable once stored, so
// readers share the pointer without copying.
type entry struct {
	key      string
	sourceID string
	tables   []string

	result *datatypes.ExecutionResult
	bytes  int64

	storedAtMilli int64
	lruElement    *list.Element
}

// ResultCache is an LRU result cache with TTL, a memory ceiling, and
// singleflight deduplication of concurrent identical computations.
//
// Thread Safety: safe for concurrent use.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List
	flight  singleflight.Group

	ttl        time.Duration
	maxEntries int
	maxBytes   int64
	// computeTimeout bounds a computation that outlives every waiter.
	computeTimeout time.Duration

	logger *slog.Logger

	hits            int64
	misses          int64
	evictions       int64
	memoryEvictions int64
	computeCount    int64
	errorCount      int64
	storeSkips      int64
}

// NewResultCache builds the cache from config.
func NewResultCache(cfg config.CacheConfig, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	maxBytes := int64(cfg.MaxMemoryMB) * 1024 * 1024
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &ResultCache{
		entries:        make(map[string]*entry),
		lru:            list.New(),
		ttl:            ttl,
		maxEntries:     maxEntries,
		maxBytes:       maxBytes,
		computeTimeout: 2 * time.Minute,
		logger:         logger,
	}
}

// Get returns a fresh cached result for key, or nil.
func (c *ResultCache) Get(key string) *datatypes.ExecutionResult {
	c.mu.RLock()
	e, ok := c.entries[key]
	if !ok || c.isExpired(e) {
		c.mu.RUnlock()
		if ok {
			c.remove(key)
		}
		atomic.AddInt64(&c.misses, 1)
		return nil
	}
	result := e.result
	c.mu.RUnlock()

	c.touch(e)
	atomic.AddInt64(&c.hits, 1)
	return result
}

// GetOrCompute returns the cached result for key or runs compute,
// collapsing concurrent callers with the same key onto one execution.
//
// The computation runs on a context detached from the caller so one
// cancelled waiter cannot abort a result other waiters still want; a
// caller whose own context ends stops waiting and gets its context
// error while the shared computation keeps running.
//
// The hit flag is true only when the result was served without running
// compute for this caller's key arrival.
func (c *ResultCache) GetOrCompute(ctx context.Context, key, sourceID string, tables []string, compute ComputeFunc) (*datatypes.ExecutionResult, bool, error) {
	if r := c.Get(key); r != nil {
		return r, true, nil
	}
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// Re-check under flight: a previous flight may have stored the
		// result between our miss and this call.
		if r := c.Get(key); r != nil {
			return r, nil
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		atomic.AddInt64(&c.computeCount, 1)
		result, err := compute(cctx)
		if err != nil {
			atomic.AddInt64(&c.errorCount, 1)
			return nil, err
		}
		c.store(key, sourceID, tables, result)
		return result, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*datatypes.ExecutionResult), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// store inserts a result, evicting to stay under the entry and memory
// ceilings. An oversized result is returned to the caller but never
// cached; losing the cache entry must not lose the result.
func (c *ResultCache) store(key, sourceID string, tables []string, result *datatypes.ExecutionResult) {
	size := estimateBytes(result)
	if c.maxBytes > 0 && size > c.maxBytes {
		atomic.AddInt64(&c.storeSkips, 1)
		c.logger.Warn("result too large to cache", "bytes", size, "source_id", sourceID)
		return
	}

	now := time.Now().UnixMilli()
	e := &entry{
		key:           key,
		sourceID:      sourceID,
		tables:        tables,
		result:        result,
		bytes:         size,
		storedAtMilli: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.evictIfNeededLocked(size)
	e.lruElement = c.lru.PushFront(key)
	c.entries[key] = e
}

// InvalidateSource drops every entry for one data source.
func (c *ResultCache) InvalidateSource(sourceID string) int {
	return c.invalidate(func(e *entry) bool { return e.sourceID == sourceID })
}

// InvalidateTable drops every entry that read the named table.
func (c *ResultCache) InvalidateTable(sourceID, table string) int {
	return c.invalidate(func(e *entry) bool {
		if e.sourceID != sourceID {
			return false
		}
		for _, t := range e.tables {
			if t == table {
				return true
			}
		}
		return false
	})
}

func (c *ResultCache) invalidate(match func(*entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if match(e) {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// Clear empties the cache.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.removeLocked(e)
	}
}

// CacheStats is a point-in-time view for metrics and health endpoints.
type CacheStats struct {
	EntryCount      int
	Hits            int64
	Misses          int64
	Evictions       int64
	MemoryEvictions int64
	ComputeCount    int64
	ErrorCount      int64
	StoreSkips      int64
	EstimatedBytes  int64
	MaxEntries      int
	MaxBytes        int64
}

func (c *ResultCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, e := range c.entries {
		total += e.bytes
	}
	return CacheStats{
		EntryCount:      len(c.entries),
		Hits:            atomic.LoadInt64(&c.hits),
		Misses:          atomic.LoadInt64(&c.misses),
		Evictions:       atomic.LoadInt64(&c.evictions),
		MemoryEvictions: atomic.LoadInt64(&c.memoryEvictions),
		ComputeCount:    atomic.LoadInt64(&c.computeCount),
		ErrorCount:      atomic.LoadInt64(&c.errorCount),
		StoreSkips:      atomic.LoadInt64(&c.storeSkips),
		EstimatedBytes:  total,
		MaxEntries:      c.maxEntries,
		MaxBytes:        c.maxBytes,
	}
}

func (c *ResultCache) isExpired(e *entry) bool {
	return time.Since(time.UnixMilli(e.storedAtMilli)) > c.ttl
}

func (c *ResultCache) touch(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.lruElement != nil {
		c.lru.MoveToFront(e.lruElement)
	}
}

func (c *ResultCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// removeLocked must be called with the write lock held.
func (c *ResultCache) removeLocked(e *entry) {
	if e.lruElement != nil {
		c.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	delete(c.entries, e.key)
}

// evictIfNeededLocked makes room for an incoming entry of the given
// size. Must be called with the write lock held.
func (c *ResultCache) evictIfNeededLocked(incoming int64) {
	for len(c.entries) >= c.maxEntries {
		if !c.evictOldestLocked(false) {
			return
		}
	}
	if c.maxBytes <= 0 {
		return
	}
	for c.totalBytesLocked()+incoming > c.maxBytes {
		if !c.evictOldestLocked(true) {
			return
		}
	}
}

func (c *ResultCache) evictOldestLocked(memory bool) bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	key := back.Value.(string)
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	} else {
		c.lru.Remove(back)
	}
	atomic.AddInt64(&c.evictions, 1)
	if memory {
		atomic.AddInt64(&c.memoryEvictions, 1)
	}
	return true
}

func (c *ResultCache) totalBytesLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.bytes
	}
	return total
}

// estimateBytes approximates a result's heap footprint. Cell estimates
// are rough; the ceiling exists to bound the order of magnitude, not to
// account byte-exactly.
func estimateBytes(r *datatypes.ExecutionResult) int64 {
	var total int64 = 256
	for _, col := range r.Columns {
		total += int64(len(col.Name)+len(col.Type)) + 32
	}
	for _, row := range r.Rows {
		total += 48
		for _, v := range row {
			switch val := v.(type) {
			case string:
				total += int64(len(val)) + 16
			case []byte:
				total += int64(len(val)) + 16
			default:
				total += 16
			}
		}
	}
	return total
}
