// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the content-addressed result cache with LRU and
// TTL eviction, pattern invalidation, and at-most-one in-flight computation
// per fingerprint.
//
// The cache is process-lifetime only; nothing is persisted across restarts.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// NoStore, returned as the size from a ComputeFunc, delivers the value to
// every waiter of the flight without storing it. Used for degraded results
// that must not shadow a future full-fidelity computation.
const NoStore int64 = -1

// ComputeFunc produces the value for a fingerprint on a cache miss.
// It returns the value, its size in bytes for capacity accounting, and an
// error. Errors are never cached; the next request recomputes. A size of
// NoStore delivers without caching.
type ComputeFunc func(ctx context.Context) (any, int64, error)

// entry is one cached result.
type entry struct {
	fingerprint string
	value       any
	sizeBytes   int64
	createdAt   time.Time
	lastAccess  time.Time
	expiresAt   time.Time // zero means no TTL
	element     *list.Element
}

// expired reports whether the entry's TTL has elapsed at now.
func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Options configures the cache.
type Options struct {
	// CapacityBytes is the total byte budget. LRU eviction keeps the cache
	// under this. Default: 512 MiB.
	CapacityBytes int64

	// SweepInterval is how often the background sweep removes expired
	// entries. Zero disables the sweep; expiry is then lazy only.
	// Default: 1m.
	SweepInterval time.Duration

	// Logger receives eviction and invalidation events.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CapacityBytes: 512 << 20,
		SweepInterval: time.Minute,
		Logger:        slog.Default(),
	}
}

// Option mutates Options.
type Option func(*Options)

// WithCapacityBytes sets the byte budget.
func WithCapacityBytes(n int64) Option {
	return func(o *Options) { o.CapacityBytes = n }
}

// WithSweepInterval sets the expiry sweep cadence. Zero disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expired      int64   `json:"expired"`
	Invalidated  int64   `json:"invalidated"`
	EntryCount   int     `json:"entry_count"`
	CurrentBytes int64   `json:"current_bytes"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache is the deduplicating result store.
//
// Thread Safety: Safe for concurrent use. The flight group serializes
// callers per fingerprint; the mutex only guards map and list bookkeeping.
type Cache struct {
	options Options

	flight singleflight.Group

	mu           sync.Mutex
	entries      map[string]*entry
	lru          *list.List // front = most recently used
	currentBytes int64

	hits        int64
	misses      int64
	evictions   int64
	expired     int64
	invalidated int64

	sweepStop chan struct{}
	stopOnce  sync.Once
}

// New creates a cache and starts its expiry sweep (if enabled).
//
// Inputs:
//   - opts: Functional options; omitted fields use DefaultOptions.
//
// Outputs:
//   - *Cache: Ready to use. Call Close to stop the sweep goroutine.
func New(opts ...Option) *Cache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	c := &Cache{
		options:   options,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		sweepStop: make(chan struct{}),
	}

	if options.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Close stops the background sweep. The cache remains usable afterward;
// expiry falls back to lazy checks on access.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.sweepStop) })
}

// GetOrCompute returns the cached value for fingerprint, or runs compute to
// produce it.
//
// Deduplication guarantee: while a computation for a fingerprint is in
// flight, every concurrent caller for that fingerprint waits on it and
// receives the identical result or error; compute runs at most once.
//
// Inputs:
//   - ctx: Passed through to compute.
//   - fingerprint: Content-addressed key.
//   - ttl: Entry lifetime; zero means no expiry.
//   - compute: Invoked only on a miss.
//
// Outputs:
//   - any: The cached or freshly computed value.
//   - bool: True on a cache hit (compute not invoked by this call chain).
//   - error: compute's error, never cached.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc) (any, bool, error) {
	if value, ok := c.lookup(fingerprint, true); ok {
		return value, true, nil
	}

	var computed bool
	value, err, _ := c.flight.Do(fingerprint, func() (any, error) {
		// Double-check: an earlier flight may have stored the entry
		// between our lookup and joining this flight. Not counted in the
		// hit/miss stats; the outer lookup already recorded this access.
		if value, ok := c.lookup(fingerprint, false); ok {
			return value, nil
		}

		computed = true
		value, sizeBytes, err := compute(ctx)
		if err != nil {
			// Failures are not cached as negative results.
			return nil, err
		}

		c.store(fingerprint, value, sizeBytes, ttl)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, !computed, nil
}

// lookup returns a live entry's value and bumps its recency. When record is
// true the access counts toward hit/miss stats.
func (c *Cache) lookup(fingerprint string, record bool) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if ok && e.expired(time.Now()) {
		c.removeLocked(e)
		c.expired++
		ok = false
	}
	if !ok {
		if record {
			c.misses++
		}
		return nil, false
	}

	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.element)
	if record {
		c.hits++
	}
	return e.value, true
}

// store inserts a computed result and evicts LRU entries over capacity.
func (c *Cache) store(fingerprint string, value any, sizeBytes int64, ttl time.Duration) {
	if sizeBytes < 0 {
		return
	}
	if sizeBytes > c.options.CapacityBytes {
		c.options.Logger.Debug("result larger than cache capacity, not cached",
			slog.String("fingerprint", fingerprint),
			slog.Int64("size_bytes", sizeBytes),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// At most one non-evicted entry per fingerprint.
	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(old)
	}

	now := time.Now()
	e := &entry{
		fingerprint: fingerprint,
		value:       value,
		sizeBytes:   sizeBytes,
		createdAt:   now,
		lastAccess:  now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.element = c.lru.PushFront(e)
	c.entries[fingerprint] = e
	c.currentBytes += sizeBytes

	c.evictOverCapacityLocked()
}

// evictOverCapacityLocked drops least-recently-used entries until the cache
// fits its byte budget. Must be called with mu held.
func (c *Cache) evictOverCapacityLocked() {
	for c.currentBytes > c.options.CapacityBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e)
		c.evictions++

		c.options.Logger.Debug("cache entry evicted",
			slog.String("fingerprint", e.fingerprint),
			slog.Int64("size_bytes", e.sizeBytes),
		)
	}
}

// removeLocked unlinks an entry. Must be called with mu held.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	c.lru.Remove(e.element)
	c.currentBytes -= e.sizeBytes
}

// Invalidate evicts every entry whose fingerprint matches pattern and
// returns how many were removed.
//
// Pattern semantics: if pattern contains glob metacharacters it is matched
// with path.Match; otherwise it is treated as a key prefix. Used when
// upstream model weights change and cached results become stale.
func (c *Cache) Invalidate(pattern string) int {
	isGlob := strings.ContainsAny(pattern, "*?[")

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for fp, e := range c.entries {
		var matched bool
		if isGlob {
			matched, _ = path.Match(pattern, fp)
		} else {
			matched = strings.HasPrefix(fp, pattern)
		}
		if matched {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
	}
	c.invalidated += int64(len(victims))

	if len(victims) > 0 {
		c.options.Logger.Info("cache invalidated",
			slog.String("pattern", pattern),
			slog.Int("evicted", len(victims)),
		)
	}
	return len(victims)
}

// sweepLoop proactively removes expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.sweepStop:
			return
		}
	}
}

// sweep removes all currently expired entries.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for _, e := range c.entries {
		if e.expired(now) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
		c.expired++
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expired:      c.expired,
		Invalidated:  c.invalidated,
		EntryCount:   len(c.entries),
		CurrentBytes: c.currentBytes,
		HitRate:      rate,
	}
}
