// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch invalidates cached results when model weight files change
// on disk. A stale model produces stale enhancements; the cache must not
// serve them.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Invalidator removes cached entries matching a pattern. Satisfied by the
// result cache.
type Invalidator interface {
	Invalidate(pattern string) int
}

// Options configures the ModelWatcher.
type Options struct {
	// DebounceWindow batches rapid change bursts, e.g. a multi-file
	// model download (default: 2s).
	DebounceWindow time.Duration

	// InvalidationsPerMinute caps how often a watched directory may
	// trigger invalidation (default: 6).
	InvalidationsPerMinute int

	// BufferSize is the change channel capacity (default: 256).
	BufferSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:         2 * time.Second,
		InvalidationsPerMinute: 6,
		BufferSize:             256,
	}
}

// ModelWatcher watches model weight directories and invalidates the cache
// prefix registered for a directory when files inside it change.
//
// Thread Safety: Safe for concurrent use. Invalidations run on a single
// goroutine.
type ModelWatcher struct {
	watcher     *fsnotify.Watcher
	invalidator Invalidator
	logger      *slog.Logger
	debounce    time.Duration
	limiter     *rate.Limiter

	// dirs maps an absolute watched directory to the fingerprint prefix
	// invalidated when it changes.
	dirs map[string]string

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// NewModelWatcher creates a watcher over the given directories.
//
// Inputs:
//   - logger: Structured logger. Must be non-nil.
//   - invalidator: Cache to invalidate. Must be non-nil.
//   - dirs: Fingerprint prefix -> directory to watch.
//   - opts: Optional configuration (nil uses defaults).
//
// Outputs:
//   - *ModelWatcher: Ready watcher. Call Start to begin.
//   - error: Non-nil if the underlying watcher could not be created.
func NewModelWatcher(logger *slog.Logger, invalidator Invalidator, dirs map[string]string, opts *Options) (*ModelWatcher, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	byDir := make(map[string]string, len(dirs))
	for prefix, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		byDir[abs] = prefix
	}

	perMinute := opts.InvalidationsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultOptions().InvalidationsPerMinute
	}

	return &ModelWatcher{
		watcher:     fsw,
		invalidator: invalidator,
		logger:      logger.With(slog.String("subsystem", "model_watcher")),
		debounce:    opts.DebounceWindow,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		dirs:        byDir,
		changes:     make(chan string, opts.BufferSize),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching. Changes are debounced, rate limited, and turned
// into prefix invalidations.
func (w *ModelWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	for dir, prefix := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.logger.Info("Watching model directory",
			slog.String("dir", dir),
			slog.String("prefix", prefix))
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *ModelWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *ModelWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// processEvents maps fsnotify events to the owning directory's prefix.
func (w *ModelWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			prefix, ok := w.prefixFor(event.Name)
			if !ok {
				continue
			}
			select {
			case w.changes <- prefix:
			default:
				// Buffer full; the pending debounce flush already
				// covers this prefix or will shortly.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", slog.String("error", err.Error()))
		}
	}
}

// prefixFor resolves an event path to the registered prefix of the
// directory containing it.
func (w *ModelWatcher) prefixFor(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for dir, prefix := range w.dirs {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return prefix, true
		}
	}
	return "", false
}

// debounceLoop collects changed prefixes and flushes them once the burst
// quiets down.
func (w *ModelWatcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case prefix := <-w.changes:
			pending[prefix] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.flush(pending)
			pending = make(map[string]struct{})
		}
	}
}

// flush invalidates every pending prefix, subject to the rate limit.
func (w *ModelWatcher) flush(pending map[string]struct{}) {
	for prefix := range pending {
		if !w.limiter.Allow() {
			w.logger.Warn("Invalidation rate limit hit, deferring",
				slog.String("prefix", prefix))
			// Re-queue so the next flush retries.
			select {
			case w.changes <- prefix:
			default:
			}
			continue
		}
		n := w.invalidator.Invalidate(prefix)
		w.logger.Info("Model changed, cache invalidated",
			slog.String("prefix", prefix),
			slog.Int("entries_removed", n))
	}
}
