// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// Registry holds one circuit breaker per operation class.
//
// The registry is an explicit object passed to the orchestrator at
// construction, never a package-level singleton, so tests can run isolated
// registries side by side.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	breakers   map[task.OperationClass]*CircuitBreaker
	configs    map[task.OperationClass]Config
	fallback   Config
	forcedOpen bool
}

// NewRegistry creates a registry.
//
// Inputs:
//   - logger: Logger for state-change events (nil uses slog.Default).
//   - defaults: Config applied to classes without an explicit entry.
//   - perClass: Optional per-class overrides (may be nil).
//
// Outputs:
//   - *Registry: Ready to use registry with a breaker per known class.
func NewRegistry(logger *slog.Logger, defaults Config, perClass map[task.OperationClass]Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	configs := make(map[task.OperationClass]Config, len(perClass))
	for class, cfg := range perClass {
		configs[class] = cfg
	}
	r := &Registry{
		logger:   logger,
		breakers: make(map[task.OperationClass]*CircuitBreaker, len(task.AllOperationClasses)),
		configs:  configs,
		fallback: defaults,
	}
	// Every known class gets its breaker up front. ForceOpenAll must reach
	// classes that have not seen traffic yet.
	for _, class := range task.AllOperationClasses {
		r.breakers[class] = New(class, r.configFor(class))
	}
	return r
}

// configFor returns the class override or the registry default.
func (r *Registry) configFor(class task.OperationClass) Config {
	if cfg, ok := r.configs[class]; ok {
		return cfg
	}
	return r.fallback
}

// Get returns the breaker for the class, creating it on first use for
// classes outside AllOperationClasses.
func (r *Registry) Get(class task.OperationClass) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[class]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[class]; ok {
		return cb
	}

	cfg := r.configFor(class)
	cb = New(class, cfg)
	if r.forcedOpen {
		// A registry-wide stop applies to late-created breakers too.
		cb.ForceOpen()
	}
	r.breakers[class] = cb

	r.logger.Debug("circuit breaker created",
		slog.String("operation_class", class.String()),
		slog.Int("failure_threshold", cfg.FailureThreshold),
		slog.Duration("timeout", cfg.Timeout),
	)
	return cb
}

// ForceOpenAll trips every breaker open. This is the emergency stop: it is
// deliberate, logged, and reversible via ForceCloseAll. Breakers created
// after the stop start forced open as well.
func (r *Registry) ForceOpenAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.forcedOpen = true
	for class, cb := range r.breakers {
		cb.ForceOpen()
		r.logger.Warn("circuit forced open",
			slog.String("operation_class", class.String()),
		)
	}
}

// ForceCloseAll returns every breaker to closed state.
func (r *Registry) ForceCloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.forcedOpen = false
	for class, cb := range r.breakers {
		cb.ForceClose()
		r.logger.Info("circuit forced closed",
			slog.String("operation_class", class.String()),
		)
	}
}

// Stats returns a per-class snapshot of breaker counters.
func (r *Registry) Stats() map[task.OperationClass]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[task.OperationClass]Stats, len(r.breakers))
	for class, cb := range r.breakers {
		out[class] = cb.Stats()
	}
	return out
}
