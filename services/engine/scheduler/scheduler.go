// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler implements the admission controller: a priority-aware
// gate that bounds concurrent operations and memory reservations per
// resource pool.
//
// Admission order within a pool is priority-then-FIFO. Tasks whose deadline
// cannot be met given the current queue are rejected immediately rather
// than queued unboundedly; this is the engine's backpressure mechanism.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

var (
	// ErrDeadlineUnreachable is returned when the estimated queue wait
	// already exceeds the task's deadline at admission time.
	ErrDeadlineUnreachable = errors.New("task deadline unreachable given current queue depth")

	// ErrMemoryBudgetExceeded is returned when a task's memory estimate
	// exceeds the pool's entire budget and could therefore never be
	// admitted.
	ErrMemoryBudgetExceeded = errors.New("task memory estimate exceeds pool budget")

	// ErrUnknownResourceClass is returned for a task whose resource class
	// has no configured pool.
	ErrUnknownResourceClass = errors.New("no pool configured for resource class")
)

// PoolConfig configures one resource pool.
type PoolConfig struct {
	// MaxConcurrent is the number of simultaneous slots (default: gpu 2, cpu 4).
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1"`

	// MemoryBudgetBytes is the total memory that may be reserved at once.
	MemoryBudgetBytes int64 `json:"memory_budget_bytes" yaml:"memory_budget_bytes" validate:"gt=0"`
}

// Config configures the scheduler.
type Config struct {
	// Pools maps each resource class to its pool configuration.
	Pools map[task.ResourceClass]PoolConfig `json:"pools" yaml:"pools"`

	// MaxWaitTime is how long a waiter sits at one priority before being
	// promoted a level (default: 30s).
	MaxWaitTime time.Duration `json:"max_wait_time" yaml:"max_wait_time" validate:"gt=0"`

	// MaxPromotions bounds how many levels a waiter can climb (default: 2).
	MaxPromotions int `json:"max_promotions" yaml:"max_promotions" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults: two GPU slots with an 8 GiB
// budget, four CPU slots with a 16 GiB budget.
func DefaultConfig() Config {
	return Config{
		Pools: map[task.ResourceClass]PoolConfig{
			task.ResourceGPU: {MaxConcurrent: 2, MemoryBudgetBytes: 8 << 30},
			task.ResourceCPU: {MaxConcurrent: 4, MemoryBudgetBytes: 16 << 30},
		},
		MaxWaitTime:   30 * time.Second,
		MaxPromotions: 2,
	}
}

// PoolStats is a read-only snapshot of one pool's ledger.
type PoolStats struct {
	MaxConcurrent     int           `json:"max_concurrent"`
	CurrentInFlight   int           `json:"current_in_flight"`
	MemoryBudgetBytes int64         `json:"memory_budget_bytes"`
	MemoryReserved    int64         `json:"memory_reserved"`
	QueueDepth        int           `json:"queue_depth"`
	TotalAdmitted     int64         `json:"total_admitted"`
	TotalRejected     int64         `json:"total_rejected"`
	TotalPromoted     int64         `json:"total_promoted"`
	AvgServiceTime    time.Duration `json:"avg_service_time"`
}

// Ticket is proof of admission. Release must be called on every exit path;
// it is idempotent, so deferring it is always safe.
type Ticket struct {
	// ID identifies the admission for logging.
	ID string

	pool        *pool
	memoryBytes int64
	admittedAt  time.Time
	releaseOnce sync.Once
}

// Release returns the slot and memory reservation to the pool. Guaranteed
// to run the accounting exactly once no matter how many times it is called.
func (t *Ticket) Release() {
	t.releaseOnce.Do(func() {
		t.pool.release(t)
	})
}

// Scheduler admits tasks into bounded resource pools.
//
// Thread Safety: Safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger
	config Config

	mu    sync.RWMutex
	pools map[task.ResourceClass]*pool
}

// New creates a scheduler with the given configuration.
//
// Inputs:
//   - logger: Logger for admission events (nil uses slog.Default).
//   - config: Pool sizes and starvation settings.
//
// Outputs:
//   - *Scheduler: Ready to use scheduler.
func New(logger *slog.Logger, config Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		config: config,
		pools:  make(map[task.ResourceClass]*pool, len(config.Pools)),
	}
	for class, pc := range config.Pools {
		s.pools[class] = newPool(class, pc, config.MaxWaitTime, config.MaxPromotions, logger)
	}
	return s
}

// Admit blocks until the task is granted a slot, its deadline is judged
// unreachable, or ctx is cancelled.
//
// Inputs:
//   - ctx: Bounds the wait; cancellation removes the task from the queue.
//   - t: The task to admit. Its Profile selects the pool.
//
// Outputs:
//   - *Ticket: Admission proof on success. Caller must Release it.
//   - error: ErrUnknownResourceClass, ErrMemoryBudgetExceeded,
//     ErrDeadlineUnreachable, or ctx.Err().
func (s *Scheduler) Admit(ctx context.Context, t *task.Descriptor) (*Ticket, error) {
	s.mu.RLock()
	p, ok := s.pools[t.Profile.Resource]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResourceClass, t.Profile.Resource)
	}
	return p.admit(ctx, t)
}

// SetMemoryBudget adjusts a pool's memory budget at runtime. Used by the
// resource monitor to track actual headroom. Existing reservations are
// never revoked; a lowered budget only gates new admissions.
func (s *Scheduler) SetMemoryBudget(class task.ResourceClass, budgetBytes int64) error {
	s.mu.RLock()
	p, ok := s.pools[class]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownResourceClass, class)
	}
	p.setBudget(budgetBytes)
	return nil
}

// Stats returns a per-pool ledger snapshot.
func (s *Scheduler) Stats() map[task.ResourceClass]PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[task.ResourceClass]PoolStats, len(s.pools))
	for class, p := range s.pools {
		out[class] = p.stats()
	}
	return out
}

// newTicket builds the admission proof for a granted slot.
func newTicket(p *pool, memoryBytes int64) *Ticket {
	return &Ticket{
		ID:          uuid.NewString(),
		pool:        p,
		memoryBytes: memoryBytes,
		admittedAt:  time.Now(),
	}
}
