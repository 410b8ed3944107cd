// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// serviceTimeAlpha is the EWMA weight for observed service times.
const serviceTimeAlpha = 0.2

// waiter is one queued admission request.
type waiter struct {
	task      *task.Descriptor
	priority  task.Priority
	promoted  int
	enqueued  time.Time
	seq       uint64
	index     int
	cancelled bool

	// ready receives the ticket when the waiter reaches the head of the
	// queue and the ledger has room. Buffered so the dispatcher never
	// blocks on a racing cancellation.
	ready chan *Ticket
}

// waitQueue is a priority-then-FIFO heap of waiters.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// pool owns the ledger for one resource class. All counter mutation happens
// under mu inside admit/release; those are the only write paths.
type pool struct {
	class         task.ResourceClass
	logger        *slog.Logger
	maxWait       time.Duration
	maxPromotions int

	mu                sync.Mutex
	maxConcurrent     int
	currentInFlight   int
	memoryBudgetBytes int64
	memoryReserved    int64
	queue             waitQueue
	nextSeq           uint64
	avgServiceTime    time.Duration

	totalAdmitted int64
	totalRejected int64
	totalPromoted int64
}

func newPool(class task.ResourceClass, cfg PoolConfig, maxWait time.Duration, maxPromotions int, logger *slog.Logger) *pool {
	return &pool{
		class:             class,
		logger:            logger,
		maxWait:           maxWait,
		maxPromotions:     maxPromotions,
		maxConcurrent:     cfg.MaxConcurrent,
		memoryBudgetBytes: cfg.MemoryBudgetBytes,
	}
}

// admit queues the task and blocks until granted, rejected, or cancelled.
func (p *pool) admit(ctx context.Context, t *task.Descriptor) (*Ticket, error) {
	p.mu.Lock()

	if t.Profile.MemoryBytes > p.memoryBudgetBytes {
		p.totalRejected++
		p.mu.Unlock()
		return nil, ErrMemoryBudgetExceeded
	}

	// Backpressure: estimated wait is queue depth times the EWMA service
	// time, spread over the available slots.
	if !t.Deadline.IsZero() {
		estWait := p.estimatedWaitLocked()
		if time.Now().Add(estWait).After(t.Deadline) {
			p.totalRejected++
			p.mu.Unlock()
			return nil, ErrDeadlineUnreachable
		}
	}

	w := &waiter{
		task:     t,
		priority: t.Priority,
		enqueued: time.Now(),
		seq:      p.nextSeq,
		ready:    make(chan *Ticket, 1),
	}
	p.nextSeq++
	heap.Push(&p.queue, w)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case ticket := <-w.ready:
		return ticket, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.index >= 0 {
			w.cancelled = true
			heap.Remove(&p.queue, w.index)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// Lost the race: a ticket was already issued. Hand it back.
		select {
		case ticket := <-w.ready:
			ticket.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

// release returns a ticket's slot and memory to the ledger and feeds the
// observed service time into the EWMA.
func (p *pool) release(t *Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentInFlight--
	p.memoryReserved -= t.memoryBytes

	observed := time.Since(t.admittedAt)
	if p.avgServiceTime == 0 {
		p.avgServiceTime = observed
	} else {
		p.avgServiceTime = time.Duration(
			(1-serviceTimeAlpha)*float64(p.avgServiceTime) + serviceTimeAlpha*float64(observed),
		)
	}

	p.dispatchLocked()
}

// dispatchLocked admits waiters from the head of the queue while the ledger
// has room, promoting starved waiters first. Must be called with mu held.
func (p *pool) dispatchLocked() {
	p.promoteStarvedLocked()

	for p.queue.Len() > 0 {
		head := p.queue[0]
		if p.currentInFlight >= p.maxConcurrent {
			return
		}
		if p.memoryReserved+head.task.Profile.MemoryBytes > p.memoryBudgetBytes {
			// Head-of-line blocking preserves priority-then-FIFO order.
			return
		}

		heap.Pop(&p.queue)
		p.currentInFlight++
		p.memoryReserved += head.task.Profile.MemoryBytes
		p.totalAdmitted++
		head.ready <- newTicket(p, head.task.Profile.MemoryBytes)
	}
}

// promoteStarvedLocked lifts waiters that have exceeded maxWait at their
// current level by one priority, bounded by maxPromotions per waiter.
// Must be called with mu held.
func (p *pool) promoteStarvedLocked() {
	if p.maxWait <= 0 {
		return
	}

	now := time.Now()
	changed := false
	for _, w := range p.queue {
		if w.promoted >= p.maxPromotions || w.priority == task.PriorityCritical {
			continue
		}
		// Each promotion restarts the clock at the new level.
		if now.Sub(w.enqueued) >= p.maxWait*time.Duration(w.promoted+1) {
			w.priority = w.priority.Promote()
			w.promoted++
			p.totalPromoted++
			changed = true

			p.logger.Debug("waiter promoted",
				slog.String("resource_class", p.class.String()),
				slog.String("task_id", w.task.ID),
				slog.String("priority", w.priority.String()),
				slog.Int("promotions", w.promoted),
			)
		}
	}
	if changed {
		heap.Init(&p.queue)
	}
}

// estimatedWaitLocked is the backpressure estimate for a newly arriving
// task. Must be called with mu held.
func (p *pool) estimatedWaitLocked() time.Duration {
	if p.avgServiceTime == 0 {
		return 0
	}
	depth := p.queue.Len()
	if p.currentInFlight >= p.maxConcurrent {
		depth++ // at least one full service ahead of us
	}
	slots := p.maxConcurrent
	if slots < 1 {
		slots = 1
	}
	return p.avgServiceTime * time.Duration(depth) / time.Duration(slots)
}

// setBudget replaces the pool's memory budget.
func (p *pool) setBudget(budgetBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memoryBudgetBytes = budgetBytes
	p.dispatchLocked()
}

// stats snapshots the ledger.
func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		MaxConcurrent:     p.maxConcurrent,
		CurrentInFlight:   p.currentInFlight,
		MemoryBudgetBytes: p.memoryBudgetBytes,
		MemoryReserved:    p.memoryReserved,
		QueueDepth:        p.queue.Len(),
		TotalAdmitted:     p.totalAdmitted,
		TotalRejected:     p.totalRejected,
		TotalPromoted:     p.totalPromoted,
		AvgServiceTime:    p.avgServiceTime,
	}
}
