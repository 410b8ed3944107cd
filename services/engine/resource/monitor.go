// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource samples host memory and shrinks the CPU pool's
// admission budget when the host runs low.
package resource

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// minBudgetBytes is the floor the monitor never shrinks a pool below.
// Starving the pool entirely would deadlock queued work.
const minBudgetBytes = 256 << 20

// MemorySample is one observation of host memory.
type MemorySample struct {
	TotalBytes     int64
	AvailableBytes int64
}

// Sampler reads host memory state. The production implementation uses
// sysinfo(2); tests inject fakes.
type Sampler interface {
	Sample() (MemorySample, error)
}

// Monitor periodically resizes the CPU pool's memory budget to track host
// headroom. GPU budgets are left alone; VRAM is not visible through host
// memory accounting.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	sampler       Sampler
	sched         *scheduler.Scheduler
	interval      time.Duration
	reservedBytes int64
	baseBudget    int64
	logger        *slog.Logger

	mu         sync.Mutex
	lastBudget int64
	stopCh     chan struct{}
	stopOnce   sync.Once
	doneCh     chan struct{}
}

// NewMonitor creates a memory monitor.
//
// Inputs:
//   - logger: Structured logger. Must be non-nil.
//   - sampler: Memory source. Nil selects the platform sampler.
//   - sched: Scheduler whose CPU pool budget is adjusted.
//   - interval: Sampling period.
//   - reservedBytes: Memory kept free for the rest of the host.
//   - baseBudget: The configured CPU pool budget; the ceiling.
//
// Outputs:
//   - *Monitor: The created monitor. Call Start to begin sampling.
func NewMonitor(logger *slog.Logger, sampler Sampler, sched *scheduler.Scheduler,
	interval time.Duration, reservedBytes, baseBudget int64) *Monitor {
	if sampler == nil {
		sampler = platformSampler()
	}
	return &Monitor{
		sampler:       sampler,
		sched:         sched,
		interval:      interval,
		reservedBytes: reservedBytes,
		baseBudget:    baseBudget,
		logger:        logger.With(slog.String("subsystem", "memory_monitor")),
		lastBudget:    baseBudget,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the sampling loop in a goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("Memory monitor started",
		slog.Duration("interval", m.interval),
		slog.Int64("reserved_bytes", m.reservedBytes))

	for {
		select {
		case <-m.stopCh:
			m.logger.Debug("Memory monitor stopped")
			return
		case <-ticker.C:
			m.adjust()
		}
	}
}

// adjust runs one sample-and-resize pass.
func (m *Monitor) adjust() {
	sample, err := m.sampler.Sample()
	if err != nil {
		m.logger.Warn("Memory sample failed", slog.String("error", err.Error()))
		return
	}

	budget := m.budgetFor(sample)

	m.mu.Lock()
	changed := budget != m.lastBudget
	m.lastBudget = budget
	m.mu.Unlock()
	if !changed {
		return
	}

	if err := m.sched.SetMemoryBudget(task.ResourceCPU, budget); err != nil {
		m.logger.Warn("Budget adjustment failed", slog.String("error", err.Error()))
		return
	}
	m.logger.Info("CPU pool budget adjusted",
		slog.Int64("budget_bytes", budget),
		slog.Int64("available_bytes", sample.AvailableBytes))
}

// budgetFor maps a memory sample to a pool budget: available memory minus
// the reservation, capped at the configured budget, floored at
// minBudgetBytes.
func (m *Monitor) budgetFor(sample MemorySample) int64 {
	headroom := sample.AvailableBytes - m.reservedBytes
	if headroom > m.baseBudget {
		headroom = m.baseBudget
	}
	if headroom < minBudgetBytes {
		headroom = minBudgetBytes
	}
	return headroom
}
