// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask(t *testing.T, class task.OperationClass, fingerprint string) *task.Descriptor {
	t.Helper()
	d, err := task.New(class, fingerprint, task.PriorityNormal, task.ResourceProfile{
		Resource:    task.ResourceGPU,
		MemoryBytes: 64 << 20,
	})
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	return d
}

func newTestEngine(t *testing.T, invoke InvokeFunc, mutate func(*Config, *Deps)) *Engine {
	t.Helper()
	config := DefaultConfig()
	config.Retry.InitialBackoff = time.Millisecond
	config.Retry.MaxBackoff = 5 * time.Millisecond
	config.Retry.JitterFactor = 0

	deps := Deps{Logger: testLogger(), Invoke: invoke}
	if mutate != nil {
		mutate(&config, &deps)
	}
	e, err := New(config, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEngine_Success(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		return "enhanced", 8, nil
	}, nil)

	res, err := e.Execute(context.Background(), testTask(t, task.OpSuperResolution, "fp-success"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "enhanced" || res.Degraded || res.Attempts != 1 || res.CacheHit {
		t.Errorf("unexpected result: %+v", res)
	}

	stats := e.Stats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// Ten concurrent submissions of the same fingerprint must invoke the
// backend exactly once.
func TestEngine_ConcurrentDedup(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "enhanced", 8, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-shared"))
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			if res.Value != "enhanced" {
				t.Errorf("Value = %v", res.Value)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

// Each deduplicated caller gets its own result value; nothing writes
// through the shared computation. Run with -race.
func TestEngine_DedupResultsAreIndependent(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		time.Sleep(10 * time.Millisecond)
		return "enhanced", 8, nil
	}, nil)

	results := make([]*Result, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-indep"))
			if err != nil {
				t.Errorf("Execute %d: %v", i, err)
				return
			}
			if res.Duration <= 0 {
				t.Errorf("Execute %d: Duration = %v, want > 0", i, res.Duration)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := make(map[*Result]bool)
	for i, res := range results {
		if res == nil {
			continue
		}
		if seen[res] {
			t.Errorf("Execute %d: result value shared between callers", i)
		}
		seen[res] = true
	}
}

func TestEngine_SecondRequestHitsCache(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return "enhanced", 8, nil
	}, nil)

	if _, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-a")); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	res, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-a"))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !res.CacheHit {
		t.Error("second request should be a cache hit")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

// After FailureThreshold failures the circuit opens and the next request
// is rejected without reaching the backend.
func TestEngine_CircuitOpensAndRejects(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return nil, 0, &fallback.BackendError{Code: "MODEL_CORRUPT", Message: "bad weights"}
	}, func(c *Config, deps *Deps) {
		bc := breaker.DefaultConfig()
		bc.FailureThreshold = 3
		deps.Breakers = breaker.NewRegistry(testLogger(), bc, nil)
	})

	// Interpolation has no CPU path, so the non-transient backend error
	// falls through to skip. Each failed attempt still counts toward
	// opening the breaker.
	for i := 0; i < 3; i++ {
		res, err := e.Execute(context.Background(),
			testTask(t, task.OpInterpolation, fmt.Sprintf("fp-fail-%d", i)))
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if !res.Degraded {
			t.Errorf("Execute %d: expected degraded skip result", i)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("backend calls = %d, want 3", got)
	}

	_, err := e.Execute(context.Background(), testTask(t, task.OpInterpolation, "fp-fail-4"))
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Record.Category != fallback.CategoryResource {
		t.Errorf("expected resource-classified error, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend invoked while circuit open: calls = %d", got)
	}
}

// With a pool capacity of two, a third task waits until a slot frees.
func TestEngine_PoolCapacityLimitsConcurrency(t *testing.T) {
	gate := make(chan struct{})
	var running atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		running.Add(1)
		<-gate
		return "enhanced", 8, nil
	}, func(c *Config, deps *Deps) {
		sc := scheduler.DefaultConfig()
		sc.Pools[task.ResourceGPU] = scheduler.PoolConfig{
			MaxConcurrent:     2,
			MemoryBudgetBytes: 8 << 30,
		}
		deps.Sched = scheduler.New(testLogger(), sc)
	})

	futures := make([]*Future, 3)
	for i := range futures {
		f, err := e.Submit(context.Background(),
			testTask(t, task.OpSuperResolution, fmt.Sprintf("fp-cap-%d", i)))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		futures[i] = f
	}

	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Errorf("running backends = %d, want 2", got)
	}

	close(gate)
	for i, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Errorf("Wait %d: %v", i, err)
		}
	}
}

func TestEngine_TransientErrorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		if calls.Add(1) == 1 {
			return nil, 0, &fallback.BackendError{Code: "CUDA_BUSY", Message: "busy", Transient: true}
		}
		return "enhanced", 8, nil
	}, nil)

	res, err := e.Execute(context.Background(), testTask(t, task.OpQualityOptimize, "fp-retry"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Attempts != 2 || res.Degraded {
		t.Errorf("result = %+v, want 2 non-degraded attempts", res)
	}
}

func TestEngine_RetriesExhaustedSurfacesError(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return nil, 0, &fallback.BackendError{Code: "CUDA_BUSY", Message: "busy", Transient: true}
	}, func(c *Config, deps *Deps) {
		c.Retry.MaxRetries = 1
	})

	_, err := e.Execute(context.Background(), testTask(t, task.OpQualityOptimize, "fp-exhaust"))
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Record.Category != fallback.CategoryBackend {
		t.Fatalf("expected backend-classified error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want initial attempt plus one retry", got)
	}
}

// A task whose memory estimate exceeds the pool budget is re-run once with
// a degraded profile, which fits.
func TestEngine_MemoryPressureDegrades(t *testing.T) {
	var lastMemory atomic.Int64
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		lastMemory.Store(d.Profile.MemoryBytes)
		return "smaller", 8, nil
	}, func(c *Config, deps *Deps) {
		sc := scheduler.DefaultConfig()
		sc.Pools[task.ResourceGPU] = scheduler.PoolConfig{
			MaxConcurrent:     2,
			MemoryBudgetBytes: 1 << 30,
		}
		deps.Sched = scheduler.New(testLogger(), sc)
	})

	d, err := task.New(task.OpSuperResolution, "fp-degrade", task.PriorityNormal, task.ResourceProfile{
		Resource:    task.ResourceGPU,
		MemoryBytes: 1536 << 20, // over the 1 GiB budget; 60% fits
	})
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}

	res, err := e.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Degraded || res.DegradedReason != "reduced quality profile" {
		t.Errorf("result = %+v, want degraded", res)
	}
	if got := lastMemory.Load(); got >= 1536<<20 {
		t.Errorf("backend saw memory estimate %d, want reduced", got)
	}
}

// Degraded results serve the request but must not be cached.
func TestEngine_DegradedResultNotCached(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return "smaller", 8, nil
	}, func(c *Config, deps *Deps) {
		sc := scheduler.DefaultConfig()
		sc.Pools[task.ResourceGPU] = scheduler.PoolConfig{
			MaxConcurrent:     2,
			MemoryBudgetBytes: 1 << 30,
		}
		deps.Sched = scheduler.New(testLogger(), sc)
	})

	big := task.ResourceProfile{Resource: task.ResourceGPU, MemoryBytes: 1536 << 20}
	for i := 0; i < 2; i++ {
		d, err := task.New(task.OpSuperResolution, "fp-nostore", task.PriorityNormal, big)
		if err != nil {
			t.Fatalf("task.New: %v", err)
		}
		res, err := e.Execute(context.Background(), d)
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if res.CacheHit {
			t.Errorf("Execute %d: degraded result must not be served from cache", i)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

func TestEngine_CPUFallbackForIncapableClassSkips(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		return nil, 0, &fallback.BackendError{Code: "CUDA_OOM", Message: "out of memory"}
	}, nil)

	d := testTask(t, task.OpInterpolation, "fp-no-cpu").WithPayload("original frames")
	res, err := e.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Degraded || res.Value != "original frames" {
		t.Errorf("result = %+v, want skip with original payload", res)
	}
}

func TestEngine_CPUFallbackRetargetsPool(t *testing.T) {
	var sawCPU atomic.Bool
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		if d.Profile.Resource == task.ResourceCPU {
			sawCPU.Store(true)
			return "enhanced-cpu", 8, nil
		}
		return nil, 0, &fallback.BackendError{Code: "CUDA_OOM", Message: "out of memory"}
	}, nil)

	res, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-cpu"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !sawCPU.Load() {
		t.Fatal("backend never saw a CPU-pool attempt")
	}
	// CPU fallback is full fidelity, just slower.
	if res.Degraded {
		t.Errorf("CPU fallback result marked degraded: %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestEngine_ValidationRejectedSynchronously(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return "enhanced", 8, nil
	}, nil)

	d := testTask(t, task.OpStyleTransfer, "fp-valid")
	d.Profile.MemoryBytes = 0

	_, err := e.Submit(context.Background(), d)
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Record.Category != fallback.CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("backend invoked for invalid task")
	}
	if len(e.Errors(fallback.Filter{Category: fallback.CategoryValidation})) != 1 {
		t.Error("validation failure missing from error log")
	}
}

// Three consecutive unclassifiable failures escalate to fatal and engage
// the emergency stop.
func TestEngine_UnknownFailureStreakEngagesEmergencyStop(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		return nil, 0, errors.New("inexplicable")
	}, nil)

	for i := 0; i < 2; i++ {
		res, err := e.Execute(context.Background(),
			testTask(t, task.OpQualityOptimize, fmt.Sprintf("fp-unk-%d", i)))
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if !res.Degraded {
			t.Errorf("Execute %d: expected degraded skip", i)
		}
	}

	_, err := e.Execute(context.Background(), testTask(t, task.OpQualityOptimize, "fp-unk-2"))
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Record.Severity != fallback.SeverityCritical {
		t.Fatalf("expected critical escalation, got %v", err)
	}

	stats := e.Stats()
	for class, bs := range stats.Breakers {
		if bs.State != breaker.StateOpen.String() {
			t.Errorf("breaker %s = %s after emergency stop, want open", class, bs.State)
		}
	}

	e.Reset()
	res, err := e.Execute(context.Background(), testTask(t, task.OpQualityOptimize, "fp-unk-3"))
	if err != nil || !res.Degraded {
		t.Errorf("after reset: res=%+v err=%v, want degraded skip", res, err)
	}
}

// An emergency stop rejects every class, including classes that have not
// processed a single task yet.
func TestEngine_EmergencyStopCoversUnseenClass(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return "enhanced", 8, nil
	}, nil)

	if _, err := e.Execute(context.Background(), testTask(t, task.OpStyleTransfer, "fp-warm")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	warm := calls.Load()

	e.EmergencyStop()

	_, err := e.Execute(context.Background(), testTask(t, task.OpInterpolation, "fp-cold"))
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen for unseen class, got %v", err)
	}
	if got := calls.Load(); got != warm {
		t.Errorf("backend invoked after emergency stop: calls = %d, want %d", got, warm)
	}
}

func TestEngine_InvalidateCache(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		return "enhanced", 8, nil
	}, nil)

	ctx := context.Background()
	if _, err := e.Execute(ctx, testTask(t, task.OpStyleTransfer, "model-a:frame-1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := e.InvalidateCache("model-a:*"); n != 1 {
		t.Errorf("InvalidateCache = %d, want 1", n)
	}
	if _, err := e.Execute(ctx, testTask(t, task.OpStyleTransfer, "model-a:frame-1")); err != nil {
		t.Fatalf("Execute after invalidate: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want recompute after invalidation", got)
	}
}

func TestEngine_FutureWaitHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	e := newTestEngine(t, func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		<-gate
		return "enhanced", 8, nil
	}, nil)

	f, err := e.Submit(context.Background(), testTask(t, task.OpStyleTransfer, "fp-wait"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}
