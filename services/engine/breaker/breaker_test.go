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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

var errBackend = errors.New("backend exploded")

func failingFn(ctx context.Context) (any, error) {
	return nil, errBackend
}

func okFn(ctx context.Context) (any, error) {
	return "ok", nil
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_PassThroughWhenClosed(t *testing.T) {
	cb := New(task.OpStyleTransfer, DefaultConfig())

	result, err := cb.Execute(context.Background(), okFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = time.Hour
	cb := New(task.OpStyleTransfer, cfg)

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), failingFn); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after threshold", cb.State())
	}

	// The next call is rejected without invoking the backend.
	var invoked atomic.Bool
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked.Load() {
		t.Error("backend must not be invoked while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cb := New(task.OpInterpolation, cfg)

	cb.Execute(context.Background(), failingFn)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First probe succeeds; still half-open until SuccessThreshold.
	if _, err := cb.Execute(context.Background(), okFn); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after one success", cb.State())
	}

	if _, err := cb.Execute(context.Background(), okFn); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after success threshold", cb.State())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cfg.ReopenOnProbeFailure = true
	cb := New(task.OpInterpolation, cfg)

	cb.Execute(context.Background(), failingFn)
	time.Sleep(20 * time.Millisecond)

	cb.Execute(context.Background(), failingFn)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after probe failure", cb.State())
	}
}

func TestCircuitBreaker_ProbeGateLimitsConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Millisecond
	cfg.MaxConcurrentProbes = 1
	cfg.MaxConcurrent = 4
	cb := New(task.OpQualityOptimize, cfg)

	cb.Execute(context.Background(), failingFn)
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})
	<-started

	// Second probe exceeds the gate and is rejected.
	_, err := cb.Execute(context.Background(), okFn)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen while probe in flight", err)
	}
	close(release)
}

func TestCircuitBreaker_HardTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cb := New(task.OpSuperResolution, cfg)

	start := time.Now()
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		// Never returns on its own.
		select {}
	})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Class != task.OpSuperResolution {
		t.Errorf("TimeoutError.Class = %v, want super_resolution", te.Class)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Execute took %v, want ~50ms", elapsed)
	}

	stats := cb.Stats()
	if stats.TotalTimeouts != 1 {
		t.Errorf("TotalTimeouts = %d, want 1", stats.TotalTimeouts)
	}
	if stats.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", stats.ConsecutiveFailures)
	}
}

func TestCircuitBreaker_TimeoutsCountTowardOpening(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = 10 * time.Millisecond
	cfg.RecoveryTimeout = time.Hour
	cb := New(task.OpSuperResolution, cfg)

	hang := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		// Keep hanging past cancellation to exercise abandonment.
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	}

	cb.Execute(context.Background(), hang)
	cb.Execute(context.Background(), hang)

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after 2 timeouts", cb.State())
	}
}

func TestCircuitBreaker_CallerCancelIsNotAFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Hour
	cb := New(task.OpStyleTransfer, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if got := cb.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after caller cancel", got)
	}
}

func TestCircuitBreaker_MaxConcurrentBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.Timeout = time.Hour
	cb := New(task.OpStyleTransfer, cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	go cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "first", nil
	})
	<-started

	// Second call cannot get a slot; its own deadline bounds the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cb.Execute(ctx, okFn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded while slot held", err)
	}
	close(release)
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cb := New(task.OpStyleTransfer, cfg)

	cb.Execute(context.Background(), failingFn)
	cb.Execute(context.Background(), failingFn)
	cb.Execute(context.Background(), okFn)
	cb.Execute(context.Background(), failingFn)
	cb.Execute(context.Background(), failingFn)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed (success reset the streak)", cb.State())
	}
}

func TestCircuitBreaker_ForceOpenPinsOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryTimeout = time.Millisecond
	cb := New(task.OpStyleTransfer, cfg)

	cb.ForceOpen()
	time.Sleep(10 * time.Millisecond)

	// Recovery timeout elapsed but a forced-open circuit must not probe.
	_, err := cb.Execute(context.Background(), okFn)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while forced open", err)
	}

	cb.ForceClose()
	if _, err := cb.Execute(context.Background(), okFn); err != nil {
		t.Errorf("after ForceClose: %v", err)
	}
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 8
	cb := New(task.OpStyleTransfer, cfg)

	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cb.Execute(context.Background(), okFn); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 64 {
		t.Errorf("successes = %d, want 64", successes.Load())
	}
	if got := cb.Stats().TotalCalls; got != 64 {
		t.Errorf("TotalCalls = %d, want 64", got)
	}
}

func TestRegistry_PerClassIsolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Hour
	reg := NewRegistry(nil, cfg, nil)

	reg.Get(task.OpStyleTransfer).Execute(context.Background(), failingFn)

	if reg.Get(task.OpStyleTransfer).State() != StateOpen {
		t.Error("style_transfer breaker should be open")
	}
	if reg.Get(task.OpSuperResolution).State() != StateClosed {
		t.Error("super_resolution breaker must be unaffected")
	}
}

func TestRegistry_PerClassConfigOverride(t *testing.T) {
	defaults := DefaultConfig()
	override := DefaultConfig()
	override.FailureThreshold = 9

	reg := NewRegistry(nil, defaults, map[task.OperationClass]Config{
		task.OpInterpolation: override,
	})

	if got := reg.Get(task.OpInterpolation).config.FailureThreshold; got != 9 {
		t.Errorf("FailureThreshold = %d, want 9", got)
	}
	if got := reg.Get(task.OpStyleTransfer).config.FailureThreshold; got != defaults.FailureThreshold {
		t.Errorf("FailureThreshold = %d, want default", got)
	}
}

func TestRegistry_ForceOpenAllAndCloseAll(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig(), nil)

	reg.ForceOpenAll()
	for class, stats := range reg.Stats() {
		if stats.State != "open" {
			t.Errorf("%s: state = %s, want open", class, stats.State)
		}
	}

	reg.ForceCloseAll()
	for class, stats := range reg.Stats() {
		if stats.State != "closed" {
			t.Errorf("%s: state = %s, want closed", class, stats.State)
		}
	}
}

func TestRegistry_ForceOpenAllCoversUntouchedClasses(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig(), nil)

	// No Get before the stop. A class that has never seen traffic must
	// still reject afterward.
	reg.ForceOpenAll()

	_, err := reg.Get(task.OpInterpolation).Execute(context.Background(), okFn)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestRegistry_ForcedOpenAppliesToLateBreakers(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig(), nil)
	reg.ForceOpenAll()

	// An out-of-catalog class created after the stop starts open.
	cb := reg.Get(task.OperationClass("experimental"))
	if cb.State() != StateOpen {
		t.Errorf("state = %s, want open", cb.State())
	}

	reg.ForceCloseAll()
	if cb.State() != StateClosed {
		t.Errorf("state after close-all = %s, want closed", cb.State())
	}
}
