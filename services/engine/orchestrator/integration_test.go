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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/cache"
	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// TestEngine_FullLifecycle drives a mixed workload through a fully wired
// engine: healthy calls, a backend brownout that opens and then recovers
// the breaker, and cache reuse across the recovery.
func TestEngine_FullLifecycle(t *testing.T) {
	var failing atomic.Bool
	var calls atomic.Int32

	invoke := func(ctx context.Context, d *task.Descriptor) (any, int64, error) {
		calls.Add(1)
		if failing.Load() {
			return nil, 0, &fallback.BackendError{Code: "MODEL_LOAD", Message: "weights unavailable"}
		}
		return "enhanced:" + d.Fingerprint, 16, nil
	}

	bc := breaker.DefaultConfig()
	bc.FailureThreshold = 2
	bc.SuccessThreshold = 1
	bc.RecoveryTimeout = 50 * time.Millisecond

	cfg := DefaultConfig()
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.JitterFactor = 0
	cfg.CPUCapable[task.OpInterpolation] = false

	engine, err := New(cfg, Deps{
		Logger:   testLogger(),
		Invoke:   invoke,
		Cache:    cache.New(cache.WithLogger(testLogger()), cache.WithSweepInterval(0)),
		Sched:    scheduler.New(testLogger(), scheduler.DefaultConfig()),
		Breakers: breaker.NewRegistry(testLogger(), bc, nil),
	})
	require.NoError(t, err)
	ctx := context.Background()

	// Phase 1: healthy traffic populates the cache.
	for i := 0; i < 3; i++ {
		res, err := engine.Execute(ctx, testTask(t, task.OpInterpolation, fmt.Sprintf("clip-%d", i)))
		require.NoError(t, err)
		assert.False(t, res.Degraded)
	}
	require.EqualValues(t, 3, calls.Load())

	// Phase 2: brownout. Skips serve traffic while failures accumulate
	// and open the breaker.
	failing.Store(true)
	for i := 0; i < 2; i++ {
		res, err := engine.Execute(ctx, testTask(t, task.OpInterpolation, fmt.Sprintf("brown-%d", i)))
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}
	stats := engine.Stats()
	assert.Equal(t, breaker.StateOpen.String(), stats.Breakers[task.OpInterpolation].State)

	// Cached results keep serving while the circuit is open.
	res, err := engine.Execute(ctx, testTask(t, task.OpInterpolation, "clip-0"))
	require.NoError(t, err)
	assert.True(t, res.CacheHit)

	// Uncached work is rejected without touching the backend.
	before := calls.Load()
	_, err = engine.Execute(ctx, testTask(t, task.OpInterpolation, "fresh"))
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())

	// Phase 3: backend recovers; a probe closes the circuit.
	failing.Store(false)
	time.Sleep(60 * time.Millisecond)
	res, err = engine.Execute(ctx, testTask(t, task.OpInterpolation, "after-recovery"))
	require.NoError(t, err)
	assert.False(t, res.Degraded)

	stats = engine.Stats()
	assert.Equal(t, breaker.StateClosed.String(), stats.Breakers[task.OpInterpolation].State)
	assert.Zero(t, stats.InFlight)
	assert.GreaterOrEqual(t, stats.Cache.Hits, int64(1))
}
