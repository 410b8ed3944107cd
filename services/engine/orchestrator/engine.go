// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator coordinates the full lifecycle of an enhancement
// task: dedup through the result cache, admission through the scheduler,
// execution behind the per-class circuit breaker, and classification plus
// recovery through the fallback chain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/cache"
	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
	"github.com/AleutianAI/AleutianEnhance/services/engine/telemetry"
)

// InvokeFunc runs one backend inference call. It returns the produced
// value, its size in bytes for cache accounting, and an error.
//
// The descriptor handed in carries the profile for THIS attempt, which may
// be a degraded or CPU-retargeted copy of the original.
type InvokeFunc func(ctx context.Context, t *task.Descriptor) (any, int64, error)

// Result is the terminal outcome of a successful (possibly degraded) task.
type Result struct {
	// Value is the enhanced output, or the original payload when the
	// fallback chain skipped the operation.
	Value any `json:"-"`

	// SizeBytes is the declared size of Value for cache accounting.
	SizeBytes int64 `json:"size_bytes"`

	// Degraded is true when the result is not full fidelity: a reduced
	// profile re-run or a skip.
	Degraded bool `json:"degraded"`

	// DegradedReason explains a degraded result. Empty otherwise.
	DegradedReason string `json:"degraded_reason,omitempty"`

	// Attempts is the number of backend invocations made.
	Attempts int `json:"attempts"`

	// Duration is the end-to-end time from execution start to delivery.
	Duration time.Duration `json:"duration"`

	// CacheHit is true when the result was served without computing.
	CacheHit bool `json:"cache_hit"`
}

// ClassifiedError wraps a failure that exhausted the fallback chain,
// carrying the classification record alongside the underlying error.
type ClassifiedError struct {
	Record fallback.Record
	Err    error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Record.Category, e.Record.Severity, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Future is a handle to an in-flight task.
type Future struct {
	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the task completes or ctx is done.
//
// Outputs:
//   - *Result: The outcome. Nil when err is non-nil.
//   - error: ctx.Err() on cancellation, otherwise the task's error.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Config holds orchestrator-level settings. The breaker, scheduler, and
// cache carry their own configs.
type Config struct {
	// CacheTTL is how long full-fidelity results stay cached
	// (default: 15m).
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" validate:"gt=0"`

	// Retry configures the backoff used by the retry strategy.
	Retry fallback.RetryConfig `json:"retry" yaml:"retry"`

	// CPUCapable marks the operation classes that have a CPU execution
	// path. CPU fallback for other classes downgrades to skip.
	CPUCapable map[task.OperationClass]bool `json:"cpu_capable" yaml:"cpu_capable"`
}

// DefaultConfig returns sensible defaults. Frame interpolation has no CPU
// path; everything else does.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 15 * time.Minute,
		Retry:    fallback.DefaultRetryConfig(),
		CPUCapable: map[task.OperationClass]bool{
			task.OpStyleTransfer:   true,
			task.OpSuperResolution: true,
			task.OpInterpolation:   false,
			task.OpQualityOptimize: true,
		},
	}
}

// Stats is a point-in-time aggregate across all engine components.
type Stats struct {
	Submitted     int64                                      `json:"submitted"`
	Completed     int64                                      `json:"completed"`
	Failed        int64                                      `json:"failed"`
	DegradedCount int64                                      `json:"degraded"`
	InFlight      int64                                      `json:"in_flight"`
	Breakers      map[task.OperationClass]breaker.Stats      `json:"breakers"`
	Pools         map[task.ResourceClass]scheduler.PoolStats `json:"pools"`
	Cache         cache.Stats                                `json:"cache"`
	ErrorsLogged  int                                        `json:"errors_logged"`
	ErrorsDropped int64                                      `json:"errors_dropped"`
}

// Engine is the task orchestrator.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	config     Config
	logger     *slog.Logger
	invoke     InvokeFunc
	cache      *cache.Cache
	sched      *scheduler.Scheduler
	breakers   *breaker.Registry
	classifier *fallback.Classifier
	selector   *fallback.Selector
	errorLog   *fallback.ErrorLog
	metrics    *telemetry.Metrics
	tracer     trace.Tracer

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	degraded  atomic.Int64
	inFlight  atomic.Int64
}

// Deps bundles the engine's collaborators. All fields except Invoke may be
// nil; nil components fall back to defaults (metrics and tracer to no-op).
type Deps struct {
	Logger   *slog.Logger
	Invoke   InvokeFunc
	Cache    *cache.Cache
	Sched    *scheduler.Scheduler
	Breakers *breaker.Registry
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
}

// New creates an engine.
//
// Inputs:
//   - config: Orchestrator settings, typically DefaultConfig().
//   - deps: Collaborators. Invoke must be non-nil.
//
// Outputs:
//   - *Engine: The ready engine.
//   - error: Non-nil if Invoke is missing.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Invoke == nil {
		return nil, fmt.Errorf("orchestrator: invoke function is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Cache
	if c == nil {
		c = cache.New(cache.WithLogger(logger))
	}
	sched := deps.Sched
	if sched == nil {
		sched = scheduler.New(logger, scheduler.DefaultConfig())
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(logger, breaker.DefaultConfig(), nil)
	}

	return &Engine{
		config:     config,
		logger:     logger,
		invoke:     deps.Invoke,
		cache:      c,
		sched:      sched,
		breakers:   breakers,
		classifier: fallback.NewClassifier(),
		selector:   fallback.NewSelector(config.Retry),
		errorLog:   fallback.NewErrorLog(0),
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
	}, nil
}

// Submit starts a task asynchronously and returns a future for its outcome.
//
// Validation failures are reported synchronously.
func (e *Engine) Submit(ctx context.Context, t *task.Descriptor) (*Future, error) {
	if err := e.validate(t); err != nil {
		rec := e.classifier.Classify(err, t.Class)
		e.errorLog.Append(rec)
		return nil, &ClassifiedError{Record: rec, Err: err}
	}

	e.submitted.Add(1)
	e.inFlight.Add(1)
	e.count(ctx, e.metricOrNil().TasksSubmitted, t, "")
	if m := e.metricOrNil(); m.TasksInFlight != nil {
		m.TasksInFlight.Add(ctx, 1)
	}

	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			e.inFlight.Add(-1)
			if m := e.metricOrNil(); m.TasksInFlight != nil {
				m.TasksInFlight.Add(context.Background(), -1)
			}
		}()
		f.result, f.err = e.execute(ctx, t)
	}()
	return f, nil
}

// Execute runs a task synchronously. It is Submit plus Wait.
func (e *Engine) Execute(ctx context.Context, t *task.Descriptor) (*Result, error) {
	f, err := e.Submit(ctx, t)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// validate rejects tasks the engine cannot route.
func (e *Engine) validate(t *task.Descriptor) error {
	if t == nil {
		return &fallback.ValidationError{Reason: "nil task"}
	}
	if !t.Class.Valid() {
		return fmt.Errorf("%w: %q", task.ErrUnknownOperationClass, t.Class)
	}
	if t.Fingerprint == "" {
		return &fallback.ValidationError{Reason: "empty fingerprint"}
	}
	if t.Profile.MemoryBytes <= 0 {
		return &fallback.ValidationError{Reason: "memory estimate must be positive"}
	}
	if !t.Deadline.IsZero() && t.Deadline.Before(time.Now()) {
		return &fallback.ValidationError{Reason: "deadline already passed"}
	}
	return nil
}

// execute is the cached pipeline. Identical fingerprints share one
// computation through the cache's singleflight group.
func (e *Engine) execute(ctx context.Context, t *task.Descriptor) (*Result, error) {
	start := time.Now()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.execute",
			trace.WithAttributes(
				attribute.String("task.id", t.ID),
				attribute.String("task.class", t.Class.String()),
				attribute.String("task.priority", t.Priority.String()),
			))
		defer span.End()
	}

	value, hit, err := e.cache.GetOrCompute(ctx, t.Fingerprint, e.config.CacheTTL,
		func(ctx context.Context) (any, int64, error) {
			res, err := e.runWithFallback(ctx, t)
			if err != nil {
				return nil, 0, err
			}
			// Degraded results serve this request but are not
			// representative of the fingerprint.
			if res.Degraded {
				return res, cache.NoStore, nil
			}
			return res, res.SizeBytes, nil
		})
	if err != nil {
		e.failed.Add(1)
		e.count(ctx, e.metricOrNil().TasksCompleted, t, "failure")
		e.observeDuration(ctx, t, time.Since(start))
		return nil, err
	}

	// The flight value is handed to every concurrent caller of this
	// fingerprint; never write through it. Per-request fields go on a
	// shallow copy.
	shared := *value.(*Result)
	shared.Duration = time.Since(start)
	if hit {
		shared.CacheHit = true
		e.count(ctx, e.metricOrNil().CacheHits, t, "")
	}
	res := &shared

	e.completed.Add(1)
	status := "success"
	if res.Degraded {
		e.degraded.Add(1)
		status = "degraded"
	} else {
		// Degraded deliveries mask a failure; only full-fidelity
		// completions clear the escalation streak.
		e.classifier.RecordSuccess(t.Class)
	}
	e.count(ctx, e.metricOrNil().TasksCompleted, t, status)
	e.observeDuration(ctx, t, res.Duration)
	return res, nil
}

// runWithFallback is the attempt loop: admit, execute behind the breaker,
// and on failure classify and apply the selected recovery strategy.
func (e *Engine) runWithFallback(ctx context.Context, t *task.Descriptor) (*Result, error) {
	attempt := t
	attempts := 0
	retries := 0
	degradedProfile := false
	cpuFallback := false

	for {
		value, size, err := e.runOnce(ctx, attempt, &attempts)
		if err == nil {
			res := &Result{Value: value, SizeBytes: size, Attempts: attempts}
			if degradedProfile {
				res.Degraded = true
				res.DegradedReason = "reduced quality profile"
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		rec := e.classifier.Classify(err, t.Class)
		e.errorLog.Append(rec)
		strategy := e.selector.SelectStrategy(rec)

		e.logger.Warn("Task attempt failed",
			slog.String("task_id", t.ID),
			slog.String("class", t.Class.String()),
			slog.String("category", string(rec.Category)),
			slog.String("strategy", strategy.Kind.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))

		switch strategy.Kind {
		case fallback.StrategyRetry:
			retries++
			if retries > strategy.Retry.MaxRetries {
				return nil, &ClassifiedError{Record: rec, Err: err}
			}
			e.count(ctx, e.metricOrNil().Retries, t, "")
			if serr := sleepCtx(ctx, strategy.Retry.BackoffFor(retries)); serr != nil {
				return nil, serr
			}

		case fallback.StrategyDegrade:
			if degradedProfile {
				return nil, &ClassifiedError{Record: rec, Err: err}
			}
			degradedProfile = true
			attempt = attempt.WithProfile(attempt.Profile.Degraded())

		case fallback.StrategyCPUFallback:
			if cpuFallback || attempt.Profile.Resource == task.ResourceCPU ||
				!e.config.CPUCapable[t.Class] {
				// No CPU path left; deliver the input unchanged.
				return e.skipResult(t, attempts), nil
			}
			cpuFallback = true
			attempt = attempt.WithProfile(attempt.Profile.CPUFallback())

		case fallback.StrategySkip:
			return e.skipResult(t, attempts), nil

		case fallback.StrategyFatal:
			e.logger.Error("Fatal failure streak, engaging emergency stop",
				slog.String("class", t.Class.String()))
			e.EmergencyStop()
			return nil, &ClassifiedError{Record: rec, Err: err}

		default: // StrategyReject
			return nil, &ClassifiedError{Record: rec, Err: err}
		}
	}
}

// runOnce performs a single admitted, breaker-protected backend call.
//
// The admission ticket is released when the backend call actually returns,
// even if the breaker timed the call out first. If the breaker rejects
// before invoking, the ticket is released here.
func (e *Engine) runOnce(ctx context.Context, t *task.Descriptor, attempts *int) (any, int64, error) {
	ticket, err := e.sched.Admit(ctx, t)
	if err != nil {
		return nil, 0, err
	}

	var invoked atomic.Bool
	var size int64
	value, err := e.breakers.Get(t.Class).Execute(ctx, func(callCtx context.Context) (any, error) {
		invoked.Store(true)
		defer ticket.Release()
		*attempts++
		e.count(callCtx, e.metricOrNil().BackendCalls, t, "")
		v, n, ierr := e.invoke(callCtx, t)
		if ierr != nil {
			return nil, ierr
		}
		size = n
		return v, nil
	})
	if !invoked.Load() {
		ticket.Release()
	}
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			e.count(ctx, e.metricOrNil().CircuitRejections, t, "")
		}
		return nil, 0, err
	}
	return value, size, nil
}

// skipResult delivers the original payload as a degraded success.
func (e *Engine) skipResult(t *task.Descriptor, attempts int) *Result {
	return &Result{
		Value:          t.Payload,
		Degraded:       true,
		DegradedReason: "operation skipped after unrecoverable failure",
		Attempts:       attempts,
	}
}

// EmergencyStop forces every circuit breaker open. In-flight tasks finish;
// new backend calls are rejected until Reset or ForceClose.
func (e *Engine) EmergencyStop() {
	e.logger.Error("Emergency stop engaged")
	e.breakers.ForceOpenAll()
}

// Reset returns the engine to normal operation: breakers closed, failure
// streaks cleared.
func (e *Engine) Reset() {
	e.logger.Info("Engine reset")
	e.breakers.ForceCloseAll()
	e.classifier.Reset()
}

// InvalidateCache removes cached results matching the pattern. See
// cache.Invalidate for pattern semantics.
func (e *Engine) InvalidateCache(pattern string) int {
	return e.cache.Invalidate(pattern)
}

// Errors returns recent classified failures, oldest first.
func (e *Engine) Errors(filter fallback.Filter) []fallback.Record {
	return e.errorLog.Snapshot(filter)
}

// Scheduler exposes the admission scheduler for budget adjustments.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Stats aggregates counters from every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:     e.submitted.Load(),
		Completed:     e.completed.Load(),
		Failed:        e.failed.Load(),
		DegradedCount: e.degraded.Load(),
		InFlight:      e.inFlight.Load(),
		Breakers:      e.breakers.Stats(),
		Pools:         e.sched.Stats(),
		Cache:         e.cache.Stats(),
		ErrorsLogged:  e.errorLog.Len(),
		ErrorsDropped: e.errorLog.Dropped(),
	}
}

// metricOrNil lets call sites stay unconditional; count and
// observeDuration tolerate nil instruments.
func (e *Engine) metricOrNil() *telemetry.Metrics {
	if e.metrics == nil {
		return &telemetry.Metrics{}
	}
	return e.metrics
}

func (e *Engine) count(ctx context.Context, counter metric.Int64Counter, t *task.Descriptor, status string) {
	if counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("class", t.Class.String())}
	if status != "" {
		attrs = append(attrs, attribute.String("status", status))
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (e *Engine) observeDuration(ctx context.Context, t *task.Descriptor, d time.Duration) {
	m := e.metricOrNil()
	if m.TaskDuration == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("class", t.Class.String())))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
