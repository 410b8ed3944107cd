// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-operation-class circuit breaking with hard
// timeout enforcement for inference backend calls.
//
// The circuit breaker pattern prevents cascading failures by temporarily
// blocking requests after repeated failures. It has three states:
//
//   - Closed: Normal operation, requests pass through.
//   - Open: After FailureThreshold failures, requests are rejected.
//   - Half-Open: After RecoveryTimeout, limited probes test recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
// The breaker never retries on its own; retry policy belongs to the caller.
var ErrCircuitOpen = errors.New("circuit breaker is open, backend calls blocked")

// TimeoutError is returned when a backend call exceeds the breaker's hard
// deadline. The abandoned call's eventual result, if any, is discarded.
type TimeoutError struct {
	// Class is the operation class whose call timed out.
	Class task.OperationClass

	// Timeout is the configured hard deadline that elapsed.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend call for %s exceeded hard timeout of %s", e.Class, e.Timeout)
}

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation - requests pass through.
	StateClosed State = iota
	// StateOpen means too many failures - requests are rejected.
	StateOpen
	// StateHalfOpen is testing recovery - limited probes allowed.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures one circuit breaker.
type Config struct {
	// FailureThreshold is consecutive failures before opening (default: 3).
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`

	// SuccessThreshold is successes needed to close from half-open (default: 2).
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long to stay open before testing recovery
	// (default: 30s).
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout" validate:"gt=0"`

	// MaxConcurrentProbes is max concurrent probe calls in half-open state
	// (default: 1).
	MaxConcurrentProbes int `json:"max_concurrent_probes" yaml:"max_concurrent_probes" validate:"gte=1"`

	// Timeout is the hard per-call deadline. Calls still running when it
	// elapses are abandoned and counted as failures (default: 60s).
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`

	// MaxConcurrent caps simultaneous in-flight calls in every state.
	// Callers beyond the cap block until a slot frees or their context
	// expires (default: 4).
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1"`

	// ReopenOnProbeFailure controls half-open failure handling. When true
	// (default), a single probe failure re-opens the circuit immediately.
	// When false, probe failures accumulate against FailureThreshold.
	ReopenOnProbeFailure bool `json:"reopen_on_probe_failure" yaml:"reopen_on_probe_failure"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     3,
		SuccessThreshold:     2,
		RecoveryTimeout:      30 * time.Second,
		MaxConcurrentProbes:  1,
		Timeout:              60 * time.Second,
		MaxConcurrent:        4,
		ReopenOnProbeFailure: true,
	}
}

// Stats contains circuit breaker counters for observability.
type Stats struct {
	State               string    `json:"state"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejections     int64     `json:"total_rejections"`
	TotalTimeouts       int64     `json:"total_timeouts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Func is a backend call protected by the breaker. The context carries the
// breaker's hard deadline; well-behaved backends should honor it, but the
// breaker does not depend on them doing so.
type Func func(ctx context.Context) (any, error)

// CircuitBreaker protects one operation class against a failing backend.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	class  task.OperationClass
	config Config

	// slots bounds in-flight calls in every state.
	slots chan struct{}

	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	halfOpenActive  int
	lastFailureTime time.Time
	lastStateChange time.Time
	forcedOpen      bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
	totalTimeouts   int64
}

// New creates a circuit breaker for the given operation class.
//
// Inputs:
//   - class: Operation class this breaker guards.
//   - config: Breaker configuration.
//
// Outputs:
//   - *CircuitBreaker: Ready to use, in closed state.
//
// Thread Safety: The returned breaker is safe for concurrent use.
func New(class task.OperationClass, config Config) *CircuitBreaker {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &CircuitBreaker{
		class:           class,
		config:          config,
		slots:           make(chan struct{}, config.MaxConcurrent),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// allow checks whether a call may proceed, accounting for half-open probes.
//
// Returns whether the call is allowed and a release function for the probe
// slot (nil outside half-open).
func (cb *CircuitBreaker) allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return true, nil

	case StateOpen:
		if !cb.forcedOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			return cb.tryProbe()
		}
		cb.totalRejections++
		return false, nil

	case StateHalfOpen:
		return cb.tryProbe()
	}

	return false, nil
}

// tryProbe admits a half-open probe if the probe gate has room.
// Must be called with the lock held.
func (cb *CircuitBreaker) tryProbe() (bool, func()) {
	if cb.halfOpenActive >= cb.config.MaxConcurrentProbes {
		cb.totalRejections++
		return false, nil
	}

	cb.halfOpenActive++
	return true, func() {
		cb.mu.Lock()
		cb.halfOpenActive--
		cb.mu.Unlock()
	}
}

// recordSuccess records a successful call.
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// recordFailure records a failed call and drives state transitions.
func (cb *CircuitBreaker) recordFailure(timedOut bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	if timedOut {
		cb.totalTimeouts++
	}
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if cb.config.ReopenOnProbeFailure || cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	}
}

// transitionTo changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	if newState != StateOpen {
		cb.forcedOpen = false
	}
}

// Execute runs fn under circuit protection with a hard deadline.
//
// The call is rejected immediately with ErrCircuitOpen when the circuit is
// open. Otherwise fn runs on its own goroutine; if it has not returned
// within Config.Timeout, Execute abandons it, records a failure, and
// returns a *TimeoutError. The caller therefore never blocks longer than
// the configured timeout, regardless of what fn does internally.
//
// Inputs:
//   - ctx: Caller context; bounds waiting for an in-flight slot and is the
//     parent of the call's deadline context.
//   - fn: The backend call.
//
// Outputs:
//   - any: fn's result on success.
//   - error: ErrCircuitOpen, *TimeoutError, ctx.Err(), or fn's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Func) (any, error) {
	// The slot gate bounds real backend concurrency in every state.
	select {
	case cb.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	allowed, releaseProbe := cb.allow()
	if !allowed {
		<-cb.slots
		return nil, ErrCircuitOpen
	}

	type outcome struct {
		result any
		err    error
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.Timeout)

	// Buffered so an abandoned call can still deliver and exit.
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			cancel()
			<-cb.slots
			if releaseProbe != nil {
				releaseProbe()
			}
		}()
		result, err := fn(callCtx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			cb.recordFailure(false)
			return nil, out.err
		}
		cb.recordSuccess()
		return out.result, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; not the backend's fault.
			return nil, ctx.Err()
		}
		cb.recordFailure(true)
		return nil, &TimeoutError{Class: cb.class, Timeout: cb.config.Timeout}
	}
}

// ForceOpen trips the circuit and pins it open until ForceClose or Reset.
// Used by the emergency stop path.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateOpen)
	cb.forcedOpen = true
	cb.lastFailureTime = time.Now()
}

// ForceClose returns the circuit to closed state and clears counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:               cb.state.String(),
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		TotalRejections:     cb.totalRejections,
		TotalTimeouts:       cb.totalTimeouts,
		ConsecutiveFailures: cb.failures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
	}
}
