// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"math/rand"
	"time"
)

// StrategyKind enumerates the closed set of recovery strategies.
type StrategyKind int

const (
	// StrategyRetry retries with exponential backoff; each attempt
	// re-enters the scheduler and circuit breaker fresh.
	StrategyRetry StrategyKind = iota

	// StrategyDegrade re-runs once with a reduced resource profile.
	StrategyDegrade

	// StrategyCPUFallback re-runs on the CPU pool if the operation has a
	// CPU-capable path; otherwise the orchestrator downgrades to skip.
	StrategyCPUFallback

	// StrategySkip returns the original input unmodified as a degraded
	// success rather than a hard failure.
	StrategySkip

	// StrategyReject surfaces the classified failure to the caller.
	StrategyReject

	// StrategyFatal triggers the emergency stop before surfacing.
	StrategyFatal
)

// String returns a human-readable strategy name.
func (k StrategyKind) String() string {
	switch k {
	case StrategyRetry:
		return "retry"
	case StrategyDegrade:
		return "degrade"
	case StrategyCPUFallback:
		return "cpu-fallback"
	case StrategySkip:
		return "skip"
	case StrategyReject:
		return "reject"
	case StrategyFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Strategy is the tagged union the orchestrator dispatches on. Only the
// fields relevant to Kind are set.
type Strategy struct {
	Kind StrategyKind

	// Retry holds backoff settings when Kind is StrategyRetry.
	Retry RetryConfig
}

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	// (default: 2).
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// InitialBackoff is the wait before the first retry (default: 500ms).
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gt=0"`

	// MaxBackoff caps the exponential growth (default: 10s).
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gt=0"`

	// BackoffFactor is the per-retry multiplier (default: 2.0).
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor" validate:"gte=1"`

	// JitterFactor is the maximum jitter as a fraction of the backoff,
	// 0-1. Prevents thundering herd (default: 0.2).
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// BackoffFor returns the jittered wait before retry attempt n (1-based).
func (c RetryConfig) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.BackoffFactor
		if backoff >= float64(c.MaxBackoff) {
			backoff = float64(c.MaxBackoff)
			break
		}
	}

	if c.JitterFactor > 0 {
		jitter := backoff * c.JitterFactor * (2*rand.Float64() - 1)
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// Selector turns classified records into strategies via an explicit
// dispatch table keyed on the suggested recovery.
//
// Thread Safety: Safe for concurrent use after construction.
type Selector struct {
	retry RetryConfig
	table map[Recovery]Strategy
}

// NewSelector builds the dispatch table.
//
// Inputs:
//   - retry: Backoff settings applied to retry strategies.
//
// Outputs:
//   - *Selector: Ready to use selector.
func NewSelector(retry RetryConfig) *Selector {
	return &Selector{
		retry: retry,
		table: map[Recovery]Strategy{
			RecoveryRetry:             {Kind: StrategyRetry, Retry: retry},
			RecoveryDegrade:           {Kind: StrategyDegrade},
			RecoveryCPUFallback:       {Kind: StrategyCPUFallback},
			RecoverySkip:              {Kind: StrategySkip},
			RecoveryCircuitOpenReject: {Kind: StrategyReject},
			RecoveryReject:            {Kind: StrategyReject},
			RecoveryFatal:             {Kind: StrategyFatal},
		},
	}
}

// SelectStrategy maps a record to its recovery strategy.
func (s *Selector) SelectStrategy(rec Record) Strategy {
	if strategy, ok := s.table[rec.RecoverySuggested]; ok {
		return strategy
	}
	return Strategy{Kind: StrategyReject}
}
