// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback maps raw failures into a typed taxonomy and selects the
// recovery strategy the orchestrator applies: retry, degrade, CPU fallback,
// skip, reject, or fatal escalation.
package fallback

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// Category is the failure taxonomy.
type Category string

const (
	// CategoryNetwork covers connection, DNS, and socket failures.
	CategoryNetwork Category = "network"

	// CategoryResource covers allocation failures and scheduler rejections.
	CategoryResource Category = "resource"

	// CategoryBackend covers errors reported by the inference backend.
	CategoryBackend Category = "backend"

	// CategoryTimeout covers breaker hard-timeout abandonments.
	CategoryTimeout Category = "timeout"

	// CategoryValidation covers malformed input; never retried.
	CategoryValidation Category = "validation"

	// CategoryUnknown covers everything the ordered rules did not match.
	CategoryUnknown Category = "unknown"
)

// Severity grades a failure.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Recovery is the suggested recovery action recorded at classification time.
type Recovery string

const (
	// RecoveryRetry suggests retrying with exponential backoff, each
	// attempt re-entering the scheduler and circuit breaker fresh.
	RecoveryRetry Recovery = "retry"

	// RecoveryDegrade suggests one reduced-profile retry.
	RecoveryDegrade Recovery = "degrade-quality"

	// RecoveryCPUFallback suggests re-running on the CPU pool.
	RecoveryCPUFallback Recovery = "cpu-fallback"

	// RecoverySkip suggests returning the original input unmodified.
	RecoverySkip Recovery = "skip"

	// RecoveryCircuitOpenReject surfaces a circuit rejection as-is.
	RecoveryCircuitOpenReject Recovery = "circuit-open-reject"

	// RecoveryReject surfaces the failure to the caller immediately.
	// Used for validation failures, which are never retried.
	RecoveryReject Recovery = "reject"

	// RecoveryFatal escalates to the emergency stop.
	RecoveryFatal Recovery = "fatal"
)

// Record is one classified failure. Records are append-only and flow into
// the bounded error log.
type Record struct {
	Category          Category            `json:"category"`
	Severity          Severity            `json:"severity"`
	Class             task.OperationClass `json:"operation_class"`
	Timestamp         time.Time           `json:"timestamp"`
	Message           string              `json:"message"`
	RecoverySuggested Recovery            `json:"recovery_suggested"`
}

// ValidationError marks malformed input or a failed precondition.
// Validation failures are surfaced immediately and never retried.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// BackendError is an error code reported by an inference backend.
type BackendError struct {
	// Code is the backend's error identifier, e.g. "CUDA_OOM".
	Code string

	// Message is the backend's description.
	Message string

	// Transient hints that the same call may succeed if retried.
	Transient bool
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}
