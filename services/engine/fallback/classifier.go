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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// escalationThreshold is how many consecutive unknown or critical failures
// one operation class may accumulate before classification escalates to
// fatal. The orchestrator answers fatal with an emergency stop.
const escalationThreshold = 3

// Classifier maps raw errors to Records using ordered first-match rules and
// tracks per-class escalation state.
//
// Thread Safety: Safe for concurrent use.
type Classifier struct {
	mu sync.Mutex
	// consecutiveUnknown counts unbroken unknown/critical failures per class.
	consecutiveUnknown map[task.OperationClass]int
}

// NewClassifier creates a classifier with empty escalation state.
func NewClassifier() *Classifier {
	return &Classifier{
		consecutiveUnknown: make(map[task.OperationClass]int),
	}
}

// Classify maps err to a Record. Rules are ordered; the first match wins:
// network, resource, validation, timeout, backend, unknown.
//
// Inputs:
//   - err: The raw failure. Must be non-nil.
//   - class: The operation class the failure occurred in.
//
// Outputs:
//   - Record: The classified failure with a suggested recovery.
func (c *Classifier) Classify(err error, class task.OperationClass) Record {
	rec := Record{
		Class:     class,
		Timestamp: time.Now(),
		Message:   err.Error(),
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	var valErr *ValidationError
	var timeoutErr *breaker.TimeoutError
	var backendErr *BackendError

	switch {
	case errors.As(err, &dnsErr), errors.As(err, &netErr):
		rec.Category = CategoryNetwork
		rec.Severity = SeverityWarning
		rec.RecoverySuggested = RecoveryRetry

	case errors.Is(err, breaker.ErrCircuitOpen):
		// Circuit rejections surface as-is; retry policy would defeat the
		// breaker's cooldown.
		rec.Category = CategoryResource
		rec.Severity = SeverityWarning
		rec.RecoverySuggested = RecoveryCircuitOpenReject

	case errors.Is(err, scheduler.ErrDeadlineUnreachable),
		errors.Is(err, scheduler.ErrMemoryBudgetExceeded):
		rec.Category = CategoryResource
		rec.Severity = SeverityWarning
		rec.RecoverySuggested = RecoveryDegrade

	case errors.As(err, &valErr), errors.Is(err, task.ErrUnknownOperationClass):
		rec.Category = CategoryValidation
		rec.Severity = SeverityError
		rec.RecoverySuggested = RecoveryReject

	case errors.As(err, &timeoutErr):
		rec.Category = CategoryTimeout
		rec.Severity = SeverityWarning
		rec.RecoverySuggested = RecoveryRetry

	case errors.As(err, &backendErr):
		rec.Category = CategoryBackend
		rec.Severity = SeverityError
		if backendErr.Transient {
			rec.RecoverySuggested = RecoveryRetry
		} else {
			rec.RecoverySuggested = RecoveryCPUFallback
		}

	default:
		rec.Category = CategoryUnknown
		rec.Severity = SeverityError
		rec.RecoverySuggested = RecoverySkip
	}

	c.applyEscalation(&rec)
	return rec
}

// applyEscalation promotes repeated unknown/critical failures to fatal.
func (c *Classifier) applyEscalation(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.Category == CategoryUnknown || rec.Severity == SeverityCritical {
		c.consecutiveUnknown[rec.Class]++
		if c.consecutiveUnknown[rec.Class] >= escalationThreshold {
			rec.Severity = SeverityCritical
			rec.RecoverySuggested = RecoveryFatal
		}
		return
	}
	c.consecutiveUnknown[rec.Class] = 0
}

// RecordSuccess resets the escalation streak for a class. The orchestrator
// calls this whenever a task for the class completes.
func (c *Classifier) RecordSuccess(class task.OperationClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveUnknown[class] = 0
}

// Reset clears all escalation state. Used by the operational reset path.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveUnknown = make(map[task.OperationClass]int)
}
