// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task defines the immutable task descriptor submitted to the
// enhancement engine, along with operation classes, priorities, and
// resource profiles.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationClass identifies the kind of inference operation a task performs.
//
// Each class has its own circuit breaker and its own service-time profile.
type OperationClass string

const (
	// OpStyleTransfer applies a learned style to frames.
	OpStyleTransfer OperationClass = "style_transfer"

	// OpSuperResolution upscales frames with a super-resolution model.
	OpSuperResolution OperationClass = "super_resolution"

	// OpInterpolation synthesizes intermediate frames.
	OpInterpolation OperationClass = "interpolation"

	// OpQualityOptimize runs the quality optimization pass.
	OpQualityOptimize OperationClass = "quality_optimize"
)

// AllOperationClasses lists every known operation class.
//
// Registries iterate this to pre-create per-class state.
var AllOperationClasses = []OperationClass{
	OpStyleTransfer,
	OpSuperResolution,
	OpInterpolation,
	OpQualityOptimize,
}

// ErrUnknownOperationClass is returned when parsing an unrecognized class name.
var ErrUnknownOperationClass = errors.New("unknown operation class")

// String returns the wire name of the operation class.
func (c OperationClass) String() string {
	return string(c)
}

// Valid reports whether the class is one of the known operation classes.
func (c OperationClass) Valid() bool {
	switch c {
	case OpStyleTransfer, OpSuperResolution, OpInterpolation, OpQualityOptimize:
		return true
	}
	return false
}

// ParseOperationClass parses a class name as used in configs and API requests.
//
// Inputs:
//   - s: Class name, e.g. "super_resolution".
//
// Outputs:
//   - OperationClass: The parsed class.
//   - error: ErrUnknownOperationClass if s is not a known class.
func ParseOperationClass(s string) (OperationClass, error) {
	c := OperationClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationClass, s)
	}
	return c, nil
}

// Priority orders tasks in the admission queue. Lower values are served first.
type Priority int

const (
	// PriorityCritical is reserved for interactive preview work.
	PriorityCritical Priority = iota

	// PriorityHigh is for user-initiated single operations.
	PriorityHigh

	// PriorityNormal is the default for batch items.
	PriorityNormal

	// PriorityLow is for opportunistic re-processing.
	PriorityLow

	// PriorityBackground is for speculative warmup work.
	PriorityBackground
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Promote returns the priority one level higher, saturating at critical.
func (p Priority) Promote() Priority {
	if p <= PriorityCritical {
		return PriorityCritical
	}
	return p - 1
}

// ResourceClass names the pool a task draws its execution slot from.
type ResourceClass string

const (
	// ResourceGPU is the GPU slot pool.
	ResourceGPU ResourceClass = "gpu"

	// ResourceCPU is the CPU slot pool.
	ResourceCPU ResourceClass = "cpu"
)

// String returns the pool name.
func (r ResourceClass) String() string {
	return string(r)
}

// ResourceProfile declares what a task needs before it may run.
//
// The engine never inspects the actual workload. Admission accounting is
// driven entirely by this declaration.
type ResourceProfile struct {
	// Resource is the slot pool the task executes in.
	Resource ResourceClass `json:"resource"`

	// MemoryBytes is the estimated peak memory for the operation.
	MemoryBytes int64 `json:"memory_bytes"`

	// BatchSize is the number of frames processed per backend call.
	// Degradation halves this. 0 means backend default.
	BatchSize int `json:"batch_size,omitempty"`

	// ScaleFactor is the upscale/quality factor. Degradation reduces it.
	// 0 means backend default.
	ScaleFactor int `json:"scale_factor,omitempty"`
}

// Degraded returns a reduced copy of the profile for a degrade-and-retry
// pass: half the batch size, half the scale factor, and 60% of the memory
// estimate. Values never drop below 1.
func (p ResourceProfile) Degraded() ResourceProfile {
	out := p
	if out.BatchSize > 1 {
		out.BatchSize /= 2
	}
	if out.ScaleFactor > 1 {
		out.ScaleFactor /= 2
	}
	if out.MemoryBytes > 0 {
		out.MemoryBytes = out.MemoryBytes * 6 / 10
	}
	return out
}

// CPUFallback returns a copy of the profile retargeted at the CPU pool.
func (p ResourceProfile) CPUFallback() ResourceProfile {
	out := p
	out.Resource = ResourceCPU
	return out
}

// Descriptor is an immutable request for one enhancement operation.
//
// Descriptors are created by the caller, are never mutated by the engine,
// and are discarded once their outcome has been delivered.
//
// Thread Safety: Safe to share between goroutines (read-only after creation).
type Descriptor struct {
	// ID uniquely identifies this submission for logging and tracing.
	ID string

	// Class selects the circuit breaker and service-time profile.
	Class OperationClass

	// Fingerprint is the content-addressed dedup key. See ComputeFingerprint.
	Fingerprint string

	// Priority orders the task in the admission queue.
	Priority Priority

	// Profile declares the resource pool and memory estimate.
	Profile ResourceProfile

	// Deadline, if non-zero, is the wall-clock bound for this task.
	// Checked at admission only; admitted tasks run to completion.
	Deadline time.Time

	// Payload is opaque to the engine and handed to the backend unchanged.
	Payload any

	// SubmittedAt records creation time; used for queue-age promotion.
	SubmittedAt time.Time
}

// New builds a descriptor with a fresh ID and submission timestamp.
//
// Inputs:
//   - class: Operation class. Must be valid.
//   - fingerprint: Dedup key, typically from ComputeFingerprint.
//   - priority: Queue priority.
//   - profile: Declared resource needs.
//
// Outputs:
//   - *Descriptor: The immutable descriptor.
//   - error: Non-nil if the class is unknown or the fingerprint is empty.
func New(class OperationClass, fingerprint string, priority Priority, profile ResourceProfile) (*Descriptor, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperationClass, class)
	}
	if fingerprint == "" {
		return nil, errors.New("task: fingerprint must not be empty")
	}
	return &Descriptor{
		ID:          uuid.NewString(),
		Class:       class,
		Fingerprint: fingerprint,
		Priority:    priority,
		Profile:     profile,
		SubmittedAt: time.Now(),
	}, nil
}

// WithDeadline returns a copy of the descriptor carrying the deadline.
func (d *Descriptor) WithDeadline(deadline time.Time) *Descriptor {
	out := *d
	out.Deadline = deadline
	return &out
}

// WithPayload returns a copy of the descriptor carrying the payload.
func (d *Descriptor) WithPayload(payload any) *Descriptor {
	out := *d
	out.Payload = payload
	return &out
}

// WithProfile returns a copy of the descriptor with a replacement profile.
// Used by the fallback chain for degraded and CPU re-runs.
func (d *Descriptor) WithProfile(profile ResourceProfile) *Descriptor {
	out := *d
	out.Profile = profile
	return &out
}
