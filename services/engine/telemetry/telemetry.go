// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry metrics for the enhancement engine
// and exposes them through the Prometheus exporter.
package telemetry

import (
	"fmt"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus"
)

// meterName identifies the engine's meter.
const meterName = "aleutian.enhance.engine"

// Provider bundles the SDK meter provider with the Prometheus registry the
// HTTP server scrapes.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Registry      *prometheus.Registry
}

// NewProvider creates a meter provider backed by a private Prometheus
// registry.
//
// Outputs:
//   - *Provider: Ready to use provider. Callers own shutdown.
//   - error: Non-nil if exporter construction fails.
func NewProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{
		MeterProvider: mp,
		Registry:      registry,
	}, nil
}

// Metrics contains pre-defined metrics for the enhancement engine.
//
// All metrics use the "engine_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksSubmitted counts submissions by operation class.
	TasksSubmitted metric.Int64Counter

	// TasksCompleted counts terminal outcomes by class and status
	// (success, degraded, failure).
	TasksCompleted metric.Int64Counter

	// TaskDuration records end-to-end task duration in seconds.
	TaskDuration metric.Float64Histogram

	// BackendCalls counts protected backend invocations by class.
	BackendCalls metric.Int64Counter

	// CircuitRejections counts calls rejected by an open circuit.
	CircuitRejections metric.Int64Counter

	// CacheHits counts result-cache hits.
	CacheHits metric.Int64Counter

	// TasksInFlight tracks tasks between submission and delivery.
	TasksInFlight metric.Int64UpDownCounter

	// Retries counts fallback-driven retry attempts.
	Retries metric.Int64Counter
}

// NewMetrics registers all engine metrics with the provided meter provider.
//
// Inputs:
//   - mp: Meter provider (typically Provider.MeterProvider).
//
// Outputs:
//   - *Metrics: All instruments initialized.
//   - error: Non-nil if any registration fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.TasksSubmitted, err = meter.Int64Counter("engine_tasks_submitted_total",
		metric.WithDescription("Tasks submitted to the engine")); err != nil {
		return nil, fmt.Errorf("registering engine_tasks_submitted_total: %w", err)
	}
	if m.TasksCompleted, err = meter.Int64Counter("engine_tasks_completed_total",
		metric.WithDescription("Terminal task outcomes by status")); err != nil {
		return nil, fmt.Errorf("registering engine_tasks_completed_total: %w", err)
	}
	if m.TaskDuration, err = meter.Float64Histogram("engine_task_duration_seconds",
		metric.WithDescription("End-to-end task duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("registering engine_task_duration_seconds: %w", err)
	}
	if m.BackendCalls, err = meter.Int64Counter("engine_backend_calls_total",
		metric.WithDescription("Protected backend invocations")); err != nil {
		return nil, fmt.Errorf("registering engine_backend_calls_total: %w", err)
	}
	if m.CircuitRejections, err = meter.Int64Counter("engine_circuit_rejections_total",
		metric.WithDescription("Calls rejected by an open circuit")); err != nil {
		return nil, fmt.Errorf("registering engine_circuit_rejections_total: %w", err)
	}
	if m.CacheHits, err = meter.Int64Counter("engine_cache_hits_total",
		metric.WithDescription("Result cache hits")); err != nil {
		return nil, fmt.Errorf("registering engine_cache_hits_total: %w", err)
	}
	if m.TasksInFlight, err = meter.Int64UpDownCounter("engine_tasks_in_flight",
		metric.WithDescription("Tasks between submission and delivery")); err != nil {
		return nil, fmt.Errorf("registering engine_tasks_in_flight: %w", err)
	}
	if m.Retries, err = meter.Int64Counter("engine_retries_total",
		metric.WithDescription("Fallback-driven retry attempts")); err != nil {
		return nil, fmt.Errorf("registering engine_retries_total: %w", err)
	}

	return m, nil
}
