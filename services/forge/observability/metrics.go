// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the forge service.
//
// Description:
//
//	Provides counters and histograms for run lifecycle, pipeline
//	stages, and model usage. All metrics use the "forge_" prefix for
//	consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Run Metrics ---

	// RunsCompletedTotal counts finished runs by mode and outcome.
	RunsCompletedTotal metric.Int64Counter

	// RunDuration records end-to-end run duration in seconds.
	RunDuration metric.Float64Histogram

	// ActiveRuns tracks runs currently inside the executor.
	ActiveRuns metric.Int64ObservableGauge

	// --- Stage Metrics ---

	// StageExecutionsTotal counts stage executions by stage and status.
	StageExecutionsTotal metric.Int64Counter

	// StageDuration records per-stage duration in seconds.
	StageDuration metric.Float64Histogram

	// FixAttemptsTotal counts test-failure repair cycles.
	FixAttemptsTotal metric.Int64Counter

	// --- Model Metrics ---

	// TokensTotal counts tokens consumed by agent and direction.
	TokensTotal metric.Int64Counter

	// GenerationCallsTotal counts backend generation calls by agent and status.
	GenerationCallsTotal metric.Int64Counter

	// --- Event Metrics ---

	// EventsDroppedTotal counts subscribers evicted for slow consumption.
	EventsDroppedTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Run Metrics ---
	m.RunsCompletedTotal, err = meter.Int64Counter(
		"forge_runs_completed_total",
		metric.WithDescription("Total finished runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_completed_total: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		"forge_run_duration_seconds",
		metric.WithDescription("End-to-end run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("create run_duration: %w", err)
	}

	// --- Stage Metrics ---
	m.StageExecutionsTotal, err = meter.Int64Counter(
		"forge_stage_executions_total",
		metric.WithDescription("Total pipeline stage executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_executions_total: %w", err)
	}

	m.StageDuration, err = meter.Float64Histogram(
		"forge_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_duration: %w", err)
	}

	m.FixAttemptsTotal, err = meter.Int64Counter(
		"forge_fix_attempts_total",
		metric.WithDescription("Total test-failure repair cycles"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fix_attempts_total: %w", err)
	}

	// --- Model Metrics ---
	m.TokensTotal, err = meter.Int64Counter(
		"forge_tokens_total",
		metric.WithDescription("Total tokens consumed by agent and direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens_total: %w", err)
	}

	m.GenerationCallsTotal, err = meter.Int64Counter(
		"forge_generation_calls_total",
		metric.WithDescription("Total backend generation calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation_calls_total: %w", err)
	}

	// --- Event Metrics ---
	m.EventsDroppedTotal, err = meter.Int64Counter(
		"forge_events_dropped_total",
		metric.WithDescription("Total subscribers evicted for slow consumption"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_dropped_total: %w", err)
	}

	return m, nil
}

// RegisterActiveRuns registers a callback for the active-runs gauge.
//
// Description:
//
//	Sets up an observable gauge reporting the number of runs currently
//	executing. The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	countFunc - Returns the current number of active runs.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterActiveRuns(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.ActiveRuns, err = meter.Int64ObservableGauge(
		"forge_active_runs",
		metric.WithDescription("Runs currently inside the executor"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_runs: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ActiveRuns, countFunc())
		return nil
	}, m.ActiveRuns)
}
