// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Metrics contains the pipeline instruments.
//
// Description:
//
//	All metrics use the "irptrace_" prefix. The methods match the hook
//	signatures of the steps, retry and cache packages so a single Metrics
//	value can be wired into all three.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// StepsTotal counts step invocations by step and outcome.
	StepsTotal metric.Int64Counter

	// StepDuration records step wall time in seconds, retries included.
	StepDuration metric.Float64Histogram

	// RetriesTotal counts scheduled retries by step and error kind.
	RetriesTotal metric.Int64Counter

	// CacheLookupsTotal counts description cache lookups by result.
	CacheLookupsTotal metric.Int64Counter
}

// NewMetrics registers the pipeline instruments with meter.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("irptrace"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StepsTotal, err = meter.Int64Counter(
		"irptrace_steps_total",
		metric.WithDescription("Total analysis step invocations"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create steps_total: %w", err)
	}

	// Buckets span a quick cached reply up to three slow attempts with
	// their retry waits.
	m.StepDuration, err = meter.Float64Histogram(
		"irptrace_step_duration_seconds",
		metric.WithDescription("Analysis step duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create step_duration: %w", err)
	}

	m.RetriesTotal, err = meter.Int64Counter(
		"irptrace_retries_total",
		metric.WithDescription("Total step retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries_total: %w", err)
	}

	m.CacheLookupsTotal, err = meter.Int64Counter(
		"irptrace_cache_lookups_total",
		metric.WithDescription("Total description cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_lookups_total: %w", err)
	}

	return m, nil
}

// StepFinished records one step invocation.
func (m *Metrics) StepFinished(ctx context.Context, step, outcome string, elapsed time.Duration) {
	stepAttr := attribute.String("step", step)
	m.StepsTotal.Add(ctx, 1, metric.WithAttributes(stepAttr, attribute.String("outcome", outcome)))
	m.StepDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(stepAttr))
}

// RecordRetry records one scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, step string, _ int, err error) {
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("error_kind", errorKind(err)),
	))
}

// RecordCacheLookup records one cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func errorKind(err error) string {
	var (
		xerr *datatypes.ExtractionError
		berr *datatypes.BackendError
	)
	switch {
	case errors.As(err, &xerr):
		return "extraction"
	case errors.As(err, &berr):
		return "backend"
	default:
		return "other"
	}
}
