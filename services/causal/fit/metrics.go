// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// Package-level tracer and meter for mechanism fitting.
var (
	tracer = otel.Tracer("aleutian.causal.fit")
	meter  = otel.Meter("aleutian.causal.fit")
)

// Metrics for fit operations.
var (
	fitLatency metric.Float64Histogram
	fitTotal   metric.Int64Counter
	fitMeanR2  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// Worker process counters.
var (
	workerLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "causal_fit_worker_launches_total",
		Help: "Number of fit worker processes launched",
	})

	workerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "causal_fit_worker_retries_total",
		Help: "Number of fit worker launches retried after a start failure",
	})

	workerTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "causal_fit_worker_timeouts_total",
		Help: "Number of fit worker processes killed on timeout",
	})
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		fitLatency, err = meter.Float64Histogram(
			"causal_fit_duration_seconds",
			metric.WithDescription("Duration of mechanism fits"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fitTotal, err = meter.Int64Counter(
			"causal_fit_total",
			metric.WithDescription("Total number of mechanism fits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fitMeanR2, err = meter.Float64Histogram(
			"causal_fit_mean_r2",
			metric.WithDescription("Mean validation R² of dynamic fits"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordFitMetrics records metrics for a fit operation.
func recordFitMetrics(ctx context.Context, duration time.Duration, m *model.FittedCausalModel, staticOnly bool, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Bool("static_only", staticOnly),
	)
	fitLatency.Record(ctx, duration.Seconds(), attrs)
	fitTotal.Add(ctx, 1, attrs)

	if success && m != nil && !m.Metadata.StaticOnly {
		fitMeanR2.Record(ctx, m.Metadata.MeanR2,
			metric.WithAttributes(attribute.String("status", string(m.Metadata.Status))))
	}
}

// startFitSpan creates a span for a fit operation.
func startFitSpan(ctx context.Context, nodeCount, rowCount int, staticOnly bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "MechanismFitter.Fit",
		trace.WithAttributes(
			attribute.Int("causal.node_count", nodeCount),
			attribute.Int("causal.trace_rows", rowCount),
			attribute.Bool("causal.static_only", staticOnly),
		),
	)
}

// setFitSpanResult sets the result attributes on a fit span.
func setFitSpanResult(span trace.Span, m *model.FittedCausalModel) {
	span.SetAttributes(
		attribute.String("causal.model_id", m.ID),
		attribute.String("causal.status", string(m.Metadata.Status)),
		attribute.Float64("causal.mean_r2", m.Metadata.MeanR2),
		attribute.Int("causal.trace_count", m.Metadata.TraceCount),
		attribute.Int("causal.dropped_rows", m.Metadata.DroppedRows),
	)
}
