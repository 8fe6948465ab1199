// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intervention

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.causal.intervention")
	meter  = otel.Meter("aleutian.causal.intervention")
)

var (
	queryLatency    metric.Float64Histogram
	queryTotal      metric.Int64Counter
	downstreamNodes metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		queryLatency, err = meter.Float64Histogram(
			"causal_intervention_duration_seconds",
			metric.WithDescription("Duration of intervention queries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryTotal, err = meter.Int64Counter(
			"causal_intervention_total",
			metric.WithDescription("Total number of intervention queries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		downstreamNodes, err = meter.Int64Histogram(
			"causal_intervention_reported_nodes",
			metric.WithDescription("Number of nodes reported per intervention query"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordQueryMetrics(ctx context.Context, duration time.Duration, est *ImpactEstimate, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	queryLatency.Record(ctx, duration.Seconds(), attrs)
	queryTotal.Add(ctx, 1, attrs)
	if success && est != nil {
		downstreamNodes.Record(ctx, int64(len(est.Effects)))
	}
}

func startQuerySpan(ctx context.Context, modelID string, interventionSize, numSamples int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "InterventionEngine.EstimateImpact",
		trace.WithAttributes(
			attribute.String("causal.model_id", modelID),
			attribute.Int("causal.intervention_size", interventionSize),
			attribute.Int("causal.num_samples", numSamples),
		),
	)
}
