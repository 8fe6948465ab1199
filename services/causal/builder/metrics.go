// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for causal graph building.
var (
	tracer = otel.Tracer("aleutian.causal.builder")
	meter  = otel.Meter("aleutian.causal.builder")
)

// Metrics for graph building operations.
var (
	buildLatency metric.Float64Histogram
	buildTotal   metric.Int64Counter
	graphNodes   metric.Int64Histogram
	graphEdges   metric.Int64Histogram
	buildWarns   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"causal_graph_build_duration_seconds",
			metric.WithDescription("Duration of causal graph builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"causal_graph_build_total",
			metric.WithDescription("Total number of causal graph builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphNodes, err = meter.Int64Histogram(
			"causal_graph_nodes",
			metric.WithDescription("Number of nodes per built causal graph"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphEdges, err = meter.Int64Histogram(
			"causal_graph_edges",
			metric.WithDescription("Number of edges per built causal graph"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildWarns, err = meter.Int64Counter(
			"causal_graph_build_warnings_total",
			metric.WithDescription("Approximations applied while building causal graphs"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuildMetrics records metrics for a build operation.
func recordBuildMetrics(ctx context.Context, duration time.Duration, result *BuildResult, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)

	if success && result != nil {
		graphNodes.Record(ctx, int64(result.Graph.NodeCount()))
		graphEdges.Record(ctx, int64(result.Graph.EdgeCount()))
		if n := len(result.Warnings); n > 0 {
			buildWarns.Add(ctx, int64(n))
		}
	}
}

// startBuildSpan creates a span for a build operation.
func startBuildSpan(ctx context.Context, module string, functionCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "CausalGraphBuilder.Build",
		trace.WithAttributes(
			attribute.String("causal.module", module),
			attribute.Int("causal.function_count", functionCount),
		),
	)
}

// setBuildSpanResult sets the result attributes on a build span.
func setBuildSpanResult(span trace.Span, result *BuildResult) {
	span.SetAttributes(
		attribute.Int("causal.node_count", result.Graph.NodeCount()),
		attribute.Int("causal.edge_count", result.Graph.EdgeCount()),
		attribute.Int("causal.warning_count", len(result.Warnings)),
		attribute.Int("causal.collapsed_components", result.Stats.CollapsedComponents),
	)
}
