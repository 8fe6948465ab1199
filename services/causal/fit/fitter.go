// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fit assigns a functional mechanism to every node of a causal
// graph, either by static inference from node definitions or by fitting
// candidate families to execution traces.
//
// # Thread Safety
//
// Fitter is safe for concurrent use. Each Fit() call builds a new model and
// never mutates the input graph or traces.
package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// Backend runs dynamic fitting.
type Backend interface {
	// FitDynamic fits mechanisms for every node of g from traces.
	FitDynamic(ctx context.Context, g *graph.CausalGraph, t *Traces, opts Options) (*DynamicResult, error)
}

// InProcessBackend fits in the calling process.
type InProcessBackend struct{}

// FitDynamic implements Backend.
func (InProcessBackend) FitDynamic(ctx context.Context, g *graph.CausalGraph, t *Traces, opts Options) (*DynamicResult, error) {
	return fitDynamic(ctx, g, t, opts)
}

// FitterOptions configures Fitter behavior.
type FitterOptions struct {
	// Backend runs dynamic fits.
	// Default: InProcessBackend
	Backend Backend

	// Logger receives debug and warning output.
	// Default: slog.Default()
	Logger *slog.Logger
}

// FitterOption is a functional option for configuring Fitter.
type FitterOption func(*FitterOptions)

// WithBackend sets the dynamic fitting backend.
func WithBackend(b Backend) FitterOption {
	return func(o *FitterOptions) {
		o.Backend = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FitterOption {
	return func(o *FitterOptions) {
		o.Logger = l
	}
}

// Fitter produces fitted causal models.
type Fitter struct {
	backend Backend
	logger  *slog.Logger
}

// NewFitter creates a new Fitter.
//
// Example:
//
//	f := fit.NewFitter(fit.WithBackend(&fit.SubprocessBackend{}))
func NewFitter(opts ...FitterOption) *Fitter {
	var o FitterOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Backend == nil {
		o.Backend = InProcessBackend{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Fitter{backend: o.Backend, logger: o.Logger}
}

// Fit assigns a mechanism to every node of g.
//
// Description:
//
//	With nil traces or opts.StaticOnly, linear mechanisms are inferred
//	from node definitions and the model is marked not_validated. Otherwise
//	the backend fits families to the traces and the model status reflects
//	the mean validation R² against opts.R2Threshold. A status of
//	validation_failed still returns the model.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	g - A frozen, valid causal graph. Not modified.
//	traces - One column per node id. May be nil.
//	opts - Fit options; zero fields take DefaultOptions values.
//
// Outputs:
//
//	*model.FittedCausalModel - The new model.
//	error - *DataError, *FittingError, ErrInvalidOptions or a graph error.
func (f *Fitter) Fit(ctx context.Context, g *graph.CausalGraph, traces *Traces, opts Options) (*model.FittedCausalModel, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: ctx must not be nil", ErrInvalidOptions)
	}
	if g == nil {
		return nil, graph.NewGraphBuildError("graph must not be nil")
	}
	opts = withDefaults(opts)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	static := traces == nil || opts.StaticOnly
	start := time.Now()
	ctx, span := startFitSpan(ctx, g.NodeCount(), traces.Len(), static)
	defer span.End()

	m, err := f.fit(ctx, g, traces, opts, static)
	duration := time.Since(start)
	if m != nil {
		m.Metadata.DurationMilli = duration.Milliseconds()
	}
	recordFitMetrics(ctx, duration, m, static, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Debug("mechanism fit failed", "nodes", g.NodeCount(), "error", err)
		return nil, err
	}

	setFitSpanResult(span, m)
	span.SetStatus(codes.Ok, "")
	f.logger.Debug("mechanism fit complete",
		"model", m.ID,
		"status", m.Metadata.Status,
		"mean_r2", m.Metadata.MeanR2,
		"duration", duration,
	)
	for _, w := range m.Metadata.Warnings {
		f.logger.Warn(w, "model", m.ID)
	}
	return m, nil
}

func (f *Fitter) fit(ctx context.Context, g *graph.CausalGraph, traces *Traces, opts Options, static bool) (*model.FittedCausalModel, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	m := &model.FittedCausalModel{
		ID:    uuid.NewString(),
		Graph: g,
		Metadata: model.Metadata{
			StaticOnly:  static,
			Quality:     string(opts.Quality),
			R2Threshold: opts.minR2(),
			Seed:        opts.Seed,
		},
	}

	if static {
		mechs, families, defaulted := fitStatic(g)
		m.Mechanisms = mechs
		m.Metadata.Families = families
		m.Metadata.DefaultedNodes = defaulted
		m.Metadata.Status = model.StatusNotValidated
		if len(defaulted) > 0 {
			m.Metadata.Warnings = append(m.Metadata.Warnings,
				fmt.Sprintf("%d nodes defaulted to unit coefficients", len(defaulted)))
		}
	} else {
		res, err := f.backend.FitDynamic(ctx, g, traces, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				return nil, fmt.Errorf("mechanism fit canceled: %w", ctxErr)
			}
			return nil, err
		}
		m.Mechanisms = res.Mechanisms
		m.Metadata.Families = res.Families
		m.Metadata.NodeR2 = res.NodeR2
		m.Metadata.MeanR2 = res.MeanR2()
		m.Metadata.TraceCount = res.TraceCount
		m.Metadata.DroppedRows = res.DroppedRows
		m.Metadata.MissingPolicy = model.MissingPolicyDropRows
		m.Metadata.Warnings = res.Warnings
		m.Metadata.Status = dynamicStatus(res, opts.minR2())
	}

	if err := m.Validate(); err != nil {
		return nil, &FittingError{Reason: "fitted model is inconsistent", Cause: err}
	}
	m.Metadata.FittedAtMilli = time.Now().UnixMilli()
	return m, nil
}

func dynamicStatus(res *DynamicResult, threshold float64) model.Status {
	switch {
	case res.MeanR2() < threshold:
		return model.StatusValidationFailed
	case res.DroppedRows > 0 || len(res.Warnings) > 0:
		return model.StatusWarning
	default:
		return model.StatusSuccess
	}
}

// withDefaults fills zero-valued options from DefaultOptions.
func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.Quality == "" {
		o.Quality = d.Quality
	}
	if o.R2Threshold == nil {
		o.R2Threshold = d.R2Threshold
	}
	if o.TrainFraction == 0 {
		o.TrainFraction = d.TrainFraction
	}
	if o.MinRows == 0 {
		o.MinRows = d.MinRows
	}
	return o
}
