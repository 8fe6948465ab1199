// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package causal exposes the causal reasoning pipeline over HTTP.
//
// Service chains GraphBuilder → MechanismFitter → InterventionEngine and
// keeps fitted models in a ModelStore so that one fit serves many
// impact queries. Handlers and RegisterRoutes put it behind gin.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package causal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCausal/services/causal/builder"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

// ServiceVersion is the causal service version.
const ServiceVersion = "0.1.0"

// DefaultModelCacheSize is the number of decoded models kept in memory.
const DefaultModelCacheSize = 64

const tracerName = "aleutian.causal.service"

// Sentinel errors for the service layer.
var (
	// ErrNoStore is returned by NewService without a model store.
	ErrNoStore = errors.New("model store must not be nil")

	// ErrInvalidRequest indicates a request missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// ModelStore persists fitted models. storage/badger.ModelStore implements it.
type ModelStore interface {
	Put(ctx context.Context, m *model.FittedCausalModel) error
	Get(ctx context.Context, id string) (*model.FittedCausalModel, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Summary, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

// ServiceOptions configures Service.
type ServiceOptions struct {
	// BuilderOptions are applied to every build before per-request overrides.
	BuilderOptions []builder.BuilderOption

	// FitDefaults are the fit options before per-request overrides.
	// Default: fit.DefaultOptions()
	FitDefaults fit.Options

	// Fitter fits mechanisms. Default: in-process fitter.
	Fitter *fit.Fitter

	// Engine answers impact queries. Default: intervention.NewEngine().
	Engine *intervention.Engine

	// CacheSize bounds the decoded-model cache. Default: DefaultModelCacheSize.
	CacheSize int

	// Logger receives service logs. Default: slog.Default().
	Logger *slog.Logger
}

// ServiceOption is a functional option for configuring Service.
type ServiceOption func(*ServiceOptions)

// WithBuilderOptions sets the base builder options.
func WithBuilderOptions(opts ...builder.BuilderOption) ServiceOption {
	return func(o *ServiceOptions) {
		o.BuilderOptions = append(o.BuilderOptions, opts...)
	}
}

// WithFitDefaults sets the base fit options.
func WithFitDefaults(f fit.Options) ServiceOption {
	return func(o *ServiceOptions) {
		o.FitDefaults = f
	}
}

// WithFitter sets the fitter.
func WithFitter(f *fit.Fitter) ServiceOption {
	return func(o *ServiceOptions) {
		o.Fitter = f
	}
}

// WithEngine sets the intervention engine.
func WithEngine(e *intervention.Engine) ServiceOption {
	return func(o *ServiceOptions) {
		o.Engine = e
	}
}

// WithCacheSize sets the decoded-model cache size.
func WithCacheSize(n int) ServiceOption {
	return func(o *ServiceOptions) {
		o.CacheSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *ServiceOptions) {
		o.Logger = l
	}
}

// =============================================================================
// SERVICE
// =============================================================================

// Service runs the causal pipeline and manages fitted models.
type Service struct {
	store  ModelStore
	opts   ServiceOptions
	fitter *fit.Fitter
	engine *intervention.Engine
	cache  *lru.Cache[string, *model.FittedCausalModel]
	logger *slog.Logger
}

// NewService creates a Service backed by store.
//
// Inputs:
//
//	store - Model persistence. Must not be nil.
//	opts - Functional options.
//
// Outputs:
//
//	*Service - The service.
//	error - ErrNoStore, or a cache construction error.
func NewService(store ModelStore, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	o := ServiceOptions{FitDefaults: fit.DefaultOptions(), CacheSize: DefaultModelCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Fitter == nil {
		o.Fitter = fit.NewFitter(fit.WithLogger(o.Logger))
	}
	if o.Engine == nil {
		o.Engine = intervention.NewEngine(intervention.WithLogger(o.Logger))
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultModelCacheSize
	}
	cache, err := lru.New[string, *model.FittedCausalModel](o.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}
	return &Service{
		store:  store,
		opts:   o,
		fitter: o.Fitter,
		engine: o.Engine,
		cache:  cache,
		logger: o.Logger,
	}, nil
}

// BuildGraph builds a causal graph without fitting or storing it.
func (s *Service) BuildGraph(ctx context.Context, req *BuildRequest) (*builder.BuildResult, error) {
	if req == nil || req.Module == nil {
		return nil, fmt.Errorf("%w: module is required", ErrInvalidRequest)
	}
	opts := append([]builder.BuilderOption{}, s.opts.BuilderOptions...)
	if req.Recursion != "" {
		opts = append(opts, builder.WithRecursionPolicy(builder.RecursionPolicy(req.Recursion)))
	}
	if len(req.SinkFunctions) > 0 {
		opts = append(opts, builder.WithSinkFunctions(req.SinkFunctions...))
	}
	return builder.NewBuilder(opts...).Build(ctx, req.Module, req.CallGraph, req.ControlFlow)
}

// CreateModel builds, fits and stores a model.
//
// Description:
//
//	Builds the graph from req, fits mechanisms (statically when req has
//	no traces) with the configured fit options overlaid by req.Fit, and
//	persists the result. A validation_failed model is still stored.
//
// Outputs:
//
//	*model.FittedCausalModel - The stored model.
//	[]string - Builder warnings.
//	error - Build, fit or storage error.
func (s *Service) CreateModel(ctx context.Context, req *CreateModelRequest) (*model.FittedCausalModel, []string, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.CreateModel")
	defer span.End()

	if req == nil {
		err := fmt.Errorf("%w: request is required", ErrInvalidRequest)
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	built, err := s.BuildGraph(ctx, &req.BuildRequest)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}

	m, err := s.fitter.Fit(ctx, built.Graph, req.Traces, mergeFitOptions(s.opts.FitDefaults, req.Fit))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	if err := s.store.Put(ctx, m); err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, fmt.Errorf("storing model: %w", err)
	}
	s.cache.Add(m.ID, m)

	span.SetAttributes(
		attribute.String("causal.model_id", m.ID),
		attribute.String("causal.status", string(m.Metadata.Status)),
	)
	telemetry.SetSpanOK(span)
	telemetry.LoggerWithTrace(ctx, s.logger).Info("causal model created",
		"model_id", m.ID,
		"status", m.Metadata.Status,
		"nodes", built.Graph.NodeCount(),
		"mean_r2", m.Metadata.MeanR2,
	)
	return m, built.Warnings, nil
}

// GetModel returns a stored model, from cache when possible.
func (s *Service) GetModel(ctx context.Context, id string) (*model.FittedCausalModel, error) {
	if m, ok := s.cache.Get(id); ok {
		return m, nil
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, m)
	return m, nil
}

// ListModels returns summaries of all stored models.
func (s *Service) ListModels(ctx context.Context) ([]model.Summary, error) {
	return s.store.List(ctx)
}

// DeleteModel removes a stored model.
func (s *Service) DeleteModel(ctx context.Context, id string) error {
	s.cache.Remove(id)
	return s.store.Delete(ctx, id)
}

// EstimateImpact runs an intervention query against a stored model.
func (s *Service) EstimateImpact(ctx context.Context, id string, req *ImpactRequest) (*intervention.ImpactEstimate, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.EstimateImpact",
		trace.WithAttributes(attribute.String("causal.model_id", id)))
	defer span.End()

	if req == nil || len(req.Interventions) == 0 {
		err := fmt.Errorf("%w: interventions are required", ErrInvalidRequest)
		telemetry.RecordError(span, err)
		return nil, err
	}
	values, err := intervention.ParseValues(req.Interventions)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	m, err := s.GetModel(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var opts []intervention.Option
	if req.NumSamples > 0 {
		opts = append(opts, intervention.WithNumSamples(req.NumSamples))
	}
	if req.Seed != nil {
		opts = append(opts, intervention.WithSeed(*req.Seed))
	}
	if req.BootstrapResamples > 0 {
		opts = append(opts, intervention.WithBootstrapResamples(req.BootstrapResamples))
	}
	if len(req.Observe) > 0 {
		opts = append(opts, intervention.WithObserve(req.Observe...))
	}

	est, err := s.engine.EstimateImpact(ctx, m, values, opts...)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanOK(span)
	return est, nil
}

// mergeFitOptions overlays the non-zero fields of override on base.
func mergeFitOptions(base fit.Options, override *fit.Options) fit.Options {
	if override == nil {
		return base
	}
	out := base
	if override.StaticOnly {
		out.StaticOnly = true
	}
	if override.Quality != "" {
		out.Quality = override.Quality
	}
	if override.R2Threshold != nil {
		out.R2Threshold = override.R2Threshold
	}
	if override.TrainFraction > 0 {
		out.TrainFraction = override.TrainFraction
	}
	if override.Seed != 0 {
		out.Seed = override.Seed
	}
	if len(override.Families) > 0 {
		out.Families = override.Families
	}
	if override.MinRows > 0 {
		out.MinRows = override.MinRows
	}
	if override.Workers > 0 {
		out.Workers = override.Workers
	}
	return out
}
