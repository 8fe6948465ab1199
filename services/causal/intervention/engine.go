// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intervention answers "do" queries against a fitted causal model:
// force one or more nodes to fixed values and estimate the standardized
// effect on every downstream node, with bootstrap confidence intervals.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Queries never modify the model.
package intervention

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

const (
	// bootstrapStream separates the bootstrap generator from node streams.
	bootstrapStream = 0xb5ad4eceda1ce2a9

	ciLowerQuantile = 0.025
	ciUpperQuantile = 0.975
)

// NodeImpact is the estimated effect of an intervention on one node.
type NodeImpact struct {
	// NodeID is the affected node.
	NodeID string `json:"node_id"`

	// EffectSize is (mean(do) − mean(base)) / std(base), or the raw mean
	// difference when Standardized is false.
	EffectSize float64 `json:"effect_size"`

	// CILower and CIUpper bound the 95% bootstrap interval. The interval
	// always contains EffectSize.
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`

	// BaselineMean is the mean without intervention.
	BaselineMean float64 `json:"baseline_mean"`

	// InterventionMean is the mean under intervention.
	InterventionMean float64 `json:"intervention_mean"`

	// BaselineStd is the sample standard deviation without intervention.
	BaselineStd float64 `json:"baseline_std"`

	// Standardized is false when the baseline has zero variance.
	Standardized bool `json:"standardized"`

	// Downstream is true when the node is reachable from an intervened node.
	Downstream bool `json:"downstream"`
}

// Significant reports whether the confidence interval excludes zero.
func (n NodeImpact) Significant() bool {
	return n.CILower > 0 || n.CIUpper < 0
}

// ImpactEstimate is the result of one intervention query.
type ImpactEstimate struct {
	// ModelID is the queried model.
	ModelID string `json:"model_id"`

	// Intervention echoes the applied values keyed by canonical node id.
	Intervention map[string]float64 `json:"intervention"`

	// Effects holds one entry per reported node.
	Effects map[string]NodeImpact `json:"effects"`

	// NumSamples is the number of samples per arm.
	NumSamples int `json:"num_samples"`

	// BootstrapResamples is the number of bootstrap resamples.
	BootstrapResamples int `json:"bootstrap_resamples"`

	// Seed is the seed used.
	Seed uint64 `json:"seed"`

	// DurationMicro is how long the query took.
	DurationMicro int64 `json:"duration_micro"`
}

// NodeIDs returns the reported node ids in sorted order.
func (e *ImpactEstimate) NodeIDs() []string {
	ids := make([]string, 0, len(e.Effects))
	for id := range e.Effects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EngineOptions configures Engine behavior.
type EngineOptions struct {
	// Defaults are the query options used before per-call options.
	Defaults QueryOptions

	// Logger receives debug output.
	// Default: slog.Default()
	Logger *slog.Logger
}

// EngineOption is a functional option for configuring Engine.
type EngineOption func(*EngineOptions)

// WithDefaults sets the default query options.
func WithDefaults(q QueryOptions) EngineOption {
	return func(o *EngineOptions) {
		o.Defaults = q
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *EngineOptions) {
		o.Logger = l
	}
}

// Engine estimates intervention effects.
type Engine struct {
	defaults QueryOptions
	logger   *slog.Logger
}

// NewEngine creates a new Engine.
func NewEngine(opts ...EngineOption) *Engine {
	o := EngineOptions{Defaults: DefaultQueryOptions()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Engine{defaults: o.Defaults, logger: o.Logger}
}

// EstimateImpact estimates the effect of forcing nodes to fixed values.
//
// Description:
//
//	Draws NumSamples baseline samples and NumSamples intervened samples in
//	topological order. Both arms share per-node random streams (common
//	random numbers), so nodes not downstream of the intervention are
//	identical in both arms. All forced values are applied together.
//	Effects are reported for every node reachable from an intervened node
//	plus any Observe nodes, each with a paired-bootstrap 95% interval.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	m - The fitted model. Not modified.
//	values - Forced values keyed by node id or alias. Must not be empty.
//	opts - Per-query options.
//
// Outputs:
//
//	*ImpactEstimate - The per-node effects.
//	error - *graph.NodeNotFoundError for unknown ids, *InterventionError
//	        for values outside a node's domain, or the context error.
//
// Example:
//
//	est, err := engine.EstimateImpact(ctx, m, map[string]float64{"var:X": 10},
//	    intervention.WithSeed(7))
func (e *Engine) EstimateImpact(ctx context.Context, m *model.FittedCausalModel, values map[string]float64, opts ...Option) (*ImpactEstimate, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: ctx must not be nil", ErrInvalidIntervention)
	}
	if m == nil || m.Graph == nil {
		return nil, ErrNoModel
	}
	q := e.defaults
	q.Observe = append([]string(nil), e.defaults.Observe...)
	for _, opt := range opts {
		opt(&q)
	}

	start := time.Now()
	ctx, span := startQuerySpan(ctx, m.ID, len(values), q.NumSamples)
	defer span.End()

	est, err := e.estimate(ctx, m, values, q)
	duration := time.Since(start)
	recordQueryMetrics(ctx, duration, est, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("intervention query failed", "model", m.ID, "error", err)
		return nil, err
	}
	est.DurationMicro = duration.Microseconds()
	span.SetAttributes(attribute.Int("causal.reported_nodes", len(est.Effects)))
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("intervention query complete",
		"model", m.ID,
		"reported", len(est.Effects),
		"duration", duration,
	)
	return est, nil
}

func (e *Engine) estimate(ctx context.Context, m *model.FittedCausalModel, values map[string]float64, q QueryOptions) (*ImpactEstimate, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	forced, err := resolveIntervention(m.Graph, values)
	if err != nil {
		return nil, err
	}
	report, downstream, err := reportedNodes(m.Graph, forced, q.Observe)
	if err != nil {
		return nil, err
	}

	base, do, err := simulate(ctx, m, forced, downstream, q)
	if err != nil {
		return nil, err
	}

	est := &ImpactEstimate{
		ModelID:            m.ID,
		Intervention:       forced,
		Effects:            make(map[string]NodeImpact, len(report)),
		NumSamples:         q.NumSamples,
		BootstrapResamples: q.BootstrapResamples,
		Seed:               q.Seed,
	}
	for _, id := range report {
		est.Effects[id] = pointEstimate(id, base[id], do[id], downstream[id])
	}
	if err := bootstrap(ctx, est, base, do, report, q); err != nil {
		return nil, err
	}
	return est, nil
}

// resolveIntervention maps keys to canonical ids and checks domains.
func resolveIntervention(g *graph.CausalGraph, values map[string]float64) (map[string]float64, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no nodes to intervene on", ErrInvalidIntervention)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	forced := make(map[string]float64, len(values))
	for _, k := range keys {
		id, err := g.Resolve(k)
		if err != nil {
			return nil, err
		}
		n, _ := g.Node(id)
		v := values[k]
		if !n.Domain.Contains(v) {
			return nil, &InterventionError{NodeID: id, Value: v, Domain: n.Domain, Reason: "value outside node domain"}
		}
		if prev, ok := forced[id]; ok && prev != v {
			return nil, &InterventionError{NodeID: id, Value: v, Domain: n.Domain,
				Reason: fmt.Sprintf("conflicts with %v forced through another alias", prev)}
		}
		forced[id] = v
	}
	return forced, nil
}

// reportedNodes returns the nodes to report, sorted, and the set of nodes
// reachable from the intervention.
func reportedNodes(g *graph.CausalGraph, forced map[string]float64, observe []string) ([]string, map[string]bool, error) {
	ids := make([]string, 0, len(forced))
	for id := range forced {
		ids = append(ids, id)
	}
	downstream := make(map[string]bool)
	for _, id := range g.Descendants(ids...) {
		if _, isForced := forced[id]; !isForced {
			downstream[id] = true
		}
	}

	set := make(map[string]bool, len(downstream)+len(observe))
	for id := range downstream {
		set[id] = true
	}
	for _, o := range observe {
		id, err := g.Resolve(o)
		if err != nil {
			return nil, nil, err
		}
		set[id] = true
	}

	report := make([]string, 0, len(set))
	for id := range set {
		report = append(report, id)
	}
	sort.Strings(report)
	return report, downstream, nil
}

// nodeSeed derives a per-node stream id from the node id.
func nodeSeed(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// simulate draws both arms in topological order.
//
// Outputs:
//
//	map[string][]float64 - Baseline samples per node.
//	map[string][]float64 - Intervened samples per node. Nodes outside the
//	                       intervention's reach share the baseline slice.
func simulate(ctx context.Context, m *model.FittedCausalModel, forced map[string]float64, downstream map[string]bool, q QueryOptions) (map[string][]float64, map[string][]float64, error) {
	order, err := m.Graph.TopologicalOrder()
	if err != nil {
		return nil, nil, err
	}

	n := q.NumSamples
	base := make(map[string][]float64, len(order))
	do := make(map[string][]float64, len(order))

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		mech, ok := m.Mechanisms[id]
		if !ok || mech == nil {
			return nil, nil, fmt.Errorf("%w: no mechanism for node %s", model.ErrInvalidModel, id)
		}
		parents := mech.Parents()
		pv := make([]float64, len(parents))

		seed := nodeSeed(id)
		baseSrc := rand.NewPCG(q.Seed, seed)
		b := make([]float64, n)
		for s := 0; s < n; s++ {
			for j, p := range parents {
				pv[j] = base[p][s]
			}
			b[s] = mech.Sample(pv, baseSrc)
		}
		base[id] = b

		if v, isForced := forced[id]; isForced {
			d := make([]float64, n)
			for s := range d {
				d[s] = v
			}
			do[id] = d
			continue
		}
		if !downstream[id] {
			do[id] = b
			continue
		}

		doSrc := rand.NewPCG(q.Seed, seed)
		d := make([]float64, n)
		for s := 0; s < n; s++ {
			for j, p := range parents {
				pv[j] = do[p][s]
			}
			d[s] = mech.Sample(pv, doSrc)
		}
		do[id] = d
	}
	return base, do, nil
}

// pointEstimate computes one node's effect from the full samples.
func pointEstimate(id string, base, do []float64, downstream bool) NodeImpact {
	bMean, bStd := stat.MeanStdDev(base, nil)
	dMean := stat.Mean(do, nil)
	imp := NodeImpact{
		NodeID:           id,
		BaselineMean:     bMean,
		InterventionMean: dMean,
		BaselineStd:      bStd,
		Downstream:       downstream,
	}
	imp.EffectSize, imp.Standardized = effect(bMean, dMean, bStd)
	return imp
}

func effect(bMean, dMean, bStd float64) (float64, bool) {
	diff := dMean - bMean
	if bStd > 0 && !math.IsNaN(bStd) {
		return diff / bStd, true
	}
	return diff, false
}

// bootstrap fills the confidence intervals by resampling sample indices,
// the same indices for both arms and every node.
func bootstrap(ctx context.Context, est *ImpactEstimate, base, do map[string][]float64, report []string, q QueryOptions) error {
	r := rand.New(rand.NewPCG(q.Seed, bootstrapStream))
	n := q.NumSamples

	effects := make(map[string][]float64, len(report))
	for _, id := range report {
		effects[id] = make([]float64, 0, q.BootstrapResamples)
	}

	idx := make([]int, n)
	bs := make([]float64, n)
	ds := make([]float64, n)
	for b := 0; b < q.BootstrapResamples; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range idx {
			idx[i] = r.IntN(n)
		}
		for _, id := range report {
			bv, dv := base[id], do[id]
			for i, k := range idx {
				bs[i] = bv[k]
				ds[i] = dv[k]
			}
			bMean, bStd := stat.MeanStdDev(bs, nil)
			dMean := stat.Mean(ds, nil)
			if est.Effects[id].Standardized {
				e, _ := effect(bMean, dMean, bStd)
				effects[id] = append(effects[id], e)
			} else {
				effects[id] = append(effects[id], dMean-bMean)
			}
		}
	}

	for _, id := range report {
		sorted := effects[id]
		sort.Float64s(sorted)
		imp := est.Effects[id]
		imp.CILower = stat.Quantile(ciLowerQuantile, stat.LinInterp, sorted, nil)
		imp.CIUpper = stat.Quantile(ciUpperQuantile, stat.LinInterp, sorted, nil)
		imp.CILower = math.Min(imp.CILower, imp.EffectSize)
		imp.CIUpper = math.Max(imp.CIUpper, imp.EffectSize)
		est.Effects[id] = imp
	}
	return nil
}
