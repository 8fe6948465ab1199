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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// =============================================================================
// FIXTURES
// =============================================================================

func frozenGraph(t *testing.T, nodes []*graph.CausalNode, edges ...[2]string) *graph.CausalGraph {
	t.Helper()
	g := graph.NewCausalGraph()
	for _, n := range nodes {
		n.Kind = graph.NodeKindVariable
		require.NoError(t, g.AddNode(n))
	}
	for _, e := range edges {
		_, err := g.AddEdge(e[0], e[1], graph.EdgeKindDataFlow)
		require.NoError(t, err)
	}
	require.NoError(t, g.Validate())
	g.Freeze()
	return g
}

// forkModel is X, Y → Z with Z = X + Y + N(0, 0.5²), a flag F = (Z > 0)
// as a boolean child of Z, and a counter C as an integer root.
func forkModel(t *testing.T) *model.FittedCausalModel {
	t.Helper()
	g := frozenGraph(t,
		[]*graph.CausalNode{
			{ID: "var:X"},
			{ID: "var:Y"},
			{ID: "var:Z"},
			{ID: "var:F", Domain: graph.DomainBoolean},
			{ID: "var:C", Domain: graph.DomainInteger},
		},
		[2]string{"var:X", "var:Z"},
		[2]string{"var:Y", "var:Z"},
		[2]string{"var:Z", "var:F"},
		[2]string{"var:C", "var:F"},
	)
	m := &model.FittedCausalModel{
		ID:    "fork",
		Graph: g,
		Mechanisms: map[string]mechanism.Mechanism{
			"var:X": mechanism.NewUnknown(graph.DomainContinuous),
			"var:Y": mechanism.NewUnknown(graph.DomainContinuous),
			"var:C": mechanism.NewUnknown(graph.DomainInteger),
			"var:Z": &mechanism.Linear{
				ParentIDs:    []string{"var:X", "var:Y"},
				Coefficients: []float64{1, 1},
				NoiseStd:     0.5,
				Dom:          graph.DomainContinuous,
			},
			"var:F": &mechanism.Linear{
				ParentIDs:    []string{"var:C", "var:Z"},
				Coefficients: []float64{0, 1},
				Intercept:    0.5,
				Dom:          graph.DomainBoolean,
			},
		},
		Metadata: model.Metadata{Status: model.StatusNotValidated, StaticOnly: true},
	}
	require.NoError(t, m.Validate())
	return m
}

// =============================================================================
// TESTS
// =============================================================================

func TestEstimateImpact_ForkSeparatesCauseFromSibling(t *testing.T) {
	est, err := NewEngine().EstimateImpact(context.Background(), forkModel(t),
		map[string]float64{"var:X": 10}, WithObserve("var:Y"))
	require.NoError(t, err)

	assert.Equal(t, []string{"var:F", "var:Y", "var:Z"}, est.NodeIDs())
	assert.NotContains(t, est.Effects, "var:X", "intervened nodes are not reported")
	assert.NotContains(t, est.Effects, "var:C", "unreached nodes are omitted")

	z := est.Effects["var:Z"]
	assert.True(t, z.Downstream)
	assert.True(t, z.Standardized)
	assert.True(t, z.Significant(), "Z interval %v..%v must exclude 0", z.CILower, z.CIUpper)
	assert.Greater(t, z.EffectSize, 5.0)
	assert.InDelta(t, 10, z.InterventionMean, 0.2)

	y := est.Effects["var:Y"]
	assert.False(t, y.Downstream)
	assert.False(t, y.Significant(), "Y interval %v..%v must include 0", y.CILower, y.CIUpper)
	assert.Zero(t, y.EffectSize, "common random numbers leave non-descendants unchanged")

	f := est.Effects["var:F"]
	assert.True(t, f.Downstream)
	assert.InDelta(t, 1, f.InterventionMean, 1e-9, "Z≈10 forces the flag on")

	assert.Equal(t, map[string]float64{"var:X": 10}, est.Intervention)
	assert.Equal(t, DefaultNumSamples, est.NumSamples)
	assert.Equal(t, DefaultBootstrapResamples, est.BootstrapResamples)
}

func TestEstimateImpact_IntervalsContainPointEstimate(t *testing.T) {
	m := forkModel(t)
	e := NewEngine()
	for seed := uint64(1); seed <= 5; seed++ {
		for _, v := range []float64{-3, 0, 0.25, 4} {
			est, err := e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": v},
				WithSeed(seed), WithNumSamples(200), WithObserve("var:Y", "var:C"))
			require.NoError(t, err)
			for id, imp := range est.Effects {
				assert.LessOrEqual(t, imp.CILower, imp.EffectSize, "seed=%d v=%v node=%s", seed, v, id)
				assert.GreaterOrEqual(t, imp.CIUpper, imp.EffectSize, "seed=%d v=%v node=%s", seed, v, id)
			}
		}
	}
}

func TestEstimateImpact_SameSeedSameResult(t *testing.T) {
	m := forkModel(t)
	e := NewEngine()

	a, err := e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 2}, WithSeed(99))
	require.NoError(t, err)
	b, err := e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 2}, WithSeed(99))
	require.NoError(t, err)
	assert.Equal(t, a.Effects, b.Effects)

	c, err := e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 2}, WithSeed(100))
	require.NoError(t, err)
	assert.NotEqual(t, a.Effects["var:Z"].BaselineMean, c.Effects["var:Z"].BaselineMean)
}

func TestEstimateImpact_MultiNodeIntervention(t *testing.T) {
	est, err := NewEngine().EstimateImpact(context.Background(), forkModel(t),
		map[string]float64{"var:X": 3, "var:Y": 4})
	require.NoError(t, err)

	assert.Equal(t, []string{"var:F", "var:Z"}, est.NodeIDs())
	assert.InDelta(t, 7, est.Effects["var:Z"].InterventionMean, 0.1)
}

func TestEstimateImpact_ZeroVarianceBaselineIsRawDifference(t *testing.T) {
	g := frozenGraph(t, []*graph.CausalNode{{ID: "var:X"}, {ID: "var:Y"}}, [2]string{"var:X", "var:Y"})
	m := &model.FittedCausalModel{
		ID:    "const",
		Graph: g,
		Mechanisms: map[string]mechanism.Mechanism{
			"var:X": &mechanism.Unknown{Mean: 3, Std: 0, Dom: graph.DomainContinuous},
			"var:Y": &mechanism.Linear{ParentIDs: []string{"var:X"}, Coefficients: []float64{2}, Dom: graph.DomainContinuous},
		},
	}

	est, err := NewEngine().EstimateImpact(context.Background(), m, map[string]float64{"var:X": 5})
	require.NoError(t, err)

	y := est.Effects["var:Y"]
	assert.False(t, y.Standardized)
	assert.Equal(t, 4.0, y.EffectSize)
	assert.Equal(t, 4.0, y.CILower)
	assert.Equal(t, 4.0, y.CIUpper)
}

func TestEstimateImpact_UnknownNode(t *testing.T) {
	_, err := NewEngine().EstimateImpact(context.Background(), forkModel(t), map[string]float64{"var:nope": 1})

	var nf *graph.NodeNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "var:nope", nf.ID)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	_, err = NewEngine().EstimateImpact(context.Background(), forkModel(t),
		map[string]float64{"var:X": 1}, WithObserve("var:ghost"))
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestEstimateImpact_ValueOutsideDomain(t *testing.T) {
	tests := []struct {
		name  string
		node  string
		value float64
	}{
		{"fractional boolean", "var:F", 0.5},
		{"boolean two", "var:F", 2},
		{"fractional integer", "var:C", 2.5},
		{"NaN", "var:X", math.NaN()},
		{"infinity", "var:X", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine().EstimateImpact(context.Background(), forkModel(t), map[string]float64{tt.node: tt.value})
			var ie *InterventionError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.node, ie.NodeID)
			assert.ErrorIs(t, err, ErrInvalidIntervention)
		})
	}
}

func TestEstimateImpact_RejectsBadQueries(t *testing.T) {
	e := NewEngine()
	m := forkModel(t)

	_, err := e.EstimateImpact(context.Background(), nil, map[string]float64{"var:X": 1})
	assert.ErrorIs(t, err, ErrNoModel)

	_, err = e.EstimateImpact(context.Background(), m, nil)
	assert.ErrorIs(t, err, ErrInvalidIntervention)

	_, err = e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 1}, WithNumSamples(1))
	assert.ErrorIs(t, err, ErrInvalidIntervention)

	_, err = e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 1}, WithBootstrapResamples(0))
	assert.ErrorIs(t, err, ErrInvalidIntervention)
}

func TestEstimateImpact_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().EstimateImpact(ctx, forkModel(t), map[string]float64{"var:X": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateImpact_ResolvesAliases(t *testing.T) {
	g := graph.NewCausalGraph()
	for _, id := range []string{"var:x", "var:y", "var:z"} {
		require.NoError(t, g.AddNode(&graph.CausalNode{ID: id, Kind: graph.NodeKindVariable}))
	}
	_, err := g.AddEdge("var:x", "var:y", graph.EdgeKindDataFlow)
	require.NoError(t, err)
	_, err = g.AddEdge("var:y", "var:z", graph.EdgeKindDataFlow)
	require.NoError(t, err)
	_, err = g.AddEdge("var:z", "var:y", graph.EdgeKindDataFlow)
	require.NoError(t, err)
	rep, err := g.Collapse([]string{"var:y", "var:z"})
	require.NoError(t, err)
	require.Equal(t, "var:y", rep)
	g.Freeze()

	m := &model.FittedCausalModel{
		ID:    "alias",
		Graph: g,
		Mechanisms: map[string]mechanism.Mechanism{
			"var:x": mechanism.NewUnknown(graph.DomainContinuous),
			"var:y": &mechanism.Linear{ParentIDs: []string{"var:x"}, Coefficients: []float64{1}, NoiseStd: 1, Dom: graph.DomainContinuous},
		},
	}
	require.NoError(t, m.Validate())

	est, err := NewEngine().EstimateImpact(context.Background(), m, map[string]float64{"var:x": 1}, WithObserve("var:z"))
	require.NoError(t, err)
	assert.Equal(t, []string{"var:y"}, est.NodeIDs())
}

func TestEstimateImpact_SerializationRoundTrip(t *testing.T) {
	g := frozenGraph(t,
		[]*graph.CausalNode{
			{ID: "var:X"},
			{ID: "var:Y", Definition: ast.Bin("+", ast.Bin("*", ast.Num(2), ast.Ident("var:X")), ast.Num(1))},
			{ID: "var:Z", Definition: ast.Bin("-", ast.Ident("var:Y"), ast.Num(3))},
		},
		[2]string{"var:X", "var:Y"},
		[2]string{"var:Y", "var:Z"},
	)
	r := rand.New(rand.NewPCG(3, 4))
	cols := map[string][]float64{"var:X": {}, "var:Y": {}, "var:Z": {}}
	for i := 0; i < 400; i++ {
		x := r.NormFloat64() * 3
		y := 2*x + 1 + r.NormFloat64()*0.5
		cols["var:X"] = append(cols["var:X"], x)
		cols["var:Y"] = append(cols["var:Y"], y)
		cols["var:Z"] = append(cols["var:Z"], y-3+r.NormFloat64()*0.5)
	}
	traces, err := fit.NewTraces(cols)
	require.NoError(t, err)

	for _, static := range []bool{true, false} {
		t.Run(fmt.Sprintf("static=%v", static), func(t *testing.T) {
			opts := fit.DefaultOptions()
			opts.StaticOnly = static
			m, err := fit.NewFitter().Fit(context.Background(), g, traces, opts)
			require.NoError(t, err)

			data, err := model.Marshal(m)
			require.NoError(t, err)
			back, err := model.Unmarshal(data)
			require.NoError(t, err)

			e := NewEngine()
			want, err := e.EstimateImpact(context.Background(), m, map[string]float64{"var:X": 4}, WithSeed(5))
			require.NoError(t, err)
			got, err := e.EstimateImpact(context.Background(), back, map[string]float64{"var:X": 4}, WithSeed(5))
			require.NoError(t, err)
			assert.Equal(t, want.Effects, got.Effects)
		})
	}
}

func TestEstimateImpact_TenNodeChainIsFast(t *testing.T) {
	nodes := []*graph.CausalNode{{ID: "var:n0"}}
	var edges [][2]string
	mechs := map[string]mechanism.Mechanism{"var:n0": mechanism.NewUnknown(graph.DomainContinuous)}
	for i := 1; i <= 10; i++ {
		id, prev := fmt.Sprintf("var:n%d", i), fmt.Sprintf("var:n%d", i-1)
		nodes = append(nodes, &graph.CausalNode{ID: id})
		edges = append(edges, [2]string{prev, id})
		mechs[id] = &mechanism.Linear{ParentIDs: []string{prev}, Coefficients: []float64{0.9}, NoiseStd: 0.3, Dom: graph.DomainContinuous}
	}
	m := &model.FittedCausalModel{ID: "chain", Graph: frozenGraph(t, nodes, edges...), Mechanisms: mechs}

	start := time.Now()
	est, err := NewEngine().EstimateImpact(context.Background(), m, map[string]float64{"var:n0": 2})
	require.NoError(t, err)
	assert.Len(t, est.Effects, 10)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseValues(t *testing.T) {
	got, err := ParseValues(map[string]any{
		"var:a": 1.5,
		"var:b": true,
		"var:c": false,
		"var:d": json.Number("7"),
		"var:e": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"var:a": 1.5, "var:b": 1, "var:c": 0, "var:d": 7, "var:e": 3}, got)

	_, err = ParseValues(map[string]any{"var:s": "high"})
	var ie *InterventionError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "var:s", ie.NodeID)

	_, err = ParseValues(map[string]any{"var:n": nil})
	assert.ErrorIs(t, err, ErrInvalidIntervention)
}
