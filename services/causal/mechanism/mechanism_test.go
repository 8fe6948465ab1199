// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mechanism

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

func TestLinear_PredictAndSample(t *testing.T) {
	m := &Linear{ParentIDs: []string{"var:x"}, Coefficients: []float64{2}, Intercept: 1, Dom: graph.DomainContinuous}
	require.NoError(t, m.Validate())

	assert.Equal(t, 21.0, m.Predict([]float64{10}))
	assert.Equal(t, 21.0, m.Sample([]float64{10}, rand.NewPCG(1, 2)), "zero noise samples the prediction")
}

func TestLinear_SampleIsReproducible(t *testing.T) {
	m := &Linear{ParentIDs: []string{"a"}, Coefficients: []float64{1}, NoiseStd: 3, Dom: graph.DomainContinuous}

	a := m.Sample([]float64{0}, rand.NewPCG(7, 7))
	b := m.Sample([]float64{0}, rand.NewPCG(7, 7))
	assert.Equal(t, a, b)
}

func TestLinear_BooleanDomainCoerces(t *testing.T) {
	m := &Linear{ParentIDs: []string{"a"}, Coefficients: []float64{0.3}, Dom: graph.DomainBoolean}
	assert.Equal(t, 1.0, m.Sample([]float64{2}, rand.NewPCG(1, 1)))
	assert.Equal(t, 0.0, m.Sample([]float64{1}, rand.NewPCG(1, 1)))
}

func TestLinear_ValidateMismatch(t *testing.T) {
	m := &Linear{ParentIDs: []string{"a", "b"}, Coefficients: []float64{1}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidMechanism)
}

func TestEmpirical_RootResamplesObservedValues(t *testing.T) {
	m := &Empirical{Values: []float64{1, 2, 3}, Dom: graph.DomainContinuous}
	require.NoError(t, m.Validate())
	assert.Equal(t, 2.0, m.Predict(nil))

	src := rand.NewPCG(3, 4)
	for i := 0; i < 50; i++ {
		v := m.Sample(nil, src)
		assert.Contains(t, []float64{1, 2, 3}, v)
	}
}

func TestEmpirical_KNN(t *testing.T) {
	m := &Empirical{
		ParentIDs: []string{"x"},
		Points:    [][]float64{{0}, {1}, {2}, {10}, {11}},
		Targets:   []float64{0, 10, 20, 100, 110},
		Scale:     []float64{1},
		K:         2,
		Dom:       graph.DomainContinuous,
	}
	require.NoError(t, m.Validate())

	assert.Equal(t, 105.0, m.Predict([]float64{10.6}))
	assert.Equal(t, 5.0, m.Predict([]float64{0.4}))
	assert.Equal(t, 5.0, m.Sample([]float64{0.4}, rand.NewPCG(1, 1)), "no residuals means no noise")
}

func TestEmpirical_ValidateShape(t *testing.T) {
	assert.Error(t, (&Empirical{}).Validate())
	assert.Error(t, (&Empirical{ParentIDs: []string{"x"}, Points: [][]float64{{1}}, Targets: []float64{1}}).Validate())
}

func TestAdditive_Predict(t *testing.T) {
	m := &Additive{
		ParentIDs: []string{"x"},
		Intercept: 1,
		Linear:    []float64{1},
		Knots:     [][]float64{{5}},
		Hinge:     [][]float64{{2}},
		Dom:       graph.DomainContinuous,
	}
	require.NoError(t, m.Validate())

	assert.Equal(t, 4.0, m.Predict([]float64{3}))
	assert.Equal(t, 1.0+7+2*2, m.Predict([]float64{7}))
}

func TestUnknown_Defaults(t *testing.T) {
	b := NewUnknown(graph.DomainBoolean)
	assert.Equal(t, 0.5, b.Mean)
	src := rand.NewPCG(9, 9)
	for i := 0; i < 20; i++ {
		v := b.Sample(nil, src)
		assert.True(t, v == 0 || v == 1)
	}

	c := NewUnknown(graph.DomainContinuous)
	assert.Equal(t, 0.0, c.Mean)
	assert.Equal(t, 1.0, c.Std)
	require.NoError(t, c.Validate())

	i := NewUnknown(graph.DomainInteger)
	v := i.Sample(nil, rand.NewPCG(5, 5))
	assert.Equal(t, float64(int64(v)), v)
}

func TestType_Complexity(t *testing.T) {
	assert.Less(t, TypeLinear.Complexity(), TypeAdditive.Complexity())
	assert.Less(t, TypeAdditive.Complexity(), TypeEmpirical.Complexity())
}

func TestEnvelope_DecodePreservesBehaviour(t *testing.T) {
	orig := map[string]Mechanism{
		"var:y": &Linear{ParentIDs: []string{"var:x"}, Coefficients: []float64{0.1 + 0.2}, Intercept: 1.0 / 3, NoiseStd: 0.5, Dom: graph.DomainContinuous},
		"var:x": &Empirical{Values: []float64{1.5, 2.25}, Dom: graph.DomainContinuous},
		"var:b": NewUnknown(graph.DomainBoolean),
	}

	envs, err := EncodeAll(orig)
	require.NoError(t, err)

	data, err := json.Marshal(envs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"linear"`)

	var decodedEnvs map[string]Envelope
	require.NoError(t, json.Unmarshal(data, &decodedEnvs))
	decoded, err := DecodeAll(decodedEnvs)
	require.NoError(t, err)

	for id, m := range orig {
		d := decoded[id]
		require.NotNil(t, d, id)
		assert.Equal(t, m, d, id)
		parents := make([]float64, len(m.Parents()))
		assert.Equal(t, m.Sample(parents, rand.NewPCG(1, 2)), d.Sample(parents, rand.NewPCG(1, 2)), id)
	}
}

func TestEnvelope_TypeTags(t *testing.T) {
	tests := []struct {
		m    Mechanism
		want string
	}{
		{&Linear{ParentIDs: []string{"a"}, Coefficients: []float64{1}, Dom: graph.DomainContinuous}, "linear"},
		{NewUnknown(graph.DomainContinuous), "unknown"},
		{&Empirical{Values: []float64{1, 2}, Dom: graph.DomainContinuous}, "empirical"},
		{&Additive{ParentIDs: []string{"a"}, Linear: []float64{1}, Knots: [][]float64{{5}}, Hinge: [][]float64{{2}}, Dom: graph.DomainContinuous}, "additive"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			env, err := Encode(tt.m)
			require.NoError(t, err)
			data, err := json.Marshal(env)
			require.NoError(t, err)
			var raw struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, tt.want, raw.Type)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(Envelope{Type: "spline", Params: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidMechanism)

	_, err = Decode(Envelope{Type: TypeLinear, Params: json.RawMessage(`{"parents":["a"],"coefficients":[]}`)})
	assert.ErrorIs(t, err, ErrInvalidMechanism)

	_, err = Decode(Envelope{Type: TypeLinear, Params: json.RawMessage(`not json`)})
	assert.ErrorIs(t, err, ErrInvalidMechanism)
}
