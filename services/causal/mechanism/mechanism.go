// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mechanism defines the functional causal mechanisms attached to
// graph nodes.
//
// A mechanism maps the values of a node's parents (in the graph's canonical
// parent order) to the node's value, plus noise. Mechanisms are immutable
// once fit and are safe for concurrent use.
//
// The families form a closed set:
//
//	linear    - intercept + Σ coef·parent + N(0, noise)
//	empirical - observed values (roots) or k-nearest-neighbour regression
//	additive  - intercept + Σ per-parent hinge expansions + N(0, noise)
//	unknown   - exogenous placeholder, N(mean, std) or Bernoulli(mean)
package mechanism

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

// Type is the mechanism family tag.
type Type string

const (
	// TypeLinear is an ordinary linear mechanism.
	TypeLinear Type = "linear"

	// TypeEmpirical is a data-driven mechanism (resampling or k-NN).
	TypeEmpirical Type = "empirical"

	// TypeAdditive is a generalized additive mechanism with hinge bases.
	TypeAdditive Type = "additive"

	// TypeUnknown is an exogenous placeholder for roots without data.
	TypeUnknown Type = "unknown"
)

// Complexity orders families from simplest to most flexible; used to
// break near-ties during model selection.
func (t Type) Complexity() int {
	switch t {
	case TypeUnknown:
		return 0
	case TypeLinear:
		return 1
	case TypeAdditive:
		return 2
	case TypeEmpirical:
		return 3
	default:
		return math.MaxInt
	}
}

// ErrInvalidMechanism indicates inconsistent mechanism parameters.
var ErrInvalidMechanism = errors.New("invalid mechanism")

// Mechanism computes a node's value from its parents.
//
// Thread Safety:
//
//	Implementations are immutable and safe for concurrent use. Sample
//	draws all randomness from src.
type Mechanism interface {
	// Type returns the family tag.
	Type() Type

	// Parents returns the parent ids in the order Predict expects.
	Parents() []string

	// Domain returns the node's value domain.
	Domain() graph.Domain

	// Predict returns the expected value given parent values.
	Predict(parents []float64) float64

	// Sample draws one value given parent values. The number of draws
	// taken from src does not depend on the parent values, so two runs
	// sharing a stream stay aligned.
	Sample(parents []float64, src rand.Source) float64

	// Validate checks parameter consistency.
	Validate() error
}

// =============================================================================
// LINEAR
// =============================================================================

// Linear is value = Intercept + Σ Coefficients[i]·parents[i] + N(0, NoiseStd).
type Linear struct {
	ParentIDs    []string     `json:"parents"`
	Coefficients []float64    `json:"coefficients"`
	Intercept    float64      `json:"intercept"`
	NoiseStd     float64      `json:"noise_std"`
	Dom          graph.Domain `json:"domain"`
}

// Type implements Mechanism.
func (m *Linear) Type() Type { return TypeLinear }

// Parents implements Mechanism.
func (m *Linear) Parents() []string { return m.ParentIDs }

// Domain implements Mechanism.
func (m *Linear) Domain() graph.Domain { return m.Dom }

// Predict implements Mechanism.
func (m *Linear) Predict(parents []float64) float64 {
	v := m.Intercept
	for i, c := range m.Coefficients {
		v += c * parents[i]
	}
	return v
}

// Sample implements Mechanism.
func (m *Linear) Sample(parents []float64, src rand.Source) float64 {
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}.Rand()
	return m.Dom.Coerce(m.Predict(parents) + m.NoiseStd*noise)
}

// Validate implements Mechanism.
func (m *Linear) Validate() error {
	if len(m.Coefficients) != len(m.ParentIDs) {
		return fmt.Errorf("%w: linear has %d coefficients for %d parents",
			ErrInvalidMechanism, len(m.Coefficients), len(m.ParentIDs))
	}
	if m.NoiseStd < 0 || !finite(m.NoiseStd) || !finite(m.Intercept) || !allFinite(m.Coefficients) {
		return fmt.Errorf("%w: linear parameters must be finite, noise non-negative", ErrInvalidMechanism)
	}
	return nil
}

// =============================================================================
// EMPIRICAL
// =============================================================================

// Empirical is a data-driven mechanism.
//
// For a root (no parents) it resamples the observed Values. For a non-root
// it predicts the mean target of the K nearest training Points, distance
// measured on parents standardized by Scale, and samples by adding a
// randomly drawn training Residual.
type Empirical struct {
	ParentIDs []string     `json:"parents,omitempty"`
	Values    []float64    `json:"values,omitempty"`
	Points    [][]float64  `json:"points,omitempty"`
	Targets   []float64    `json:"targets,omitempty"`
	Scale     []float64    `json:"scale,omitempty"`
	K         int          `json:"k,omitempty"`
	Residuals []float64    `json:"residuals,omitempty"`
	Dom       graph.Domain `json:"domain"`
}

// Type implements Mechanism.
func (m *Empirical) Type() Type { return TypeEmpirical }

// Parents implements Mechanism.
func (m *Empirical) Parents() []string { return m.ParentIDs }

// Domain implements Mechanism.
func (m *Empirical) Domain() graph.Domain { return m.Dom }

// Predict implements Mechanism.
func (m *Empirical) Predict(parents []float64) float64 {
	if len(m.ParentIDs) == 0 {
		return stat.Mean(m.Values, nil)
	}
	return m.knn(parents)
}

// Sample implements Mechanism.
func (m *Empirical) Sample(parents []float64, src rand.Source) float64 {
	r := rand.New(src)
	if len(m.ParentIDs) == 0 {
		return m.Dom.Coerce(m.Values[r.IntN(len(m.Values))])
	}
	v := m.knn(parents)
	if len(m.Residuals) > 0 {
		v += m.Residuals[r.IntN(len(m.Residuals))]
	} else {
		r.Uint64()
	}
	return m.Dom.Coerce(v)
}

type neighbour struct {
	dist float64
	idx  int
}

func (m *Empirical) knn(parents []float64) float64 {
	k := m.K
	if k <= 0 || k > len(m.Points) {
		k = len(m.Points)
	}
	best := make([]neighbour, 0, k+1)
	for i, p := range m.Points {
		d := 0.0
		for j, x := range p {
			diff := x - parents[j]
			if s := m.Scale[j]; s > 0 {
				diff /= s
			}
			d += diff * diff
		}
		if len(best) == k && d >= best[k-1].dist {
			continue
		}
		pos := sort.Search(len(best), func(n int) bool { return best[n].dist > d })
		best = append(best, neighbour{})
		copy(best[pos+1:], best[pos:])
		best[pos] = neighbour{dist: d, idx: i}
		if len(best) > k {
			best = best[:k]
		}
	}
	sum := 0.0
	for _, n := range best {
		sum += m.Targets[n.idx]
	}
	return sum / float64(len(best))
}

// Validate implements Mechanism.
func (m *Empirical) Validate() error {
	if len(m.ParentIDs) == 0 {
		if len(m.Values) == 0 {
			return fmt.Errorf("%w: empirical root has no values", ErrInvalidMechanism)
		}
		if !allFinite(m.Values) {
			return fmt.Errorf("%w: empirical values must be finite", ErrInvalidMechanism)
		}
		return nil
	}
	if len(m.Points) == 0 || len(m.Points) != len(m.Targets) {
		return fmt.Errorf("%w: empirical has %d points and %d targets",
			ErrInvalidMechanism, len(m.Points), len(m.Targets))
	}
	if len(m.Scale) != len(m.ParentIDs) {
		return fmt.Errorf("%w: empirical scale has %d entries for %d parents",
			ErrInvalidMechanism, len(m.Scale), len(m.ParentIDs))
	}
	for i, p := range m.Points {
		if len(p) != len(m.ParentIDs) {
			return fmt.Errorf("%w: empirical point %d has %d values for %d parents",
				ErrInvalidMechanism, i, len(p), len(m.ParentIDs))
		}
	}
	return nil
}

// =============================================================================
// ADDITIVE
// =============================================================================

// Additive is value = Intercept + Σ_j f_j(parents[j]) + N(0, NoiseStd) where
//
//	f_j(x) = Linear[j]·x + Σ_k Hinge[j][k]·max(0, x − Knots[j][k])
type Additive struct {
	ParentIDs []string     `json:"parents"`
	Intercept float64      `json:"intercept"`
	Linear    []float64    `json:"linear"`
	Knots     [][]float64  `json:"knots"`
	Hinge     [][]float64  `json:"hinge"`
	NoiseStd  float64      `json:"noise_std"`
	Dom       graph.Domain `json:"domain"`
}

// Type implements Mechanism.
func (m *Additive) Type() Type { return TypeAdditive }

// Parents implements Mechanism.
func (m *Additive) Parents() []string { return m.ParentIDs }

// Domain implements Mechanism.
func (m *Additive) Domain() graph.Domain { return m.Dom }

// Predict implements Mechanism.
func (m *Additive) Predict(parents []float64) float64 {
	v := m.Intercept
	for j, x := range parents[:len(m.ParentIDs)] {
		v += m.Linear[j] * x
		for k, knot := range m.Knots[j] {
			if x > knot {
				v += m.Hinge[j][k] * (x - knot)
			}
		}
	}
	return v
}

// Sample implements Mechanism.
func (m *Additive) Sample(parents []float64, src rand.Source) float64 {
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}.Rand()
	return m.Dom.Coerce(m.Predict(parents) + m.NoiseStd*noise)
}

// Validate implements Mechanism.
func (m *Additive) Validate() error {
	n := len(m.ParentIDs)
	if len(m.Linear) != n || len(m.Knots) != n || len(m.Hinge) != n {
		return fmt.Errorf("%w: additive terms do not match %d parents", ErrInvalidMechanism, n)
	}
	for j := range m.Knots {
		if len(m.Knots[j]) != len(m.Hinge[j]) {
			return fmt.Errorf("%w: additive parent %d has %d knots and %d hinge coefficients",
				ErrInvalidMechanism, j, len(m.Knots[j]), len(m.Hinge[j]))
		}
	}
	if m.NoiseStd < 0 || !finite(m.NoiseStd) {
		return fmt.Errorf("%w: additive noise must be finite and non-negative", ErrInvalidMechanism)
	}
	return nil
}

// =============================================================================
// UNKNOWN
// =============================================================================

// Unknown is an exogenous placeholder for a root without data.
//
// Boolean nodes draw Bernoulli(Mean); others draw N(Mean, Std).
type Unknown struct {
	Mean float64      `json:"mean"`
	Std  float64      `json:"std"`
	Dom  graph.Domain `json:"domain"`
}

// NewUnknown returns the default exogenous mechanism for a domain:
// Bernoulli(0.5) for booleans, N(0, 1) otherwise.
func NewUnknown(d graph.Domain) *Unknown {
	if d == graph.DomainBoolean {
		return &Unknown{Mean: 0.5, Dom: d}
	}
	return &Unknown{Mean: 0, Std: 1, Dom: d}
}

// Type implements Mechanism.
func (m *Unknown) Type() Type { return TypeUnknown }

// Parents implements Mechanism.
func (m *Unknown) Parents() []string { return nil }

// Domain implements Mechanism.
func (m *Unknown) Domain() graph.Domain { return m.Dom }

// Predict implements Mechanism.
func (m *Unknown) Predict([]float64) float64 { return m.Mean }

// Sample implements Mechanism.
func (m *Unknown) Sample(_ []float64, src rand.Source) float64 {
	if m.Dom == graph.DomainBoolean {
		return distuv.Bernoulli{P: m.Mean, Src: src}.Rand()
	}
	return m.Dom.Coerce(distuv.Normal{Mu: m.Mean, Sigma: m.Std, Src: src}.Rand())
}

// Validate implements Mechanism.
func (m *Unknown) Validate() error {
	if !finite(m.Mean) || !finite(m.Std) || m.Std < 0 {
		return fmt.Errorf("%w: unknown needs finite mean and non-negative std", ErrInvalidMechanism)
	}
	if m.Dom == graph.DomainBoolean && (m.Mean < 0 || m.Mean > 1) {
		return fmt.Errorf("%w: boolean probability %v outside [0, 1]", ErrInvalidMechanism, m.Mean)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}
