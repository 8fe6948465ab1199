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
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

// ridgePenalty is added to the normal equations when a design matrix is
// rank deficient (constant or duplicated parent columns).
const ridgePenalty = 1e-8

var errSingular = errors.New("design matrix is singular")

// sample is one node's training or validation data: X holds parent values
// in canonical parent order, Y the node's own value.
type sample struct {
	X [][]float64
	Y []float64
}

// column returns the j-th parent column.
func (s sample) column(j int) []float64 {
	out := make([]float64, len(s.X))
	for i, row := range s.X {
		out[i] = row[j]
	}
	return out
}

// candidate is one fitted family with its validation score.
type candidate struct {
	mech mechanism.Mechanism
	r2   float64
}

// =============================================================================
// SCORING
// =============================================================================

// validationR2 scores a mechanism on held-out data.
//
// Description:
//
//	Predictions are coerced into the node's domain first. When the held-out
//	target has no variance, R² is 1 for an exact fit and 0 otherwise.
func validationR2(m mechanism.Mechanism, val sample) (float64, error) {
	pred := make([]float64, len(val.Y))
	for i, x := range val.X {
		pred[i] = m.Domain().Coerce(m.Predict(x))
	}
	return rSquared(pred, val.Y)
}

func rSquared(pred, actual []float64) (float64, error) {
	if len(actual) == 0 {
		return 0, errors.New("no validation rows")
	}
	if stat.Variance(actual, nil) == 0 || len(actual) == 1 {
		tol := 1e-9 * (1 + math.Abs(actual[0]))
		for i := range actual {
			if math.Abs(pred[i]-actual[i]) > tol {
				return 0, nil
			}
		}
		return 1, nil
	}
	r2 := stat.RSquaredFrom(pred, actual, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		return 0, errors.New("validation R² is not finite")
	}
	return r2, nil
}

// =============================================================================
// LEAST SQUARES
// =============================================================================

// leastSquares solves min ‖A·β − y‖ for a design with a leading intercept
// column. A rank-deficient design is retried with a small ridge penalty on
// the non-intercept coefficients.
func leastSquares(design [][]float64, y []float64) ([]float64, error) {
	n := len(design)
	if n == 0 {
		return nil, errors.New("no training rows")
	}
	p := len(design[0])

	beta, err := solve(design, y, 0)
	if err == nil {
		return beta, nil
	}
	beta, rerr := solve(design, y, ridgePenalty*float64(n))
	if rerr != nil {
		return nil, fmt.Errorf("%w (%d rows, %d columns): %v", errSingular, n, p, err)
	}
	return beta, nil
}

func solve(design [][]float64, y []float64, lambda float64) ([]float64, error) {
	n, p := len(design), len(design[0])
	rows := n
	if lambda > 0 {
		rows += p - 1
	}
	a := mat.NewDense(rows, p, nil)
	b := mat.NewVecDense(rows, nil)
	for i, row := range design {
		a.SetRow(i, row)
		b.SetVec(i, y[i])
	}
	if lambda > 0 {
		s := math.Sqrt(lambda)
		for j := 1; j < p; j++ {
			a.Set(n+j-1, j, s)
		}
	}

	// Any mat.Condition error means the design is numerically singular.
	var beta mat.VecDense
	if err := beta.SolveVec(a, b); err != nil {
		return nil, err
	}
	out := make([]float64, p)
	for j := range out {
		out[j] = beta.AtVec(j)
	}
	if !floatsFinite(out) {
		return nil, errSingular
	}
	return out, nil
}

func floatsFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// residualStd is the standard deviation of y − prediction on training rows.
func residualStd(m mechanism.Mechanism, train sample) float64 {
	if len(train.Y) < 2 {
		return 0
	}
	res := make([]float64, len(train.Y))
	for i, x := range train.X {
		res[i] = train.Y[i] - m.Predict(x)
	}
	sd := stat.StdDev(res, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}

// =============================================================================
// FAMILIES
// =============================================================================

// fitLinear fits intercept + Σ coef·parent by ordinary least squares.
func fitLinear(parents []string, dom graph.Domain, train sample) (*mechanism.Linear, error) {
	design := make([][]float64, len(train.X))
	for i, x := range train.X {
		row := make([]float64, 0, len(x)+1)
		row = append(row, 1)
		row = append(row, x...)
		design[i] = row
	}
	beta, err := leastSquares(design, train.Y)
	if err != nil {
		return nil, err
	}
	m := &mechanism.Linear{
		ParentIDs:    parents,
		Intercept:    beta[0],
		Coefficients: beta[1:],
		Dom:          dom,
	}
	m.NoiseStd = residualStd(m, train)
	return m, nil
}

// knots returns hinge locations for one parent column: the requested
// quantiles of the training values, deduplicated, strictly inside the
// observed range.
func knots(col []float64, quantiles []float64) []float64 {
	sorted := append([]float64(nil), col...)
	sort.Float64s(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]

	out := make([]float64, 0, len(quantiles))
	for _, q := range quantiles {
		k := stat.Quantile(q, stat.Empirical, sorted, nil)
		if k <= lo || k >= hi {
			continue
		}
		if len(out) > 0 && scalar.EqualWithinAbs(out[len(out)-1], k, 1e-12) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// fitAdditive fits an additive model with a linear term and hinge terms
// max(0, x − knot) per parent.
func fitAdditive(parents []string, dom graph.Domain, train sample, quantiles []float64) (*mechanism.Additive, error) {
	if len(train.X) == 0 {
		return nil, errors.New("no training rows")
	}
	ks := make([][]float64, len(parents))
	width := 1
	for j := range parents {
		ks[j] = knots(train.column(j), quantiles)
		width += 1 + len(ks[j])
	}

	design := make([][]float64, len(train.X))
	for i, x := range train.X {
		row := make([]float64, 0, width)
		row = append(row, 1)
		for j, v := range x {
			row = append(row, v)
			for _, k := range ks[j] {
				row = append(row, math.Max(0, v-k))
			}
		}
		design[i] = row
	}
	beta, err := leastSquares(design, train.Y)
	if err != nil {
		return nil, err
	}

	m := &mechanism.Additive{
		ParentIDs: parents,
		Intercept: beta[0],
		Linear:    make([]float64, len(parents)),
		Knots:     ks,
		Hinge:     make([][]float64, len(parents)),
		Dom:       dom,
	}
	pos := 1
	for j := range parents {
		m.Linear[j] = beta[pos]
		pos++
		m.Hinge[j] = append([]float64{}, beta[pos:pos+len(ks[j])]...)
		pos += len(ks[j])
	}
	m.NoiseStd = residualStd(m, train)
	return m, nil
}

// fitEmpirical builds a k-nearest-neighbour mechanism. The held-out
// residuals become the noise pool.
func fitEmpirical(parents []string, dom graph.Domain, train, val sample, k int) (*mechanism.Empirical, error) {
	if len(train.X) == 0 {
		return nil, errors.New("no training rows")
	}
	m := &mechanism.Empirical{
		ParentIDs: parents,
		Points:    make([][]float64, len(train.X)),
		Targets:   append([]float64(nil), train.Y...),
		Scale:     make([]float64, len(parents)),
		K:         k,
		Dom:       dom,
	}
	for i, x := range train.X {
		m.Points[i] = append([]float64(nil), x...)
	}
	for j := range parents {
		if len(train.X) > 1 {
			if sd := stat.StdDev(train.column(j), nil); !math.IsNaN(sd) {
				m.Scale[j] = sd
			}
		}
	}
	m.Residuals = make([]float64, len(val.Y))
	for i, x := range val.X {
		m.Residuals[i] = val.Y[i] - m.Predict(x)
	}
	return m, nil
}

// chooseNeighbours picks k for an empirical fit using only training rows:
// it fits on the first 80% of train and scores on the remainder. The
// validation split stays unseen until the chosen k is scored.
func chooseNeighbours(parents []string, dom graph.Domain, train sample, ks []int) int {
	if len(ks) == 1 {
		return ks[0]
	}
	cut := len(train.X) * 4 / 5
	if cut < 1 || cut >= len(train.X) {
		return ks[0]
	}
	head := sample{X: train.X[:cut], Y: train.Y[:cut]}
	tail := sample{X: train.X[cut:], Y: train.Y[cut:]}

	bestK, bestR2 := ks[0], math.Inf(-1)
	for _, k := range ks {
		m, err := fitEmpirical(parents, dom, head, tail, k)
		if err != nil {
			continue
		}
		c, err := score(m, tail)
		if err != nil {
			continue
		}
		if c.r2 > bestR2 {
			bestK, bestR2 = k, c.r2
		}
	}
	return bestK
}
