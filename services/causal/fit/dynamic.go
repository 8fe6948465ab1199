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
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

// splitStream is XORed with the seed to derive the second PCG word.
const splitStream = 0x9e3779b97f4a7c15

// DynamicResult is the outcome of fitting mechanisms from traces.
type DynamicResult struct {
	Mechanisms  map[string]mechanism.Mechanism
	NodeR2      map[string]float64
	Families    map[string]mechanism.Type
	TraceCount  int
	DroppedRows int
	Warnings    []string
}

// MeanR2 returns the mean validation R² over fitted non-root nodes, or 1
// when there are none.
func (r *DynamicResult) MeanR2() float64 {
	if len(r.NodeR2) == 0 {
		return 1
	}
	sum := 0.0
	for _, v := range r.NodeR2 {
		sum += v
	}
	return sum / float64(len(r.NodeR2))
}

// dataset holds the cleaned rows for the graph's columns, indexed by node id.
type dataset struct {
	index map[string]int
	rows  [][]float64
}

func (d *dataset) node(id string, rows []int) []float64 {
	j := d.index[id]
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = d.rows[r][j]
	}
	return out
}

func (d *dataset) sample(parents []string, child string, rows []int) sample {
	s := sample{X: make([][]float64, len(rows)), Y: d.node(child, rows)}
	for i, r := range rows {
		x := make([]float64, len(parents))
		for j, p := range parents {
			x[j] = d.rows[r][d.index[p]]
		}
		s.X[i] = x
	}
	return s
}

// prepare checks column coverage and drops rows with missing values.
func prepare(g *graph.CausalGraph, t *Traces, minRows int) (*dataset, int, error) {
	if err := t.Validate(); err != nil {
		return nil, 0, err
	}
	col := make(map[string]int, len(t.Columns))
	for j, c := range t.Columns {
		col[c] = j
	}

	ids := g.NodeIDs()
	var missing []string
	for _, id := range ids {
		if _, ok := col[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, 0, &DataError{Missing: missing}
	}

	d := &dataset{index: make(map[string]int, len(ids))}
	for j, id := range ids {
		d.index[id] = j
	}
	dropped := 0
	for _, row := range t.Rows {
		clean := make([]float64, len(ids))
		ok := true
		for j, id := range ids {
			v := row[col[id]]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
			clean[j] = v
		}
		if !ok {
			dropped++
			continue
		}
		d.rows = append(d.rows, clean)
	}
	if len(d.rows) < minRows {
		return nil, dropped, &DataError{Reason: fmt.Sprintf(
			"%d usable rows after dropping %d with missing values, need at least %d",
			len(d.rows), dropped, minRows)}
	}
	return d, dropped, nil
}

// split shuffles row indices by seed and returns train and validation sets.
func split(n int, fraction float64, seed uint64) ([]int, []int) {
	perm := rand.New(rand.NewPCG(seed, seed^splitStream)).Perm(n)
	nTrain := int(math.Round(float64(n) * fraction))
	if nTrain < 1 {
		nTrain = 1
	}
	if nTrain > n-1 {
		nTrain = n - 1
	}
	return perm[:nTrain], perm[nTrain:]
}

// fitDynamic fits every node's mechanism from traces.
//
// Description:
//
//	Roots get an empirical mechanism over their training values. Non-root
//	nodes are fit concurrently: each tries the configured families on the
//	training rows and keeps the best validation R², preferring the
//	simplest family within SelectionTolerance.
//
// Outputs:
//
//	*DynamicResult - Mechanisms and per-node scores.
//	error - *DataError for unusable traces, *FittingError if a node has no
//	        usable family, or the context error.
func fitDynamic(ctx context.Context, g *graph.CausalGraph, t *Traces, opts Options) (*DynamicResult, error) {
	d, dropped, err := prepare(g, t, opts.MinRows)
	if err != nil {
		return nil, err
	}
	train, val := split(len(d.rows), opts.TrainFraction, opts.Seed)

	res := &DynamicResult{
		Mechanisms:  make(map[string]mechanism.Mechanism, g.NodeCount()),
		NodeR2:      make(map[string]float64),
		Families:    make(map[string]mechanism.Type, g.NodeCount()),
		TraceCount:  len(d.rows),
		DroppedRows: dropped,
	}
	if dropped > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("dropped %d rows with missing values (policy=drop_rows)", dropped))
	}

	var mu sync.Mutex
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	grp, gCtx := errgroup.WithContext(ctx)
	grp.SetLimit(workers)

	// Roots are filled before any worker starts so the result maps are
	// only written under mu once the group is running.
	var inner []*graph.CausalNode
	for _, n := range g.Nodes() {
		if len(g.Parents(n.ID)) > 0 {
			inner = append(inner, n)
			continue
		}
		res.Mechanisms[n.ID] = &mechanism.Empirical{Values: d.node(n.ID, train), Dom: n.Domain}
		res.Families[n.ID] = mechanism.TypeEmpirical
	}

	for _, n := range inner {
		n := n
		parents := g.Parents(n.ID)
		grp.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			best, warn, err := selectFamily(n, parents, d.sample(parents, n.ID, train), d.sample(parents, n.ID, val), opts)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			res.Mechanisms[n.ID] = best.mech
			res.NodeR2[n.ID] = best.r2
			res.Families[n.ID] = best.mech.Type()
			if warn != "" {
				res.Warnings = append(res.Warnings, warn)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(res.Warnings)
	return res, nil
}

// selectFamily fits each configured family and picks the winner.
//
// Outputs:
//
//	candidate - The selected mechanism and its validation R².
//	string - A warning when a fallback family was used, else "".
//	error - *FittingError when no family produced a usable mechanism.
func selectFamily(n *graph.CausalNode, parents []string, train, val sample, opts Options) (candidate, string, error) {
	var (
		cands   []candidate
		lastErr error
	)
	for _, fam := range opts.families() {
		c, err := fitFamily(fam, n.Domain, parents, train, val, opts)
		if err != nil {
			lastErr = err
			continue
		}
		cands = append(cands, c)
	}

	warn := ""
	if len(cands) == 0 && len(opts.Families) == 0 && opts.Quality == QualityFast {
		c, err := fitFamily(mechanism.TypeEmpirical, n.Domain, parents, train, val, opts)
		if err == nil {
			cands = append(cands, c)
			warn = fmt.Sprintf("node %s: linear fit failed, fell back to empirical", n.ID)
		} else {
			lastErr = err
		}
	}
	if len(cands) == 0 {
		return candidate{}, "", &FittingError{NodeID: n.ID, Reason: "no mechanism family could be fit", Cause: lastErr}
	}
	return pick(cands), warn, nil
}

// pick returns the lowest-complexity candidate within SelectionTolerance
// of the best R².
func pick(cands []candidate) candidate {
	best := cands[0].r2
	for _, c := range cands[1:] {
		if c.r2 > best {
			best = c.r2
		}
	}
	var chosen *candidate
	for i := range cands {
		c := &cands[i]
		if c.r2 < best-SelectionTolerance {
			continue
		}
		if chosen == nil || c.mech.Type().Complexity() < chosen.mech.Type().Complexity() {
			chosen = c
		}
	}
	return *chosen
}

func fitFamily(fam mechanism.Type, dom graph.Domain, parents []string, train, val sample, opts Options) (candidate, error) {
	switch fam {
	case mechanism.TypeLinear:
		m, err := fitLinear(parents, dom, train)
		if err != nil {
			return candidate{}, err
		}
		return score(m, val)

	case mechanism.TypeAdditive:
		m, err := fitAdditive(parents, dom, train, opts.knotQuantiles())
		if err != nil {
			return candidate{}, err
		}
		return score(m, val)

	case mechanism.TypeEmpirical:
		k := chooseNeighbours(parents, dom, train, opts.neighbourCandidates())
		m, err := fitEmpirical(parents, dom, train, val, k)
		if err != nil {
			return candidate{}, err
		}
		return score(m, val)
	}
	return candidate{}, fmt.Errorf("unsupported family %q", fam)
}

func score(m mechanism.Mechanism, val sample) (candidate, error) {
	if err := m.Validate(); err != nil {
		return candidate{}, err
	}
	r2, err := validationR2(m, val)
	if err != nil {
		return candidate{}, err
	}
	return candidate{mech: m, r2: r2}, nil
}
