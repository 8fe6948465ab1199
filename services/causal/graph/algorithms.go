// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"sort"
)

// =============================================================================
// ORDERING
// =============================================================================

// TopologicalOrder returns node ids such that every edge goes forward.
//
// Description:
//
//	Kahn's algorithm with a lexicographic tie-break, so equal graphs always
//	produce the same order. Frozen graphs return a cached copy.
//
// Outputs:
//
//	[]string - Ids in topological order.
//	error - *CyclicGraphError if the graph has a cycle.
func (g *CausalGraph) TopologicalOrder() ([]string, error) {
	if g.topo != nil {
		return append([]string(nil), g.topo...), nil
	}
	return g.kahn()
}

func (g *CausalGraph) kahn() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for k := range g.edges {
		inDegree[k.to]++
	}

	// ready is kept sorted; the smallest id is taken first.
	ready := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		for _, e := range g.out[id] {
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				ready = insertSorted(ready, e.To)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CyclicGraphError{Cycle: g.FindCycle()}
	}
	return result, nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// =============================================================================
// CYCLES
// =============================================================================

// FindCycle returns one cycle path (first id repeated at the end), or nil
// if the graph is acyclic.
//
// Description:
//
//	Depth-first search with white/gray/black colouring, visiting nodes and
//	children in sorted order so the reported cycle is deterministic.
func (g *CausalGraph) FindCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, child := range g.Children(id) {
			switch color[child] {
			case gray:
				for i, s := range stack {
					if s == child {
						cycle = append(append([]string(nil), stack[i:]...), child)
						return true
					}
				}
			case white:
				if visit(child) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.NodeIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// StronglyConnectedComponents returns every SCC with more than one node,
// each sorted, ordered by first member.
//
// Description:
//
//	Tarjan's algorithm. Self-loops are not reported; use SelfLoops.
func (g *CausalGraph) StronglyConnectedComponents() [][]string {
	index := 0
	stack := make([]string, 0)
	onStack := make(map[string]bool)
	indices := make(map[string]int)
	lowlinks := make(map[string]int)
	var sccs [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Children(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				if lowlinks[w] < lowlinks[v] {
					lowlinks[v] = lowlinks[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlinks[v] {
					lowlinks[v] = indices[w]
				}
			}
		}

		if lowlinks[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 {
				sort.Strings(scc)
				sccs = append(sccs, scc)
			}
		}
	}

	for _, v := range g.NodeIDs() {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}

	sort.Slice(sccs, func(i, j int) bool { return sccs[i][0] < sccs[j][0] })
	return sccs
}

// SelfLoops returns the edges whose source and target coincide.
func (g *CausalGraph) SelfLoops() []*CausalEdge {
	var out []*CausalEdge
	for _, e := range g.Edges() {
		if e.From == e.To {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// CONNECTIVITY
// =============================================================================

// WeaklyConnectedComponents returns the components of the undirected
// version of the graph, each sorted, largest first (ties by first id).
func (g *CausalGraph) WeaklyConnectedComponents() [][]string {
	visited := make(map[string]bool, len(g.nodes))
	var comps [][]string

	for _, start := range g.NodeIDs() {
		if visited[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, e := range g.out[id] {
				if !visited[e.To] {
					visited[e.To] = true
					queue = append(queue, e.To)
				}
			}
			for _, e := range g.in[id] {
				if !visited[e.From] {
					visited[e.From] = true
					queue = append(queue, e.From)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}

	sort.SliceStable(comps, func(i, j int) bool {
		if len(comps[i]) != len(comps[j]) {
			return len(comps[i]) > len(comps[j])
		}
		return comps[i][0] < comps[j][0]
	})
	return comps
}

// Descendants returns every node reachable from any of the given ids,
// excluding the ids themselves, sorted.
func (g *CausalGraph) Descendants(ids ...string) []string {
	return g.reach(ids, func(id string) []*CausalEdge { return g.out[id] }, func(e *CausalEdge) string { return e.To })
}

// Ancestors returns every node that can reach any of the given ids,
// excluding the ids themselves, sorted.
func (g *CausalGraph) Ancestors(ids ...string) []string {
	return g.reach(ids, func(id string) []*CausalEdge { return g.in[id] }, func(e *CausalEdge) string { return e.From })
}

func (g *CausalGraph) reach(start []string, next func(string) []*CausalEdge, pick func(*CausalEdge) string) []string {
	origin := make(map[string]bool, len(start))
	visited := make(map[string]bool)
	queue := make([]string, 0, len(start))
	for _, id := range start {
		origin[id] = true
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range next(id) {
			n := pick(e)
			if visited[n] {
				continue
			}
			visited[n] = true
			queue = append(queue, n)
			if !origin[n] {
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the causal graph invariants.
//
// Description:
//
//	A valid causal graph is non-empty, acyclic, has at least one root and
//	one leaf, and forms a single weakly-connected component.
//
// Outputs:
//
//	error - *CyclicGraphError for a cycle, *GraphBuildError otherwise,
//	        nil when valid.
func (g *CausalGraph) Validate() error {
	if len(g.nodes) == 0 {
		return NewGraphBuildError("graph has no nodes")
	}
	if cycle := g.FindCycle(); cycle != nil {
		return &CyclicGraphError{Cycle: cycle}
	}
	if len(g.Roots()) == 0 {
		return NewGraphBuildError("graph has no root node")
	}
	if len(g.Leaves()) == 0 {
		return NewGraphBuildError("graph has no leaf node")
	}
	if comps := g.WeaklyConnectedComponents(); len(comps) > 1 {
		var stray []string
		for _, c := range comps[1:] {
			stray = append(stray, c...)
		}
		sort.Strings(stray)
		return NewGraphBuildError(
			fmt.Sprintf("graph has %d disconnected components", len(comps)), stray...)
	}
	return nil
}
