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
	"strings"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

// recursiveFunctions finds functions on a call cycle.
//
// Outputs:
//
//	map[string]bool - Recursive function names.
//	map[string]int - Cycle group per recursive function. Functions in the
//	                 same strongly connected component of the call graph
//	                 share a group.
func (s *buildState) recursiveFunctions() (map[string]bool, map[string]int) {
	cg := graph.NewCausalGraph()
	for name := range s.funcs {
		// Names are unique, AddNode cannot fail here.
		_ = cg.AddNode(&graph.CausalNode{ID: name, Kind: graph.NodeKindFunction})
	}
	for _, c := range s.calls {
		if _, ok := s.funcs[c[0]]; !ok {
			continue
		}
		if _, ok := s.funcs[c[1]]; !ok {
			continue
		}
		_, _ = cg.AddEdge(c[0], c[1], graph.EdgeKindCall)
	}

	recursive := make(map[string]bool)
	group := make(map[string]int)
	next := 0
	for _, scc := range cg.StronglyConnectedComponents() {
		for _, name := range scc {
			recursive[name] = true
			group[name] = next
		}
		next++
	}
	for _, e := range cg.SelfLoops() {
		if !recursive[e.From] {
			recursive[e.From] = true
			group[e.From] = next
			next++
		}
	}
	return recursive, group
}

// resolveRecursion removes recursive self-loops and collapses recursive
// cycles. Cycles not explained by recursion are left for validation to
// report.
func (s *buildState) resolveRecursion() error {
	recursive, group := s.recursiveFunctions()
	if len(recursive) == 0 {
		return nil
	}

	for _, n := range s.g.Nodes() {
		if recursive[n.Owner] {
			n.Recursive = true
		}
	}

	for _, e := range s.g.SelfLoops() {
		n, _ := s.g.Node(e.From)
		if !recursive[n.Owner] {
			continue
		}
		if s.opts.Recursion == RecursionReject {
			return &graph.CyclicGraphError{
				Cycle:  []string{e.From, e.From},
				Reason: "self-reference in recursive function " + n.Owner,
			}
		}
		if _, err := s.g.RemoveEdge(e.From, e.To, e.Kind); err != nil {
			return &graph.GraphBuildError{Reason: "removing self-loop on " + e.From, Cause: err}
		}
		s.result.Stats.RemovedSelfLoops++
		s.warn("removed recursive self-loop", "node", e.From, "kind", string(e.Kind), "function", n.Owner)
	}

	for _, scc := range s.g.StronglyConnectedComponents() {
		if !s.collapsible(scc, recursive, group) {
			continue
		}
		if s.opts.Recursion == RecursionReject {
			return &graph.CyclicGraphError{
				Cycle:  s.g.FindCycle(),
				Reason: "recursive cycle",
			}
		}
		rep, err := s.g.Collapse(scc)
		if err != nil {
			return &graph.GraphBuildError{Reason: "collapsing recursive component", Cause: err}
		}
		s.result.Stats.CollapsedComponents++
		s.warn("collapsed recursive component into aggregate node",
			"node", rep, "members", strings.Join(scc, ","))
	}
	return nil
}

// collapsible reports whether every member of an SCC is owned by a
// function of the same recursive call cycle.
func (s *buildState) collapsible(scc []string, recursive map[string]bool, group map[string]int) bool {
	g := -1
	for _, id := range scc {
		n, ok := s.g.Node(id)
		if !ok || n.Owner == "" || !recursive[n.Owner] {
			return false
		}
		if g == -1 {
			g = group[n.Owner]
		} else if group[n.Owner] != g {
			return false
		}
	}
	return true
}
