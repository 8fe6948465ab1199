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
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
)

// GraphState represents the lifecycle state of the graph.
type GraphState int

const (
	// GraphStateBuilding indicates the graph accepts modifications.
	GraphStateBuilding GraphState = iota

	// GraphStateReadOnly indicates the graph is frozen and read-only.
	GraphStateReadOnly
)

// String returns the string representation of the GraphState.
func (s GraphState) String() string {
	switch s {
	case GraphStateBuilding:
		return "building"
	case GraphStateReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

// NodeKind classifies a causal node.
type NodeKind string

const (
	// NodeKindFunction is a function definition.
	NodeKindFunction NodeKind = "function"

	// NodeKindVariable is a module-level variable or a function parameter.
	NodeKindVariable NodeKind = "variable"

	// NodeKindReturn is a function's return value.
	NodeKindReturn NodeKind = "return"

	// NodeKindEffect is a side effect (state mutation or observation).
	NodeKindEffect NodeKind = "effect"
)

// EdgeKind classifies a causal edge.
type EdgeKind string

const (
	// EdgeKindDataFlow means the target's value is computed from the source.
	EdgeKindDataFlow EdgeKind = "data_flow"

	// EdgeKindControlFlow means the source decides whether the target is computed.
	EdgeKindControlFlow EdgeKind = "control_flow"

	// EdgeKindCall means the source invokes the target.
	EdgeKindCall EdgeKind = "call"
)

// Domain is the set of values a node can take.
type Domain string

const (
	// DomainContinuous is any finite real number.
	DomainContinuous Domain = "continuous"

	// DomainBoolean is {0, 1}.
	DomainBoolean Domain = "boolean"

	// DomainInteger is the whole numbers.
	DomainInteger Domain = "integer"
)

// DomainOf maps a declared value type to a node domain.
func DomainOf(t ast.ValueType) Domain {
	switch t {
	case ast.TypeBool:
		return DomainBoolean
	case ast.TypeInt:
		return DomainInteger
	default:
		return DomainContinuous
	}
}

// Contains reports whether v is a legal value of the domain.
//
// Non-finite values are never legal. Booleans must be exactly 0 or 1 and
// integers must be whole; no coercion happens here.
func (d Domain) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	switch d {
	case DomainBoolean:
		return v == 0 || v == 1
	case DomainInteger:
		return v == math.Trunc(v)
	default:
		return true
	}
}

// Coerce maps a sampled value into the domain: booleans by a 0.5
// threshold, integers by rounding.
func (d Domain) Coerce(v float64) float64 {
	switch d {
	case DomainBoolean:
		if v >= 0.5 {
			return 1
		}
		return 0
	case DomainInteger:
		return math.Round(v)
	default:
		return v
	}
}

// CausalNode is a program element that can cause or be affected by change.
//
// Nodes are created once during building and never mutated after the
// graph is frozen.
type CausalNode struct {
	// ID is the stable identity, e.g. "var:rate" or "ret:scale".
	ID string `json:"id"`

	// Kind classifies the node.
	Kind NodeKind `json:"kind"`

	// Name is the source-level name.
	Name string `json:"name,omitempty"`

	// Owner is the defining function, empty for module-level nodes.
	Owner string `json:"owner,omitempty"`

	// Domain is the value domain used to validate interventions.
	Domain Domain `json:"domain"`

	// Definition is the defining expression with identifiers rewritten to
	// node ids. Nil when the value is not computed from other nodes.
	Definition *ast.Expr `json:"definition,omitempty"`

	// Members lists the ids folded into this node by recursion collapse,
	// including its own id. Empty for ordinary nodes.
	Members []string `json:"members,omitempty"`

	// Recursive marks nodes owned by a recursive function.
	Recursive bool `json:"recursive,omitempty"`

	// Location is where the element appears in source.
	Location ast.Location `json:"location,omitempty"`
}

// CausalEdge is a directed causal influence.
type CausalEdge struct {
	// From is the cause's node id.
	From string `json:"source"`

	// To is the effect's node id.
	To string `json:"target"`

	// Kind classifies the influence.
	Kind EdgeKind `json:"kind"`
}

type edgeKey struct {
	from, to string
	kind     EdgeKind
}

// CausalGraph is a directed graph of causal influences.
//
// Thread Safety:
//
//	NOT safe for concurrent use during building. After Freeze() the graph
//	is read-only and safe for concurrent reads.
type CausalGraph struct {
	nodes   map[string]*CausalNode
	edges   map[edgeKey]*CausalEdge
	out     map[string][]*CausalEdge
	in      map[string][]*CausalEdge
	aliases map[string]string

	// topo is the cached topological order, computed by Freeze().
	topo []string

	state GraphState

	// BuiltAtMilli is the Unix timestamp in milliseconds when Freeze() was called.
	// Zero if the graph has not been frozen.
	BuiltAtMilli int64
}

// NewCausalGraph creates an empty graph in the Building state.
func NewCausalGraph() *CausalGraph {
	return &CausalGraph{
		nodes:   make(map[string]*CausalNode),
		edges:   make(map[edgeKey]*CausalEdge),
		out:     make(map[string][]*CausalEdge),
		in:      make(map[string][]*CausalEdge),
		aliases: make(map[string]string),
		state:   GraphStateBuilding,
	}
}

// State returns the current lifecycle state of the graph.
func (g *CausalGraph) State() GraphState {
	return g.state
}

// IsFrozen returns true if the graph is in read-only mode.
func (g *CausalGraph) IsFrozen() bool {
	return g.state == GraphStateReadOnly
}

// Freeze transitions the graph to read-only mode.
//
// Description:
//
//	After Freeze(), all mutating methods return ErrGraphFrozen. The
//	topological order is computed once and cached; for a cyclic graph no
//	order is cached and TopologicalOrder keeps returning the cycle error.
//	Callers should Validate() first.
//
// Thread Safety:
//
//	After Freeze() returns, the graph can be safely read from multiple
//	goroutines concurrently.
func (g *CausalGraph) Freeze() {
	if g.state == GraphStateReadOnly {
		return
	}
	if order, err := g.kahn(); err == nil {
		g.topo = order
	}
	g.state = GraphStateReadOnly
	if g.BuiltAtMilli == 0 {
		g.BuiltAtMilli = time.Now().UnixMilli()
	}
}

// NodeCount returns the number of nodes in the graph.
func (g *CausalGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *CausalGraph) EdgeCount() int {
	return len(g.edges)
}

// AddNode adds a node to the graph.
//
// Outputs:
//
//	error - ErrGraphFrozen, ErrInvalidNode (nil or empty id) or
//	        ErrDuplicateNode.
func (g *CausalGraph) AddNode(n *CausalNode) error {
	if g.state == GraphStateReadOnly {
		return ErrGraphFrozen
	}
	if n == nil || n.ID == "" {
		return ErrInvalidNode
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if n.Domain == "" {
		n.Domain = DomainContinuous
	}
	g.nodes[n.ID] = n
	return nil
}

// AddEdge adds a directed edge.
//
// Description:
//
//	At most one edge exists per (from, to, kind). Adding an existing edge
//	is a no-op reported by added=false.
//
// Outputs:
//
//	bool - True if a new edge was stored.
//	error - ErrGraphFrozen, or ErrNodeNotFound when an endpoint is missing.
func (g *CausalGraph) AddEdge(from, to string, kind EdgeKind) (bool, error) {
	if g.state == GraphStateReadOnly {
		return false, ErrGraphFrozen
	}
	if _, ok := g.nodes[from]; !ok {
		return false, fmt.Errorf("%w: source %s", ErrNodeNotFound, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return false, fmt.Errorf("%w: target %s", ErrNodeNotFound, to)
	}
	key := edgeKey{from, to, kind}
	if _, exists := g.edges[key]; exists {
		return false, nil
	}
	e := &CausalEdge{From: from, To: to, Kind: kind}
	g.edges[key] = e
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
	return true, nil
}

// RemoveEdge removes the edge (from, to, kind). Returns false if absent.
func (g *CausalGraph) RemoveEdge(from, to string, kind EdgeKind) (bool, error) {
	if g.state == GraphStateReadOnly {
		return false, ErrGraphFrozen
	}
	key := edgeKey{from, to, kind}
	e, ok := g.edges[key]
	if !ok {
		return false, nil
	}
	delete(g.edges, key)
	g.out[from] = removeEdgePtr(g.out[from], e)
	g.in[to] = removeEdgePtr(g.in[to], e)
	return true, nil
}

// RemoveNode removes a node and every edge touching it.
func (g *CausalGraph) RemoveNode(id string) error {
	if g.state == GraphStateReadOnly {
		return ErrGraphFrozen
	}
	if _, ok := g.nodes[id]; !ok {
		return &NodeNotFoundError{ID: id}
	}
	for _, e := range append([]*CausalEdge(nil), g.out[id]...) {
		if _, err := g.RemoveEdge(e.From, e.To, e.Kind); err != nil {
			return err
		}
	}
	for _, e := range append([]*CausalEdge(nil), g.in[id]...) {
		if _, err := g.RemoveEdge(e.From, e.To, e.Kind); err != nil {
			return err
		}
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	return nil
}

func removeEdgePtr(edges []*CausalEdge, target *CausalEdge) []*CausalEdge {
	for i, e := range edges {
		if e == target {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

// Collapse folds several nodes into one aggregate node.
//
// Description:
//
//	The lexicographically smallest member becomes the representative. Its
//	node keeps its id and gains Members (all folded ids, sorted) and
//	Recursive=true. Edges between members disappear; edges crossing the
//	group boundary are redirected to the representative. Every other
//	member id becomes an alias resolvable with Resolve().
//
// Inputs:
//
//	members - Node ids to fold. At least two, all present.
//
// Outputs:
//
//	string - The representative id.
//	error - ErrGraphFrozen, NodeNotFoundError, or ErrInvalidNode for fewer
//	        than two members.
func (g *CausalGraph) Collapse(members []string) (string, error) {
	if g.state == GraphStateReadOnly {
		return "", ErrGraphFrozen
	}
	if len(members) < 2 {
		return "", fmt.Errorf("%w: collapse needs at least two members", ErrInvalidNode)
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	group := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if _, ok := g.nodes[id]; !ok {
			return "", &NodeNotFoundError{ID: id}
		}
		group[id] = true
	}
	rep := sorted[0]

	type pending struct {
		from, to string
		kind     EdgeKind
	}
	var redirect []pending
	for _, id := range sorted[1:] {
		for _, e := range g.out[id] {
			if !group[e.To] {
				redirect = append(redirect, pending{rep, e.To, e.Kind})
			}
		}
		for _, e := range g.in[id] {
			if !group[e.From] {
				redirect = append(redirect, pending{e.From, rep, e.Kind})
			}
		}
	}
	for _, e := range append([]*CausalEdge(nil), g.out[rep]...) {
		if group[e.To] {
			if _, err := g.RemoveEdge(e.From, e.To, e.Kind); err != nil {
				return "", err
			}
		}
	}

	repNode := g.nodes[rep]
	var folded []string
	for _, id := range sorted {
		n := g.nodes[id]
		if len(n.Members) > 0 {
			folded = append(folded, n.Members...)
		} else {
			folded = append(folded, id)
		}
	}
	for _, id := range sorted[1:] {
		if err := g.RemoveNode(id); err != nil {
			return "", err
		}
	}
	for _, p := range redirect {
		if _, err := g.AddEdge(p.from, p.to, p.kind); err != nil {
			return "", err
		}
	}

	sort.Strings(folded)
	repNode.Members = dedupSorted(folded)
	repNode.Recursive = true
	// The aggregate stands for a fixed point, not a single expression.
	repNode.Definition = nil
	for _, id := range repNode.Members {
		if id != rep {
			g.aliases[id] = rep
		}
	}
	for alias, target := range g.aliases {
		if group[target] && target != rep {
			g.aliases[alias] = rep
		}
	}
	return rep, nil
}

func dedupSorted(ids []string) []string {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Node returns the node with the given id (aliases are not followed).
func (g *CausalGraph) Node(id string) (*CausalNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Resolve maps an id or alias to the canonical node id.
//
// Outputs:
//
//	string - The canonical id.
//	error - *NodeNotFoundError if neither a node nor an alias.
func (g *CausalGraph) Resolve(id string) (string, error) {
	if _, ok := g.nodes[id]; ok {
		return id, nil
	}
	if target, ok := g.aliases[id]; ok {
		return target, nil
	}
	return "", &NodeNotFoundError{ID: id}
}

// Aliases returns a copy of the alias → canonical id map.
func (g *CausalGraph) Aliases() map[string]string {
	out := make(map[string]string, len(g.aliases))
	for k, v := range g.aliases {
		out[k] = v
	}
	return out
}

// NodeIDs returns all node ids in sorted order.
func (g *CausalGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns all nodes sorted by id.
func (g *CausalGraph) Nodes() []*CausalNode {
	ids := g.NodeIDs()
	out := make([]*CausalNode, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns all edges sorted by (from, to, kind).
func (g *CausalGraph) Edges() []*CausalEdge {
	out := make([]*CausalEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// HasEdge reports whether any edge from → to exists.
func (g *CausalGraph) HasEdge(from, to string) bool {
	for _, e := range g.out[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// InEdges returns the edges entering id.
func (g *CausalGraph) InEdges(id string) []*CausalEdge {
	return append([]*CausalEdge(nil), g.in[id]...)
}

// OutEdges returns the edges leaving id.
func (g *CausalGraph) OutEdges(id string) []*CausalEdge {
	return append([]*CausalEdge(nil), g.out[id]...)
}

// Parents returns the distinct direct causes of id, sorted.
//
// The order is the canonical parent order used by mechanisms.
func (g *CausalGraph) Parents(id string) []string {
	return distinctSorted(g.in[id], func(e *CausalEdge) string { return e.From })
}

// Children returns the distinct direct effects of id, sorted.
func (g *CausalGraph) Children(id string) []string {
	return distinctSorted(g.out[id], func(e *CausalEdge) string { return e.To })
}

func distinctSorted(edges []*CausalEdge, pick func(*CausalEdge) string) []string {
	if len(edges) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		id := pick(e)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Roots returns the nodes with no incoming edges, sorted.
func (g *CausalGraph) Roots() []string {
	var out []string
	for _, id := range g.NodeIDs() {
		if len(g.in[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns the nodes with no outgoing edges, sorted.
func (g *CausalGraph) Leaves() []string {
	var out []string
	for _, id := range g.NodeIDs() {
		if len(g.out[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// IsRoot reports whether id has no incoming edges.
func (g *CausalGraph) IsRoot(id string) bool {
	return len(g.in[id]) == 0
}

// GraphStats summarizes a graph.
type GraphStats struct {
	NodeCount   int              `json:"node_count"`
	EdgeCount   int              `json:"edge_count"`
	RootCount   int              `json:"root_count"`
	LeafCount   int              `json:"leaf_count"`
	NodesByKind map[NodeKind]int `json:"nodes_by_kind"`
	EdgesByKind map[EdgeKind]int `json:"edges_by_kind"`
	Collapsed   int              `json:"collapsed_nodes"`
}

// Stats returns summary counts.
func (g *CausalGraph) Stats() GraphStats {
	s := GraphStats{
		NodeCount:   len(g.nodes),
		EdgeCount:   len(g.edges),
		NodesByKind: make(map[NodeKind]int),
		EdgesByKind: make(map[EdgeKind]int),
	}
	for id, n := range g.nodes {
		s.NodesByKind[n.Kind]++
		if len(g.in[id]) == 0 {
			s.RootCount++
		}
		if len(g.out[id]) == 0 {
			s.LeafCount++
		}
		if len(n.Members) > 0 {
			s.Collapsed++
		}
	}
	for k := range g.edges {
		s.EdgesByKind[k.kind]++
	}
	return s
}
