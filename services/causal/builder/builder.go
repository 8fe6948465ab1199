// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder converts a program's structural representation into a
// causal graph.
//
// The builder creates one node per function, module variable, parameter,
// return value and side effect, links them by data flow, control flow and
// calls, prunes pure observation sinks, resolves recursion, and rejects
// anything that is not a connected DAG.
//
// # Thread Safety
//
// Builder is safe for concurrent use. Each Build() call operates on its
// own state and returns a new frozen graph.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

// Default builder configuration values.
const (
	// DefaultMaxNodes bounds the size of a causal graph.
	DefaultMaxNodes = 10_000
)

// RecursionPolicy decides what happens to cycles caused by recursion.
type RecursionPolicy string

const (
	// RecursionCollapse removes recursive self-loops and folds recursive
	// strongly connected components into one aggregate node.
	RecursionCollapse RecursionPolicy = "collapse"

	// RecursionReject reports recursive cycles as CyclicGraphError.
	RecursionReject RecursionPolicy = "reject"
)

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// Recursion is the recursion policy.
	// Default: RecursionCollapse
	Recursion RecursionPolicy

	// SinkFunctions are callees whose effects are pure observation even
	// when the extractor did not classify them as log/print/metric/trace.
	SinkFunctions []string

	// MaxNodes is the maximum number of nodes before pruning.
	// Default: 10,000
	MaxNodes int

	// Logger receives debug and warning output.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultBuilderOptions returns sensible defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		Recursion: RecursionCollapse,
		MaxNodes:  DefaultMaxNodes,
	}
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithRecursionPolicy sets the recursion policy.
func WithRecursionPolicy(p RecursionPolicy) BuilderOption {
	return func(o *BuilderOptions) {
		o.Recursion = p
	}
}

// WithSinkFunctions adds callees treated as observation sinks.
func WithSinkFunctions(names ...string) BuilderOption {
	return func(o *BuilderOptions) {
		o.SinkFunctions = append(o.SinkFunctions, names...)
	}
}

// WithMaxNodes sets the maximum number of nodes.
func WithMaxNodes(n int) BuilderOption {
	return func(o *BuilderOptions) {
		o.MaxNodes = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(o *BuilderOptions) {
		o.Logger = l
	}
}

// Builder constructs causal graphs from structural program input.
//
// The builder is stateless and can be reused across multiple builds.
type Builder struct {
	options BuilderOptions
	sinks   map[string]bool
}

// NewBuilder creates a new Builder with the given options.
//
// Example:
//
//	b := builder.NewBuilder(
//	    builder.WithRecursionPolicy(builder.RecursionReject),
//	    builder.WithSinkFunctions("fmt.Println"),
//	)
func NewBuilder(opts ...BuilderOption) *Builder {
	options := DefaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Recursion == "" {
		options.Recursion = RecursionCollapse
	}
	if options.MaxNodes <= 0 {
		options.MaxNodes = DefaultMaxNodes
	}

	sinks := make(map[string]bool, len(options.SinkFunctions))
	for _, s := range options.SinkFunctions {
		sinks[s] = true
	}
	return &Builder{options: options, sinks: sinks}
}

// Build constructs a causal graph.
//
// Description:
//
//	Runs node creation, call/data/control edge extraction, observation
//	pruning, recursion handling and validation. Either a valid graph is
//	returned or an error; never a partial graph.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	module - The structural representation. Must not be nil.
//	callGraph - Caller → callee edges. May be nil (calls found in the
//	            module are still used).
//	controlFlow - Extra branch information per function. May be nil.
//
// Outputs:
//
//	*BuildResult - The frozen graph, warnings and statistics.
//	error - *graph.GraphBuildError or *graph.CyclicGraphError, or the
//	        context error on cancellation.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (b *Builder) Build(ctx context.Context, module *ast.Module, callGraph *ast.CallGraph, controlFlow *ast.ControlFlow) (*BuildResult, error) {
	if ctx == nil {
		return nil, graph.NewGraphBuildError("ctx must not be nil")
	}
	if module == nil {
		return nil, graph.NewGraphBuildError("module must not be nil")
	}

	start := time.Now()
	ctx, span := startBuildSpan(ctx, module.Path, len(module.Functions))
	defer span.End()

	result, err := b.build(ctx, module, callGraph, controlFlow)
	duration := time.Since(start)
	recordBuildMetrics(ctx, duration, result, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.options.Logger.Debug("causal graph build failed", "module", module.Path, "error", err)
		return nil, err
	}

	result.Stats.DurationMilli = duration.Milliseconds()
	setBuildSpanResult(span, result)
	span.SetStatus(codes.Ok, "")
	b.options.Logger.Debug("causal graph built",
		"module", module.Path,
		"nodes", result.Graph.NodeCount(),
		"edges", result.Graph.EdgeCount(),
		"warnings", len(result.Warnings),
		"duration_ms", duration.Milliseconds(),
	)
	return result, nil
}

// buildState is the per-build working state.
type buildState struct {
	opts   BuilderOptions
	sinks  map[string]bool
	logger *slog.Logger

	module *ast.Module
	funcs  map[string]*ast.Function
	vars   map[string]*ast.Variable
	g      *graph.CausalGraph
	result *BuildResult

	// effects maps an effect node id to its declaration.
	effects map[string]*ast.Effect

	// paramArgs maps a parameter id to the argument expressions of every
	// call site, in discovery order.
	paramArgs map[string][]*ast.Expr

	// calls are distinct caller → callee pairs in discovery order.
	calls    [][2]string
	callSeen map[[2]string]bool

	// localUse maps function → local → node ids computed from that local.
	localUse map[string]map[string][]string

	// scopes holds each function's final scope, for branch conditions.
	scopes map[string]*scope
}

func (b *Builder) build(ctx context.Context, module *ast.Module, callGraph *ast.CallGraph, controlFlow *ast.ControlFlow) (*BuildResult, error) {
	if err := module.Validate(); err != nil {
		return nil, &graph.GraphBuildError{Reason: "invalid module", Cause: err}
	}

	s := &buildState{
		opts:      b.options,
		sinks:     b.sinks,
		logger:    b.options.Logger.With(slog.String("module", module.Path)),
		module:    module,
		funcs:     make(map[string]*ast.Function, len(module.Functions)),
		vars:      make(map[string]*ast.Variable, len(module.Variables)),
		g:         graph.NewCausalGraph(),
		result:    &BuildResult{},
		effects:   make(map[string]*ast.Effect),
		paramArgs: make(map[string][]*ast.Expr),
		callSeen:  make(map[[2]string]bool),
		localUse:  make(map[string]map[string][]string),
		scopes:    make(map[string]*scope),
	}
	for i := range module.Functions {
		s.funcs[module.Functions[i].Name] = &module.Functions[i]
	}
	for i := range module.Variables {
		s.vars[module.Variables[i].Name] = &module.Variables[i]
	}

	phases := []func() error{
		s.createNodes,
		s.defineNodes,
		func() error { return s.addCallEdges(callGraph) },
		s.addDataEdges,
		s.addMutationEdges,
		func() error { return s.addControlEdges(controlFlow) },
		s.pruneObservations,
		s.resolveRecursion,
		s.removeIsolated,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("causal graph build canceled: %w", err)
		}
		if err := phase(); err != nil {
			return nil, err
		}
	}

	if err := s.g.Validate(); err != nil {
		return nil, err
	}
	s.checkEdgeBudget()

	s.g.Freeze()
	s.result.Graph = s.g
	return s.result, nil
}

// warn logs a warning and records it in the result.
func (s *buildState) warn(msg string, args ...any) {
	s.logger.Warn(msg, args...)
	if len(args) > 0 {
		var parts []string
		for i := 0; i+1 < len(args); i += 2 {
			parts = append(parts, fmt.Sprintf("%v=%v", args[i], args[i+1]))
		}
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	s.result.Warnings = append(s.result.Warnings, msg)
}

func (s *buildState) hasReturn(fn string) bool {
	f, ok := s.funcs[fn]
	return ok && f.Return != nil
}

func (s *buildState) addCall(caller, callee string) {
	key := [2]string{caller, callee}
	if s.callSeen[key] {
		return
	}
	s.callSeen[key] = true
	s.calls = append(s.calls, key)
}

func (s *buildState) addNode(n *graph.CausalNode) error {
	if s.g.NodeCount() >= s.opts.MaxNodes {
		return graph.NewGraphBuildError(fmt.Sprintf("graph exceeds %d nodes", s.opts.MaxNodes))
	}
	if err := s.g.AddNode(n); err != nil {
		return &graph.GraphBuildError{Reason: "adding node " + n.ID, Cause: err}
	}
	s.result.Stats.NodesCreated++
	return nil
}

func (s *buildState) addEdge(from, to string, kind graph.EdgeKind) (bool, error) {
	added, err := s.g.AddEdge(from, to, kind)
	if err != nil {
		return false, &graph.GraphBuildError{Reason: fmt.Sprintf("adding %s edge %s -> %s", kind, from, to), Cause: err}
	}
	if added {
		s.result.Stats.EdgesCreated++
	}
	return added, nil
}

// =============================================================================
// NODES
// =============================================================================

func (s *buildState) createNodes() error {
	for _, v := range s.module.Variables {
		if err := s.addNode(&graph.CausalNode{
			ID:       VariableID(v.Name),
			Kind:     graph.NodeKindVariable,
			Name:     v.Name,
			Domain:   graph.DomainOf(v.Type),
			Location: v.Location,
		}); err != nil {
			return err
		}
	}

	for i := range s.module.Functions {
		f := &s.module.Functions[i]
		if err := s.addNode(&graph.CausalNode{
			ID:       FunctionID(f.Name),
			Kind:     graph.NodeKindFunction,
			Name:     f.Name,
			Owner:    f.Name,
			Domain:   graph.DomainContinuous,
			Location: f.Location,
		}); err != nil {
			return err
		}
		for _, p := range f.Params {
			if err := s.addNode(&graph.CausalNode{
				ID:       ParamID(f.Name, p.Name),
				Kind:     graph.NodeKindVariable,
				Name:     p.Name,
				Owner:    f.Name,
				Domain:   graph.DomainOf(p.Type),
				Location: f.Location,
			}); err != nil {
				return err
			}
		}
		if f.Return != nil {
			if err := s.addNode(&graph.CausalNode{
				ID:       ReturnID(f.Name),
				Kind:     graph.NodeKindReturn,
				Name:     f.Name,
				Owner:    f.Name,
				Domain:   graph.DomainOf(f.ReturnType),
				Location: f.Location,
			}); err != nil {
				return err
			}
		}
		for j := range f.Effects {
			e := &f.Effects[j]
			id := EffectID(f.Name, j)
			name := e.Callee
			if name == "" {
				name = string(e.Kind)
			}
			if err := s.addNode(&graph.CausalNode{
				ID:       id,
				Kind:     graph.NodeKindEffect,
				Name:     name,
				Owner:    f.Name,
				Domain:   graph.DomainContinuous,
				Location: e.Location,
			}); err != nil {
				return err
			}
			s.effects[id] = e
		}
	}
	return nil
}

// defineNodes computes each node's Definition with identifiers rewritten
// to node ids, and records call sites.
func (s *buildState) defineNodes() error {
	module := newScope(s, nil)
	for _, v := range s.module.Variables {
		if v.Init == nil {
			continue
		}
		module.recordCalls(v.Init)
		s.setDefinition(VariableID(v.Name), module.rewrite(v.Init))
	}

	for i := range s.module.Functions {
		f := &s.module.Functions[i]
		sc := newScope(s, f)

		for _, a := range f.Locals {
			sc.recordCalls(a.Value)
			sc.assign(a.Target, a.Value)
		}
		for _, c := range f.Calls {
			sc.recordCall(c.Callee, c.Args)
			for _, arg := range c.Args {
				sc.recordCalls(arg)
			}
		}
		for _, br := range f.Branches {
			sc.recordCalls(br.Condition)
		}
		if f.Return != nil {
			sc.recordCalls(f.Return)
			id := ReturnID(f.Name)
			s.setDefinition(id, sc.rewrite(f.Return))
			sc.use(sc.localDeps(f.Return), id)
		}
		for j := range f.Effects {
			e := &f.Effects[j]
			id := EffectID(f.Name, j)
			var refs []string
			for _, arg := range e.Args {
				sc.recordCalls(arg)
				sc.use(sc.localDeps(arg), id)
				refs = append(refs, sc.rewrite(arg).Identifiers()...)
			}
			switch len(e.Args) {
			case 0:
			case 1:
				s.setDefinition(id, sc.rewrite(e.Args[0]))
			default:
				s.setDefinition(id, ast.Opaque(e.Callee, dedup(refs)...))
			}
		}
		s.scopes[f.Name] = sc
	}

	// A parameter takes the mean of its arguments over all call sites.
	for i := range s.module.Functions {
		f := &s.module.Functions[i]
		for _, p := range f.Params {
			id := ParamID(f.Name, p.Name)
			args := s.paramArgs[id]
			switch len(args) {
			case 0:
			case 1:
				s.setDefinition(id, args[0])
			default:
				sum := args[0]
				for _, a := range args[1:] {
					sum = ast.Bin("+", sum, a)
				}
				s.setDefinition(id, ast.Bin("/", sum, ast.Num(float64(len(args)))))
			}
		}
	}
	return nil
}

func (s *buildState) setDefinition(id string, def *ast.Expr) {
	if n, ok := s.g.Node(id); ok {
		n.Definition = def
	}
}

// =============================================================================
// EDGES
// =============================================================================

func (s *buildState) addCallEdges(callGraph *ast.CallGraph) error {
	if callGraph != nil {
		for _, e := range callGraph.Edges {
			s.addCall(e.Caller, e.Callee)
		}
	}

	for _, c := range s.calls {
		caller, callee := c[0], c[1]
		_, okCaller := s.funcs[caller]
		_, okCallee := s.funcs[callee]
		if !okCaller || !okCallee {
			s.result.Stats.SkippedCallees++
			s.logger.Debug("skipping call to undefined function", "caller", caller, "callee", callee)
			continue
		}
		if _, err := s.addEdge(FunctionID(caller), FunctionID(callee), graph.EdgeKindCall); err != nil {
			return err
		}
	}

	for _, f := range s.module.Functions {
		if f.Return == nil {
			continue
		}
		if _, err := s.addEdge(FunctionID(f.Name), ReturnID(f.Name), graph.EdgeKindCall); err != nil {
			return err
		}
	}
	return nil
}

func (s *buildState) addDataEdges() error {
	for _, n := range s.g.Nodes() {
		if n.Definition == nil {
			continue
		}
		for _, ref := range n.Definition.Identifiers() {
			if _, ok := s.g.Node(ref); !ok {
				continue
			}
			if _, err := s.addEdge(ref, n.ID, graph.EdgeKindDataFlow); err != nil {
				return err
			}
		}
	}
	return nil
}

// addMutationEdges links a mutation to the module variable it writes.
func (s *buildState) addMutationEdges() error {
	for _, id := range s.g.NodeIDs() {
		e, ok := s.effects[id]
		if !ok || e.Kind != ast.EffectMutation || e.Target == "" {
			continue
		}
		if _, ok := s.vars[e.Target]; !ok {
			s.logger.Debug("mutation target is not a module variable", "effect", id, "target", e.Target)
			continue
		}
		target := VariableID(e.Target)
		if s.g.HasEdge(target, id) {
			s.result.Stats.DroppedMutations++
			s.warn("dropped read-modify-write mutation edge", "effect", id, "target", target)
			continue
		}
		if _, err := s.addEdge(id, target, graph.EdgeKindDataFlow); err != nil {
			return err
		}
	}
	return nil
}

// addControlEdges links branch conditions to the nodes they gate, when
// the gated node reaches an output through data flow.
func (s *buildState) addControlEdges(controlFlow *ast.ControlFlow) error {
	feeds := s.feedsOutput()

	for i := range s.module.Functions {
		f := &s.module.Functions[i]
		branches := f.Branches
		if controlFlow != nil {
			branches = append(append([]ast.Branch(nil), branches...), controlFlow.Branches[f.Name]...)
		}
		if len(branches) == 0 {
			continue
		}
		sc := s.scopes[f.Name]

		for _, br := range branches {
			if br.Condition == nil {
				continue
			}
			var sources []string
			for _, ref := range sc.rewrite(br.Condition).Identifiers() {
				if _, ok := s.g.Node(ref); ok {
					sources = append(sources, ref)
				}
			}
			if len(sources) == 0 {
				continue
			}

			for _, target := range s.gatedTargets(f, br) {
				if !feeds[target] {
					s.result.Stats.ControlFlowSkipped++
					continue
				}
				for _, src := range sources {
					if src == target {
						continue
					}
					added, err := s.addEdge(src, target, graph.EdgeKindControlFlow)
					if err != nil {
						return err
					}
					if added {
						s.result.Stats.ControlFlowEdges++
					}
				}
			}
		}
	}
	return nil
}

func (s *buildState) gatedTargets(f *ast.Function, br ast.Branch) []string {
	var out []string
	for _, gate := range br.Gates {
		if gate == ast.GateReturn {
			if f.Return != nil {
				out = appendUnique(out, ReturnID(f.Name))
			}
			continue
		}
		nodes, ok := s.localUse[f.Name][gate]
		if !ok {
			s.logger.Debug("branch gates a name with no dependent node", "function", f.Name, "gate", gate)
			continue
		}
		for _, id := range nodes {
			out = appendUnique(out, id)
		}
	}
	return out
}

// feedsOutput returns the nodes that are an output (return value or
// state-mutating effect) or reach one through data flow.
func (s *buildState) feedsOutput() map[string]bool {
	feeds := make(map[string]bool)
	var queue []string
	for _, n := range s.g.Nodes() {
		if n.Kind == graph.NodeKindReturn {
			feeds[n.ID] = true
			queue = append(queue, n.ID)
		}
		if e, ok := s.effects[n.ID]; ok && !s.isObservation(e) {
			feeds[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range s.g.InEdges(id) {
			if e.Kind != graph.EdgeKindDataFlow || feeds[e.From] {
				continue
			}
			feeds[e.From] = true
			queue = append(queue, e.From)
		}
	}
	return feeds
}

func (s *buildState) isObservation(e *ast.Effect) bool {
	if e.Kind.IsStateMutating() {
		return false
	}
	return e.Kind.IsObservation() || s.sinks[e.Callee]
}

// =============================================================================
// PRUNING
// =============================================================================

// pruneObservations removes pure observation effects. Consumed
// observations stay: something else reads their output.
func (s *buildState) pruneObservations() error {
	var pruned []string
	for _, id := range s.g.NodeIDs() {
		e, ok := s.effects[id]
		if !ok || !s.isObservation(e) || e.Consumed {
			continue
		}
		if err := s.g.RemoveNode(id); err != nil {
			return &graph.GraphBuildError{Reason: "pruning " + id, Cause: err}
		}
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		s.result.Stats.PrunedEffects = len(pruned)
		s.logger.Debug("pruned observation effects", "effects", pruned)
	}
	return nil
}

// removeIsolated drops nodes left without edges. A graph made only of
// isolated nodes is left alone: one node is a valid graph, several are
// reported as disconnected by validation.
func (s *buildState) removeIsolated() error {
	ids := s.g.NodeIDs()
	var isolated []string
	for _, id := range ids {
		if len(s.g.InEdges(id)) == 0 && len(s.g.OutEdges(id)) == 0 {
			isolated = append(isolated, id)
		}
	}
	if len(isolated) == 0 || len(isolated) == len(ids) {
		return nil
	}
	for _, id := range isolated {
		if err := s.g.RemoveNode(id); err != nil {
			return &graph.GraphBuildError{Reason: "removing isolated " + id, Cause: err}
		}
	}
	s.result.Stats.RemovedIsolated = len(isolated)
	s.warn("removed isolated nodes", "count", len(isolated), "nodes", strings.Join(isolated, ","))
	return nil
}

// checkEdgeBudget warns when the graph is denser than N·⌈log₂N⌉ + N edges.
func (s *buildState) checkEdgeBudget() {
	n := s.g.NodeCount()
	if n < 2 {
		return
	}
	budget := n*int(math.Ceil(math.Log2(float64(n)))) + n
	if edges := s.g.EdgeCount(); edges > budget {
		s.warn("causal graph is denser than expected", "edges", edges, "budget", budget)
	}
}
