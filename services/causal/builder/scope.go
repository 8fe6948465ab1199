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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
)

// Node id helpers. Ids are stable across builds of the same module.

// FunctionID returns the node id of a function.
func FunctionID(name string) string { return "func:" + name }

// VariableID returns the node id of a module-level variable.
func VariableID(name string) string { return "var:" + name }

// ParamID returns the node id of a function parameter.
func ParamID(fn, param string) string { return "param:" + fn + "." + param }

// ReturnID returns the node id of a function's return value.
func ReturnID(fn string) string { return "ret:" + fn }

// EffectID returns the node id of the i-th side effect of a function.
func EffectID(fn string, i int) string { return fmt.Sprintf("effect:%s#%d", fn, i) }

// scope resolves identifiers inside one function body (or at module level
// when fn is nil) and inlines local assignments in statement order.
type scope struct {
	state  *buildState
	fn     *ast.Function
	params map[string]bool

	// env maps a local to its inlined, rewritten value.
	env map[string]*ast.Expr

	// envDeps maps a local to every local its value depends on, itself included.
	envDeps map[string]map[string]bool
}

func newScope(state *buildState, fn *ast.Function) *scope {
	s := &scope{
		state:   state,
		fn:      fn,
		params:  make(map[string]bool),
		env:     make(map[string]*ast.Expr),
		envDeps: make(map[string]map[string]bool),
	}
	if fn != nil {
		for _, p := range fn.Params {
			s.params[p.Name] = true
		}
	}
	return s
}

// assign inlines a local assignment.
func (s *scope) assign(target string, value *ast.Expr) {
	deps := map[string]bool{target: true}
	for _, l := range s.localDeps(value) {
		deps[l] = true
	}
	s.env[target] = s.rewrite(value)
	s.envDeps[target] = deps
}

// rewrite returns a copy of e with locals inlined and names replaced by
// node ids. Calls to functions with a return value become references to
// the callee's return node; other calls become opaque reads of their
// arguments.
func (s *scope) rewrite(e *ast.Expr) *ast.Expr {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ast.ExprIdent:
		return s.resolve(e.Name)
	case ast.ExprBinary:
		return ast.Bin(e.Op, s.rewrite(e.Left), s.rewrite(e.Right))
	case ast.ExprUnary:
		return &ast.Expr{Kind: ast.ExprUnary, Op: e.Op, Left: s.rewrite(e.Left)}
	case ast.ExprCall:
		if s.state.hasReturn(e.Name) {
			return ast.Ident(ReturnID(e.Name))
		}
		var refs []string
		for _, a := range e.Args {
			refs = append(refs, s.rewrite(a).Identifiers()...)
		}
		return ast.Opaque(e.String(), dedup(refs)...)
	case ast.ExprOpaque:
		var refs []string
		for _, r := range e.Refs {
			refs = append(refs, s.resolve(r).Identifiers()...)
		}
		return ast.Opaque(e.Text, dedup(refs)...)
	default:
		return e.Clone()
	}
}

// resolve maps a source name to its inlined value or node reference.
// Locals shadow parameters, which shadow module variables. Unresolved
// names (constants, imports) become opaque values with no reads.
func (s *scope) resolve(name string) *ast.Expr {
	if v, ok := s.env[name]; ok {
		return v.Clone()
	}
	if s.fn != nil && s.params[name] {
		return ast.Ident(ParamID(s.fn.Name, name))
	}
	if _, ok := s.state.vars[name]; ok {
		return ast.Ident(VariableID(name))
	}
	s.state.logger.Debug("unresolved identifier treated as constant",
		"name", name, "function", s.functionName())
	return ast.Opaque(name)
}

// localDeps returns the locals e depends on, directly or through other
// locals, sorted.
func (s *scope) localDeps(e *ast.Expr) []string {
	if e == nil {
		return nil
	}
	set := make(map[string]bool)
	for _, id := range e.Identifiers() {
		for l := range s.envDeps[id] {
			set[l] = true
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// recordCalls registers every call in a raw expression: the call edge and
// the argument flowing into each callee parameter.
func (s *scope) recordCalls(e *ast.Expr) {
	if e == nil {
		return
	}
	for _, c := range e.Calls() {
		s.recordCall(c.Name, c.Args)
	}
}

func (s *scope) recordCall(callee string, args []*ast.Expr) {
	caller := s.functionName()
	if caller != "" {
		s.state.addCall(caller, callee)
	}
	target, ok := s.state.funcs[callee]
	if !ok {
		return
	}
	for i, arg := range args {
		if i >= len(target.Params) {
			break
		}
		pid := ParamID(callee, target.Params[i].Name)
		s.state.paramArgs[pid] = append(s.state.paramArgs[pid], s.rewrite(arg))
		s.use(s.localDeps(arg), pid)
	}
}

// use records that node id is computed from the given locals, so branch
// conditions gating those locals can be linked to it.
func (s *scope) use(locals []string, id string) {
	if s.fn == nil || len(locals) == 0 {
		return
	}
	byLocal := s.state.localUse[s.fn.Name]
	if byLocal == nil {
		byLocal = make(map[string][]string)
		s.state.localUse[s.fn.Name] = byLocal
	}
	for _, l := range locals {
		byLocal[l] = appendUnique(byLocal[l], id)
	}
}

func (s *scope) functionName() string {
	if s.fn == nil {
		return ""
	}
	return s.fn.Name
}

func dedup(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
