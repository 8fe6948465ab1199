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

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

var errNotLinear = errors.New("definition is not linear in its parents")

// linearForm is constant + Σ coef[id]·id.
type linearForm struct {
	constant float64
	coef     map[string]float64
}

func constantForm(v float64) linearForm {
	return linearForm{constant: v, coef: map[string]float64{}}
}

func (f linearForm) isConstant() bool {
	for _, c := range f.coef {
		if c != 0 {
			return false
		}
	}
	return true
}

func (f linearForm) scale(k float64) linearForm {
	out := constantForm(f.constant * k)
	for id, c := range f.coef {
		out.coef[id] = c * k
	}
	return out
}

func (f linearForm) add(o linearForm, sign float64) linearForm {
	out := constantForm(f.constant + sign*o.constant)
	for id, c := range f.coef {
		out.coef[id] = c
	}
	for id, c := range o.coef {
		out.coef[id] += sign * c
	}
	return out
}

// inferLinear reduces an expression to a linear form over node ids.
//
// Description:
//
//	Supports + and -, multiplication where one side is constant, division
//	by a non-zero constant, unary minus and plus, and numeric or boolean
//	literals. Identifiers are resolved through the graph so references to
//	collapsed members land on their aggregate node. Anything else
//	(calls, opaque expressions, comparisons, products of two variables)
//	returns errNotLinear.
func inferLinear(g *graph.CausalGraph, e *ast.Expr) (linearForm, error) {
	if e == nil {
		return linearForm{}, errNotLinear
	}
	switch e.Kind {
	case ast.ExprNumber, ast.ExprBool:
		return constantForm(e.Value), nil

	case ast.ExprIdent:
		id, err := g.Resolve(e.Name)
		if err != nil {
			return linearForm{}, fmt.Errorf("%w: %v", errNotLinear, err)
		}
		f := constantForm(0)
		f.coef[id] = 1
		return f, nil

	case ast.ExprUnary:
		inner, err := inferLinear(g, e.Left)
		if err != nil {
			return linearForm{}, err
		}
		switch e.Op {
		case "-":
			return inner.scale(-1), nil
		case "+":
			return inner, nil
		}
		return linearForm{}, errNotLinear

	case ast.ExprBinary:
		l, err := inferLinear(g, e.Left)
		if err != nil {
			return linearForm{}, err
		}
		r, err := inferLinear(g, e.Right)
		if err != nil {
			return linearForm{}, err
		}
		switch e.Op {
		case "+":
			return l.add(r, 1), nil
		case "-":
			return l.add(r, -1), nil
		case "*":
			if r.isConstant() {
				return l.scale(r.constant), nil
			}
			if l.isConstant() {
				return r.scale(l.constant), nil
			}
		case "/":
			if r.isConstant() && r.constant != 0 {
				return l.scale(1 / r.constant), nil
			}
		}
		return linearForm{}, errNotLinear
	}
	return linearForm{}, errNotLinear
}

// staticMechanism infers a node's mechanism from its definition.
//
// Outputs:
//
//	mechanism.Mechanism - Unknown for roots, Linear otherwise.
//	bool - True when the definition could not be inferred and data
//	       parents got unit coefficients.
func staticMechanism(g *graph.CausalGraph, n *graph.CausalNode) (mechanism.Mechanism, bool) {
	parents := g.Parents(n.ID)
	if len(parents) == 0 {
		return mechanism.NewUnknown(n.Domain), false
	}

	lin := &mechanism.Linear{
		ParentIDs:    parents,
		Coefficients: make([]float64, len(parents)),
		Dom:          n.Domain,
	}

	form, err := inferLinear(g, n.Definition)
	if err == nil && coversParents(form, parents) && finiteForm(form) {
		lin.Intercept = form.constant
		for i, p := range parents {
			c, ok := form.coef[p]
			if !ok && dataParent(g, p, n.ID) {
				// Referenced through an opaque path the form cannot see.
				c = 1
			}
			lin.Coefficients[i] = c
		}
		return lin, false
	}

	// Unit weight on data parents; call and control parents carry no value.
	for i, p := range parents {
		if dataParent(g, p, n.ID) {
			lin.Coefficients[i] = 1
		}
	}
	return lin, true
}

// coversParents reports whether every identifier in the form is a parent.
func coversParents(f linearForm, parents []string) bool {
	set := make(map[string]bool, len(parents))
	for _, p := range parents {
		set[p] = true
	}
	for id := range f.coef {
		if !set[id] {
			return false
		}
	}
	return true
}

func finiteForm(f linearForm) bool {
	if math.IsNaN(f.constant) || math.IsInf(f.constant, 0) {
		return false
	}
	for _, c := range f.coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// dataParent reports whether parent feeds child through a data_flow edge.
func dataParent(g *graph.CausalGraph, parent, child string) bool {
	for _, e := range g.OutEdges(parent) {
		if e.To == child && e.Kind == graph.EdgeKindDataFlow {
			return true
		}
	}
	return false
}

// fitStatic assigns a mechanism to every node without data.
func fitStatic(g *graph.CausalGraph) (map[string]mechanism.Mechanism, map[string]mechanism.Type, []string) {
	mechs := make(map[string]mechanism.Mechanism, g.NodeCount())
	families := make(map[string]mechanism.Type, g.NodeCount())
	var defaulted []string
	for _, n := range g.Nodes() {
		m, isDefault := staticMechanism(g, n)
		mechs[n.ID] = m
		families[n.ID] = m.Type()
		if isDefault {
			defaulted = append(defaulted, n.ID)
		}
	}
	return mechs, families, defaulted
}
