// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ExprKind identifies the shape of an expression.
type ExprKind string

const (
	// ExprNumber is a numeric literal (Value).
	ExprNumber ExprKind = "number"

	// ExprBool is a boolean literal (Value is 0 or 1).
	ExprBool ExprKind = "bool"

	// ExprIdent is a reference to a named value (Name).
	ExprIdent ExprKind = "ident"

	// ExprBinary is Left Op Right.
	ExprBinary ExprKind = "binary"

	// ExprUnary is Op Left.
	ExprUnary ExprKind = "unary"

	// ExprCall is a call to Name with Args. Its value is the callee's return.
	ExprCall ExprKind = "call"

	// ExprOpaque is an expression the extractor could not represent
	// structurally. Refs lists the names it reads.
	ExprOpaque ExprKind = "opaque"
)

// Expr is a small expression tree.
//
// Only the shapes needed to recover dependencies and linear structure are
// represented. Anything else arrives as ExprOpaque with its read set.
type Expr struct {
	Kind  ExprKind `json:"kind"`
	Op    string   `json:"op,omitempty"`
	Name  string   `json:"name,omitempty"`
	Value float64  `json:"value,omitempty"`
	Left  *Expr    `json:"left,omitempty"`
	Right *Expr    `json:"right,omitempty"`
	Args  []*Expr  `json:"args,omitempty"`
	Refs  []string `json:"refs,omitempty"`
	Text  string   `json:"text,omitempty"`
}

// Num returns a numeric literal.
func Num(v float64) *Expr { return &Expr{Kind: ExprNumber, Value: v} }

// Bool returns a boolean literal.
func Bool(b bool) *Expr {
	if b {
		return &Expr{Kind: ExprBool, Value: 1}
	}
	return &Expr{Kind: ExprBool}
}

// Ident returns a reference to name.
func Ident(name string) *Expr { return &Expr{Kind: ExprIdent, Name: name} }

// Bin returns l op r.
func Bin(op string, l, r *Expr) *Expr { return &Expr{Kind: ExprBinary, Op: op, Left: l, Right: r} }

// Neg returns -e.
func Neg(e *Expr) *Expr { return &Expr{Kind: ExprUnary, Op: "-", Left: e} }

// Call returns a call to callee.
func Call(callee string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Name: callee, Args: args}
}

// Opaque returns an unstructured expression reading refs.
func Opaque(text string, refs ...string) *Expr {
	return &Expr{Kind: ExprOpaque, Text: text, Refs: refs}
}

var errMalformedExpr = errors.New("malformed expression")

// Validate checks that the expression tree is well formed.
func (e *Expr) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil expression", errMalformedExpr)
	}
	switch e.Kind {
	case ExprNumber, ExprBool, ExprOpaque:
		return nil
	case ExprIdent:
		if e.Name == "" {
			return fmt.Errorf("%w: identifier without name", errMalformedExpr)
		}
		return nil
	case ExprBinary:
		if e.Left == nil || e.Right == nil {
			return fmt.Errorf("%w: binary %q missing operand", errMalformedExpr, e.Op)
		}
		if err := e.Left.Validate(); err != nil {
			return err
		}
		return e.Right.Validate()
	case ExprUnary:
		if e.Left == nil {
			return fmt.Errorf("%w: unary %q missing operand", errMalformedExpr, e.Op)
		}
		return e.Left.Validate()
	case ExprCall:
		if e.Name == "" {
			return fmt.Errorf("%w: call without callee", errMalformedExpr)
		}
		for _, a := range e.Args {
			if err := a.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", errMalformedExpr, e.Kind)
	}
}

// Clone returns a deep copy. Clone of nil is nil.
func (e *Expr) Clone() *Expr {
	if e == nil {
		return nil
	}
	c := *e
	c.Left = e.Left.Clone()
	c.Right = e.Right.Clone()
	if e.Args != nil {
		c.Args = make([]*Expr, len(e.Args))
		for i, a := range e.Args {
			c.Args[i] = a.Clone()
		}
	}
	if e.Refs != nil {
		c.Refs = append([]string(nil), e.Refs...)
	}
	return &c
}

// Walk visits e and its children depth-first, stopping a branch when fn
// returns false.
func (e *Expr) Walk(fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	e.Left.Walk(fn)
	e.Right.Walk(fn)
	for _, a := range e.Args {
		a.Walk(fn)
	}
}

// Identifiers returns the distinct names read by the expression, in first
// occurrence order. Opaque read sets are included; callee names are not.
func (e *Expr) Identifiers() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	e.Walk(func(x *Expr) bool {
		switch x.Kind {
		case ExprIdent:
			add(x.Name)
		case ExprOpaque:
			for _, r := range x.Refs {
				add(r)
			}
		}
		return true
	})
	return out
}

// Calls returns every call expression in the tree, outermost first.
func (e *Expr) Calls() []*Expr {
	var out []*Expr
	e.Walk(func(x *Expr) bool {
		if x.Kind == ExprCall {
			out = append(out, x)
		}
		return true
	})
	return out
}

// String renders the expression in infix form.
func (e *Expr) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ExprNumber:
		return strconv.FormatFloat(e.Value, 'g', -1, 64)
	case ExprBool:
		if e.Value != 0 {
			return "true"
		}
		return "false"
	case ExprIdent:
		return e.Name
	case ExprBinary:
		return "(" + e.Left.String() + " " + e.Op + " " + e.Right.String() + ")"
	case ExprUnary:
		return e.Op + e.Left.String()
	case ExprCall:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = a.String()
		}
		return e.Name + "(" + strings.Join(args, ", ") + ")"
	case ExprOpaque:
		if e.Text != "" {
			return e.Text
		}
		return "opaque(" + strings.Join(e.Refs, ", ") + ")"
	default:
		return "?"
	}
}
