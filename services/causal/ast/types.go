// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast defines the structural input consumed by the causal graph builder.
//
// The structures here are produced by an upstream extractor (parser plus
// call-graph analysis). The causal core never parses source text; it treats
// a Module, its CallGraph and an optional ControlFlow as read-only input.
//
// # Ownership Model
//
// The builder reads these values but never mutates them. Expressions are
// cloned before identifiers are rewritten into node IDs.
//
// # Thread Safety
//
// All types are plain values. They are safe for concurrent reads.
package ast

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for structural input validation.
var (
	// ErrInvalidModule indicates the module failed validation.
	ErrInvalidModule = errors.New("invalid module")

	// ErrDuplicateDefinition indicates two definitions share a name.
	ErrDuplicateDefinition = errors.New("duplicate definition")
)

// ValueType is the declared type of a variable, parameter or return value.
//
// Only the distinction that matters for interventions is kept: booleans
// and integers constrain the values a node can be forced to.
type ValueType string

const (
	// TypeUnknown means no declared type; treated as continuous.
	TypeUnknown ValueType = ""

	// TypeFloat is a continuous numeric value.
	TypeFloat ValueType = "float"

	// TypeInt is an integral numeric value.
	TypeInt ValueType = "int"

	// TypeBool is a boolean value, encoded as 0/1.
	TypeBool ValueType = "bool"
)

// EffectKind classifies an observable side effect of a function.
type EffectKind string

const (
	// EffectLog is a diagnostic log call.
	EffectLog EffectKind = "log"

	// EffectPrint writes to a console or similar observation sink.
	EffectPrint EffectKind = "print"

	// EffectMetric records a metric sample.
	EffectMetric EffectKind = "metric"

	// EffectTrace records a tracing event.
	EffectTrace EffectKind = "trace"

	// EffectMutation mutates program state (a module-level variable, a field).
	EffectMutation EffectKind = "mutation"

	// EffectWrite writes to external state (file, database, network).
	EffectWrite EffectKind = "write"
)

// IsObservation reports whether the effect only observes state.
//
// Observation effects never feed causal edges unless their output is
// consumed elsewhere (see Effect.Consumed).
func (k EffectKind) IsObservation() bool {
	switch k {
	case EffectLog, EffectPrint, EffectMetric, EffectTrace:
		return true
	default:
		return false
	}
}

// IsStateMutating reports whether the effect changes program or external state.
func (k EffectKind) IsStateMutating() bool {
	return k == EffectMutation || k == EffectWrite
}

// Location represents a position range within a source file.
//
// Line numbers are 1-indexed. A zero Location means "unknown".
type Location struct {
	// FilePath is the path to the source file, relative to project root.
	FilePath string `json:"file_path,omitempty"`

	// StartLine is the 1-indexed line number where the construct starts.
	StartLine int `json:"start_line,omitempty"`

	// EndLine is the 1-indexed line number where the construct ends.
	EndLine int `json:"end_line,omitempty"`
}

// String returns "file:line", or "" for an unknown location.
func (l Location) String() string {
	if l.FilePath == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", l.FilePath, l.StartLine)
}

// Variable is a module-level variable definition.
type Variable struct {
	// Name is the variable identifier.
	Name string `json:"name"`

	// Type is the declared value type.
	Type ValueType `json:"type,omitempty"`

	// Init is the initializer expression. Nil means the value comes from
	// outside the analysed code (configuration, input), making it a root.
	Init *Expr `json:"init,omitempty"`

	// Location is where the variable is defined.
	Location Location `json:"location,omitempty"`
}

// Param is a function parameter.
type Param struct {
	// Name is the parameter identifier.
	Name string `json:"name"`

	// Type is the declared value type.
	Type ValueType `json:"type,omitempty"`
}

// Assignment is a local variable assignment inside a function body.
//
// Assignments are listed in statement order. A later assignment to the same
// target shadows the earlier one for subsequent statements.
type Assignment struct {
	// Target is the local variable being assigned.
	Target string `json:"target"`

	// Value is the assigned expression.
	Value *Expr `json:"value"`

	// Location is where the assignment appears.
	Location Location `json:"location,omitempty"`
}

// Branch is a branch or loop condition gating parts of a function body.
type Branch struct {
	// Condition is the branch or loop condition.
	Condition *Expr `json:"condition"`

	// Gates lists what the condition controls: names of locals assigned
	// inside the guarded block, or "return" for the return value.
	Gates []string `json:"gates"`

	// Loop marks loop conditions (for/while) as opposed to if/switch.
	Loop bool `json:"loop,omitempty"`

	// Location is where the condition appears.
	Location Location `json:"location,omitempty"`
}

// GateReturn is the Branch.Gates entry for the function's return value.
const GateReturn = "return"

// Effect is an observable side effect performed by a function.
type Effect struct {
	// Kind classifies the effect.
	Kind EffectKind `json:"kind"`

	// Callee is the function performing the effect (e.g. "logger.Info").
	Callee string `json:"callee,omitempty"`

	// Target is the state being mutated for mutation effects
	// (a module-level variable name). Empty for other kinds.
	Target string `json:"target,omitempty"`

	// Args are the values passed to the effect.
	Args []*Expr `json:"args,omitempty"`

	// Consumed marks an observation whose output is read elsewhere
	// (e.g. a log line parsed by another component).
	Consumed bool `json:"consumed,omitempty"`

	// Location is where the effect appears.
	Location Location `json:"location,omitempty"`
}

// CallSite is a call statement whose result is not used in an expression.
type CallSite struct {
	// Callee is the called function's name.
	Callee string `json:"callee"`

	// Args are the argument expressions in positional order.
	Args []*Expr `json:"args,omitempty"`

	// Location is where the call appears.
	Location Location `json:"location,omitempty"`
}

// Function is a function definition.
type Function struct {
	// Name is the function identifier, unique within the module.
	Name string `json:"name"`

	// Params are the function parameters in positional order.
	Params []Param `json:"params,omitempty"`

	// ReturnType is the declared return type.
	ReturnType ValueType `json:"return_type,omitempty"`

	// Locals are local assignments in statement order.
	Locals []Assignment `json:"locals,omitempty"`

	// Return is the returned expression. Nil for functions without a
	// return value.
	Return *Expr `json:"return,omitempty"`

	// Calls are call statements (calls used inside expressions are found
	// by walking the expressions).
	Calls []CallSite `json:"calls,omitempty"`

	// Effects are side effects in statement order.
	Effects []Effect `json:"effects,omitempty"`

	// Branches are conditions found in the body. The optional ControlFlow
	// input may add more.
	Branches []Branch `json:"branches,omitempty"`

	// Location is where the function is defined.
	Location Location `json:"location,omitempty"`
}

// Module is the structural representation of one compilation unit
// (or several, pre-merged with Merge).
type Module struct {
	// Path identifies the unit (file path or package path).
	Path string `json:"path"`

	// Language is the source language, informational only.
	Language string `json:"language,omitempty"`

	// Variables are module-level variables.
	Variables []Variable `json:"variables,omitempty"`

	// Functions are function definitions.
	Functions []Function `json:"functions,omitempty"`
}

// CallEdge is one caller → callee edge of the call graph.
type CallEdge struct {
	// Caller is the calling function's name.
	Caller string `json:"caller"`

	// Callee is the called function's name.
	Callee string `json:"callee"`
}

// CallGraph is the call graph supplied by the upstream extractor.
type CallGraph struct {
	// Edges are the caller → callee relations. Duplicates are allowed.
	Edges []CallEdge `json:"edges"`
}

// ControlFlow carries branch information extracted separately from the
// module, keyed by function name.
type ControlFlow struct {
	// Branches maps a function name to additional branches in its body.
	Branches map[string][]Branch `json:"branches"`
}

// ValidationError represents a validation failure with field context.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidModule.
func (e ValidationError) Unwrap() error {
	return ErrInvalidModule
}

// Validate checks the module for structural problems.
//
// Description:
//
//	Verifies that every definition is named, names are unique per
//	namespace (functions, variables, parameters within a function) and
//	all expressions are well formed.
//
// Outputs:
//
//	error - nil if valid, otherwise a ValidationError for the first problem.
func (m *Module) Validate() error {
	if m == nil {
		return ValidationError{Field: "Module", Message: "must not be nil"}
	}

	vars := make(map[string]bool, len(m.Variables))
	for i, v := range m.Variables {
		field := fmt.Sprintf("Variables[%d]", i)
		if strings.TrimSpace(v.Name) == "" {
			return ValidationError{Field: field + ".Name", Message: "must not be empty"}
		}
		if vars[v.Name] {
			return ValidationError{Field: field + ".Name", Message: "duplicate variable " + v.Name}
		}
		vars[v.Name] = true
		if v.Init != nil {
			if err := v.Init.Validate(); err != nil {
				return ValidationError{Field: field + ".Init", Message: err.Error()}
			}
		}
	}

	funcs := make(map[string]bool, len(m.Functions))
	for i := range m.Functions {
		f := &m.Functions[i]
		field := fmt.Sprintf("Functions[%d]", i)
		if strings.TrimSpace(f.Name) == "" {
			return ValidationError{Field: field + ".Name", Message: "must not be empty"}
		}
		if funcs[f.Name] {
			return ValidationError{Field: field + ".Name", Message: "duplicate function " + f.Name}
		}
		funcs[f.Name] = true
		if err := f.validate(field); err != nil {
			return err
		}
	}

	return nil
}

func (f *Function) validate(field string) error {
	params := make(map[string]bool, len(f.Params))
	for j, p := range f.Params {
		if strings.TrimSpace(p.Name) == "" {
			return ValidationError{Field: fmt.Sprintf("%s.Params[%d].Name", field, j), Message: "must not be empty"}
		}
		if params[p.Name] {
			return ValidationError{Field: fmt.Sprintf("%s.Params[%d].Name", field, j), Message: "duplicate parameter " + p.Name}
		}
		params[p.Name] = true
	}

	for j, a := range f.Locals {
		if a.Target == "" {
			return ValidationError{Field: fmt.Sprintf("%s.Locals[%d].Target", field, j), Message: "must not be empty"}
		}
		if a.Value == nil {
			return ValidationError{Field: fmt.Sprintf("%s.Locals[%d].Value", field, j), Message: "must not be nil"}
		}
		if err := a.Value.Validate(); err != nil {
			return ValidationError{Field: fmt.Sprintf("%s.Locals[%d].Value", field, j), Message: err.Error()}
		}
	}

	if f.Return != nil {
		if err := f.Return.Validate(); err != nil {
			return ValidationError{Field: field + ".Return", Message: err.Error()}
		}
	}

	for j, b := range f.Branches {
		if b.Condition == nil {
			return ValidationError{Field: fmt.Sprintf("%s.Branches[%d].Condition", field, j), Message: "must not be nil"}
		}
		if err := b.Condition.Validate(); err != nil {
			return ValidationError{Field: fmt.Sprintf("%s.Branches[%d].Condition", field, j), Message: err.Error()}
		}
	}

	for j, e := range f.Effects {
		if e.Kind == "" {
			return ValidationError{Field: fmt.Sprintf("%s.Effects[%d].Kind", field, j), Message: "must not be empty"}
		}
		for _, arg := range e.Args {
			if err := arg.Validate(); err != nil {
				return ValidationError{Field: fmt.Sprintf("%s.Effects[%d].Args", field, j), Message: err.Error()}
			}
		}
	}

	for j, c := range f.Calls {
		if c.Callee == "" {
			return ValidationError{Field: fmt.Sprintf("%s.Calls[%d].Callee", field, j), Message: "must not be empty"}
		}
	}
	return nil
}

// Function returns the function with the given name.
func (m *Module) Function(name string) (*Function, bool) {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return &m.Functions[i], true
		}
	}
	return nil, false
}

// Merge combines several compilation units into one module.
//
// Description:
//
//	Concatenates variables and functions. The merged module shares one
//	namespace, so a name defined in two units is rejected.
//
// Inputs:
//
//	mods - Modules to merge. Nil entries are skipped.
//
// Outputs:
//
//	*Module - The merged module, Path joined with "+".
//	error - Wraps ErrDuplicateDefinition on a name clash.
func Merge(mods ...*Module) (*Module, error) {
	merged := &Module{}
	paths := make([]string, 0, len(mods))
	seenVars := make(map[string]string)
	seenFuncs := make(map[string]string)

	for _, m := range mods {
		if m == nil {
			continue
		}
		paths = append(paths, m.Path)
		if merged.Language == "" {
			merged.Language = m.Language
		}
		for _, v := range m.Variables {
			if prev, ok := seenVars[v.Name]; ok {
				return nil, fmt.Errorf("%w: variable %s in %s and %s", ErrDuplicateDefinition, v.Name, prev, m.Path)
			}
			seenVars[v.Name] = m.Path
			merged.Variables = append(merged.Variables, v)
		}
		for _, f := range m.Functions {
			if prev, ok := seenFuncs[f.Name]; ok {
				return nil, fmt.Errorf("%w: function %s in %s and %s", ErrDuplicateDefinition, f.Name, prev, m.Path)
			}
			seenFuncs[f.Name] = m.Path
			merged.Functions = append(merged.Functions, f)
		}
	}

	merged.Path = strings.Join(paths, "+")
	return merged, nil
}
