// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the causal graph shared by the builder, the
// mechanism fitter and the intervention engine.
//
// Nodes are program elements (functions, variables, return values, side
// effects) and edges are causal influences (data flow, control flow, calls).
//
// # Thread Safety
//
// CausalGraph is NOT safe for concurrent use during building. It is designed for:
//   - Single-writer access during build phase (AddNode, AddEdge, Collapse)
//   - Read-only access after Freeze() is called
//
// After Freeze(), the graph can be safely read from multiple goroutines.
//
// # Lifecycle
//
//  1. Create with NewCausalGraph()
//  2. Build with AddNode(), AddEdge(), RemoveNode(), Collapse()
//  3. Call Validate() then Freeze()
//  4. Query with Node(), Parents(), TopologicalOrder(), etc.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph operations.
var (
	// ErrGraphFrozen is returned when attempting to modify a frozen graph.
	ErrGraphFrozen = errors.New("graph is frozen and cannot be modified")

	// ErrNodeNotFound is returned when an id does not name a node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when adding a node with an ID that
	// already exists in the graph.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrInvalidNode is returned when attempting to add a nil node or a
	// node without an ID.
	ErrInvalidNode = errors.New("invalid node")

	// ErrGraphBuild is wrapped by every GraphBuildError.
	ErrGraphBuild = errors.New("graph build failed")

	// ErrCyclicGraph is wrapped by every CyclicGraphError.
	ErrCyclicGraph = errors.New("causal graph contains a cycle")
)

// GraphBuildError reports a structural problem that prevents a valid
// causal graph: empty graph, no root, no leaf, several disconnected
// components, or malformed input.
//
// Example:
//
//	var buildErr *graph.GraphBuildError
//	if errors.As(err, &buildErr) {
//	    log.Printf("build failed: %s (nodes %v)", buildErr.Reason, buildErr.Nodes)
//	}
type GraphBuildError struct {
	// Reason describes the problem in human-readable form.
	Reason string

	// Nodes lists the node ids involved, when relevant (e.g. the smaller
	// components of a disconnected graph).
	Nodes []string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns "graph build failed: <reason>".
func (e *GraphBuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrGraphBuild, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrGraphBuild, e.Reason)
}

// Unwrap exposes ErrGraphBuild and the cause to errors.Is.
func (e *GraphBuildError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrGraphBuild, e.Cause}
	}
	return []error{ErrGraphBuild}
}

// NewGraphBuildError creates a GraphBuildError.
func NewGraphBuildError(reason string, nodes ...string) *GraphBuildError {
	return &GraphBuildError{Reason: reason, Nodes: nodes}
}

// CyclicGraphError reports a cycle that could not be resolved.
type CyclicGraphError struct {
	// Cycle is the cycle path, first element repeated at the end
	// (e.g. ["var:A", "var:B", "var:A"]).
	Cycle []string

	// Reason optionally explains why the cycle was not collapsed.
	Reason string
}

// Error returns the cycle path joined with arrows.
func (e *CyclicGraphError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrCyclicGraph, strings.Join(e.Cycle, " -> "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Unwrap returns ErrCyclicGraph.
func (e *CyclicGraphError) Unwrap() error {
	return ErrCyclicGraph
}

// NodeNotFoundError reports a query for an id that is not in the graph.
type NodeNotFoundError struct {
	// ID is the id that failed to resolve.
	ID string
}

// Error returns "node not found: <id>".
func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNodeNotFound, e.ID)
}

// Unwrap returns ErrNodeNotFound.
func (e *NodeNotFoundError) Unwrap() error {
	return ErrNodeNotFound
}
