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
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

// BuildStats contains statistics about a build operation.
type BuildStats struct {
	// NodesCreated is the number of nodes created before pruning.
	NodesCreated int `json:"nodes_created"`

	// EdgesCreated is the number of distinct edges created before pruning.
	EdgesCreated int `json:"edges_created"`

	// ControlFlowEdges is the number of control_flow edges kept.
	ControlFlowEdges int `json:"control_flow_edges"`

	// ControlFlowSkipped counts gated targets that never reach an output.
	ControlFlowSkipped int `json:"control_flow_skipped"`

	// SkippedCallees counts call edges to functions not defined in the module.
	SkippedCallees int `json:"skipped_callees"`

	// PrunedEffects is the number of observation effects removed.
	PrunedEffects int `json:"pruned_effects"`

	// RemovedIsolated is the number of isolated nodes removed.
	RemovedIsolated int `json:"removed_isolated"`

	// RemovedSelfLoops is the number of recursive self-loops removed.
	RemovedSelfLoops int `json:"removed_self_loops"`

	// DroppedMutations counts read-modify-write mutation edges dropped.
	DroppedMutations int `json:"dropped_mutations"`

	// CollapsedComponents is the number of recursive components folded.
	CollapsedComponents int `json:"collapsed_components"`

	// DurationMilli is the build duration in milliseconds.
	DurationMilli int64 `json:"duration_milli"`
}

// BuildResult contains the output of a build operation.
type BuildResult struct {
	// Graph is the frozen, validated causal graph.
	Graph *graph.CausalGraph `json:"graph"`

	// Warnings describe approximations applied during the build
	// (pruned nodes, removed self-loops, collapsed recursion).
	Warnings []string `json:"warnings,omitempty"`

	// Stats contains build statistics.
	Stats BuildStats `json:"stats"`
}
