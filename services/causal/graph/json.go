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
	"encoding/json"
	"fmt"
)

// nodeLink is the node-link JSON form of a graph.
type nodeLink struct {
	Directed     bool          `json:"directed"`
	Nodes        []*CausalNode `json:"nodes"`
	Edges        []*CausalEdge `json:"edges"`
	BuiltAtMilli int64         `json:"built_at_milli,omitempty"`
}

// MarshalJSON encodes the graph in node-link form with nodes and edges
// in sorted order.
func (g *CausalGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeLink{
		Directed:     true,
		Nodes:        g.Nodes(),
		Edges:        g.Edges(),
		BuiltAtMilli: g.BuiltAtMilli,
	})
}

// UnmarshalJSON decodes a node-link graph and freezes it.
//
// Description:
//
//	Aliases are rebuilt from node Members. The decoded graph is validated;
//	an invalid graph is rejected rather than returned half-usable.
func (g *CausalGraph) UnmarshalJSON(data []byte) error {
	var nl nodeLink
	if err := json.Unmarshal(data, &nl); err != nil {
		return fmt.Errorf("decoding graph: %w", err)
	}
	if !nl.Directed {
		return NewGraphBuildError("node-link graph is not directed")
	}

	fresh := NewCausalGraph()
	for _, n := range nl.Nodes {
		if err := fresh.AddNode(n); err != nil {
			return fmt.Errorf("decoding graph: %w", err)
		}
	}
	for _, e := range nl.Edges {
		if _, err := fresh.AddEdge(e.From, e.To, e.Kind); err != nil {
			return fmt.Errorf("decoding graph: %w", err)
		}
	}
	for _, n := range nl.Nodes {
		for _, m := range n.Members {
			if m != n.ID {
				fresh.aliases[m] = n.ID
			}
		}
	}
	if err := fresh.Validate(); err != nil {
		return err
	}
	fresh.BuiltAtMilli = nl.BuiltAtMilli
	fresh.Freeze()
	*g = *fresh
	return nil
}
