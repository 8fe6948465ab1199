// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intervention

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
)

// Sentinel errors for intervention queries.
var (
	// ErrInvalidIntervention is wrapped by every InterventionError.
	ErrInvalidIntervention = errors.New("invalid intervention")

	// ErrNoModel indicates a nil or incomplete model.
	ErrNoModel = errors.New("model must not be nil")
)

// InterventionError reports a forced value that the node cannot take.
// Values are never coerced into a domain.
type InterventionError struct {
	// NodeID is the node the value was forced onto.
	NodeID string

	// Value is the offending value as supplied.
	Value any

	// Domain is the node's value domain, if known.
	Domain graph.Domain

	// Reason describes the problem.
	Reason string
}

// Error returns a description of the invalid value.
func (e *InterventionError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("%s: node %s (%s) cannot take %v: %s",
			ErrInvalidIntervention, e.NodeID, e.Domain, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: node %s cannot take %v: %s", ErrInvalidIntervention, e.NodeID, e.Value, e.Reason)
}

// Unwrap returns ErrInvalidIntervention.
func (e *InterventionError) Unwrap() error {
	return ErrInvalidIntervention
}
