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
	"strings"
)

// Sentinel errors for fitting.
var (
	// ErrData is wrapped by every DataError.
	ErrData = errors.New("trace data does not fit the causal graph")

	// ErrFitting is wrapped by every FittingError.
	ErrFitting = errors.New("mechanism fitting failed")

	// ErrInvalidOptions indicates fit options failed validation.
	ErrInvalidOptions = errors.New("invalid fit options")
)

// DataError reports execution traces that cannot be used with a graph:
// missing node columns, malformed rows, or too few usable rows.
type DataError struct {
	// Missing lists graph node ids without a trace column.
	Missing []string

	// Reason describes the problem when it is not a missing column.
	Reason string
}

// Error returns a description listing missing columns, if any.
func (e *DataError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns for nodes: "+strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrData, strings.Join(parts, "; "))
}

// Unwrap returns ErrData.
func (e *DataError) Unwrap() error {
	return ErrData
}

// FittingError reports a numerical or process failure while fitting.
type FittingError struct {
	// NodeID is the node whose mechanism failed, empty for failures not
	// tied to one node (worker crash, timeout).
	NodeID string

	// Reason describes the failure.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a description including the node id when known.
func (e *FittingError) Error() string {
	msg := ErrFitting.Error()
	if e.NodeID != "" {
		msg += ": node " + e.NodeID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes ErrFitting and the cause to errors.Is.
func (e *FittingError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrFitting, e.Cause}
	}
	return []error{ErrFitting}
}
