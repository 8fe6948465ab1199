// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mechanism

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of a mechanism: {"type": ..., "params": {...}}.
//
// The type tag is one of "linear", "empirical", "unknown" or "additive".
// "additive" extends the base three-tag set and only appears when the
// additive family is fitted; consumers limited to the base set should fit
// with Families restricted to linear and empirical.
type Envelope struct {
	Type   Type            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Encode wraps a mechanism in its envelope.
func Encode(m Mechanism) (Envelope, error) {
	if m == nil {
		return Envelope{}, fmt.Errorf("%w: nil mechanism", ErrInvalidMechanism)
	}
	params, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s mechanism: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Params: params}, nil
}

// Decode restores a mechanism from its envelope and validates it.
//
// Outputs:
//
//	Mechanism - The decoded mechanism.
//	error - ErrInvalidMechanism for an unknown type or inconsistent params.
func Decode(env Envelope) (Mechanism, error) {
	var m Mechanism
	switch env.Type {
	case TypeLinear:
		m = &Linear{}
	case TypeEmpirical:
		m = &Empirical{}
	case TypeAdditive:
		m = &Additive{}
	case TypeUnknown:
		m = &Unknown{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMechanism, env.Type)
	}
	if err := json.Unmarshal(env.Params, m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s params: %v", ErrInvalidMechanism, env.Type, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeAll encodes a node id → mechanism map.
func EncodeAll(ms map[string]Mechanism) (map[string]Envelope, error) {
	out := make(map[string]Envelope, len(ms))
	for id, m := range ms {
		env, err := Encode(m)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		out[id] = env
	}
	return out, nil
}

// DecodeAll decodes a node id → envelope map.
func DecodeAll(envs map[string]Envelope) (map[string]Mechanism, error) {
	out := make(map[string]Mechanism, len(envs))
	for id, env := range envs {
		m, err := Decode(env)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		out[id] = m
	}
	return out, nil
}
