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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Default query configuration values.
const (
	// DefaultNumSamples is the number of samples per arm.
	DefaultNumSamples = 1000

	// DefaultBootstrapResamples is the number of paired bootstrap resamples.
	DefaultBootstrapResamples = 100

	// DefaultSeed seeds sampling when no seed is given.
	DefaultSeed uint64 = 1

	// MaxNumSamples bounds the samples per arm.
	MaxNumSamples = 1_000_000
)

// QueryOptions configures one EstimateImpact call.
type QueryOptions struct {
	// NumSamples is the number of baseline and intervened samples.
	// Default: 1000
	NumSamples int

	// Seed makes results reproducible.
	// Default: 1
	Seed uint64

	// BootstrapResamples is the number of bootstrap resamples for the CI.
	// Default: 100
	BootstrapResamples int

	// Observe lists extra nodes to report even when they are not
	// downstream of the intervention.
	Observe []string
}

// DefaultQueryOptions returns sensible defaults.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		NumSamples:         DefaultNumSamples,
		Seed:               DefaultSeed,
		BootstrapResamples: DefaultBootstrapResamples,
	}
}

// Option is a functional option for configuring a query.
type Option func(*QueryOptions)

// WithNumSamples sets the number of samples per arm.
func WithNumSamples(n int) Option {
	return func(o *QueryOptions) {
		o.NumSamples = n
	}
}

// WithSeed sets the random seed.
func WithSeed(seed uint64) Option {
	return func(o *QueryOptions) {
		o.Seed = seed
	}
}

// WithBootstrapResamples sets the number of bootstrap resamples.
func WithBootstrapResamples(n int) Option {
	return func(o *QueryOptions) {
		o.BootstrapResamples = n
	}
}

// WithObserve adds nodes to report regardless of reachability.
func WithObserve(ids ...string) Option {
	return func(o *QueryOptions) {
		o.Observe = append(o.Observe, ids...)
	}
}

func (o QueryOptions) validate() error {
	if o.NumSamples < 2 || o.NumSamples > MaxNumSamples {
		return fmt.Errorf("%w: num_samples must be in [2, %d], got %d",
			ErrInvalidIntervention, MaxNumSamples, o.NumSamples)
	}
	if o.BootstrapResamples < 1 {
		return fmt.Errorf("%w: bootstrap_resamples must be positive, got %d",
			ErrInvalidIntervention, o.BootstrapResamples)
	}
	return nil
}

// ParseValues converts decoded JSON intervention values to numbers.
//
// Description:
//
//	Booleans become 0 or 1; numbers (float64, json.Number, Go integer
//	types) are kept. Anything else, including non-finite numbers, is an
//	*InterventionError. Domain checks happen later against the model.
func ParseValues(raw map[string]any) (map[string]float64, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]float64, len(raw))
	for _, k := range keys {
		v, err := toFloat(raw[k])
		if err != nil {
			return nil, &InterventionError{NodeID: k, Value: raw[k], Reason: err.Error()}
		}
		out[k] = v
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %w", err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("value of type %T is not numeric or boolean", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value must be finite")
	}
	return f, nil
}
