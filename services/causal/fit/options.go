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
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

// Quality selects how much effort dynamic fitting spends.
type Quality string

const (
	// QualityFast tries linear only, falling back to empirical.
	QualityFast Quality = "fast"

	// QualityGood tries empirical, linear and additive.
	QualityGood Quality = "good"

	// QualityBetter tries all three with more knots and a tuned k.
	QualityBetter Quality = "better"
)

// Default fit configuration values.
const (
	// DefaultR2Threshold is the mean validation R² a dynamic fit must reach.
	DefaultR2Threshold = 0.7

	// DefaultTrainFraction is the share of rows used for training.
	DefaultTrainFraction = 0.8

	// DefaultMinRows is the minimum number of usable rows.
	DefaultMinRows = 10

	// DefaultSeed seeds the train/validation split.
	DefaultSeed uint64 = 42

	// SelectionTolerance is the R² margin within which a simpler family
	// is preferred.
	SelectionTolerance = 0.01
)

// Options configures one Fit call.
type Options struct {
	// StaticOnly forces static inference even when traces are given.
	StaticOnly bool `json:"static_only"`

	// Quality is the effort preset.
	Quality Quality `json:"quality" validate:"omitempty,oneof=fast good better"`

	// R2Threshold is the minimum mean validation R² for status success.
	// Nil means DefaultR2Threshold; a pointer to 0 accepts any fit.
	R2Threshold *float64 `json:"r2_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`

	// TrainFraction is the share of rows used for training.
	TrainFraction float64 `json:"train_fraction" validate:"gt=0,lt=1"`

	// Seed seeds the deterministic shuffle.
	Seed uint64 `json:"seed"`

	// Families overrides the families tried, in order. Empty means the
	// quality preset decides.
	Families []mechanism.Type `json:"families,omitempty" validate:"dive,oneof=linear empirical additive"`

	// MinRows is the minimum number of rows left after dropping missing values.
	MinRows int `json:"min_rows" validate:"gte=2"`

	// Workers bounds parallel node fitting. Zero means one per CPU.
	Workers int `json:"workers,omitempty" validate:"gte=0"`
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Quality:       QualityGood,
		R2Threshold:   Threshold(DefaultR2Threshold),
		TrainFraction: DefaultTrainFraction,
		Seed:          DefaultSeed,
		MinRows:       DefaultMinRows,
	}
}

var validate = validator.New()

// Threshold returns v as an Options.R2Threshold value.
func Threshold(v float64) *float64 {
	return &v
}

// minR2 returns the effective R² threshold.
func (o Options) minR2() float64 {
	if o.R2Threshold == nil {
		return DefaultR2Threshold
	}
	return *o.R2Threshold
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// families returns the families to try, in order.
func (o Options) families() []mechanism.Type {
	if len(o.Families) > 0 {
		return o.Families
	}
	switch o.Quality {
	case QualityFast:
		return []mechanism.Type{mechanism.TypeLinear}
	default:
		return []mechanism.Type{mechanism.TypeEmpirical, mechanism.TypeLinear, mechanism.TypeAdditive}
	}
}

// knotQuantiles returns the quantiles at which additive hinge knots sit.
func (o Options) knotQuantiles() []float64 {
	if o.Quality == QualityBetter {
		return []float64{1.0 / 6, 2.0 / 6, 3.0 / 6, 4.0 / 6, 5.0 / 6}
	}
	return []float64{0.25, 0.5, 0.75}
}

// neighbourCandidates returns the k values tried for empirical fits.
func (o Options) neighbourCandidates() []int {
	if o.Quality == QualityBetter {
		return []int{3, 5, 10}
	}
	return []int{5}
}
