// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// SchedulePolicy is the name of a learning rate schedule.
type SchedulePolicy string

const (
	// ConstantSchedule keeps the base learning rate.
	ConstantSchedule SchedulePolicy = "constant"

	// StepSchedule multiplies the learning rate by Gamma every StepSize positions.
	StepSchedule SchedulePolicy = "step"

	// CosineSchedule anneals the learning rate from the base value to MinLearningRate following a cosine,
	// restarting every Period positions, after WarmUp positions of linear warm-up.
	CosineSchedule SchedulePolicy = "cosine"
)

// SchedulePolicies lists the known schedules.
var SchedulePolicies = []SchedulePolicy{ConstantSchedule, StepSchedule, CosineSchedule}

// Schedule configuration. Positions are epochs or global steps, depending on how the training loop
// advances the schedule.
type Schedule struct {
	Policy SchedulePolicy

	// Gamma and StepSize are used by StepSchedule.
	Gamma    float64
	StepSize int

	// Period, MinLearningRate and WarmUp are used by CosineSchedule.
	Period          int
	MinLearningRate float64
	WarmUp          int
}

// Validate the schedule configuration.
func (s Schedule) Validate() error {
	if !slices.Contains(SchedulePolicies, s.Policy) {
		return errors.Wrapf(ErrInvalidConfig, "unknown schedule %q, valid values are %v", s.Policy, SchedulePolicies)
	}
	switch s.Policy {
	case StepSchedule:
		if s.StepSize <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "step schedule requires step_size > 0, got %d", s.StepSize)
		}
		if s.Gamma <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "step schedule requires gamma > 0, got %g", s.Gamma)
		}
	case CosineSchedule:
		if s.Period <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "cosine schedule requires period > 0, got %d", s.Period)
		}
		if s.WarmUp < 0 {
			return errors.Wrapf(ErrInvalidConfig, "cosine schedule requires warm_up >= 0, got %d", s.WarmUp)
		}
	}
	return nil
}

// LearningRate at the given position, for the base learning rate.
func (s Schedule) LearningRate(base float64, position int) float64 {
	position = max(position, 0)
	switch s.Policy {
	case StepSchedule:
		return base * math.Pow(s.Gamma, float64(position/s.StepSize))
	case CosineSchedule:
		if position < s.WarmUp {
			return base * float64(position+1) / float64(s.WarmUp)
		}
		cycle := float64((position-s.WarmUp)%s.Period) / float64(s.Period)
		ratio := (math.Cos(cycle*math.Pi) + 1) / 2 // from 1.0 to 0.0
		return s.MinLearningRate + ratio*(base-s.MinLearningRate)
	default:
		return base
	}
}
