// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// SGDConfig holds the hyperparameters of SGD.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
	Schedule     Schedule
}

// Validate the hyperparameters.
func (c SGDConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "learning rate must be > 0, got %g", c.LearningRate)
	}
	if c.Momentum < 0 || c.WeightDecay < 0 {
		return errors.Wrapf(ErrInvalidConfig, "momentum (%g) and weight decay (%g) must be >= 0",
			c.Momentum, c.WeightDecay)
	}
	if c.Nesterov && c.Momentum == 0 {
		return errors.Wrap(ErrInvalidConfig, "nesterov momentum requires momentum > 0")
	}
	return c.Schedule.Validate()
}

// SGD is stochastic gradient descent with (optionally Nesterov) momentum and L2 weight decay:
//
//	d = grad + weightDecay * value
//	buf = momentum * buf + d   (buf = d on the first step)
//	value -= lr * (nesterov ? d + momentum*buf : buf)
type SGD struct {
	config   SGDConfig
	vars     []*model.Variable
	buffers  [][]float64
	lr       float64
	position int
	steps    int
}

const (
	scalarSteps    = "sgd/steps"
	scalarPosition = "sgd/schedule_position"
	bufferSuffix   = "/momentum"
)

// NewSGD creates an SGD optimizer for the trainable variables in vars.
func NewSGD(vars []*model.Variable, config SGDConfig) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	opt := &SGD{config: config}
	for _, v := range vars {
		if !v.Trainable {
			continue
		}
		opt.vars = append(opt.vars, v)
		if config.Momentum > 0 {
			opt.buffers = append(opt.buffers, make([]float64, v.Size()))
		}
	}
	opt.AdvanceSchedule(0)
	return opt, nil
}

// ZeroGrad implements Interface.
func (opt *SGD) ZeroGrad() {
	model.ZeroGrads(opt.vars)
}

// Step implements Interface.
func (opt *SGD) Step() {
	cfg := &opt.config
	for vIdx, v := range opt.vars {
		for ii, g := range v.Grad {
			d := g + cfg.WeightDecay*v.Value[ii]
			if cfg.Momentum > 0 {
				buf := opt.buffers[vIdx]
				if opt.steps == 0 {
					buf[ii] = d
				} else {
					buf[ii] = cfg.Momentum*buf[ii] + d
				}
				if cfg.Nesterov {
					d += cfg.Momentum * buf[ii]
				} else {
					d = buf[ii]
				}
			}
			v.Value[ii] -= opt.lr * d
		}
	}
	opt.steps++
}

// AdvanceSchedule implements Interface.
func (opt *SGD) AdvanceSchedule(position int) {
	opt.position = position
	opt.lr = opt.config.Schedule.LearningRate(opt.config.LearningRate, position)
}

// LearningRate implements Interface.
func (opt *SGD) LearningRate() float64 {
	return opt.lr
}

// State implements Interface.
func (opt *SGD) State() ([]checkpoints.Variable, map[string]float64) {
	var vars []checkpoints.Variable
	for vIdx, buf := range opt.buffers {
		v := opt.vars[vIdx]
		vars = append(vars, checkpoints.Variable{
			Name:       v.Name + bufferSuffix,
			Dimensions: append([]int(nil), v.Dimensions...),
			Values:     append([]float64(nil), buf...),
		})
	}
	scalars := map[string]float64{
		scalarSteps:    float64(opt.steps),
		scalarPosition: float64(opt.position),
	}
	return vars, scalars
}

// LoadState implements Interface.
func (opt *SGD) LoadState(vars []checkpoints.Variable, scalars map[string]float64) error {
	byName := make(map[string][]float64, len(vars))
	for _, v := range vars {
		byName[v.Name] = v.Values
	}
	for vIdx, buf := range opt.buffers {
		name := opt.vars[vIdx].Name + bufferSuffix
		values, found := byName[name]
		if !found {
			return errors.Errorf("SGD state is missing momentum buffer %q", name)
		}
		if len(values) != len(buf) {
			return errors.Errorf("SGD momentum buffer %q has %d values, wanted %d", name, len(values), len(buf))
		}
		copy(buf, values)
	}
	opt.steps = int(scalars[scalarSteps])
	opt.AdvanceSchedule(int(scalars[scalarPosition]))
	return nil
}
