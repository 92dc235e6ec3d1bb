/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package optimizers implements the reference optimizer (SGD with momentum and weight decay) and the
// learning rate schedules used by the training loop. They operate on host model.Variable values, after
// the gradients were averaged across workers.
package optimizers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// Interface implemented by optimizers, as consumed by the training loop.
type Interface interface {
	// ZeroGrad resets the gradients of the variables being optimized.
	ZeroGrad()

	// Step applies one update to the variables using their current gradients.
	Step()

	// AdvanceSchedule sets the learning rate for the given schedule position: the epoch or the global step,
	// depending on the schedule mode.
	AdvanceSchedule(position int)

	// LearningRate currently in use.
	LearningRate() float64

	// State returns the optimizer's variables and scalars, to be saved in a checkpoint.
	State() (vars []checkpoints.Variable, scalars map[string]float64)

	// LoadState restores what State returned.
	LoadState(vars []checkpoints.Variable, scalars map[string]float64) error
}

// ErrInvalidConfig is returned for invalid optimizer or schedule configuration.
var ErrInvalidConfig = errors.New("invalid optimizer configuration")

// ClipGradNorm scales the gradients of the trainable variables so that their global L2 norm is at most maxNorm.
// It returns the norm before clipping.
//
// maxNorm <= 0 disables clipping.
func ClipGradNorm(vars []*model.Variable, maxNorm float64) float64 {
	var sumSquares float64
	for _, v := range vars {
		if !v.Trainable {
			continue
		}
		for _, g := range v.Grad {
			sumSquares += g * g
		}
	}
	norm := math.Sqrt(sumSquares)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, v := range vars {
		if !v.Trainable {
			continue
		}
		for ii := range v.Grad {
			v.Grad[ii] *= scale
		}
	}
	return norm
}
