// Package model defines the Variable holding a model's weights (and their gradients) on the host,
// and helpers to move them in and out of checkpoints and collectives.
//
// Models are plain structs holding *Variable fields. They list their variables in a deterministic order,
// the same in every worker, which is what makes flattening them for an all-reduce safe:
//
//	grads := model.FlattenGrads(m.Variables())
//	grads, err = aggregator.AverageWorld(ctx, grads)
//	err = model.SetGrads(m.Variables(), grads)
package model

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
)

// Variable holds a model weight: its values and the gradient of the loss with respect to them.
//
// Values and Grad are stored in row-major order, and have the size given by the Dimensions.
type Variable struct {
	Name       string
	Dimensions []int
	Value      []float64
	Grad       []float64

	// Trainable variables are updated by the optimizer. Non-trainable ones (e.g. running statistics) are
	// still saved in checkpoints.
	Trainable bool
}

// NewVariable creates a trainable zero-initialized variable with the given dimensions.
func NewVariable(name string, dimensions ...int) *Variable {
	v := &Variable{Name: name, Dimensions: dimensions, Trainable: true}
	v.Value = make([]float64, v.Size())
	v.Grad = make([]float64, v.Size())
	return v
}

// Size returns the number of elements of the variable.
func (v *Variable) Size() int {
	size := 1
	for _, dim := range v.Dimensions {
		size *= dim
	}
	return size
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s%v", v.Name, v.Dimensions)
}

// ZeroGrad resets the gradient to 0.
func (v *Variable) ZeroGrad() {
	clear(v.Grad)
}

// Fill sets all values to x.
func (v *Variable) Fill(x float64) {
	for ii := range v.Value {
		v.Value[ii] = x
	}
}

// ZeroGrads resets the gradients of all variables.
func ZeroGrads(vars []*Variable) {
	for _, v := range vars {
		v.ZeroGrad()
	}
}

// NumElements returns the total number of elements in vars.
func NumElements(vars []*Variable) int {
	var n int
	for _, v := range vars {
		n += v.Size()
	}
	return n
}

// FlattenGrads concatenates the gradients of the trainable variables.
func FlattenGrads(vars []*Variable) []float64 {
	flat := make([]float64, 0, NumElements(vars))
	for _, v := range vars {
		if v.Trainable {
			flat = append(flat, v.Grad...)
		}
	}
	return flat
}

// SetGrads is the inverse of FlattenGrads.
func SetGrads(vars []*Variable, flat []float64) error {
	pos := 0
	for _, v := range vars {
		if !v.Trainable {
			continue
		}
		if pos+len(v.Grad) > len(flat) {
			return errors.Errorf("SetGrads: %d values given, not enough for variable %s", len(flat), v)
		}
		copy(v.Grad, flat[pos:pos+len(v.Grad)])
		pos += len(v.Grad)
	}
	if pos != len(flat) {
		return errors.Errorf("SetGrads: %d values given, but variables only take %d", len(flat), pos)
	}
	return nil
}

// FlattenValues concatenates the values of all variables.
func FlattenValues(vars []*Variable) []float64 {
	flat := make([]float64, 0, NumElements(vars))
	for _, v := range vars {
		flat = append(flat, v.Value...)
	}
	return flat
}

// SetValues is the inverse of FlattenValues.
func SetValues(vars []*Variable, flat []float64) error {
	if len(flat) != NumElements(vars) {
		return errors.Errorf("SetValues: %d values given, but variables take %d", len(flat), NumElements(vars))
	}
	pos := 0
	for _, v := range vars {
		copy(v.Value, flat[pos:pos+len(v.Value)])
		pos += len(v.Value)
	}
	return nil
}

// IsFinite returns false if any value is NaN or infinite.
func IsFinite(vars []*Variable) bool {
	for _, v := range vars {
		for _, x := range v.Value {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// Snapshot copies the variables values to be saved in a checkpoint.
func Snapshot(vars []*Variable) []checkpoints.Variable {
	saved := make([]checkpoints.Variable, 0, len(vars))
	for _, v := range vars {
		saved = append(saved, checkpoints.Variable{
			Name:       v.Name,
			Dimensions: append([]int(nil), v.Dimensions...),
			Values:     append([]float64(nil), v.Value...),
		})
	}
	return saved
}

// Restore sets the variables values from a checkpoint. Every variable must be present in saved with
// the same dimensions.
func Restore(vars []*Variable, saved []checkpoints.Variable) error {
	byName := make(map[string]checkpoints.Variable, len(saved))
	for _, s := range saved {
		byName[s.Name] = s
	}
	for _, v := range vars {
		s, found := byName[v.Name]
		if !found {
			return errors.Errorf("variable %s missing from checkpoint", v)
		}
		if len(s.Values) != len(v.Value) {
			return errors.Errorf("variable %s has dimensions %v in checkpoint", v, s.Dimensions)
		}
		copy(v.Value, s.Values)
	}
	return nil
}
