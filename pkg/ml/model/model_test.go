package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenAndSet(t *testing.T) {
	w := NewVariable("w", 2, 2)
	b := NewVariable("b", 2)
	stats := NewVariable("stats", 3)
	stats.Trainable = false
	vars := []*Variable{w, stats, b}
	assert.Equal(t, 9, NumElements(vars))

	copy(w.Grad, []float64{1, 2, 3, 4})
	copy(b.Grad, []float64{5, 6})
	copy(stats.Grad, []float64{-1, -1, -1})
	flat := FlattenGrads(vars)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, flat)

	for ii := range flat {
		flat[ii] *= 10
	}
	require.NoError(t, SetGrads(vars, flat))
	assert.Equal(t, []float64{10, 20, 30, 40}, w.Grad)
	assert.Equal(t, []float64{50, 60}, b.Grad)
	require.Error(t, SetGrads(vars, flat[:5]))
	require.Error(t, SetGrads(vars, append(flat, 1)))

	ZeroGrads(vars)
	assert.Equal(t, []float64{0, 0}, b.Grad)

	require.NoError(t, SetValues(vars, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	assert.Equal(t, []float64{5, 6, 7}, stats.Value)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, FlattenValues(vars))
	require.Error(t, SetValues(vars, []float64{1}))
}

func TestSnapshotRestore(t *testing.T) {
	w := NewVariable("w", 3)
	w.Fill(2)
	saved := Snapshot([]*Variable{w})
	w.Fill(0)
	require.NoError(t, Restore([]*Variable{w}, saved))
	assert.Equal(t, []float64{2, 2, 2}, w.Value)

	// Snapshot is a copy.
	saved[0].Values[0] = 7
	assert.Equal(t, 2.0, w.Value[0])

	require.Error(t, Restore([]*Variable{NewVariable("other", 3)}, saved))
	require.Error(t, Restore([]*Variable{NewVariable("w", 4)}, saved))
}

func TestIsFinite(t *testing.T) {
	w := NewVariable("w", 2)
	assert.True(t, IsFinite([]*Variable{w}))
	w.Value[1] = math.Inf(-1)
	assert.False(t, IsFinite([]*Variable{w}))
	w.Value[1] = math.NaN()
	assert.False(t, IsFinite([]*Variable{w}))
	assert.Equal(t, "w[2]", w.String())
}
