package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/disttrain/pkg/ml/model"
)

func TestSGD(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		w := model.NewVariable("w", 2)
		copy(w.Value, []float64{1, 2})
		opt, err := NewSGD([]*model.Variable{w}, SGDConfig{LearningRate: 0.5, Schedule: Schedule{Policy: ConstantSchedule}})
		require.NoError(t, err)
		copy(w.Grad, []float64{1, -2})
		opt.Step()
		assert.Equal(t, []float64{0.5, 3}, w.Value)
		opt.ZeroGrad()
		assert.Equal(t, []float64{0, 0}, w.Grad)
	})

	t.Run("momentum+weight_decay", func(t *testing.T) {
		w := model.NewVariable("w", 1)
		w.Value[0] = 1
		frozen := model.NewVariable("frozen", 1)
		frozen.Trainable = false
		opt, err := NewSGD([]*model.Variable{w, frozen}, SGDConfig{
			LearningRate: 0.1, Momentum: 0.9, WeightDecay: 0.5, Schedule: Schedule{Policy: ConstantSchedule}})
		require.NoError(t, err)

		// Step 1: d = 1 + 0.5*1 = 1.5, buf = 1.5, w = 1 - 0.15 = 0.85.
		w.Grad[0] = 1
		frozen.Grad[0] = 100
		opt.Step()
		assert.InDelta(t, 0.85, w.Value[0], 1e-12)
		assert.Equal(t, 0.0, frozen.Value[0])

		// Step 2: d = 1 + 0.425 = 1.425, buf = 0.9*1.5 + 1.425 = 2.775, w = 0.85 - 0.2775.
		opt.Step()
		assert.InDelta(t, 0.5725, w.Value[0], 1e-12)
	})

	t.Run("state", func(t *testing.T) {
		newOpt := func() (*SGD, *model.Variable) {
			w := model.NewVariable("w", 1)
			opt, err := NewSGD([]*model.Variable{w}, SGDConfig{
				LearningRate: 1, Momentum: 0.5, Schedule: Schedule{Policy: StepSchedule, Gamma: 0.1, StepSize: 2}})
			require.NoError(t, err)
			return opt, w
		}
		opt, w := newOpt()
		w.Grad[0] = 1
		opt.AdvanceSchedule(3)
		opt.Step()
		vars, scalars := opt.State()
		require.Len(t, vars, 1)
		assert.Equal(t, "w/momentum", vars[0].Name)

		opt2, w2 := newOpt()
		require.NoError(t, opt2.LoadState(vars, scalars))
		assert.InDelta(t, 0.1, opt2.LearningRate(), 1e-12)

		// Both continue identically.
		w2.Value[0] = w.Value[0]
		w.Grad[0], w2.Grad[0] = 2, 2
		opt.Step()
		opt2.Step()
		assert.Equal(t, w.Value[0], w2.Value[0])

		require.Error(t, opt2.LoadState(nil, scalars))
	})

	t.Run("invalid", func(t *testing.T) {
		for _, config := range []SGDConfig{
			{LearningRate: 0, Schedule: Schedule{Policy: ConstantSchedule}},
			{LearningRate: 1, Momentum: -1, Schedule: Schedule{Policy: ConstantSchedule}},
			{LearningRate: 1, Nesterov: true, Schedule: Schedule{Policy: ConstantSchedule}},
			{LearningRate: 1, Schedule: Schedule{Policy: "exponential"}},
			{LearningRate: 1, Schedule: Schedule{Policy: StepSchedule, Gamma: 0.1}},
			{LearningRate: 1, Schedule: Schedule{Policy: CosineSchedule}},
		} {
			_, err := NewSGD(nil, config)
			require.ErrorIsf(t, err, ErrInvalidConfig, "config %+v", config)
		}
	})
}

func TestSchedules(t *testing.T) {
	step := Schedule{Policy: StepSchedule, Gamma: 0.1, StepSize: 30}
	assert.Equal(t, 0.1, step.LearningRate(0.1, 0))
	assert.Equal(t, 0.1, step.LearningRate(0.1, 29))
	assert.InDelta(t, 0.01, step.LearningRate(0.1, 30), 1e-15)
	assert.InDelta(t, 0.001, step.LearningRate(0.1, 65), 1e-15)

	assert.Equal(t, 0.3, Schedule{Policy: ConstantSchedule}.LearningRate(0.3, 1000))

	cosine := Schedule{Policy: CosineSchedule, Period: 10, MinLearningRate: 0.01, WarmUp: 2}
	assert.InDelta(t, 0.5, cosine.LearningRate(1, 0), 1e-12)
	assert.InDelta(t, 1.0, cosine.LearningRate(1, 1), 1e-12)
	assert.InDelta(t, 1.0, cosine.LearningRate(1, 2), 1e-12)
	wantMid := 0.01 + (math.Cos(0.5*math.Pi)+1)/2*0.99
	assert.InDelta(t, wantMid, cosine.LearningRate(1, 7), 1e-12)
	// Restarts after a period.
	assert.InDelta(t, 1.0, cosine.LearningRate(1, 12), 1e-12)
}

func TestClipGradNorm(t *testing.T) {
	w := model.NewVariable("w", 2)
	copy(w.Grad, []float64{3, 4})
	frozen := model.NewVariable("frozen", 1)
	frozen.Trainable = false
	frozen.Grad[0] = 1000
	vars := []*model.Variable{w, frozen}

	assert.Equal(t, 5.0, ClipGradNorm(vars, 0))
	assert.Equal(t, []float64{3, 4}, w.Grad)
	assert.Equal(t, 5.0, ClipGradNorm(vars, 10))
	assert.Equal(t, []float64{3, 4}, w.Grad)

	assert.Equal(t, 5.0, ClipGradNorm(vars, 1))
	assert.InDelta(t, 0.6, w.Grad[0], 1e-6)
	assert.InDelta(t, 0.8, w.Grad[1], 1e-6)
	assert.Equal(t, 1000.0, frozen.Grad[0])
}
