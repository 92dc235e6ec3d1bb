package softmax

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

func newTestModel(t *testing.T, activation string) *Model {
	m := New(Config{NumFeatures: 3, NumHidden: 4, NumClasses: 3, Activation: activation, LeakyReLUSlope: 0.1})
	rng := rand.New(rand.NewPCG(1, 2))
	require.NoError(t, m.Initialize(initializer.Config{Policy: initializer.XavierNormal, GainMultiplier: 1}, rng))
	// Perturb scale and offset, so their gradients are not trivial.
	for ii := range m.bnScale.Value {
		m.bnScale.Value[ii] = 0.5 + 0.25*float64(ii)
		m.bnOffset.Value[ii] = 0.1 * float64(ii)
	}
	return m
}

var (
	testInputs = [][]float64{{0.5, -1, 2}, {1, 1, 1}, {-2, 0.3, 0.1}}
	testLabels = []int{0, 2, 1}
)

func TestGradients(t *testing.T) {
	for _, activation := range []string{"relu", "leaky_relu", "elu"} {
		t.Run(activation, func(t *testing.T) {
			m := newTestModel(t, activation)
			vars := m.Variables()
			model.ZeroGrads(vars)
			_, lossSum := m.TrainStep(testInputs, testLabels)
			_, evalLoss := m.Eval(testInputs, testLabels)
			assert.InDelta(t, evalLoss, lossSum, 1e-12)

			// Numerical gradient of the mean loss.
			const eps = 1e-6
			meanLoss := func() float64 {
				_, l := m.Eval(testInputs, testLabels)
				return l / float64(len(testInputs))
			}
			for _, v := range vars {
				for ii := range v.Value {
					orig := v.Value[ii]
					v.Value[ii] = orig + eps
					plus := meanLoss()
					v.Value[ii] = orig - eps
					minus := meanLoss()
					v.Value[ii] = orig
					want := (plus - minus) / (2 * eps)
					assert.InDeltaf(t, want, v.Grad[ii], 1e-5, "gradient of %s[%d]", v.Name, ii)
				}
			}
		})
	}
}

func TestEval(t *testing.T) {
	m := newTestModel(t, "relu")
	scores, lossSum := m.Eval(testInputs, testLabels)
	require.Len(t, scores, 3)
	var want float64
	for ii, probs := range scores {
		assert.InDelta(t, 1.0, floats.Sum(probs), 1e-12)
		want -= math.Log(probs[testLabels[ii]])
	}
	assert.InDelta(t, want, lossSum, 1e-12)

	scores, lossSum = m.Eval(nil, nil)
	assert.Empty(t, scores)
	assert.Equal(t, 0.0, lossSum)

	assert.Len(t, m.Variables(), 6)
	assert.Equal(t, []int{4, 3, 1, 1}, m.Variables()[0].Dimensions)
	assert.Equal(t, Arch, m.Arch())
	assert.Equal(t, 3, m.NumClasses())
}

func TestTrainingReducesLoss(t *testing.T) {
	m := newTestModel(t, "relu")
	vars := m.Variables()
	_, initial := m.Eval(testInputs, testLabels)
	for range 200 {
		model.ZeroGrads(vars)
		m.TrainStep(testInputs, testLabels)
		for _, v := range vars {
			floats.AddScaled(v.Value, -0.5, v.Grad)
		}
	}
	_, final := m.Eval(testInputs, testLabels)
	assert.Less(t, final, initial/2)
}

func TestInvalidInputs(t *testing.T) {
	m := newTestModel(t, "elu")
	err := exceptions.TryCatch[error](func() { m.Eval([][]float64{{1, 2}}, []int{0}) })
	require.ErrorContains(t, err, "features")
	err = exceptions.TryCatch[error](func() { m.TrainStep(testInputs, []int{0, 1}) })
	require.ErrorContains(t, err, "labels")
	err = exceptions.TryCatch[error](func() { m.Eval(testInputs, []int{0, 1, 3}) })
	require.ErrorContains(t, err, "out of range")
	require.Panics(t, func() { New(Config{NumFeatures: 1, NumHidden: 1, NumClasses: 2, Activation: "gelu"}) })
}
