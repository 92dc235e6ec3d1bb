package initializer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gomlx/disttrain/pkg/ml/model"
)

func newLayers() []Layer {
	return []Layer{
		{Name: "bn_out", Kind: Normalization, Weights: model.NewVariable("bn_out/scale", 8), Biases: model.NewVariable("bn_out/offset", 8)},
		{Name: "conv1", Kind: Convolutional, Weights: model.NewVariable("conv1/weights", 64, 32, 3, 3), Biases: model.NewVariable("conv1/biases", 64)},
		{Name: "fc", Kind: Linear, Weights: model.NewVariable("fc/weights", 10, 400), Biases: model.NewVariable("fc/biases", 10)},
	}
}

func TestApply(t *testing.T) {
	for _, policy := range Policies {
		t.Run(string(policy), func(t *testing.T) {
			layers := newLayers()
			for _, layer := range layers {
				layer.Biases.Fill(5)
			}
			config := Config{Policy: policy, Activation: "relu", GainMultiplier: 1}
			require.NoError(t, Apply(config, layers, rand.New(rand.NewPCG(1, 2))))

			bn, conv, fc := layers[0], layers[1], layers[2]
			assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 1, 1}, bn.Weights.Value)
			for _, layer := range layers {
				assert.Equal(t, 0.0, floats.Norm(layer.Biases.Value, 1), "biases of %s", layer.Name)
			}

			// Linear: xavier uniform with gain 0.1.
			fcBound := LinearGain * math.Sqrt(6.0/410.0)
			assert.LessOrEqual(t, floats.Max(fc.Weights.Value), fcBound)
			assert.GreaterOrEqual(t, floats.Min(fc.Weights.Value), -fcBound)

			// Convolution: std depends on the policy, with fanIn=32*9, fanOut=64*9.
			fanIn, fanOut := 32.0*9, 64.0*9
			var wantStd float64
			switch policy {
			case XavierUniform, XavierNormal:
				wantStd = math.Sqrt2 * math.Sqrt(2/(fanIn+fanOut))
			case KaimingUniform, KaimingNormal:
				wantStd = math.Sqrt2 / math.Sqrt(fanIn)
			case Orthogonal:
				// Rows of a [64, 288] semi-orthogonal matrix have norm gain.
				wantStd = math.Sqrt2 / math.Sqrt(288)
			}
			std := stat.PopStdDev(conv.Weights.Value, nil)
			assert.InDelta(t, wantStd, std, 0.05*wantStd)
		})
	}
}

func TestOrthogonal(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, dims := range [][]int{{4, 6}, {6, 4}, {5, 5}} {
		w := model.NewVariable("w", dims...)
		require.NoError(t, orthogonal(w, 2, rng))
		rows, cols := dims[0], dims[1]
		// The smaller side is orthogonal: W·Wᵀ = 4·I (rows <= cols) or Wᵀ·W = 4·I.
		n, inner := rows, cols
		at := func(i, k int) float64 { return w.Value[i*cols+k] }
		if rows > cols {
			n, inner = cols, rows
			at = func(i, k int) float64 { return w.Value[k*cols+i] }
		}
		for i := range n {
			for j := range n {
				var dot float64
				for k := range inner {
					dot += at(i, k) * at(j, k)
				}
				want := 0.0
				if i == j {
					want = 4
				}
				assert.InDeltaf(t, want, dot, 1e-9, "dims=%v (%d, %d)", dims, i, j)
			}
		}
	}
}

func TestCalculateGain(t *testing.T) {
	g, err := CalculateGain("relu", 0)
	require.NoError(t, err)
	assert.Equal(t, math.Sqrt2, g)
	g, err = CalculateGain("leaky_relu", 0.01)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(2/1.0001), g, 1e-12)
	g, err = CalculateGain("tanh", 0)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/3.0, g, 1e-12)
	_, err = CalculateGain("swish", 0)
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestApplyErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	err := Apply(Config{Policy: "lecun", Activation: "relu"}, newLayers(), rng)
	require.ErrorIs(t, err, ErrUnknownPolicy)
	err = Apply(Config{Policy: XavierUniform, Activation: "gelu"}, newLayers(), rng)
	require.ErrorIs(t, err, ErrUnknownPolicy)

	bad := []Layer{{Name: "conv", Kind: Convolutional, Weights: model.NewVariable("w", 3)}}
	require.Error(t, Apply(Config{Policy: KaimingNormal, Activation: "elu"}, bad, rng))
}

func TestSameSeedSameWeights(t *testing.T) {
	config := Config{Policy: KaimingUniform, Activation: "leaky_relu", LeakyReLUSlope: 0.1, GainMultiplier: 1}
	a, b := newLayers(), newLayers()
	require.NoError(t, Apply(config, a, rand.New(rand.NewPCG(7, 7))))
	require.NoError(t, Apply(config, b, rand.New(rand.NewPCG(7, 7))))
	for ii := range a {
		assert.Equal(t, a[ii].Weights.Value, b[ii].Weights.Value)
	}
}
