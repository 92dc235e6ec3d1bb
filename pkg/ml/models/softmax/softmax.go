// Package softmax implements the reference classifier used by the disttrain command and the end-to-end tests:
// a one hidden layer network trained with softmax cross-entropy, on the host.
//
//	x → conv1 (1x1 convolution, i.e., per-sample dense) → activation → bn_out (per-channel scale and offset)
//	  → fc → softmax
//
// Gradients are computed by hand, and accumulated as the mean over the batch, the same
// convention used by the cross-entropy loss when reduced with a mean.
package softmax

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// Arch is the architecture name stored in checkpoints.
const Arch = "softmax_mlp"

// Config of the model.
type Config struct {
	NumFeatures, NumHidden, NumClasses int

	// Activation is one of "relu", "elu" or "leaky_relu".
	Activation     string
	LeakyReLUSlope float64
}

// Model is the reference classifier. It is not safe for concurrent use.
type Model struct {
	config Config

	conv1Weights, conv1Biases *model.Variable
	bnScale, bnOffset         *model.Variable
	fcWeights, fcBiases       *model.Variable
}

// New creates a model with zero weights: use Initialize to set them.
// It panics if the configuration is invalid.
func New(config Config) *Model {
	if config.NumFeatures <= 0 || config.NumHidden <= 0 || config.NumClasses < 2 {
		exceptions.Panicf("softmax.New: invalid dimensions features=%d, hidden=%d, classes=%d",
			config.NumFeatures, config.NumHidden, config.NumClasses)
	}
	switch config.Activation {
	case "relu", "elu", "leaky_relu":
	default:
		exceptions.Panicf("softmax.New: unknown activation %q", config.Activation)
	}
	return &Model{
		config:       config,
		conv1Weights: model.NewVariable("conv1/weights", config.NumHidden, config.NumFeatures, 1, 1),
		conv1Biases:  model.NewVariable("conv1/biases", config.NumHidden),
		bnScale:      model.NewVariable("bn_out/scale", config.NumHidden),
		bnOffset:     model.NewVariable("bn_out/offset", config.NumHidden),
		fcWeights:    model.NewVariable("fc/weights", config.NumClasses, config.NumHidden),
		fcBiases:     model.NewVariable("fc/biases", config.NumClasses),
	}
}

// Arch returns the architecture name.
func (m *Model) Arch() string {
	return Arch
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.config
}

// NumClasses returns the number of classes scored.
func (m *Model) NumClasses() int {
	return m.config.NumClasses
}

// Variables returns the model variables, always in the same order.
func (m *Model) Variables() []*model.Variable {
	return []*model.Variable{m.conv1Weights, m.conv1Biases, m.bnScale, m.bnOffset, m.fcWeights, m.fcBiases}
}

// Layers describes the layers for the weight initialization.
func (m *Model) Layers() []initializer.Layer {
	return []initializer.Layer{
		{Name: "conv1", Kind: initializer.Convolutional, Weights: m.conv1Weights, Biases: m.conv1Biases},
		{Name: "bn_out", Kind: initializer.Normalization, Weights: m.bnScale, Biases: m.bnOffset},
		{Name: "fc", Kind: initializer.Linear, Weights: m.fcWeights, Biases: m.fcBiases},
	}
}

// Initialize the weights with the given policy. Workers using the same seed get the same weights.
func (m *Model) Initialize(config initializer.Config, rng *rand.Rand) error {
	config.Activation = m.config.Activation
	config.LeakyReLUSlope = m.config.LeakyReLUSlope
	return initializer.Apply(config, m.Layers(), rng)
}

// activations holds the intermediate values of one sample, needed for the backward pass.
type activations struct {
	pre, hidden, normed, probs []float64
}

func (m *Model) activate(x float64) float64 {
	switch m.config.Activation {
	case "relu":
		return max(x, 0)
	case "leaky_relu":
		if x < 0 {
			return m.config.LeakyReLUSlope * x
		}
		return x
	default: // elu
		if x < 0 {
			return math.Expm1(x)
		}
		return x
	}
}

// activateGrad returns the derivative of the activation at pre-activation x.
func (m *Model) activateGrad(x float64) float64 {
	if x >= 0 {
		return 1
	}
	switch m.config.Activation {
	case "relu":
		return 0
	case "leaky_relu":
		return m.config.LeakyReLUSlope
	default: // elu
		return math.Exp(x)
	}
}

// forward computes the activations for one sample.
func (m *Model) forward(x []float64) *activations {
	cfg := &m.config
	if len(x) != cfg.NumFeatures {
		exceptions.Panicf("softmax model: sample has %d features, model expects %d", len(x), cfg.NumFeatures)
	}
	a := &activations{
		pre:    make([]float64, cfg.NumHidden),
		hidden: make([]float64, cfg.NumHidden),
		normed: make([]float64, cfg.NumHidden),
		probs:  make([]float64, cfg.NumClasses),
	}
	for h := range cfg.NumHidden {
		row := m.conv1Weights.Value[h*cfg.NumFeatures : (h+1)*cfg.NumFeatures]
		a.pre[h] = floats.Dot(row, x) + m.conv1Biases.Value[h]
		a.hidden[h] = m.activate(a.pre[h])
		a.normed[h] = m.bnScale.Value[h]*a.hidden[h] + m.bnOffset.Value[h]
	}
	for c := range cfg.NumClasses {
		row := m.fcWeights.Value[c*cfg.NumHidden : (c+1)*cfg.NumHidden]
		a.probs[c] = floats.Dot(row, a.normed) + m.fcBiases.Value[c]
	}
	// Softmax, stable version: exp(z - logsumexp(z)).
	logSumExp := floats.LogSumExp(a.probs)
	for c := range a.probs {
		a.probs[c] = math.Exp(a.probs[c] - logSumExp)
	}
	return a
}

func checkBatch(inputs [][]float64, labels []int, numClasses int) {
	if len(inputs) != len(labels) {
		exceptions.Panicf("softmax model: %d inputs but %d labels", len(inputs), len(labels))
	}
	for ii, label := range labels {
		if label < 0 || label >= numClasses {
			exceptions.Panicf("softmax model: label %d of sample #%d out of range [0, %d)", label, ii, numClasses)
		}
	}
}

// crossEntropy of the predicted probabilities for the label. It is clipped to avoid infinities.
func crossEntropy(probs []float64, label int) float64 {
	return -math.Log(max(probs[label], 1e-300))
}

// Eval returns the class probabilities of each sample and the sum of the cross-entropy losses.
// It panics on invalid inputs.
func (m *Model) Eval(inputs [][]float64, labels []int) (scores [][]float64, lossSum float64) {
	checkBatch(inputs, labels, m.config.NumClasses)
	scores = make([][]float64, len(inputs))
	for ii, x := range inputs {
		a := m.forward(x)
		scores[ii] = a.probs
		lossSum += crossEntropy(a.probs, labels[ii])
	}
	return
}

// TrainStep is like Eval, but it also accumulates into the variables' gradients the gradient of the mean loss
// over the batch. The caller is responsible for zeroing the gradients before.
func (m *Model) TrainStep(inputs [][]float64, labels []int) (scores [][]float64, lossSum float64) {
	checkBatch(inputs, labels, m.config.NumClasses)
	if len(inputs) == 0 {
		return nil, 0
	}
	cfg := &m.config
	scale := 1 / float64(len(inputs))
	scores = make([][]float64, len(inputs))
	dLogits := make([]float64, cfg.NumClasses)
	dNormed := make([]float64, cfg.NumHidden)
	for ii, x := range inputs {
		a := m.forward(x)
		scores[ii] = a.probs
		lossSum += crossEntropy(a.probs, labels[ii])

		// d(loss)/d(logits) = probs - onehot(label), scaled for the mean.
		copy(dLogits, a.probs)
		dLogits[labels[ii]] -= 1
		floats.Scale(scale, dLogits)

		// fc.
		clear(dNormed)
		for c, d := range dLogits {
			row := m.fcWeights.Value[c*cfg.NumHidden : (c+1)*cfg.NumHidden]
			gradRow := m.fcWeights.Grad[c*cfg.NumHidden : (c+1)*cfg.NumHidden]
			floats.AddScaled(gradRow, d, a.normed)
			floats.AddScaled(dNormed, d, row)
			m.fcBiases.Grad[c] += d
		}

		// bn_out, activation and conv1.
		for h, dn := range dNormed {
			m.bnScale.Grad[h] += dn * a.hidden[h]
			m.bnOffset.Grad[h] += dn
			dPre := dn * m.bnScale.Value[h] * m.activateGrad(a.pre[h])
			if dPre == 0 {
				continue
			}
			gradRow := m.conv1Weights.Grad[h*cfg.NumFeatures : (h+1)*cfg.NumFeatures]
			floats.AddScaled(gradRow, dPre, x)
			m.conv1Biases.Grad[h] += dPre
		}
	}
	return
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("%s(features=%d, hidden=%d, classes=%d, %s)", Arch,
		m.config.NumFeatures, m.config.NumHidden, m.config.NumClasses, m.config.Activation)
}
