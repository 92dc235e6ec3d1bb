// Package initializer implements the weight initialization policy applied to a freshly built model:
// convolutional layers get the configured policy (xavier, kaiming or orthogonal) scaled by the gain of the
// activation, normalization layers get weight 1 and bias 0, and linear layers get xavier uniform with a small gain.
package initializer

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gomlx/disttrain/pkg/ml/model"
)

// Policy is the name of a weight initialization policy for convolutional layers.
type Policy string

const (
	XavierUniform  Policy = "xavier_uniform"
	XavierNormal   Policy = "xavier_normal"
	KaimingUniform Policy = "kaiming_uniform"
	KaimingNormal  Policy = "kaiming_normal"
	Orthogonal     Policy = "orthogonal"
)

// Policies lists the known policies.
var Policies = []Policy{XavierUniform, XavierNormal, KaimingUniform, KaimingNormal, Orthogonal}

// ErrUnknownPolicy is returned for policies or activations that are not known.
var ErrUnknownPolicy = errors.New("unknown initialization policy")

// LinearGain is the gain used to initialize the weights of linear (fully connected) layers.
const LinearGain = 0.1

// LayerKind selects which initialization rule applies to a layer.
type LayerKind int

const (
	// Other layers are left untouched.
	Other LayerKind = iota

	// Convolutional layers: weights shaped [outChannels, inChannels, kernel...].
	Convolutional

	// Normalization layers (batch-norm and similar): weights (scale) and biases (offset) shaped [channels].
	Normalization

	// Linear layers: weights shaped [outFeatures, inFeatures].
	Linear
)

// String implements fmt.Stringer.
func (k LayerKind) String() string {
	switch k {
	case Convolutional:
		return "convolutional"
	case Normalization:
		return "normalization"
	case Linear:
		return "linear"
	default:
		return "other"
	}
}

// Layer describes a model layer to initialize. Biases may be nil.
type Layer struct {
	Name    string
	Kind    LayerKind
	Weights *model.Variable
	Biases  *model.Variable
}

// Config of the initialization.
type Config struct {
	// Policy for convolutional layers.
	Policy Policy

	// Activation used after the convolutional layers: "relu", "elu" or "leaky_relu". It selects the gain.
	Activation string

	// LeakyReLUSlope is the negative slope of the "leaky_relu" activation.
	LeakyReLUSlope float64

	// GainMultiplier scales the activation gain for the xavier and orthogonal policies.
	GainMultiplier float64
}

// Validate checks that the policy and activation are known.
func (c Config) Validate() error {
	if !slices.Contains(Policies, c.Policy) {
		return errors.Wrapf(ErrUnknownPolicy, "policy %q, valid values are %v", c.Policy, Policies)
	}
	switch c.Activation {
	case "relu", "elu", "leaky_relu":
	default:
		return errors.Wrapf(ErrUnknownPolicy, "activation %q, valid values are relu, elu and leaky_relu", c.Activation)
	}
	return nil
}

// CalculateGain returns the recommended gain for the given nonlinearity: the factor that keeps the
// variance of the activations stable across layers.
//
// param is the negative slope for "leaky_relu", and ignored otherwise.
func CalculateGain(nonlinearity string, param float64) (float64, error) {
	switch nonlinearity {
	case "linear", "conv", "sigmoid", "identity":
		return 1, nil
	case "tanh":
		return 5.0 / 3.0, nil
	case "relu":
		return math.Sqrt2, nil
	case "leaky_relu":
		return math.Sqrt(2 / (1 + param*param)), nil
	case "selu":
		return 3.0 / 4.0, nil
	}
	return 0, errors.Wrapf(ErrUnknownPolicy, "nonlinearity %q", nonlinearity)
}

// Apply initializes the layers in order, drawing random values from rng.
//
// Workers that use the same seed get the same initial weights.
func Apply(config Config, layers []Layer, rng *rand.Rand) error {
	if err := config.Validate(); err != nil {
		return err
	}
	for _, layer := range layers {
		var err error
		switch layer.Kind {
		case Convolutional:
			err = initConv(config, layer, rng)
		case Normalization:
			layer.Weights.Fill(1)
			if layer.Biases != nil {
				layer.Biases.Fill(0)
			}
		case Linear:
			err = xavier(layer.Weights, LinearGain, false, rng)
			if layer.Biases != nil {
				layer.Biases.Fill(0)
			}
		default:
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "initializing %s layer %q", layer.Kind, layer.Name)
		}
	}
	return nil
}

func initConv(config Config, layer Layer, rng *rand.Rand) error {
	w := layer.Weights
	var err error
	switch {
	case strings.HasPrefix(string(config.Policy), "xavier") || config.Policy == Orthogonal:
		gain := config.GainMultiplier
		switch config.Activation {
		case "relu", "elu":
			gain *= math.Sqrt2
		case "leaky_relu":
			g, _ := CalculateGain("leaky_relu", config.LeakyReLUSlope)
			gain *= g
		}
		if config.Policy == Orthogonal {
			err = orthogonal(w, gain, rng)
		} else {
			err = xavier(w, gain, config.Policy == XavierNormal, rng)
		}
	default:
		slope := config.LeakyReLUSlope
		if config.Activation == "relu" || config.Activation == "elu" {
			slope = 0
		}
		err = kaiming(w, slope, config.Policy == KaimingNormal, rng)
	}
	if err != nil {
		return err
	}
	if layer.Biases != nil {
		layer.Biases.Fill(0)
	}
	return nil
}

// fans returns the fan-in and fan-out of a weight shaped [out, in, receptive field...].
func fans(w *model.Variable) (fanIn, fanOut int, err error) {
	if len(w.Dimensions) < 2 {
		return 0, 0, errors.Errorf("fan in and fan out can not be computed for %s with fewer than 2 dimensions", w)
	}
	receptive := 1
	for _, dim := range w.Dimensions[2:] {
		receptive *= dim
	}
	return w.Dimensions[1] * receptive, w.Dimensions[0] * receptive, nil
}

func sample(w *model.Variable, dist interface{ Rand() float64 }) {
	for ii := range w.Value {
		w.Value[ii] = dist.Rand()
	}
}

// xavier samples from U(-a, a) with a = gain*sqrt(6/(fanIn+fanOut)), or from N(0, std) with
// std = gain*sqrt(2/(fanIn+fanOut)).
func xavier(w *model.Variable, gain float64, normal bool, rng *rand.Rand) error {
	fanIn, fanOut, err := fans(w)
	if err != nil {
		return err
	}
	std := gain * math.Sqrt(2/float64(fanIn+fanOut))
	if normal {
		sample(w, distuv.Normal{Mu: 0, Sigma: std, Src: rng})
	} else {
		bound := math.Sqrt(3) * std
		sample(w, distuv.Uniform{Min: -bound, Max: bound, Src: rng})
	}
	return nil
}

// kaiming uses the fan-in mode with the leaky_relu gain for the given negative slope.
func kaiming(w *model.Variable, slope float64, normal bool, rng *rand.Rand) error {
	fanIn, _, err := fans(w)
	if err != nil {
		return err
	}
	gain, _ := CalculateGain("leaky_relu", slope)
	std := gain / math.Sqrt(float64(fanIn))
	if normal {
		sample(w, distuv.Normal{Mu: 0, Sigma: std, Src: rng})
	} else {
		bound := math.Sqrt(3) * std
		sample(w, distuv.Uniform{Min: -bound, Max: bound, Src: rng})
	}
	return nil
}

// orthogonal fills w, viewed as a [dims[0], rest] matrix, with a (semi-)orthogonal matrix scaled by gain.
// It's the Q factor of the QR decomposition of a random normal matrix, with the signs fixed so that the
// result is uniformly distributed.
func orthogonal(w *model.Variable, gain float64, rng *rand.Rand) error {
	if len(w.Dimensions) < 2 {
		return errors.Errorf("orthogonal initialization requires at least 2 dimensions, got %s", w)
	}
	rows := w.Dimensions[0]
	cols := len(w.Value) / rows
	r, c := rows, cols
	if rows < cols {
		r, c = cols, rows
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	data := make([]float64, r*c)
	for ii := range data {
		data[ii] = normal.Rand()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(r, c, data))
	var q, rr mat.Dense
	qr.QTo(&q)
	qr.RTo(&rr)
	for jj := 0; jj < c; jj++ {
		sign := 1.0
		if rr.At(jj, jj) < 0 {
			sign = -1
		}
		for ii := 0; ii < r; ii++ {
			// Q is [r, r]: only its first c columns are used.
			q.Set(ii, jj, sign*q.At(ii, jj))
		}
	}
	for ii := 0; ii < rows; ii++ {
		for jj := 0; jj < cols; jj++ {
			var x float64
			if rows < cols {
				x = q.At(jj, ii)
			} else {
				x = q.At(ii, jj)
			}
			w.Value[ii*cols+jj] = gain * x
		}
	}
	return nil
}
