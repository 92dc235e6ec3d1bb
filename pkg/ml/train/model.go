package train

import (
	"math/rand/v2"

	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// Model is what the Loop trains and evaluates.
//
// TrainStep and Eval may panic on invalid inputs: the Loop converts panics to errors.
type Model interface {
	// Arch is the architecture name, stored in checkpoints.
	Arch() string

	// Variables returns the model variables, always in the same order on every worker.
	Variables() []*model.Variable

	// NumClasses is the number of scores per sample.
	NumClasses() int

	// TrainStep runs the forward and backward passes on one batch, accumulating into the gradients of the
	// variables the gradients of the mean loss over the batch. It returns the scores of each sample and the
	// loss summed over the batch.
	TrainStep(inputs [][]float64, labels []int) (scores [][]float64, lossSum float64)

	// Eval runs the forward pass only, with the same return values as TrainStep.
	Eval(inputs [][]float64, labels []int) (scores [][]float64, lossSum float64)
}

// Initializable is implemented by models that can initialize their weights from an initializer policy.
type Initializable interface {
	Initialize(config initializer.Config, rng *rand.Rand) error
}
