package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// BlobsConfig configures a synthetic classification dataset of Gaussian blobs: one blob per class, with its center
// drawn uniformly from [-CenterBox, CenterBox] in each dimension.
type BlobsConfig struct {
	NumExamples int
	NumFeatures int
	NumClasses  int

	// Spread is the standard deviation of each blob.
	Spread float64

	// CenterBox bounds the blob centers. Defaults to 1 if 0.
	CenterBox float64

	// Seed makes the dataset deterministic: every worker generating with the same seed gets the same data.
	Seed uint64
}

// Blobs generates the features and labels of the dataset. Labels are assigned round-robin, so classes
// are balanced.
func Blobs(config BlobsConfig) (features [][]float64, labels []int, err error) {
	if config.NumExamples < 0 || config.NumFeatures < 1 || config.NumClasses < 2 || config.Spread < 0 {
		return nil, nil, errors.Errorf("invalid blobs configuration %+v", config)
	}
	box := config.CenterBox
	if box == 0 {
		box = 1
	}
	rng := rand.New(rand.NewPCG(config.Seed, 0x626c6f6273))
	centerDist := distuv.Uniform{Min: -box, Max: box, Src: rng}
	centers := make([][]float64, config.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, config.NumFeatures)
		for f := range centers[c] {
			centers[c][f] = centerDist.Rand()
		}
	}

	noise := distuv.Normal{Mu: 0, Sigma: config.Spread, Src: rng}
	features = make([][]float64, config.NumExamples)
	labels = make([]int, config.NumExamples)
	for ii := range features {
		label := ii % config.NumClasses
		labels[ii] = label
		features[ii] = make([]float64, config.NumFeatures)
		for f := range features[ii] {
			features[ii][f] = centers[label][f]
			if config.Spread > 0 {
				features[ii][f] += noise.Rand()
			}
		}
	}
	return features, labels, nil
}
