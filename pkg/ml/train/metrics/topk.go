// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"slices"

	"github.com/pkg/errors"
)

// ValidateTopK checks that every requested k is in [1, numClasses].
//
// It should be called once at configuration time, before training starts.
func ValidateTopK(ks []int, numClasses int) error {
	if len(ks) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no top-k values requested")
	}
	if numClasses <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "number of classes must be positive, got %d", numClasses)
	}
	for _, k := range ks {
		if k < 1 || k > numClasses {
			return errors.Wrapf(ErrInvalidArgument, "top-%d accuracy requested for a model with %d classes", k, numClasses)
		}
	}
	return nil
}

// TopKCorrect returns, for each k in ks, the number of samples whose label is among the k highest
// scores, multiplied by 100.
//
// Dividing the result by the number of samples gives the top-k accuracy in percent. The scaled
// counts (and not the accuracies) are returned so they can be summed across workers before dividing.
//
// Ranking: a class with a strictly higher score always ranks before. Among equal scores the lower
// class index ranks first. So with scores [0.5, 0.5] and label 1, label 1 is at rank 2: it counts
// for top-2 but not for top-1.
//
// scores[i] holds the scores of sample i, labels[i] its class. It returns an error wrapping
// ErrInvalidArgument if the shapes disagree, a label is out of range or some k is larger than the
// number of classes.
func TopKCorrect(scores [][]float64, labels []int, ks []int) ([]float64, error) {
	if len(scores) != len(labels) {
		return nil, errors.Wrapf(ErrInvalidArgument, "got %d score vectors but %d labels", len(scores), len(labels))
	}
	if len(ks) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "no top-k values requested")
	}
	counts := make([]float64, len(ks))
	if len(scores) == 0 {
		// Number of classes unknown: ks were validated against the model at configuration time.
		return counts, nil
	}
	numClasses := len(scores[0])
	if err := ValidateTopK(ks, numClasses); err != nil {
		return nil, err
	}
	maxK := slices.Max(ks)
	for sampleIdx, sampleScores := range scores {
		if len(sampleScores) != numClasses {
			return nil, errors.Wrapf(ErrInvalidArgument, "sample #%d has %d scores, expected %d",
				sampleIdx, len(sampleScores), numClasses)
		}
		label := labels[sampleIdx]
		if label < 0 || label >= numClasses {
			return nil, errors.Wrapf(ErrInvalidArgument, "sample #%d has label %d, out of range for %d classes",
				sampleIdx, label, numClasses)
		}
		rank := labelRank(sampleScores, label, maxK)
		for ii, k := range ks {
			if rank < k {
				counts[ii]++
			}
		}
	}
	for ii := range counts {
		counts[ii] *= 100
	}
	return counts, nil
}

// labelRank returns the 0-based position of label in the descending ordering of scores.
// It stops counting at limit, since positions past the largest k don't matter.
func labelRank(scores []float64, label, limit int) int {
	target := scores[label]
	rank := 0
	for class, score := range scores {
		if score > target || (score == target && class < label) {
			rank++
			if rank >= limit {
				return rank
			}
		}
	}
	return rank
}
