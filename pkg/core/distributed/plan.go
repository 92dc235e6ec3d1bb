// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShardPlan describes how an evaluation dataset of DatasetSize samples is split among WorldSize workers,
// each iterating over its shard in batches of up to BatchSize samples.
//
// Shards are strided and unpadded: rank r gets the samples r, r+W, r+2W, ... So with q = N div W and
// R = N mod W, ranks 0..R-1 get q+1 samples and the other ranks get q.
//
// Every worker can compute the plan by itself, and from it which group to use at each step, without
// any communication:
//
//   - Steps [0, CommonSteps) are run by all workers, and are reduced over the world group.
//   - If q is a multiple of BatchSize (which includes q = 0) and R > 0, the ranks 0..R-1 have one extra
//     step with exactly one sample: the remainder step. It is reduced over the subgroup {0..R-1}, and the
//     other ranks skip it.
//   - Otherwise, the extra sample of ranks 0..R-1 fits in their last common step, and there is no remainder step.
type ShardPlan struct {
	DatasetSize, WorldSize, BatchSize int
}

// NewShardPlan returns a validated ShardPlan.
func NewShardPlan(datasetSize, worldSize, batchSize int) (ShardPlan, error) {
	p := ShardPlan{DatasetSize: datasetSize, WorldSize: worldSize, BatchSize: batchSize}
	if err := p.Validate(); err != nil {
		return ShardPlan{}, err
	}
	return p, nil
}

// Validate the plan parameters.
func (p ShardPlan) Validate() error {
	if p.DatasetSize < 0 {
		return errors.Errorf("%s: negative dataset size", p)
	}
	if p.WorldSize < 1 {
		return errors.Errorf("%s: world size must be at least 1", p)
	}
	if p.BatchSize < 1 {
		return errors.Errorf("%s: batch size must be at least 1", p)
	}
	return nil
}

// String implements fmt.Stringer.
func (p ShardPlan) String() string {
	return fmt.Sprintf("ShardPlan(N=%d, W=%d, B=%d)", p.DatasetSize, p.WorldSize, p.BatchSize)
}

// Remainder returns R = DatasetSize mod WorldSize, the number of ranks holding one extra sample.
func (p ShardPlan) Remainder() int {
	return p.DatasetSize % p.WorldSize
}

// ShardSize returns the number of samples of the given rank.
func (p ShardPlan) ShardSize(rank int) int {
	q := p.DatasetSize / p.WorldSize
	if rank < p.Remainder() {
		return q + 1
	}
	return q
}

// NumSteps returns the number of batches of the given rank.
func (p ShardPlan) NumSteps(rank int) int {
	return ceilDiv(p.ShardSize(rank), p.BatchSize)
}

// CommonSteps returns the number of steps run by all workers.
func (p ShardPlan) CommonSteps() int {
	return ceilDiv(p.DatasetSize/p.WorldSize, p.BatchSize)
}

// HasRemainderStep returns whether there is a last step run only by ranks 0..R-1, with one sample each.
func (p ShardPlan) HasRemainderStep() bool {
	q := p.DatasetSize / p.WorldSize
	return p.Remainder() > 0 && q%p.BatchSize == 0
}

// IsRemainderStep returns whether step is the remainder step.
func (p ShardPlan) IsRemainderStep(step int) bool {
	return p.HasRemainderStep() && step == p.CommonSteps()
}

// RemainderRanks returns the ranks of the remainder subgroup, 0..R-1. It is empty if R is 0.
func (p ShardPlan) RemainderRanks() []int {
	ranks := make([]int, p.Remainder())
	for ii := range ranks {
		ranks[ii] = ii
	}
	return ranks
}

// BatchLen returns the number of samples of the given rank at the given step, 0 if the rank has no such step.
func (p ShardPlan) BatchLen(rank, step int) int {
	start := step * p.BatchSize
	size := p.ShardSize(rank)
	if step < 0 || start >= size {
		return 0
	}
	return min(p.BatchSize, size-start)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
