// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Sampler selects which indices of a dataset a worker reads, and in which order.
type Sampler interface {
	// Indices of the worker's shard, in the order they should be read.
	Indices() []int

	// Len is the number of indices, len(Indices()).
	Len() int

	// SetEpoch changes the order for samplers that shuffle.
	SetEpoch(epoch int)
}

func validateShard(datasetSize, rank, worldSize int) error {
	if datasetSize < 0 || worldSize < 1 || rank < 0 || rank >= worldSize {
		return errors.Errorf("invalid shard: dataset size %d, rank %d, world size %d", datasetSize, rank, worldSize)
	}
	return nil
}

// StridedSampler assigns to rank r the indices r, r+W, r+2W, ... without padding or shuffling:
// shards differ by at most one sample, and every sample is read exactly once across the workers.
//
// Used for evaluation, it matches distributed.ShardPlan.
type StridedSampler struct {
	datasetSize, rank, worldSize int
}

// NewStridedSampler creates a StridedSampler.
func NewStridedSampler(datasetSize, rank, worldSize int) (*StridedSampler, error) {
	if err := validateShard(datasetSize, rank, worldSize); err != nil {
		return nil, err
	}
	return &StridedSampler{datasetSize: datasetSize, rank: rank, worldSize: worldSize}, nil
}

// Len implements Sampler.
func (s *StridedSampler) Len() int {
	if s.rank >= s.datasetSize {
		return 0
	}
	return (s.datasetSize - s.rank + s.worldSize - 1) / s.worldSize
}

// Indices implements Sampler.
func (s *StridedSampler) Indices() []int {
	indices := make([]int, 0, s.Len())
	for idx := s.rank; idx < s.datasetSize; idx += s.worldSize {
		indices = append(indices, idx)
	}
	return indices
}

// SetEpoch implements Sampler. It's a no-op.
func (s *StridedSampler) SetEpoch(int) {}

// String implements fmt.Stringer.
func (s *StridedSampler) String() string {
	return fmt.Sprintf("StridedSampler(N=%d, rank=%d/%d)", s.datasetSize, s.rank, s.worldSize)
}

// PaddedSampler gives every rank the same number of samples, ceil(N/W), by wrapping around to the start of
// the (optionally shuffled) index list. Then it assigns indices in strides, like StridedSampler.
//
// Used for training: with equal shards every worker runs the same number of steps, so every step's
// gradient average and metrics reduction is over the whole world.
//
// The shuffling depends only on the seed and the epoch, so all workers agree on the permutation.
type PaddedSampler struct {
	datasetSize, rank, worldSize int
	shuffle                      bool
	seed                         uint64
	epoch                        int
}

// NewPaddedSampler creates a PaddedSampler.
func NewPaddedSampler(datasetSize, rank, worldSize int, shuffle bool, seed uint64) (*PaddedSampler, error) {
	if err := validateShard(datasetSize, rank, worldSize); err != nil {
		return nil, err
	}
	if datasetSize == 0 {
		return nil, errors.New("PaddedSampler requires a non-empty dataset")
	}
	return &PaddedSampler{datasetSize: datasetSize, rank: rank, worldSize: worldSize, shuffle: shuffle, seed: seed}, nil
}

// Len implements Sampler.
func (s *PaddedSampler) Len() int {
	return (s.datasetSize + s.worldSize - 1) / s.worldSize
}

// SetEpoch implements Sampler.
func (s *PaddedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Indices implements Sampler.
func (s *PaddedSampler) Indices() []int {
	var order []int
	if s.shuffle {
		rng := rand.New(rand.NewPCG(s.seed, uint64(s.epoch)))
		order = rng.Perm(s.datasetSize)
	} else {
		order = make([]int, s.datasetSize)
		for ii := range order {
			order[ii] = ii
		}
	}
	total := s.Len() * s.worldSize
	indices := make([]int, 0, s.Len())
	for pos := s.rank; pos < total; pos += s.worldSize {
		indices = append(indices, order[pos%s.datasetSize])
	}
	return indices
}

// String implements fmt.Stringer.
func (s *PaddedSampler) String() string {
	return fmt.Sprintf("PaddedSampler(N=%d, rank=%d/%d, shuffle=%v)", s.datasetSize, s.rank, s.worldSize, s.shuffle)
}
