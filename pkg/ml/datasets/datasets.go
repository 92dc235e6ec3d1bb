/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package datasets is a collection of utility datasets (train.Dataset) for distributed training:
// samplers that select each worker's shard (`StridedSampler`, `PaddedSampler`), an `InMemory` dataset,
// a `Parallel` prefetching wrapper and a synthetic `Blobs` generator.
package datasets

import (
	"io"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/ml/train"
)

// ShardsConfig describes the training and validation data of one worker.
type ShardsConfig struct {
	Rank, WorldSize int

	// BatchSize per worker.
	BatchSize int

	// Shuffle the training data, with a different order each epoch.
	Shuffle bool
	Seed    uint64

	TrainFeatures [][]float64
	TrainLabels   []int
	ValFeatures   [][]float64
	ValLabels     []int
}

// Shards creates the training dataset (padded, so every worker has the same number of steps) and
// the validation dataset (strided, every sample visited exactly once) for one worker.
func Shards(config ShardsConfig) (trainDS, valDS *InMemoryDataset, err error) {
	trainSampler, err := NewPaddedSampler(len(config.TrainLabels), config.Rank, config.WorldSize, config.Shuffle, config.Seed)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "training dataset")
	}
	trainDS, err = InMemory("train", config.TrainFeatures, config.TrainLabels, trainSampler, config.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	valSampler, err := NewStridedSampler(len(config.ValLabels), config.Rank, config.WorldSize)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "validation dataset")
	}
	valDS, err = InMemory("validation", config.ValFeatures, config.ValLabels, valSampler, config.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	valDS.WithShortName("val")
	return trainDS, valDS, nil
}

// Collect reads all the remaining batches of ds. Mostly used for testing.
func Collect(ds train.Dataset) ([]train.Batch, error) {
	var batches []train.Batch
	for {
		batch, err := ds.Yield()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return batches, nil
			}
			return batches, err
		}
		batches = append(batches, batch)
	}
}
