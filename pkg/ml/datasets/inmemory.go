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

package datasets

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/ml/train"
)

// InMemoryDataset holds the full data (features and labels) in memory, and yields the batches of one worker's
// shard, as selected by its Sampler.
//
// The last batch of the shard may be smaller than the batch size: incomplete batches are not dropped, which
// is what makes the evaluation visit every sample exactly once across the workers.
type InMemoryDataset struct {
	name, shortName string
	features        [][]float64
	labels          []int
	sampler         Sampler
	batchSize       int

	mu      sync.Mutex
	indices []int // Current epoch order.
	next    int   // Next batch to yield.
}

var (
	_ train.Dataset     = (*InMemoryDataset)(nil)
	_ train.EpochSetter = (*InMemoryDataset)(nil)
)

// InMemory creates an InMemoryDataset over features and labels, reading the indices given by sampler
// in batches of batchSize.
func InMemory(name string, features [][]float64, labels []int, sampler Sampler, batchSize int) (*InMemoryDataset, error) {
	if len(features) != len(labels) {
		return nil, errors.Errorf("dataset %q has %d examples but %d labels", name, len(features), len(labels))
	}
	if batchSize < 1 {
		return nil, errors.Errorf("dataset %q: batch size must be >= 1, got %d", name, batchSize)
	}
	for _, idx := range sampler.Indices() {
		if idx < 0 || idx >= len(labels) {
			return nil, errors.Errorf("dataset %q: sampler %v yields index %d out of range [0, %d)",
				name, sampler, idx, len(labels))
		}
	}
	ds := &InMemoryDataset{
		name:      name,
		shortName: name,
		features:  features,
		labels:    labels,
		sampler:   sampler,
		batchSize: batchSize,
	}
	if len(name) > 5 {
		ds.shortName = name[:5]
	}
	ds.Reset()
	return ds, nil
}

// WithShortName sets the short name of the dataset. It returns the dataset, so calls can be cascaded.
func (ds *InMemoryDataset) WithShortName(shortName string) *InMemoryDataset {
	ds.shortName = shortName
	return ds
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string {
	return ds.name
}

// ShortName implements train.HasShortName.
func (ds *InMemoryDataset) ShortName() string {
	return ds.shortName
}

// String implements fmt.Stringer.
func (ds *InMemoryDataset) String() string {
	return fmt.Sprintf("InMemory(%q, %v, batch=%d)", ds.name, ds.sampler, ds.batchSize)
}

// NumExamples is the total number of examples, across all shards.
func (ds *InMemoryDataset) NumExamples() int {
	return len(ds.labels)
}

// BatchSize returns the configured (maximum) batch size.
func (ds *InMemoryDataset) BatchSize() int {
	return ds.batchSize
}

// Len implements train.Dataset: the number of samples in the shard.
func (ds *InMemoryDataset) Len() int {
	return ds.sampler.Len()
}

// NumBatches implements train.Dataset.
func (ds *InMemoryDataset) NumBatches() int {
	return (ds.sampler.Len() + ds.batchSize - 1) / ds.batchSize
}

// SetEpoch implements train.EpochSetter: it's passed to the sampler, and the dataset is reset.
func (ds *InMemoryDataset) SetEpoch(epoch int) {
	ds.sampler.SetEpoch(epoch)
	ds.Reset()
}

// Reset implements train.Dataset.
func (ds *InMemoryDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.indices = ds.sampler.Indices()
	ds.next = 0
}

// BatchAt returns the batch number step of the current epoch, without changing the position of Yield.
// It returns io.EOF past the last batch.
func (ds *InMemoryDataset) BatchAt(step int) (train.Batch, error) {
	ds.mu.Lock()
	indices := ds.indices
	ds.mu.Unlock()
	start := step * ds.batchSize
	if step < 0 || start >= len(indices) {
		return train.Batch{}, io.EOF
	}
	end := min(start+ds.batchSize, len(indices))
	batch := train.Batch{
		Inputs: make([][]float64, 0, end-start),
		Labels: make([]int, 0, end-start),
	}
	for _, idx := range indices[start:end] {
		batch.Inputs = append(batch.Inputs, ds.features[idx])
		batch.Labels = append(batch.Labels, ds.labels[idx])
	}
	return batch, nil
}

// Yield implements train.Dataset.
func (ds *InMemoryDataset) Yield() (train.Batch, error) {
	ds.mu.Lock()
	step := ds.next
	ds.next++
	ds.mu.Unlock()
	return ds.BatchAt(step)
}
