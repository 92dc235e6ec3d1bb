/*
 *	Copyright 2025 Jan Pfeifer
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

package train

// Batch is one unit of data: the inputs (features) of each sample, and their labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Labels)
}

// Dataset provides a worker's shard of the data, one batch at a time.
//
// Each worker has its own Dataset, yielding only the samples of its shard.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and logs.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a validation dataset.
	Reset()

	// Yield one batch or an error. The error io.EOF indicates the end of the shard (end of the epoch).
	Yield() (Batch, error)

	// Len is the number of samples in the worker's shard.
	Len() int

	// NumBatches is the number of batches yielded until io.EOF.
	NumBatches() int
}

// EpochSetter is implemented by datasets whose order depends on the epoch (e.g.: shuffled per epoch).
// The Loop calls SetEpoch before each training epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// HasShortName is implemented by datasets that have a short name, used in metric names.
type HasShortName interface {
	ShortName() string
}
