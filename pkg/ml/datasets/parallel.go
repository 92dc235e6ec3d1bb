// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/disttrain/pkg/ml/train"
)

// IndexedDataset is a train.Dataset that can generate any batch of the current epoch directly, and
// concurrently. InMemoryDataset implements it.
type IndexedDataset interface {
	train.Dataset
	BatchAt(step int) (train.Batch, error)
}

// ParallelDataset prepares the batches of an IndexedDataset in background goroutines (the "loader workers"),
// and yields them in the same order as the underlying dataset would.
//
// Order matters: the batch sizes of an evaluation shard are part of the collective protocol, so batches are
// never reordered.
//
// To avoid leaking goroutines, call ParallelDataset.Done when finished.
type ParallelDataset struct {
	ds          IndexedDataset
	parallelism int
	buffer      int

	mu  sync.Mutex
	run *parallelRun
}

type batchResult struct {
	batch train.Batch
	err   error
}

// parallelRun holds the goroutines of one pass over the dataset.
type parallelRun struct {
	cancel       context.CancelFunc
	results      []chan batchResult
	window       chan struct{}
	next         int
	producerDone chan struct{}
	workers      errgroup.Group
}

var (
	_ train.Dataset     = (*ParallelDataset)(nil)
	_ train.EpochSetter = (*ParallelDataset)(nil)
)

// Parallel starts preparing the batches of ds with parallelism goroutines, keeping at most
// buffer batches ready ahead of the reader.
//
// If parallelism is 0, it uses the number of cores in the system plus 1. If buffer is 0, it uses parallelism.
func Parallel(ds IndexedDataset, parallelism, buffer int) *ParallelDataset {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU() + 1
	}
	if buffer <= 0 {
		buffer = parallelism
	}
	pd := &ParallelDataset{ds: ds, parallelism: parallelism, buffer: buffer}
	pd.run = pd.start()
	return pd
}

func (pd *ParallelDataset) start() *parallelRun {
	numBatches := pd.ds.NumBatches()
	ctx, cancel := context.WithCancel(context.Background())
	run := &parallelRun{
		cancel:       cancel,
		results:      make([]chan batchResult, numBatches),
		window:       make(chan struct{}, pd.buffer),
		producerDone: make(chan struct{}),
	}
	for ii := range run.results {
		run.results[ii] = make(chan batchResult, 1)
	}
	run.workers.SetLimit(pd.parallelism)
	go func() {
		defer close(run.producerDone)
		for step := range numBatches {
			select {
			case run.window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			run.workers.Go(func() error {
				batch, err := pd.ds.BatchAt(step)
				run.results[step] <- batchResult{batch: batch, err: err}
				return nil
			})
		}
	}()
	return run
}

func (run *parallelRun) stop() {
	run.cancel()
	<-run.producerDone
	_ = run.workers.Wait()
}

// Name implements train.Dataset.
func (pd *ParallelDataset) Name() string {
	return pd.ds.Name()
}

// ShortName implements train.HasShortName, if the underlying dataset has a short name.
func (pd *ParallelDataset) ShortName() string {
	if sn, ok := pd.ds.(train.HasShortName); ok {
		return sn.ShortName()
	}
	return pd.ds.Name()
}

// Len implements train.Dataset.
func (pd *ParallelDataset) Len() int {
	return pd.ds.Len()
}

// NumBatches implements train.Dataset.
func (pd *ParallelDataset) NumBatches() int {
	return pd.ds.NumBatches()
}

// Reset implements train.Dataset.
func (pd *ParallelDataset) Reset() {
	pd.restart(func() { pd.ds.Reset() })
}

// SetEpoch implements train.EpochSetter, if the underlying dataset implements it.
func (pd *ParallelDataset) SetEpoch(epoch int) {
	pd.restart(func() {
		if es, ok := pd.ds.(train.EpochSetter); ok {
			es.SetEpoch(epoch)
		} else {
			pd.ds.Reset()
		}
	})
}

func (pd *ParallelDataset) restart(fn func()) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.run != nil {
		pd.run.stop()
	}
	fn()
	pd.run = pd.start()
}

// Done stops the background goroutines. The dataset can't be used afterward.
func (pd *ParallelDataset) Done() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.run != nil {
		pd.run.stop()
		pd.run = nil
	}
}

// Yield implements train.Dataset.
func (pd *ParallelDataset) Yield() (train.Batch, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	run := pd.run
	if run == nil {
		return train.Batch{}, errors.New("ParallelDataset.Yield called after Done")
	}
	if run.next >= len(run.results) {
		return train.Batch{}, io.EOF
	}
	result := <-run.results[run.next]
	run.next++
	<-run.window
	return result.batch, result.err
}
