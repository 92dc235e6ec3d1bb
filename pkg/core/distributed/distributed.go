// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the process groups used by the training workers to combine their
// statistics: a Worker identity, ProcessGroup with AllReduceSum and NewSubgroup, the Hub that
// rendezvous contributions from all members of a group, and the Aggregator that turns per-worker
// batch statistics into exact global averages.
//
// Collectives are blocking: every member of a group must issue the same sequence of collectives on it.
// The Hub validates every contribution (operation, member set, vector length, requested ranks) and
// fails the whole rendezvous with ErrProtocol on any disagreement, instead of letting workers wait
// on each other forever.
//
// Two transports are provided: NewLocalWorld connects W in-process workers (goroutines) to one Hub,
// and package grpchub serves a Hub over the network for workers in different processes.
package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrProtocol is returned when members of a group issue mismatched collectives: a different
	// operation, member set or vector length, a rank contributing twice, or a non-member contributing.
	// It is fatal: the job must be aborted and restarted from the last checkpoint.
	ErrProtocol = errors.New("collective protocol mismatch")

	// ErrCollectiveTimeout is returned when not all members of a group joined a collective in time.
	ErrCollectiveTimeout = errors.New("collective timed out")

	// ErrNotMember is returned when a collective is issued on a group the worker doesn't belong to.
	ErrNotMember = errors.New("worker is not a member of the process group")

	// ErrClosed is returned when using a Hub or Backend that was closed.
	ErrClosed = errors.New("process group closed")
)

// Worker identifies one of the cooperating processes.
type Worker struct {
	// Rank of the worker, in [0, WorldSize). Unique and stable for the whole job.
	Rank int

	// WorldSize is the number of workers, fixed for the whole job.
	WorldSize int
}

// NewWorker validates and returns a Worker.
func NewWorker(rank, worldSize int) (Worker, error) {
	if worldSize < 1 {
		return Worker{}, errors.Errorf("world size must be at least 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return Worker{}, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	return Worker{Rank: rank, WorldSize: worldSize}, nil
}

// IsCoordinator returns whether this is the worker (rank 0) that owns the shared log and metrics sink.
func (w Worker) IsCoordinator() bool {
	return w.Rank == 0
}

// String implements fmt.Stringer.
func (w Worker) String() string {
	return fmt.Sprintf("worker %d/%d", w.Rank, w.WorldSize)
}
