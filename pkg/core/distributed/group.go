// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorldGroupID is the ID of the group with all workers.
const WorldGroupID = "world"

// Backend connects one worker to the collectives of its process groups.
//
// It is created with NewBackend (or NewLocalWorld for in-process workers), and it owns the world group.
// A Backend is used by one worker: the groups it creates are not safe for concurrent use.
type Backend struct {
	worker    Worker
	exchanger Exchanger
	timeout   time.Duration
	world     *ProcessGroup
	closed    atomic.Bool
}

// NewBackend creates a Backend for the worker, exchanging contributions through exchanger.
// If exchanger implements io.Closer, it is closed by Backend.Close.
func NewBackend(worker Worker, exchanger Exchanger) *Backend {
	b := &Backend{
		worker:    worker,
		exchanger: exchanger,
	}
	members := make([]int, worker.WorldSize)
	for ii := range members {
		members[ii] = ii
	}
	b.world = &ProcessGroup{
		backend: b,
		id:      WorldGroupID,
		members: members,
		member:  true,
	}
	return b
}

// WithTimeout sets the maximum time a worker waits for the other members in each collective.
// Zero (the default) waits for as long as the context passed to the collective allows.
func (b *Backend) WithTimeout(timeout time.Duration) *Backend {
	b.timeout = timeout
	return b
}

// Worker returns the identity of this worker.
func (b *Backend) Worker() Worker {
	return b.worker
}

// World returns the group with all workers.
func (b *Backend) World() *ProcessGroup {
	return b.world
}

// Close the backend. Collectives issued afterwards fail with ErrClosed.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if closer, ok := b.exchanger.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (b *Backend) exchange(ctx context.Context, c *Contribution) ([]float64, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: %s on group %q (seq %d), %d values", b.worker, c.Op, c.Group, c.Seq, len(c.Values))
	}
	return b.exchanger.Exchange(ctx, c)
}

// ProcessGroup is a set of workers that issue collectives together.
//
// Every member must call the same collectives on the group, in the same order: the n-th collective
// on the group of every member is matched by sequence number.
//
// A worker can hold a ProcessGroup it doesn't belong to (see NewSubgroup), its collectives
// then fail with ErrNotMember.
type ProcessGroup struct {
	backend *Backend
	id      string
	members []int
	member  bool
	seq     uint64
}

// ID of the group. It is derived deterministically, so every member computes the same.
func (g *ProcessGroup) ID() string {
	return g.id
}

// Members returns the sorted ranks of the group. Don't change the returned slice.
func (g *ProcessGroup) Members() []int {
	return g.members
}

// Size returns the number of members.
func (g *ProcessGroup) Size() int {
	return len(g.members)
}

// IsMember returns whether this worker belongs to the group.
func (g *ProcessGroup) IsMember() bool {
	return g.member
}

// String implements fmt.Stringer.
func (g *ProcessGroup) String() string {
	return fmt.Sprintf("ProcessGroup(%q, members=%v)", g.id, g.members)
}

func (g *ProcessGroup) collective(ctx context.Context, op Op, values []float64, ranks []int) ([]float64, error) {
	if !g.member {
		return nil, errors.Wrapf(ErrNotMember, "%s: %s on %s", g.backend.worker, op, g)
	}
	c := &Contribution{
		Group:   g.id,
		Members: g.members,
		Seq:     g.seq,
		Rank:    g.backend.worker.Rank,
		Op:      op,
		Values:  values,
		Ranks:   ranks,
	}
	g.seq++
	result, err := g.backend.exchange(ctx, c)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: %s on %s", g.backend.worker, op, g)
	}
	return result, nil
}

// AllReduceSum returns the element-wise sum of values over all members of the group.
// It blocks until every member contributed, and all members get the same result.
//
// All members must contribute vectors of the same length, otherwise it fails with ErrProtocol.
func (g *ProcessGroup) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	result, err := g.collective(ctx, OpAllReduceSum, values, nil)
	if err != nil {
		return nil, err
	}
	if len(result) != len(values) {
		return nil, errors.Wrapf(ErrProtocol, "%s: all-reduce returned %d values for %d contributed",
			g.backend.worker, len(result), len(values))
	}
	return result, nil
}

// Barrier blocks until all members reached it.
func (g *ProcessGroup) Barrier(ctx context.Context) error {
	result, err := g.AllReduceSum(ctx, []float64{1})
	if err != nil {
		return err
	}
	if int(result[0]) != g.Size() {
		return errors.Wrapf(ErrProtocol, "%s: barrier counted %g members, expected %d", g.backend.worker, result[0], g.Size())
	}
	return nil
}

// NewSubgroup forms a group with the given ranks, which must be members of g.
//
// It is a collective on g: every member of g must call it, including the ranks that are not going to be
// part of the subgroup, and all must request the same ranks (otherwise it fails with ErrProtocol).
// Workers not in ranks get a group they are not a member of.
func (g *ProcessGroup) NewSubgroup(ctx context.Context, ranks []int) (*ProcessGroup, error) {
	ranks = slices.Clone(ranks)
	slices.Sort(ranks)
	ranks = slices.Compact(ranks)
	if len(ranks) == 0 {
		return nil, errors.Errorf("%s: NewSubgroup on %s with no ranks", g.backend.worker, g)
	}
	for _, rank := range ranks {
		if _, found := slices.BinarySearch(g.members, rank); !found {
			return nil, errors.Errorf("%s: NewSubgroup on %s with rank %d, not a member", g.backend.worker, g, rank)
		}
	}
	id := fmt.Sprintf("%s.%d", g.id, g.seq)
	if _, err := g.collective(ctx, OpNewGroup, nil, ranks); err != nil {
		return nil, err
	}
	_, member := slices.BinarySearch(ranks, g.backend.worker.Rank)
	return &ProcessGroup{
		backend: g.backend,
		id:      id,
		members: ranks,
		member:  member,
	}, nil
}
