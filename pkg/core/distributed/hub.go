// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Op is the kind of collective a Contribution is for.
type Op string

const (
	// OpAllReduceSum sums the values element-wise over all members.
	OpAllReduceSum Op = "allreduce_sum"

	// OpNewGroup is the barrier forming a subgroup. Values are empty, and Ranks holds the requested
	// subgroup, which must be the same for all members.
	OpNewGroup Op = "new_group"
)

// Contribution is what one member of a group sends to the rendezvous of a collective.
//
// It is also the wire format of the grpchub transport, hence the JSON tags.
type Contribution struct {
	// Group is the ID of the process group, see ProcessGroup.ID.
	Group string `json:"group"`

	// Members of the group, sorted. All contributions must agree.
	Members []int `json:"members"`

	// Seq is the sequence number of the collective within the group.
	Seq uint64 `json:"seq"`

	// Rank of the contributing worker.
	Rank int `json:"rank"`

	// Op is the collective operation.
	Op Op `json:"op"`

	// Values to reduce, for OpAllReduceSum.
	Values []float64 `json:"values,omitempty"`

	// Ranks requested for the new subgroup, for OpNewGroup.
	Ranks []int `json:"ranks,omitempty"`
}

// Exchanger delivers a contribution to the rendezvous of its collective and blocks until all members
// contributed (or the rendezvous failed, or ctx is done). It returns the reduced values.
//
// Hub implements it in-process, and grpchub.Client implements it over the network.
type Exchanger interface {
	Exchange(ctx context.Context, c *Contribution) ([]float64, error)
}

type rendezvousKey struct {
	group string
	seq   uint64
}

// rendezvous of one collective.
type rendezvous struct {
	op      Op
	members []int
	length  int
	ranks   []int

	contributions map[int][]float64
	done          chan struct{}
	result        []float64
	err           error
}

// Hub collects the contributions of all members of a collective and releases them at once with the
// reduced result. It is safe for concurrent use.
//
// The first contribution of a collective defines what the others must match: any disagreement fails
// the collective for every member with ErrProtocol. A member giving up (its context is done) fails
// the collective for everyone with ErrCollectiveTimeout, listing the ranks that arrived and the ones
// missing.
type Hub struct {
	mu      sync.Mutex
	pending map[rendezvousKey]*rendezvous
	failed  map[rendezvousKey]error
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		pending: make(map[rendezvousKey]*rendezvous),
		failed:  make(map[rendezvousKey]error),
	}
}

// Exchange implements Exchanger.
func (h *Hub) Exchange(ctx context.Context, c *Contribution) ([]float64, error) {
	key := rendezvousKey{group: c.Group, seq: c.Seq}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if err, found := h.failed[key]; found {
		h.mu.Unlock()
		return nil, err
	}
	rv, found := h.pending[key]
	if !found {
		if err := validateFirst(c); err != nil {
			h.failed[key] = err
			h.mu.Unlock()
			return nil, err
		}
		rv = &rendezvous{
			op:            c.Op,
			members:       slices.Clone(c.Members),
			length:        len(c.Values),
			ranks:         slices.Clone(c.Ranks),
			contributions: make(map[int][]float64, len(c.Members)),
			done:          make(chan struct{}),
		}
		h.pending[key] = rv
	} else if err := rv.match(c); err != nil {
		h.failLocked(key, rv, err)
		h.mu.Unlock()
		return nil, err
	}
	rv.contributions[c.Rank] = slices.Clone(c.Values)
	if len(rv.contributions) == len(rv.members) {
		rv.result = rv.sum()
		delete(h.pending, key)
		close(rv.done)
		h.mu.Unlock()
		return slices.Clone(rv.result), nil
	}
	h.mu.Unlock()

	select {
	case <-rv.done:
	case <-ctx.Done():
		h.mu.Lock()
		select {
		case <-rv.done:
			// Completed (or failed) while we were acquiring the lock.
		default:
			arrived, missing := rv.roll()
			err := errors.Wrapf(ErrCollectiveTimeout, "%s on group %q (seq %d): rank %d gave up (%v), arrived=%v missing=%v",
				rv.op, c.Group, c.Seq, c.Rank, ctx.Err(), arrived, missing)
			h.failLocked(key, rv, err)
		}
		h.mu.Unlock()
	}
	if rv.err != nil {
		return nil, rv.err
	}
	return slices.Clone(rv.result), nil
}

// failLocked releases all waiters of rv with err. Later contributions to the same collective get the same error.
func (h *Hub) failLocked(key rendezvousKey, rv *rendezvous, err error) {
	klog.Errorf("collective %s on group %q (seq %d) failed: %v", rv.op, key.group, key.seq, err)
	rv.err = err
	delete(h.pending, key)
	h.failed[key] = err
	close(rv.done)
}

// Close fails every pending collective with ErrClosed. Further contributions also fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for key, rv := range h.pending {
		rv.err = ErrClosed
		delete(h.pending, key)
		close(rv.done)
	}
	return nil
}

// NumPending returns the number of collectives waiting for members.
func (h *Hub) NumPending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// validateFirst checks a contribution on its own.
func validateFirst(c *Contribution) error {
	if len(c.Members) == 0 {
		return errors.Wrapf(ErrProtocol, "rank %d contributed to group %q with no members", c.Rank, c.Group)
	}
	if !slices.IsSorted(c.Members) || len(slices.Compact(slices.Clone(c.Members))) != len(c.Members) {
		return errors.Wrapf(ErrProtocol, "group %q members %v are not sorted and unique", c.Group, c.Members)
	}
	if _, found := slices.BinarySearch(c.Members, c.Rank); !found {
		return errors.Wrapf(ErrProtocol, "rank %d contributed to group %q with members %v", c.Rank, c.Group, c.Members)
	}
	switch c.Op {
	case OpAllReduceSum, OpNewGroup:
	default:
		return errors.Wrapf(ErrProtocol, "unknown collective operation %q from rank %d", c.Op, c.Rank)
	}
	return nil
}

// match checks a contribution against the first one received for the collective.
func (rv *rendezvous) match(c *Contribution) error {
	if err := validateFirst(c); err != nil {
		return err
	}
	describe := func() string {
		return fmt.Sprintf("rank %d on group %q (seq %d)", c.Rank, c.Group, c.Seq)
	}
	if c.Op != rv.op {
		return errors.Wrapf(ErrProtocol, "%s issued %s while other members issued %s", describe(), c.Op, rv.op)
	}
	if !slices.Equal(c.Members, rv.members) {
		return errors.Wrapf(ErrProtocol, "%s sees members %v while other members see %v", describe(), c.Members, rv.members)
	}
	if len(c.Values) != rv.length {
		return errors.Wrapf(ErrProtocol, "%s contributed %d values, other members contributed %d",
			describe(), len(c.Values), rv.length)
	}
	if !slices.Equal(c.Ranks, rv.ranks) {
		return errors.Wrapf(ErrProtocol, "%s requested subgroup %v, other members requested %v", describe(), c.Ranks, rv.ranks)
	}
	if _, found := rv.contributions[c.Rank]; found {
		return errors.Wrapf(ErrProtocol, "%s contributed twice", describe())
	}
	return nil
}

// sum of the contributions, in members order so all runs give the same rounding.
func (rv *rendezvous) sum() []float64 {
	result := make([]float64, rv.length)
	for _, rank := range rv.members {
		for ii, v := range rv.contributions[rank] {
			result[ii] += v
		}
	}
	return result
}

// roll returns the members that arrived and the ones missing.
func (rv *rendezvous) roll() (arrived, missing []int) {
	for _, rank := range rv.members {
		if _, found := rv.contributions[rank]; found {
			arrived = append(arrived, rank)
		} else {
			missing = append(missing, rank)
		}
	}
	return
}
