package distributed

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BatchStats are the statistics of one worker for one batch.
type BatchStats struct {
	// Loss summed over the samples of the batch (not the mean).
	Loss float64

	// Correct holds, for each requested k, the top-k correct count multiplied by 100, as returned by
	// metrics.TopKCorrect.
	Correct []float64

	// Count is the number of samples in the batch.
	Count int
}

// GlobalStats are BatchStats summed over all members of a process group.
type GlobalStats struct {
	// Loss summed over all samples of all members.
	Loss float64

	// Correct summed over all members, still multiplied by 100.
	Correct []float64

	// Count of samples over all members: the denominator of every mean.
	Count int

	// GroupSize is the number of workers that contributed.
	GroupSize int
}

// MeanLoss returns the per-sample loss, or 0 if there were no samples.
func (s GlobalStats) MeanLoss() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Loss / float64(s.Count)
}

// Accuracy returns the i-th top-k accuracy in percent, or 0 if there were no samples.
func (s GlobalStats) Accuracy(i int) float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Correct[i] / float64(s.Count)
}

// Accuracies returns all the top-k accuracies in percent.
func (s GlobalStats) Accuracies() []float64 {
	accuracies := make([]float64, len(s.Correct))
	for ii := range accuracies {
		accuracies[ii] = s.Accuracy(ii)
	}
	return accuracies
}

// Aggregator combines the BatchStats of the workers into GlobalStats.
//
// Loss, correct counts and sample count are reduced in one all-reduce, so the means are always taken over
// the samples of the same group that produced the sums, never divided by the world size.
type Aggregator struct {
	backend *Backend
}

// NewAggregator creates an Aggregator for the worker connected by backend.
func NewAggregator(backend *Backend) *Aggregator {
	return &Aggregator{backend: backend}
}

// Backend returns the backend the aggregator reduces with.
func (a *Aggregator) Backend() *Backend {
	return a.backend
}

// ReduceWorld reduces stats over all workers. Used for training steps, where all workers always have a batch.
func (a *Aggregator) ReduceWorld(ctx context.Context, stats BatchStats) (GlobalStats, error) {
	return a.Reduce(ctx, a.backend.World(), stats)
}

// Reduce stats over the members of group.
func (a *Aggregator) Reduce(ctx context.Context, group *ProcessGroup, stats BatchStats) (GlobalStats, error) {
	packed := make([]float64, 0, len(stats.Correct)+2)
	packed = append(packed, stats.Loss)
	packed = append(packed, stats.Correct...)
	packed = append(packed, float64(stats.Count))
	summed, err := group.AllReduceSum(ctx, packed)
	if err != nil {
		return GlobalStats{}, err
	}
	global := GlobalStats{
		Loss:      summed[0],
		Correct:   summed[1 : len(summed)-1],
		Count:     int(math.Round(summed[len(summed)-1])),
		GroupSize: group.Size(),
	}
	return global, nil
}

// AverageWorld returns the element-wise mean of values over all workers, e.g. to average gradients.
func (a *Aggregator) AverageWorld(ctx context.Context, values []float64) ([]float64, error) {
	world := a.backend.World()
	summed, err := world.AllReduceSum(ctx, values)
	if err != nil {
		return nil, err
	}
	scale := 1 / float64(world.Size())
	for ii := range summed {
		summed[ii] *= scale
	}
	return summed, nil
}

// EvalSession drives the reduction of one pass over an evaluation shard, choosing the group of each step
// from the ShardPlan: the world group for common steps, and the remainder subgroup for the remainder step.
//
// Call Reduce once per batch, in order, and Finish after the last batch. Finish is what makes the ranks
// without a remainder step join the subgroup formation barrier, so every worker issues the same
// sequence of world collectives.
type EvalSession struct {
	agg          *Aggregator
	plan         ShardPlan
	rank         int
	step         int
	joinedFormed bool
	finished     bool
}

// NewEvalSession starts an evaluation pass following plan.
func (a *Aggregator) NewEvalSession(plan ShardPlan) (*EvalSession, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	worker := a.backend.Worker()
	if plan.WorldSize != worker.WorldSize {
		return nil, errors.Errorf("%s planned for world size %d, but %s", plan, plan.WorldSize, worker)
	}
	return &EvalSession{agg: a, plan: plan, rank: worker.Rank}, nil
}

// Plan returns the plan the session follows.
func (s *EvalSession) Plan() ShardPlan {
	return s.plan
}

// Step returns the number of batches reduced so far.
func (s *EvalSession) Step() int {
	return s.step
}

// NumSteps returns the number of batches this worker is expected to reduce.
func (s *EvalSession) NumSteps() int {
	return s.plan.NumSteps(s.rank)
}

// Reduce the statistics of the next batch.
//
// The batch size must match the plan: a mismatch means the data source doesn't shard the way the other
// workers expect, and it is reported as ErrProtocol before any collective is issued.
func (s *EvalSession) Reduce(ctx context.Context, stats BatchStats) (GlobalStats, error) {
	if s.finished {
		return GlobalStats{}, errors.Errorf("%s: EvalSession.Reduce called after Finish", s.agg.backend.Worker())
	}
	want := s.plan.BatchLen(s.rank, s.step)
	if stats.Count != want {
		return GlobalStats{}, errors.Wrapf(ErrProtocol, "%s: evaluation step %d has %d samples, %s expects %d",
			s.agg.backend.Worker(), s.step, stats.Count, s.plan, want)
	}
	group := s.agg.backend.World()
	if s.plan.IsRemainderStep(s.step) {
		var err error
		group, err = group.NewSubgroup(ctx, s.plan.RemainderRanks())
		if err != nil {
			return GlobalStats{}, err
		}
		s.joinedFormed = true
		if klog.V(1).Enabled() {
			klog.Infof("%s: remainder step %d reduced over %s", s.agg.backend.Worker(), s.step, group)
		}
	}
	global, err := s.agg.Reduce(ctx, group, stats)
	if err != nil {
		return GlobalStats{}, err
	}
	s.step++
	return global, nil
}

// Finish the pass. It checks all planned batches were reduced, and joins the remainder subgroup
// formation if this worker didn't take part in the remainder step.
func (s *EvalSession) Finish(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	if s.step != s.NumSteps() {
		return errors.Wrapf(ErrProtocol, "%s: evaluation ended after %d steps, %s expects %d",
			s.agg.backend.Worker(), s.step, s.plan, s.NumSteps())
	}
	if s.plan.HasRemainderStep() && !s.joinedFormed {
		group, err := s.agg.backend.World().NewSubgroup(ctx, s.plan.RemainderRanks())
		if err != nil {
			return err
		}
		if group.IsMember() {
			return errors.Wrapf(ErrProtocol, "%s: member of the remainder group %s but had no remainder step",
				s.agg.backend.Worker(), group)
		}
	}
	return nil
}
