package distributed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/disttrain/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSample returns the loss and top-1/top-5 correctness (x100) of the sample with the given index.
func fakeSample(index int) (loss, top1, top5 float64) {
	loss = float64(index%7) + 0.5
	if index%3 == 0 {
		top1 = 100
	}
	if index%3 == 0 || index%2 == 0 {
		top5 = 100
	}
	return
}

// fakeBatch builds the BatchStats of rank at step, with strided sharding.
func fakeBatch(p ShardPlan, rank, step int) BatchStats {
	stats := BatchStats{Correct: make([]float64, 2)}
	size := p.BatchLen(rank, step)
	for ii := range size {
		posInShard := step*p.BatchSize + ii
		index := rank + posInShard*p.WorldSize
		loss, top1, top5 := fakeSample(index)
		stats.Loss += loss
		stats.Correct[0] += top1
		stats.Correct[1] += top5
	}
	stats.Count = size
	return stats
}

// evalResult is what each worker saw at the end of an evaluation pass.
type evalResult struct {
	loss, top1, top5 *metrics.Meter
	steps            int
}

// runEval runs one evaluation pass on every worker of a local world.
func runEval(t *testing.T, p ShardPlan) ([]evalResult, []error) {
	results := make([]evalResult, p.WorldSize)
	errs := runWorld(t, p.WorldSize, 10*time.Second, func(ctx context.Context, backend *Backend) error {
		rank := backend.Worker().Rank
		r := &results[rank]
		r.loss = metrics.NewLossMeter("Loss", "loss")
		r.top1 = metrics.NewAccuracyMeter("Prec@1", "top1")
		r.top5 = metrics.NewAccuracyMeter("Prec@5", "top5")
		session, err := NewAggregator(backend).NewEvalSession(p)
		if err != nil {
			return err
		}
		for step := range session.NumSteps() {
			global, err := session.Reduce(ctx, fakeBatch(p, rank, step))
			if err != nil {
				return err
			}
			weight := float64(global.Count)
			r.loss.Update(global.MeanLoss(), weight)
			r.top1.Update(global.Accuracy(0), weight)
			r.top5.Update(global.Accuracy(1), weight)
			r.steps++
		}
		return session.Finish(ctx)
	})
	return results, errs
}

// exactMeans over the whole dataset.
func exactMeans(n int) (loss, top1, top5 float64) {
	for index := range n {
		l, t1, t5 := fakeSample(index)
		loss += l
		top1 += t1
		top5 += t5
	}
	if n == 0 {
		return
	}
	return loss / float64(n), top1 / float64(n), top5 / float64(n)
}

func TestAggregatorExactness(t *testing.T) {
	for worldSize := 1; worldSize <= 8; worldSize++ {
		n := 7*worldSize + 3
		p, err := NewShardPlan(n, worldSize, 4)
		require.NoError(t, err)
		results, errs := runEval(t, p)
		requireNoErrors(t, errs)
		wantLoss, wantTop1, wantTop5 := exactMeans(n)
		// Rank 0 always takes part in every step, including the remainder step.
		r := results[0]
		require.Equalf(t, float64(n), r.loss.TotalWeight, "%s", p)
		require.InDeltaf(t, wantLoss, r.loss.Average, 1e-9, "%s", p)
		require.InDeltaf(t, wantTop1, r.top1.Average, 1e-9, "%s", p)
		require.InDeltaf(t, wantTop5, r.top5.Average, 1e-9, "%s", p)
	}
}

func TestAggregatorRemainderGroup(t *testing.T) {
	// N=10, W=3 and B=3: shards of 4, 3, 3 samples, one common step of 3 samples and a remainder step
	// with the single last sample of rank 0.
	p, err := NewShardPlan(10, 3, 3)
	require.NoError(t, err)
	results, errs := runEval(t, p)
	requireNoErrors(t, errs)
	assert.Equal(t, 2, results[0].steps)
	assert.Equal(t, 1, results[1].steps)
	assert.Equal(t, 1, results[2].steps)
	assert.Equal(t, 10.0, results[0].loss.TotalWeight)
	assert.Equal(t, 9.0, results[1].loss.TotalWeight, "rank 1 is not in the remainder group")

	// The remainder step is reduced over rank 0 only: its global value is the loss of sample 9.
	lastLoss, _, _ := fakeSample(9)
	assert.Equal(t, lastLoss, results[0].loss.Value)
	wantLoss, _, _ := exactMeans(10)
	assert.InDelta(t, wantLoss, results[0].loss.Average, 1e-9)
}

func TestAggregatorNoDeadlock(t *testing.T) {
	for worldSize := 1; worldSize <= 8; worldSize++ {
		for n := 1; n <= 50; n++ {
			for _, batchSize := range []int{1, 3} {
				p, err := NewShardPlan(n, worldSize, batchSize)
				require.NoError(t, err)
				results, errs := runEval(t, p)
				for rank, err := range errs {
					require.NoErrorf(t, err, "%s rank %d", p, rank)
				}
				wantLoss, _, _ := exactMeans(n)
				for rank := range p.Remainder() {
					require.Equalf(t, float64(n), results[rank].loss.TotalWeight, "%s rank %d", p, rank)
					require.InDeltaf(t, wantLoss, results[rank].loss.Average, 1e-9, "%s rank %d", p, rank)
				}
			}
		}
	}
}

func TestEvalSessionProtocolErrors(t *testing.T) {
	p, err := NewShardPlan(10, 2, 3)
	require.NoError(t, err)

	t.Run("Wrong batch size", func(t *testing.T) {
		errs := runWorld(t, 2, time.Second, func(ctx context.Context, backend *Backend) error {
			session, err := NewAggregator(backend).NewEvalSession(p)
			if err != nil {
				return err
			}
			stats := fakeBatch(p, backend.Worker().Rank, 0)
			stats.Count++
			_, err = session.Reduce(ctx, stats)
			return err
		})
		for rank, err := range errs {
			require.ErrorIsf(t, err, ErrProtocol, "rank %d", rank)
		}
	})

	t.Run("Short iteration", func(t *testing.T) {
		errs := runWorld(t, 2, time.Second, func(ctx context.Context, backend *Backend) error {
			session, err := NewAggregator(backend).NewEvalSession(p)
			if err != nil {
				return err
			}
			return session.Finish(ctx)
		})
		for rank, err := range errs {
			require.ErrorIsf(t, err, ErrProtocol, "rank %d", rank)
		}
	})

	t.Run("Wrong world size", func(t *testing.T) {
		_, backends, err := NewLocalWorld(3, 0)
		require.NoError(t, err)
		_, err = NewAggregator(backends[0]).NewEvalSession(p)
		require.Error(t, err)
	})
}

func TestAverageWorld(t *testing.T) {
	errs := runWorld(t, 4, 5*time.Second, func(ctx context.Context, backend *Backend) error {
		rank := float64(backend.Worker().Rank)
		got, err := NewAggregator(backend).AverageWorld(ctx, []float64{rank, 2})
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{1.5, 2}, got, fmt.Sprintf("rank %d", backend.Worker().Rank))
		return nil
	})
	requireNoErrors(t, errs)
}
