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

package train

import (
	"context"
	"fmt"
	"io"
	"iter"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/train/metrics"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. stats are the global statistics of the step just finished.
type OnStepFn func(loop *Loop, stats distributed.GlobalStats) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the training epochs and the evaluations of one worker, in lock step with the other workers,
// and calls the hooks attached to it.
//
// Every training step the statistics of the batch (loss sum, top-k correct counts, sample count) are
// reduced over the world group, so the meters hold exact global values on every worker. Evaluation follows
// a distributed.ShardPlan, which handles the last uneven chunk of the validation shards.
//
// It also converts panics of the model into errors.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	Run       *RunContext
	Model     Model
	Optimizer optimizers.Interface

	// LoopStep is the global training step being executed: epoch*StepsPerEpoch + batch index.
	LoopStep int

	// StartStep and EndStep (one past the last) of the current run, set by Begin.
	StartStep, EndStep int

	// Epoch being trained.
	Epoch int

	// StepsPerEpoch is the number of batches of the training dataset.
	StepsPerEpoch int

	// Meters of the current phase (training epoch or evaluation), holding global values.
	BatchTime, DataTime, Loss *metrics.Meter
	Accuracies                []*metrics.Meter

	// StepDuration keeps the median duration of the training steps.
	StepDuration *metrics.StreamingMedian

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop.
func NewLoop(run *RunContext, m Model, optimizer optimizers.Interface) *Loop {
	loop := &Loop{
		Run:          run,
		Model:        m,
		Optimizer:    optimizer,
		BatchTime:    metrics.NewTimeMeter("Batch time", "Time"),
		DataTime:     metrics.NewTimeMeter("Data loading time", "Data"),
		Loss:         metrics.NewLossMeter("Loss", "Loss"),
		StepDuration: metrics.NewStreamingMedian("Step duration", "Step", metrics.TimeMetricType, nil),
		SharedData:   make(map[string]any),
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	for _, k := range run.TopK {
		loop.Accuracies = append(loop.Accuracies, metrics.NewAccuracyMeter(fmt.Sprintf("Top-%d accuracy", k), fmt.Sprintf("Prec@%d", k)))
	}
	return loop
}

func (loop *Loop) resetMeters() {
	loop.BatchTime.Reset()
	loop.DataTime.Reset()
	loop.Loss.Reset()
	for _, m := range loop.Accuracies {
		m.Reset()
	}
}

func (loop *Loop) updateMeters(global distributed.GlobalStats) {
	count := float64(global.Count)
	loop.Loss.Update(global.MeanLoss(), count)
	for ii, m := range loop.Accuracies {
		m.Update(global.Accuracy(ii), count)
	}
}

// Begin a run of training epochs [startEpoch, endEpoch) over ds, and call the OnStart hooks.
//
// It checks that every worker has the same number of training steps per epoch: training reduces over the
// world group at every step, so an uneven shard would leave workers waiting on each other.
func (loop *Loop) Begin(ctx context.Context, ds Dataset, startEpoch, endEpoch int) error {
	loop.StepsPerEpoch = ds.NumBatches()
	if err := agree(ctx, loop.Run.Backend, "the number of training steps per epoch", float64(loop.StepsPerEpoch)); err != nil {
		return err
	}
	loop.Epoch = startEpoch
	loop.LoopStep = startEpoch * loop.StepsPerEpoch
	loop.StartStep = loop.LoopStep
	loop.EndStep = endEpoch * loop.StepsPerEpoch
	loop.StepDuration.Reset()
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// End of the run: it calls the OnEnd hooks.
func (loop *Loop) End() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// TrainEpoch trains one epoch over the worker's training shard ds.
func (loop *Loop) TrainEpoch(ctx context.Context, ds Dataset, epoch int) error {
	loop.Epoch = epoch
	if es, ok := ds.(EpochSetter); ok {
		es.SetEpoch(epoch)
	} else {
		ds.Reset()
	}
	loop.resetMeters()
	if !loop.Run.StepSchedule {
		loop.Optimizer.AdvanceSchedule(epoch)
	}

	end := time.Now()
	for step := 0; ; step++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			if step != loop.StepsPerEpoch {
				return errors.Wrapf(distributed.ErrProtocol, "%s: training epoch %d ended after %d steps, %d expected",
					loop.Run.Worker, epoch, step, loop.StepsPerEpoch)
			}
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "Loop.TrainEpoch(%d): failed reading from Dataset %q", epoch, ds.Name())
		}
		loop.LoopStep = epoch*loop.StepsPerEpoch + step
		if loop.Run.StepSchedule {
			loop.Optimizer.AdvanceSchedule(loop.LoopStep)
		}
		loop.DataTime.Update(time.Since(end).Seconds(), 1)

		stepStart := time.Now()
		global, err := loop.trainStep(ctx, batch)
		if err != nil {
			return errors.WithMessagef(err, "Loop.TrainEpoch(%d): failed train step (LoopStep=%d)", epoch, loop.LoopStep)
		}
		loop.StepDuration.Update(time.Since(stepStart).Seconds())
		loop.BatchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if step%max(loop.Run.PrintFreq, 1) == 0 {
			loop.Run.Logger.Info(fmt.Sprintf("Epoch: [%d][%d/%d]\t%s", epoch, step, loop.StepsPerEpoch, loop.progressLine(true)))
		}
		loop.writeTrainSummary(step)
		if err = loop.postStep(global); err != nil {
			return err
		}
	}
}

// trainStep runs forward/backward on the local batch, averages the gradients over all workers, updates the
// variables and reduces the batch statistics over the world group.
func (loop *Loop) trainStep(ctx context.Context, batch Batch) (global distributed.GlobalStats, err error) {
	vars := loop.Model.Variables()
	loop.Optimizer.ZeroGrad()
	var (
		scores  [][]float64
		lossSum float64
	)
	err = exceptions.TryCatch[error](func() {
		scores, lossSum = loop.Model.TrainStep(batch.Inputs, batch.Labels)
	})
	if err != nil {
		return
	}
	if err = AverageGradients(ctx, loop.Run.Aggregator, vars); err != nil {
		return
	}
	if loop.Run.Clip > 0 {
		optimizers.ClipGradNorm(vars, loop.Run.Clip)
	}
	loop.Optimizer.Step()

	correct, err := metrics.TopKCorrect(scores, batch.Labels, loop.Run.TopK)
	if err != nil {
		return
	}
	global, err = loop.Run.Aggregator.ReduceWorld(ctx, distributed.BatchStats{Loss: lossSum, Correct: correct, Count: batch.Len()})
	if err != nil {
		return
	}
	loop.updateMeters(global)
	return
}

// postStep calls the OnStep hooks, and checks for NaN loss, returning an error accordingly.
func (loop *Loop) postStep(global distributed.GlobalStats) error {
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, global)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	batchLoss := global.MeanLoss()
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return nil
}

// progressLine formats the meters as "Time 0.010 (0.012)\tData ...\tLoss ...\tPrec@1 ...".
func (loop *Loop) progressLine(withData bool) string {
	parts := []string{fmt.Sprintf("Time %.3f (%.3f) ", loop.BatchTime.Value, loop.BatchTime.Average)}
	if withData {
		parts = append(parts, fmt.Sprintf("Data %.3f (%.3f) ", loop.DataTime.Value, loop.DataTime.Average))
	}
	parts = append(parts, fmt.Sprintf("Loss %.4f (%.4f) ", loop.Loss.Value, loop.Loss.Average))
	for _, m := range loop.Accuracies {
		parts = append(parts, fmt.Sprintf("%s %.3f (%.3f)", m.ShortName(), m.Value, m.Average))
	}
	return strings.Join(parts, "\t")
}

// topKName returns the metric name suffix of the i-th accuracy, e.g. "top1".
func (loop *Loop) topKName(i int) string {
	return fmt.Sprintf("top%d", loop.Run.TopK[i])
}

func (loop *Loop) writeTrainSummary(step int) {
	sink := loop.Run.Summary
	sink.AddScalar("train/loss", loop.Loss.Value, loop.LoopStep)
	sink.AddScalar("train/lr", loop.Optimizer.LearningRate(), loop.LoopStep)
	for ii, m := range loop.Accuracies {
		sink.AddScalar("train/"+loop.topKName(ii), m.Value, loop.LoopStep)
	}
	if loop.Run.LogHistograms && step%max(loop.Run.HistogramFreq, 1) == 0 {
		for _, v := range loop.Model.Variables() {
			if strings.Contains(v.Name, "fc") || strings.Contains(v.Name, "bn_out") {
				sink.AddHistogram(v.Name, append([]float64(nil), v.Value...), loop.LoopStep)
			}
		}
	}
}

// EvalResult holds the global statistics of an evaluation.
type EvalResult struct {
	// Loss is the mean loss per sample.
	Loss float64

	// Accuracies in percent, one per top-k requested.
	Accuracies []float64

	// Count is the number of samples evaluated by all workers.
	Count int
}

// Score is the first accuracy (top-1 usually), used to select the best model.
func (r EvalResult) Score() float64 {
	if len(r.Accuracies) == 0 {
		return 0
	}
	return r.Accuracies[0]
}

// Evaluate runs the model on the worker's validation shard ds, which must be sharded as described by plan,
// and returns the global results.
//
// If summaryStep >= 0 the results are written to the metrics sink as "val/..." at that step.
func (loop *Loop) Evaluate(ctx context.Context, ds Dataset, plan distributed.ShardPlan, summaryStep int) (EvalResult, error) {
	session, err := loop.Run.Aggregator.NewEvalSession(plan)
	if err != nil {
		return EvalResult{}, err
	}
	ds.Reset()
	loop.resetMeters()
	numSteps := ds.NumBatches()
	end := time.Now()
	for step := 0; ; step++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EvalResult{}, errors.WithMessagef(err, "Loop.Evaluate: failed reading from Dataset %q", ds.Name())
		}
		var (
			scores  [][]float64
			lossSum float64
		)
		err = exceptions.TryCatch[error](func() {
			scores, lossSum = loop.Model.Eval(batch.Inputs, batch.Labels)
		})
		if err != nil {
			return EvalResult{}, errors.WithMessagef(err, "Loop.Evaluate: step %d", step)
		}
		correct, err := metrics.TopKCorrect(scores, batch.Labels, loop.Run.TopK)
		if err != nil {
			return EvalResult{}, err
		}
		global, err := session.Reduce(ctx, distributed.BatchStats{Loss: lossSum, Correct: correct, Count: batch.Len()})
		if err != nil {
			return EvalResult{}, err
		}
		loop.updateMeters(global)
		loop.BatchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if step%max(loop.Run.PrintFreq, 1) == 0 {
			loop.Run.Logger.Info(fmt.Sprintf("Test: [%d/%d] \t%s", step, numSteps, loop.progressLine(false)))
		}
	}
	if err := session.Finish(ctx); err != nil {
		return EvalResult{}, err
	}

	// Ranks that skipped the remainder step hold partial meters: everyone takes the coordinator's result.
	result := EvalResult{Loss: loop.Loss.Average, Count: int(loop.Loss.TotalWeight)}
	for _, m := range loop.Accuracies {
		result.Accuracies = append(result.Accuracies, m.Average)
	}
	result, err = broadcastEvalResult(ctx, loop.Run.Backend, result)
	if err != nil {
		return EvalResult{}, err
	}
	parts := make([]string, 0, len(loop.Accuracies))
	for ii, m := range loop.Accuracies {
		parts = append(parts, fmt.Sprintf("%s %.3f", m.ShortName(), result.Accuracies[ii]))
	}
	loop.Run.Logger.Info(" * " + strings.Join(parts, " "))

	if summaryStep >= 0 {
		sink := loop.Run.Summary
		sink.AddScalar("val/loss", result.Loss, summaryStep)
		for ii, accuracy := range result.Accuracies {
			sink.AddScalar("val/"+loop.topKName(ii), accuracy, summaryStep)
		}
	}
	return result, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if loop.StepDuration.Count() == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	return time.Duration(loop.StepDuration.Median() * float64(time.Second))
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last training epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	list := h.hooks[priority]
	list = append(list, hook)
	h.hooks[priority] = list
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
