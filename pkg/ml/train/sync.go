package train

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// BroadcastVariables copies the values of the variables of the coordinator to every worker.
//
// It is a world all-reduce where only the coordinator contributes non-zero values, so every worker must call
// it with variables of the same sizes.
func BroadcastVariables(ctx context.Context, backend *distributed.Backend, vars []*model.Variable) error {
	values := model.FlattenValues(vars)
	if !backend.Worker().IsCoordinator() {
		clear(values)
	}
	values, err := backend.World().AllReduceSum(ctx, values)
	if err != nil {
		return errors.WithMessage(err, "broadcasting variables")
	}
	return model.SetValues(vars, values)
}

// broadcastEvalResult copies the evaluation result of the coordinator to every worker. The coordinator
// takes part in every evaluation step, the remainder one included, so its result covers all samples.
func broadcastEvalResult(ctx context.Context, backend *distributed.Backend, result EvalResult) (EvalResult, error) {
	values := make([]float64, 0, 2+len(result.Accuracies))
	values = append(values, result.Loss, float64(result.Count))
	values = append(values, result.Accuracies...)
	if !backend.Worker().IsCoordinator() {
		clear(values)
	}
	values, err := backend.World().AllReduceSum(ctx, values)
	if err != nil {
		return EvalResult{}, errors.WithMessage(err, "broadcasting evaluation results")
	}
	return EvalResult{
		Loss:       values[0],
		Count:      int(math.Round(values[1])),
		Accuracies: values[2:],
	}, nil
}

// AverageGradients replaces the gradients of the trainable variables by their mean over all workers.
func AverageGradients(ctx context.Context, agg *distributed.Aggregator, vars []*model.Variable) error {
	grads, err := agg.AverageWorld(ctx, model.FlattenGrads(vars))
	if err != nil {
		return errors.WithMessage(err, "averaging gradients")
	}
	return model.SetGrads(vars, grads)
}

// agree checks that every worker has the same value: it fails with distributed.ErrProtocol otherwise.
func agree(ctx context.Context, backend *distributed.Backend, what string, value float64) error {
	world := backend.World()
	sums, err := world.AllReduceSum(ctx, []float64{value, value * value})
	if err != nil {
		return errors.WithMessagef(err, "agreeing on %s", what)
	}
	n := float64(world.Size())
	mean := sums[0] / n
	if variance := sums[1]/n - mean*mean; variance > 1e-9*max(1, mean*mean) {
		return errors.Wrapf(distributed.ErrProtocol, "%s: workers disagree on %s (mine is %g, mean is %g)",
			backend.Worker(), what, value, mean)
	}
	return nil
}
