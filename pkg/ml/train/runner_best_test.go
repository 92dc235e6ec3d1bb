package train

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
)

func TestIsNewBest(t *testing.T) {
	assert.True(t, isNewBest(30, 10))
	assert.False(t, isNewBest(30, 30))
	assert.False(t, isNewBest(20, 30))
	assert.False(t, isNewBest(0, 0))
}

func TestRunnerKeepsBestOnTie(t *testing.T) {
	hub, backends, err := distributed.NewLocalWorld(1, 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = hub.Close() }()

	// fakeModel always predicts right: every epoch scores 100, so only the first one is the best.
	m := newFakeModel()
	opt, err := optimizers.NewSGD(m.Variables(), optimizers.SGDConfig{
		LearningRate: 0.1,
		Schedule:     optimizers.Schedule{Policy: optimizers.ConstantSchedule},
	})
	require.NoError(t, err)
	handler, err := checkpoints.Build(t.TempDir()).Keep(-1).Done()
	require.NoError(t, err)
	plan, err := distributed.NewShardPlan(6, 1, 3)
	require.NoError(t, err)

	runner := NewRunner(NewLoop(NewRunContext(backends[0]), m, opt),
		newSliceDataset(2, 3), newSliceDataset(2, 3), handler, RunnerConfig{Epochs: 3, ValPlan: plan})
	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 100.0, runner.BestScore)

	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3)
	latest, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Epoch)
	best, err := handler.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 1, best.Epoch, "a tied score must not replace the best checkpoint")
	assert.Equal(t, 100.0, best.BestScore)
}
