// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/disttrain/pkg/config"
	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/datasets"
	"github.com/gomlx/disttrain/pkg/ml/models/softmax"
	"github.com/gomlx/disttrain/pkg/ml/train"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
)

func TestParseSettings(t *testing.T) {
	defaults, err := config.DefaultsTree()
	require.NoError(t, err)
	tree, err := toml.Load(`
[network]
num_classes = 10

[optimizer]
batch_size = 32
lr = 0.1

[optimizer.schedule]
epochs = 2

[input]
num_features = 4
train_size = 100
val_size = 10
`)
	require.NoError(t, err)

	keysSet, err := ParseSettings(tree, defaults,
		"optimizer.lr=0.05;optimizer.batch_size=1_024; network.activation=elu;optimizer.nesterov=true;metrics.top_k=1,3;")
	require.NoError(t, err)
	assert.Equal(t, []string{"optimizer.lr", "optimizer.batch_size", "network.activation", "optimizer.nesterov", "metrics.top_k"}, keysSet)

	cfg, err := config.FromTree(tree)
	require.Error(t, err, "nesterov requires momentum")
	_, err = ParseSettings(tree, defaults, "optimizer.momentum=0.9")
	require.NoError(t, err)
	cfg, err = config.FromTree(tree)
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.Optimizer.LearningRate)
	assert.Equal(t, 1024, cfg.Optimizer.BatchSize)
	assert.Equal(t, "elu", cfg.Network.Activation)
	assert.True(t, cfg.Optimizer.Nesterov)
	assert.Equal(t, []int{1, 3}, cfg.Metrics.TopK)
	assert.Equal(t, 10, cfg.Network.NumClasses)

	printed := SprintModifiedSettings(tree, append(keysSet, "optimizer.lr"))
	assert.Equal(t, 1, strings.Count(printed, `"optimizer.lr"`))

	// Settings from a file.
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Comment\nnetwork.num_hidden=64\n\noptimizer.clip=1.5;input.seed=3\n"), 0600))
	keysSet, err = ParseSettings(tree, defaults, "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, []string{"network.num_hidden", "optimizer.clip", "input.seed"}, keysSet)
	assert.Equal(t, int64(64), tree.Get("network.num_hidden"))

	// Errors.
	for _, bad := range []string{
		"q=3",                       // Unknown.
		"optimizer.batch_size=3.14", // Wrong type.
		"optimizer=3",               // Section.
		"optimizer.lr",              // No value.
		"file:" + path + ".missing", // Missing file.
		"metrics.top_k=1,x",         // Bad list element.
	} {
		_, err = ParseSettings(tree, defaults, bad)
		assert.Errorf(t, err, "setting %q should have failed", bad)
	}

	usage := SettingsUsage(defaults)
	assert.Contains(t, usage, `"optimizer.schedule.epochs"`)
	assert.Contains(t, SettingKeys(defaults), "network.weight_init")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "1.50ms", FormatDuration(1500*time.Microsecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "2.50µs", FormatDuration(2500*time.Nanosecond))
	assert.Equal(t, "800ns", FormatDuration(800*time.Nanosecond))
	assert.Equal(t, "1m31s", FormatDuration(90*time.Second+600*time.Millisecond))
	assert.Equal(t, "-", FormatDuration(0))
}

func TestReportEval(t *testing.T) {
	var buf bytes.Buffer
	err := ReportEval(&buf, "validation", train.EvalResult{Loss: 0.25, Accuracies: []float64{75, 100}, Count: 12345}, []int{1, 5})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Results on validation:")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "0.2500")
	assert.Contains(t, out, "Prec@5")
	assert.Contains(t, out, "75.000%")
}

// syncBuffer is a bytes.Buffer safe for concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressBar(t *testing.T) {
	ctx := context.Background()
	hub, backends, err := distributed.NewLocalWorld(1, 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = hub.Close() }()

	features, labels, err := datasets.Blobs(datasets.BlobsConfig{NumExamples: 24, NumFeatures: 3, NumClasses: 3, Spread: 0.3, Seed: 1})
	require.NoError(t, err)
	trainDS, _, err := datasets.Shards(datasets.ShardsConfig{
		WorldSize: 1, BatchSize: 4,
		TrainFeatures: features, TrainLabels: labels,
		ValFeatures: features, ValLabels: labels,
	})
	require.NoError(t, err)
	m := softmax.New(softmax.Config{NumFeatures: 3, NumHidden: 4, NumClasses: 3, Activation: "relu"})
	opt, err := optimizers.NewSGD(m.Variables(), optimizers.SGDConfig{
		LearningRate: 0.1, Schedule: optimizers.Schedule{Policy: optimizers.ConstantSchedule},
	})
	require.NoError(t, err)
	loop := train.NewLoop(train.NewRunContext(backends[0]).WithTopK([]int{1, 2}), m, opt)

	out := &syncBuffer{}
	var extraCalls int
	attachProgressBar(loop, out, func() (string, string) {
		extraCalls++
		return "Extra", "42"
	})
	require.NoError(t, loop.Begin(ctx, trainDS, 0, 2))
	for epoch := range 2 {
		require.NoError(t, loop.TrainEpoch(ctx, trainDS, epoch))
	}
	require.NoError(t, loop.End())

	printed := out.String()
	assert.Contains(t, printed, "Global Step")
	assert.Contains(t, printed, "Median train step duration")
	assert.Contains(t, printed, "Top-2 accuracy")
	assert.Contains(t, printed, "Extra")
	assert.Contains(t, printed, "11 of 12")
	assert.Greater(t, extraCalls, 0)
}
