package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
)

const sampleConfig = `
[network]
arch = "softmax_mlp"
num_hidden = 16
num_classes = 10
weight_init = "kaiming_normal"
activation = "leaky_relu"
leaky_relu_slope = 0.2

[optimizer]
batch_size = 256
lr = 0.1
momentum = 0.9
weight_decay = 1e-4
clip = 5.0

[optimizer.schedule]
epochs = 30
mode = "step"
policy = "step"
gamma = 0.1
step_size = 10

[input]
num_features = 8
train_size = 1000
val_size = 100
seed = 7

[metrics]
top_k = [1, 3]
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Network.NumHidden)
	assert.Equal(t, 10, cfg.Network.NumClasses)
	assert.Equal(t, 1.0, cfg.Network.WeightGainMultiplier)
	assert.Equal(t, []int{1, 3}, cfg.Metrics.TopK)
	assert.Equal(t, 30, cfg.Optimizer.Schedule.Epochs)
	assert.True(t, cfg.StepSchedule())
	assert.Equal(t, int64(7), cfg.Input.Seed)
	assert.Equal(t, 85, cfg.WorkerBatchSize(3))
	assert.Equal(t, 1, cfg.WorkerBatchSize(1000))

	sgd := cfg.SGDConfig()
	assert.Equal(t, 0.1, sgd.LearningRate)
	assert.Equal(t, optimizers.StepSchedule, sgd.Schedule.Policy)
	assert.Equal(t, 10, sgd.Schedule.StepSize)

	init := cfg.InitializerConfig()
	assert.Equal(t, initializer.KaimingNormal, init.Policy)
	assert.Equal(t, 0.2, init.LeakyReLUSlope)

	model := cfg.ModelConfig()
	assert.Equal(t, 8, model.NumFeatures)
	assert.Equal(t, "leaky_relu", model.Activation)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(`
[network]
num_classes = 5
[optimizer]
batch_size = 8
lr = 0.01
[optimizer.schedule]
epochs = 2
[input]
num_features = 3
train_size = 10
val_size = 10
`)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, cfg.Metrics.TopK)
	assert.Equal(t, ScheduleByEpoch, cfg.Optimizer.Schedule.Mode)
	assert.Equal(t, string(optimizers.ConstantSchedule), cfg.Optimizer.Schedule.Policy)
	assert.Equal(t, string(initializer.XavierUniform), cfg.Network.WeightInit)
	assert.Equal(t, "relu", cfg.Network.Activation)
	assert.False(t, cfg.StepSchedule())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		replace func(c *Config)
	}{
		{"unknown arch", func(c *Config) { c.Network.Arch = "resnet" }},
		{"one class", func(c *Config) { c.Network.NumClasses = 1 }},
		{"unknown weight init", func(c *Config) { c.Network.WeightInit = "zeros" }},
		{"unknown activation", func(c *Config) { c.Network.Activation = "tanh" }},
		{"zero batch", func(c *Config) { c.Optimizer.BatchSize = 0 }},
		{"negative clip", func(c *Config) { c.Optimizer.Clip = -1 }},
		{"no epochs", func(c *Config) { c.Optimizer.Schedule.Epochs = 0 }},
		{"bad mode", func(c *Config) { c.Optimizer.Schedule.Mode = "batch" }},
		{"bad schedule", func(c *Config) { c.Optimizer.Schedule.Policy = "poly" }},
		{"zero lr", func(c *Config) { c.Optimizer.LearningRate = 0 }},
		{"no features", func(c *Config) { c.Input.NumFeatures = 0 }},
		{"top-k too large", func(c *Config) { c.Metrics.TopK = []int{1, 11} }},
		{"top-k zero", func(c *Config) { c.Metrics.TopK = []int{0} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse(sampleConfig)
			require.NoError(t, err)
			tc.replace(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	_, err := Parse("[network\n")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Optimizer.BatchSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	// Overriding a raw setting before interpreting it.
	tree, err := LoadTree(path)
	require.NoError(t, err)
	tree.Set("optimizer.batch_size", int64(64))
	cfg, err = FromTree(tree)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Optimizer.BatchSize)
	assert.Equal(t, 16, cfg.Network.NumHidden)
}

func TestDefaultsTree(t *testing.T) {
	tree, err := DefaultsTree()
	require.NoError(t, err)
	assert.Equal(t, int64(32), tree.Get("network.num_hidden"))
	assert.Equal(t, "xavier_uniform", tree.Get("network.weight_init"))
	assert.Equal(t, "epoch", tree.Get("optimizer.schedule.mode"))
	assert.Equal(t, int64(0), tree.Get("network.num_classes"))
	assert.True(t, tree.Has("optimizer.lr"))
	assert.Len(t, tree.Get("metrics.top_k"), 2)
}

func TestLoadEnv(t *testing.T) {
	e, err := LoadEnv(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, 1, e.WorldSize)
	assert.False(t, e.Distributed())
	assert.Equal(t, 5*time.Minute, e.CollectiveTimeout)
	assert.Equal(t, "127.0.0.1:29500", e.MasterAddress())

	e, err = LoadEnv(env.Options{Environment: map[string]string{
		"WORLD_SIZE":         "4",
		"RANK":               "2",
		"LOCAL_RANK":         "1",
		"MASTER_ADDR":        "node0",
		"MASTER_PORT":        "1234",
		"COLLECTIVE_TIMEOUT": "30s",
	}})
	require.NoError(t, err)
	assert.True(t, e.Distributed())
	worker, err := e.Worker()
	require.NoError(t, err)
	assert.Equal(t, 2, worker.Rank)
	assert.Equal(t, 4, worker.WorldSize)
	assert.Equal(t, 30*time.Second, e.CollectiveTimeout)
	assert.Equal(t, "node0:1234", e.MasterAddress())

	_, err = LoadEnv(env.Options{Environment: map[string]string{"WORLD_SIZE": "2", "RANK": "2"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = LoadEnv(env.Options{Environment: map[string]string{"WORLD_SIZE": "two"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
