// Package config loads the configuration of a training run: the run configuration file (TOML) describing
// the network, optimizer, input and metrics, and the launch environment (WORLD_SIZE, RANK, MASTER_ADDR, ...)
// set by the launcher of the workers.
//
// Configuration errors are reported before any collective is issued, wrapped with ErrInvalidConfig.
package config

import (
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/models/softmax"
	"github.com/gomlx/disttrain/pkg/ml/train/metrics"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
)

// ErrInvalidConfig is returned (wrapped) for any configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Schedule modes: how often the learning rate schedule is advanced.
const (
	ScheduleByEpoch = "epoch"
	ScheduleByStep  = "step"
)

// DefaultTopK are the top-k accuracies reported if none are configured.
var DefaultTopK = []int{1, 5}

// Config is the run configuration file.
type Config struct {
	Network   NetworkConfig   `toml:"network"`
	Optimizer OptimizerConfig `toml:"optimizer"`
	Input     InputConfig     `toml:"input"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NetworkConfig describes the model and its weights initialization.
type NetworkConfig struct {
	Arch                 string  `toml:"arch"`
	NumHidden            int     `toml:"num_hidden"`
	NumClasses           int     `toml:"num_classes"`
	WeightInit           string  `toml:"weight_init"`
	WeightGainMultiplier float64 `toml:"weight_gain_multiplier"`
	Activation           string  `toml:"activation"`
	LeakyReLUSlope       float64 `toml:"leaky_relu_slope"`
}

// OptimizerConfig holds the hyperparameters of the optimizer.
type OptimizerConfig struct {
	// BatchSize is the global batch size: each worker uses BatchSize/WorldSize.
	BatchSize    int     `toml:"batch_size"`
	LearningRate float64 `toml:"lr"`
	Momentum     float64 `toml:"momentum"`
	WeightDecay  float64 `toml:"weight_decay"`
	Nesterov     bool    `toml:"nesterov"`

	// Clip is the maximum norm of the gradients, 0 disables clipping.
	Clip float64 `toml:"clip"`

	Schedule ScheduleConfig `toml:"schedule"`
}

// ScheduleConfig configures the number of epochs and the learning rate schedule.
type ScheduleConfig struct {
	Epochs int `toml:"epochs"`

	// Mode is either "epoch" (schedule advanced at the start of every epoch) or "step" (every batch).
	Mode string `toml:"mode"`

	// Policy is one of "constant", "step" or "cosine".
	Policy   string  `toml:"policy"`
	Gamma    float64 `toml:"gamma"`
	StepSize int     `toml:"step_size"`
	Period   int     `toml:"period"`
	MinLR    float64 `toml:"min_lr"`
	WarmUp   int     `toml:"warm_up"`
}

// InputConfig describes the synthetic dataset.
type InputConfig struct {
	NumFeatures int     `toml:"num_features"`
	TrainSize   int     `toml:"train_size"`
	ValSize     int     `toml:"val_size"`
	Spread      float64 `toml:"spread"`
	Seed        int64   `toml:"seed"`
}

// MetricsConfig selects the reported metrics.
type MetricsConfig struct {
	TopK []int `toml:"top_k"`
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	tree, err := LoadTree(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromTree(tree)
	if err != nil {
		return nil, errors.WithMessagef(err, "config file %q", path)
	}
	return cfg, nil
}

// LoadTree reads and parses the configuration file, without interpreting it. Use it to apply overrides
// to the raw settings before calling FromTree.
func LoadTree(path string) (*toml.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file %q", path)
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "error parsing config file %q: %v", path, err)
	}
	return tree, nil
}

// Parse the TOML contents of a configuration file, fill in the defaults and validate it.
func Parse(contents string) (*Config, error) {
	tree, err := toml.Load(contents)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "error parsing config: %v", err)
	}
	return FromTree(tree)
}

// FromTree converts parsed settings to a Config, fills in the defaults and validates it.
func FromTree(tree *toml.Tree) (*Config, error) {
	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "error unmarshaling config: %v", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultsTree returns every known setting with its default value. Settings without a default
// (e.g. "network.num_classes") are zero.
func DefaultsTree() (*toml.Tree, error) {
	var cfg Config
	cfg.setDefaults()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal default configuration")
	}
	return toml.LoadBytes(data)
}

func (c *Config) setDefaults() {
	n := &c.Network
	if n.Arch == "" {
		n.Arch = softmax.Arch
	}
	if n.NumHidden == 0 {
		n.NumHidden = 32
	}
	if n.WeightInit == "" {
		n.WeightInit = string(initializer.XavierUniform)
	}
	if n.WeightGainMultiplier == 0 {
		n.WeightGainMultiplier = 1
	}
	if n.Activation == "" {
		n.Activation = "relu"
	}
	if n.LeakyReLUSlope == 0 {
		n.LeakyReLUSlope = 0.01
	}
	s := &c.Optimizer.Schedule
	if s.Mode == "" {
		s.Mode = ScheduleByEpoch
	}
	if s.Policy == "" {
		s.Policy = string(optimizers.ConstantSchedule)
	}
	if c.Input.Spread == 0 {
		c.Input.Spread = 1
	}
	if len(c.Metrics.TopK) == 0 {
		c.Metrics.TopK = slices.Clone(DefaultTopK)
	}
}

// Validate the configuration. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	n := c.Network
	if n.Arch != softmax.Arch {
		return errors.Wrapf(ErrInvalidConfig, "network.arch %q unknown, only %q is available", n.Arch, softmax.Arch)
	}
	if n.NumClasses < 2 || n.NumHidden < 1 {
		return errors.Wrapf(ErrInvalidConfig, "network requires num_classes >= 2 and num_hidden >= 1, got %d and %d",
			n.NumClasses, n.NumHidden)
	}
	if err := c.InitializerConfig().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "network: %v", err)
	}
	if c.Optimizer.BatchSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "optimizer.batch_size must be >= 1, got %d", c.Optimizer.BatchSize)
	}
	if c.Optimizer.Clip < 0 {
		return errors.Wrapf(ErrInvalidConfig, "optimizer.clip must be >= 0, got %g", c.Optimizer.Clip)
	}
	s := c.Optimizer.Schedule
	if s.Epochs < 1 {
		return errors.Wrapf(ErrInvalidConfig, "optimizer.schedule.epochs must be >= 1, got %d", s.Epochs)
	}
	if s.Mode != ScheduleByEpoch && s.Mode != ScheduleByStep {
		return errors.Wrapf(ErrInvalidConfig, "optimizer.schedule.mode must be %q or %q, got %q",
			ScheduleByEpoch, ScheduleByStep, s.Mode)
	}
	if err := c.SGDConfig().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "optimizer: %v", err)
	}
	in := c.Input
	if in.NumFeatures < 1 || in.TrainSize < 1 || in.ValSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "input requires num_features >= 1, train_size >= 1 and val_size >= 0, got %d, %d and %d",
			in.NumFeatures, in.TrainSize, in.ValSize)
	}
	if err := metrics.ValidateTopK(c.Metrics.TopK, n.NumClasses); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "metrics.top_k: %v", err)
	}
	return nil
}

// WorkerBatchSize is the batch size of each of worldSize workers.
func (c *Config) WorkerBatchSize(worldSize int) int {
	return max(1, c.Optimizer.BatchSize/max(worldSize, 1))
}

// StepSchedule returns whether the learning rate schedule is advanced every batch, as opposed to every epoch.
func (c *Config) StepSchedule() bool {
	return c.Optimizer.Schedule.Mode == ScheduleByStep
}

// SGDConfig converts the optimizer section.
func (c *Config) SGDConfig() optimizers.SGDConfig {
	o := c.Optimizer
	return optimizers.SGDConfig{
		LearningRate: o.LearningRate,
		Momentum:     o.Momentum,
		WeightDecay:  o.WeightDecay,
		Nesterov:     o.Nesterov,
		Schedule: optimizers.Schedule{
			Policy:          optimizers.SchedulePolicy(o.Schedule.Policy),
			Gamma:           o.Schedule.Gamma,
			StepSize:        o.Schedule.StepSize,
			Period:          o.Schedule.Period,
			MinLearningRate: o.Schedule.MinLR,
			WarmUp:          o.Schedule.WarmUp,
		},
	}
}

// InitializerConfig converts the weights initialization settings of the network section.
func (c *Config) InitializerConfig() initializer.Config {
	return initializer.Config{
		Policy:         initializer.Policy(c.Network.WeightInit),
		Activation:     c.Network.Activation,
		LeakyReLUSlope: c.Network.LeakyReLUSlope,
		GainMultiplier: c.Network.WeightGainMultiplier,
	}
}

// ModelConfig converts the network section.
func (c *Config) ModelConfig() softmax.Config {
	return softmax.Config{
		NumFeatures:    c.Input.NumFeatures,
		NumHidden:      c.Network.NumHidden,
		NumClasses:     c.Network.NumClasses,
		Activation:     c.Network.Activation,
		LeakyReLUSlope: c.Network.LeakyReLUSlope,
	}
}

// Env is the launch environment of a worker, following the "env://" convention of launchers.
type Env struct {
	// WorldSize is the number of workers. If not set, the run is not distributed.
	WorldSize int `env:"WORLD_SIZE"         envDefault:"1"`
	Rank      int `env:"RANK"               envDefault:"0"`
	LocalRank int `env:"LOCAL_RANK"         envDefault:"0"`

	// MasterAddr and MasterPort is the address of the coordinator (rank 0).
	MasterAddr string `env:"MASTER_ADDR"        envDefault:"127.0.0.1"`
	MasterPort int    `env:"MASTER_PORT"        envDefault:"29500"`

	// CollectiveTimeout bounds the wait of each collective, 0 waits forever.
	CollectiveTimeout time.Duration `env:"COLLECTIVE_TIMEOUT" envDefault:"5m"`
}

// LoadEnv parses the launch environment. Use env.Options{} to read the process environment.
func LoadEnv(opts env.Options) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, errors.Wrapf(ErrInvalidConfig, "launch environment: %v", err)
	}
	if _, err := e.Worker(); err != nil {
		return Env{}, err
	}
	if e.MasterPort < 0 || e.MasterPort > 65535 {
		return Env{}, errors.Wrapf(ErrInvalidConfig, "MASTER_PORT %d out of range", e.MasterPort)
	}
	if e.CollectiveTimeout < 0 {
		return Env{}, errors.Wrapf(ErrInvalidConfig, "COLLECTIVE_TIMEOUT must be >= 0, got %s", e.CollectiveTimeout)
	}
	return e, nil
}

// Distributed returns whether there is more than one worker.
func (e Env) Distributed() bool {
	return e.WorldSize > 1
}

// Worker returns the identity of this worker.
func (e Env) Worker() (distributed.Worker, error) {
	w, err := distributed.NewWorker(e.Rank, e.WorldSize)
	if err != nil {
		return w, errors.Wrapf(ErrInvalidConfig, "WORLD_SIZE/RANK: %v", err)
	}
	return w, nil
}

// MasterAddress returns the "host:port" of the coordinator.
func (e Env) MasterAddress() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}
