package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/disttrain/pkg/config"
	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/core/distributed/grpchub"
	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/datasets"
	"github.com/gomlx/disttrain/pkg/ml/models/softmax"
	"github.com/gomlx/disttrain/pkg/ml/train"
	"github.com/gomlx/disttrain/pkg/ml/train/optimizers"
	"github.com/gomlx/disttrain/pkg/ml/train/summary"
	"github.com/gomlx/disttrain/ui/commandline"
)

// trainOptions holds the flags of the train command.
type trainOptions struct {
	workers       int
	printFreq     int
	resume        string
	evaluate      bool
	localRank     int
	distBackend   string
	logDir        string
	logHist       bool
	checkpointDir string
	keep          int
	localWorld    int
	metricsAddr   string
	progress      bool
	settings      string
	verbosity     int

	// stdout receives the coordinator's final report.
	stdout io.Writer
}

const (
	distBackendGRPC  = "grpc"
	distBackendLocal = "local"
)

func newTrainCmd() *cobra.Command {
	opts := &trainOptions{stdout: os.Stdout}
	defaults := must.M1(config.DefaultsTree())
	cmd := &cobra.Command{
		Use:   "train [flags] CONFIG_FILE",
		Short: "Train (or, with --evaluate, only evaluate) the model described in CONFIG_FILE",
		Long: `Train the model described in the TOML CONFIG_FILE on this worker.

The worker identity comes from the launcher environment (WORLD_SIZE, RANK, LOCAL_RANK, MASTER_ADDR,
MASTER_PORT and COLLECTIVE_TIMEOUT). Rank 0 serves the collectives on MASTER_PORT, logs the metrics and
saves the checkpoints.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.verbosity = klogVerbosity(cmd)
			return runTrain(cmd.Context(), opts, args[0])
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&opts.workers, "workers", "j", 4, "Number of data loading goroutines per worker.")
	flags.IntVarP(&opts.printFreq, "print-freq", "p", 10, "Log the training metrics every this many steps.")
	flags.StringVar(&opts.resume, "resume", "", "Path to a checkpoint to resume from (a directory resumes from its latest checkpoint).")
	flags.BoolVarP(&opts.evaluate, "evaluate", "e", false, "Only evaluate the model on the validation set.")
	flags.IntVar(&opts.localRank, "local-rank", -1, "Local rank of the worker, overrides LOCAL_RANK.")
	flags.StringVar(&opts.distBackend, "dist-backend", distBackendGRPC,
		fmt.Sprintf("Collectives backend: %q connects to the coordinator at MASTER_ADDR:MASTER_PORT, %q runs all workers in this process.",
			distBackendGRPC, distBackendLocal))
	flags.StringVar(&opts.logDir, "log-dir", "~/disttrain/logs", "Directory for the worker logs and the metrics points.")
	flags.BoolVar(&opts.logHist, "log-hist", false, "Log histograms of the weights and gradients of the fully connected layers.")
	flags.StringVar(&opts.checkpointDir, "checkpoint-dir", "~/disttrain/checkpoints", "Directory where the coordinator saves checkpoints.")
	flags.IntVar(&opts.keep, "keep", 5, "Number of epoch checkpoints to keep, the best one is always kept. -1 keeps all.")
	flags.IntVar(&opts.localWorld, "local-world", 0, "If > 0, run this many workers in this process, ignoring the launcher environment.")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "If set, the coordinator serves Prometheus metrics on this address (e.g. \":9090\").")
	flags.BoolVar(&opts.progress, "progress", false, "Display a progress bar with the training metrics on the coordinator.")
	flags.StringVar(&opts.settings, "set", "", commandline.SettingsUsage(defaults))
	return cmd
}

// klogVerbosity returns the value of klog's "-v" flag.
func klogVerbosity(cmd *cobra.Command) int {
	f := cmd.Flags().Lookup("v")
	if f == nil {
		return 0
	}
	v, err := strconv.Atoi(f.Value.String())
	if err != nil {
		return 0
	}
	return v
}

// loadConfig reads the configuration file and applies the --set overrides.
func loadConfig(configPath, settings string) (*config.Config, error) {
	tree, err := config.LoadTree(configPath)
	if err != nil {
		return nil, err
	}
	defaults, err := config.DefaultsTree()
	if err != nil {
		return nil, err
	}
	keysSet, err := commandline.ParseSettings(tree, defaults, settings)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	if len(keysSet) > 0 {
		klog.Infof("Configuration overrides:\n%s", commandline.SprintModifiedSettings(tree, keysSet))
	}
	return config.FromTree(tree)
}

func runTrain(ctx context.Context, opts *trainOptions, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath, opts.settings)
	if err != nil {
		return err
	}
	if opts.distBackend != distBackendGRPC && opts.distBackend != distBackendLocal {
		return errors.Wrapf(config.ErrInvalidConfig, "unknown --dist-backend %q, valid values are %q and %q",
			opts.distBackend, distBackendGRPC, distBackendLocal)
	}
	launch, err := config.LoadEnv(env.Options{})
	if err != nil {
		return err
	}
	if opts.localRank >= 0 {
		launch.LocalRank = opts.localRank
	}
	if opts.localWorld > 0 || opts.distBackend == distBackendLocal {
		worldSize := opts.localWorld
		if worldSize <= 0 {
			worldSize = launch.WorldSize
		}
		return runLocalWorld(ctx, opts, cfg, worldSize, launch.CollectiveTimeout)
	}
	return runDistributed(ctx, opts, cfg, launch)
}

// runLocalWorld runs worldSize workers in this process, connected to an in-process hub.
func runLocalWorld(ctx context.Context, opts *trainOptions, cfg *config.Config, worldSize int, timeout time.Duration) error {
	hub, backends, err := distributed.NewLocalWorld(worldSize, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = hub.Close() }()
	klog.Infof("Running %d workers in this process", worldSize)

	// The first failing worker cancels the collectives of the others.
	g, ctx := errgroup.WithContext(ctx)
	for _, backend := range backends {
		g.Go(func() error {
			defer func() { _ = backend.Close() }()
			return runWorker(ctx, opts, cfg, backend)
		})
	}
	return g.Wait()
}

// runDistributed runs the single worker of this process. The coordinator serves the hub over gRPC
// and joins it in-process, the other ranks dial it.
func runDistributed(ctx context.Context, opts *trainOptions, cfg *config.Config, launch config.Env) error {
	worker, err := launch.Worker()
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s: local rank %d, coordinator at %s", worker, launch.LocalRank, launch.MasterAddress())

	var backend *distributed.Backend
	if worker.IsCoordinator() {
		hub := distributed.NewHub()
		server, err := grpchub.NewServer(hub, net.JoinHostPort("", strconv.Itoa(launch.MasterPort)))
		if err != nil {
			return err
		}
		defer server.Stop()
		go func() {
			if err := server.Serve(); err != nil {
				klog.Errorf("collectives server on %s failed: %+v", server.Addr(), err)
			}
		}()
		backend = hub.Connect(worker)
	} else {
		client, err := grpchub.Dial(launch.MasterAddress())
		if err != nil {
			return err
		}
		backend = distributed.NewBackend(worker, client)
	}
	backend = backend.WithTimeout(launch.CollectiveTimeout)
	defer func() { _ = backend.Close() }()
	return runWorker(ctx, opts, cfg, backend)
}

// buildDatasets generates the synthetic data, identical on every worker, and returns the shards of
// this worker with parallel loaders.
func buildDatasets(cfg *config.Config, worker distributed.Worker, numLoaders int) (trainDS, valDS *datasets.ParallelDataset, err error) {
	seed := uint64(cfg.Input.Seed)
	features, labels, err := datasets.Blobs(datasets.BlobsConfig{
		NumExamples: cfg.Input.TrainSize + cfg.Input.ValSize,
		NumFeatures: cfg.Input.NumFeatures,
		NumClasses:  cfg.Network.NumClasses,
		Spread:      cfg.Input.Spread,
		Seed:        seed,
	})
	if err != nil {
		return nil, nil, err
	}
	trainShard, valShard, err := datasets.Shards(datasets.ShardsConfig{
		Rank:          worker.Rank,
		WorldSize:     worker.WorldSize,
		BatchSize:     cfg.WorkerBatchSize(worker.WorldSize),
		Shuffle:       true,
		Seed:          seed + 1,
		TrainFeatures: features[:cfg.Input.TrainSize],
		TrainLabels:   labels[:cfg.Input.TrainSize],
		ValFeatures:   features[cfg.Input.TrainSize:],
		ValLabels:     labels[cfg.Input.TrainSize:],
	})
	if err != nil {
		return nil, nil, err
	}
	return datasets.Parallel(trainShard, numLoaders, 0), datasets.Parallel(valShard, numLoaders, 0), nil
}

// newCoordinatorSummary creates the metrics sinks of the coordinator.
func newCoordinatorSummary(opts *trainOptions, runID string) (summary.Writer, error) {
	points, err := summary.NewPointsWriter(opts.logDir)
	if err != nil {
		return nil, err
	}
	if opts.metricsAddr == "" {
		return points, nil
	}
	prom := summary.NewPrometheus(runID)
	addr, err := prom.Serve(opts.metricsAddr)
	if err != nil {
		_ = points.Close()
		return nil, err
	}
	klog.Infof("Serving metrics on http://%s/metrics", addr)
	return summary.Multi(points, prom), nil
}

// runWorker trains and evaluates on one worker.
func runWorker(ctx context.Context, opts *trainOptions, cfg *config.Config, backend *distributed.Backend) error {
	worker := backend.Worker()
	logger, logFile, err := train.NewWorkerLogger(opts.logDir, worker, opts.verbosity, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	trainDS, valDS, err := buildDatasets(cfg, worker, opts.workers)
	if err != nil {
		return err
	}
	defer trainDS.Done()
	defer valDS.Done()

	logger.Info("=> creating model", "arch", cfg.Network.Arch, "num_hidden", cfg.Network.NumHidden,
		"num_classes", cfg.Network.NumClasses)
	m := softmax.New(cfg.ModelConfig())
	opt, err := optimizers.NewSGD(m.Variables(), cfg.SGDConfig())
	if err != nil {
		return err
	}

	run := train.NewRunContext(backend).WithTopK(cfg.Metrics.TopK)
	run.Logger = logger
	run.PrintFreq = opts.printFreq
	run.LogHistograms = opts.logHist
	run.StepSchedule = cfg.StepSchedule()
	run.Clip = cfg.Optimizer.Clip

	var handler *checkpoints.Handler
	if run.IsCoordinator() {
		sink, err := newCoordinatorSummary(opts, run.RunID)
		if err != nil {
			return err
		}
		run.WithSummary(sink)
		handler, err = checkpoints.Build(opts.checkpointDir).Keep(opts.keep).Done()
		if err != nil {
			return err
		}
	}
	defer func() {
		if err := run.Summary.Close(); err != nil {
			logger.Error(err, "failed to close the metrics summary")
		}
	}()

	loop := train.NewLoop(run, m, opt)
	if opts.progress {
		commandline.AttachProgressBar(loop)
	}
	valPlan, err := distributed.NewShardPlan(cfg.Input.ValSize, worker.WorldSize, cfg.WorkerBatchSize(worker.WorldSize))
	if err != nil {
		return err
	}
	logger.V(1).Info("validation plan", "plan", valPlan.String())

	runner := train.NewRunner(loop, trainDS, valDS, handler, train.RunnerConfig{
		Epochs:       cfg.Optimizer.Schedule.Epochs,
		ResumePath:   opts.resume,
		EvaluateOnly: opts.evaluate,
		Initializer:  cfg.InitializerConfig(),
		Seed:         uint64(cfg.Input.Seed),
		ValPlan:      valPlan,
	})
	if err := runner.Run(ctx); err != nil {
		return errors.WithMessagef(err, "%s", worker)
	}
	if run.IsCoordinator() {
		return commandline.ReportEval(opts.stdout, valDS.Name(), runner.LastResult, cfg.Metrics.TopK)
	}
	return nil
}
