package train

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2/textlogger"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/train/summary"
	"github.com/gomlx/disttrain/pkg/support/fsutil"
)

// RunContext holds everything a worker's training run shares across its components, in place of
// process-wide globals: the worker identity, its collectives, its logger and the metrics sink.
//
// Fields are set up once, before the Loop is created, and not changed afterward.
type RunContext struct {
	Worker     distributed.Worker
	Backend    *distributed.Backend
	Aggregator *distributed.Aggregator

	// Logger is the worker's logger. Only the coordinator's logger also writes to the shared output.
	Logger logr.Logger

	// Summary is the metrics sink. It is summary.Nop on every worker but the coordinator.
	Summary summary.Writer

	// RunID identifies the run in checkpoints and exported metrics.
	RunID string

	// TopK are the top-k accuracies measured. The first one is the evaluation score.
	TopK []int

	// PrintFreq is the number of steps between log lines.
	PrintFreq int

	// LogHistograms of the "fc" and "bn_out" parameters every HistogramFreq steps.
	LogHistograms bool
	HistogramFreq int

	// StepSchedule advances the learning rate schedule every step, instead of every epoch.
	StepSchedule bool

	// Clip is the maximum gradient norm, 0 disables clipping.
	Clip float64
}

// NewRunContext creates a RunContext for the worker connected by backend, with a discarding logger,
// no metrics sink and top-1 and top-5 accuracies.
func NewRunContext(backend *distributed.Backend) *RunContext {
	return &RunContext{
		Worker:        backend.Worker(),
		Backend:       backend,
		Aggregator:    distributed.NewAggregator(backend),
		Logger:        logr.Discard(),
		Summary:       summary.Nop{},
		RunID:         uuid.NewString(),
		TopK:          []int{1, 5},
		PrintFreq:     10,
		HistogramFreq: 10,
	}
}

// IsCoordinator returns whether this worker owns the shared log and the metrics sink.
func (rc *RunContext) IsCoordinator() bool {
	return rc.Worker.IsCoordinator()
}

// WithSummary sets the metrics sink. Only the coordinator writes metrics: on the other workers
// writer is closed and replaced by summary.Nop.
func (rc *RunContext) WithSummary(writer summary.Writer) *RunContext {
	if writer == nil {
		writer = summary.Nop{}
	}
	if !rc.IsCoordinator() {
		_ = writer.Close()
		writer = summary.Nop{}
	}
	rc.Summary = writer
	return rc
}

// WithTopK sets the top-k accuracies measured.
func (rc *RunContext) WithTopK(ks []int) *RunContext {
	rc.TopK = slices.Clone(ks)
	return rc
}

// WorkerLogFileName returns the name of the private log file of the worker with the given rank.
func WorkerLogFileName(rank int) string {
	return "training_" + strconv.Itoa(rank) + ".log"
}

// NewWorkerLogger creates the logger of the worker: it appends to the worker's private file
// WorkerLogFileName(rank) in logDir, and, for the coordinator only, also writes to shared (typically os.Stderr).
//
// The returned io.Closer closes the private file.
func NewWorkerLogger(logDir string, worker distributed.Worker, verbosity int, shared io.Writer) (logr.Logger, io.Closer, error) {
	dir, err := fsutil.EnsureDir(logDir)
	if err != nil {
		return logr.Discard(), nil, err
	}
	path := filepath.Join(dir, WorkerLogFileName(worker.Rank))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return logr.Discard(), nil, errors.Wrapf(err, "failed to open log file %q", path)
	}
	var output io.Writer = f
	if worker.IsCoordinator() && shared != nil {
		output = io.MultiWriter(f, shared)
	}
	config := textlogger.NewConfig(textlogger.Verbosity(verbosity), textlogger.Output(output))
	logger := textlogger.NewLogger(config).WithValues("rank", worker.Rank)
	return logger, f, nil
}
