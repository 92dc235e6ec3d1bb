package train

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/core/distributed"
	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/initializer"
	"github.com/gomlx/disttrain/pkg/ml/model"
)

// Phase of a Runner.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseResume
	PhaseFreshInit
	PhaseTrainEpoch
	PhaseEvaluate
	PhaseCheckpoint
	PhaseDone
)

var phaseNames = []string{"Init", "Resume", "FreshInit", "TrainEpoch", "Evaluate", "Checkpoint", "Done"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Epochs is the total number of epochs: a resumed run trains the epochs left.
	Epochs int

	// ResumePath of a checkpoint (or of a directory of checkpoints) to resume from. Empty for a fresh start.
	ResumePath string

	// EvaluateOnly runs one evaluation, without training.
	EvaluateOnly bool

	// Initializer policy for a fresh start, used if the model implements Initializable.
	Initializer initializer.Config

	// Seed of the weights initialization.
	Seed uint64

	// ValPlan describes how the validation dataset is sharded.
	ValPlan distributed.ShardPlan
}

// Runner drives a worker through a training run:
//
//	Init → (Resume | FreshInit) → {TrainEpoch → Evaluate → Checkpoint}* → Done
//
// or, in evaluate-only mode, Init → (Resume | FreshInit) → Evaluate → Done.
//
// Every worker runs its own Runner, and they all go through the same phases in lock step.
// Only the coordinator saves checkpoints.
type Runner struct {
	Loop        *Loop
	Train, Val  Dataset
	Checkpoints *checkpoints.Handler

	config RunnerConfig

	// StartEpoch is the first epoch trained: 0 or the epoch of the resumed checkpoint.
	StartEpoch int

	// BestScore is the best evaluation score so far.
	BestScore float64

	// LastResult is the result of the last evaluation.
	LastResult EvalResult

	// Phases lists the phases the runner went through, in order.
	Phases []Phase
}

// NewRunner creates a Runner. handler can be nil, and it is ignored on workers other than the coordinator.
func NewRunner(loop *Loop, trainDS, valDS Dataset, handler *checkpoints.Handler, config RunnerConfig) *Runner {
	if !loop.Run.IsCoordinator() {
		handler = nil
	}
	return &Runner{
		Loop:        loop,
		Train:       trainDS,
		Val:         valDS,
		Checkpoints: handler,
		config:      config,
	}
}

func (r *Runner) enter(phase Phase) {
	r.Phases = append(r.Phases, phase)
	if r.Loop.Run.Logger.V(1).Enabled() {
		r.Loop.Run.Logger.V(1).Info("phase", "phase", phase.String(), "epoch", r.Loop.Epoch)
	}
}

// Run the whole state machine. Errors from collectives (distributed.ErrProtocol, distributed.ErrCollectiveTimeout)
// are fatal: the job should be restarted from the last checkpoint.
func (r *Runner) Run(ctx context.Context) error {
	log := r.Loop.Run.Logger
	r.enter(PhaseInit)
	if err := r.Loop.Run.Backend.World().Barrier(ctx); err != nil {
		return errors.WithMessage(err, "waiting for all workers to join")
	}

	resumed, err := r.resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		if err := r.freshInit(ctx); err != nil {
			return err
		}
	}

	if r.config.EvaluateOnly {
		r.enter(PhaseEvaluate)
		if r.LastResult, err = r.Loop.Evaluate(ctx, r.Val, r.config.ValPlan, -1); err != nil {
			return err
		}
		return r.done(ctx)
	}

	if err := r.Loop.Begin(ctx, r.Train, r.StartEpoch, r.config.Epochs); err != nil {
		return err
	}
	for epoch := r.StartEpoch; epoch < r.config.Epochs; epoch++ {
		r.enter(PhaseTrainEpoch)
		if err := r.Loop.TrainEpoch(ctx, r.Train, epoch); err != nil {
			return err
		}

		r.enter(PhaseEvaluate)
		r.LastResult, err = r.Loop.Evaluate(ctx, r.Val, r.config.ValPlan, epoch*r.Loop.StepsPerEpoch)
		if err != nil {
			return err
		}

		r.enter(PhaseCheckpoint)
		score := r.LastResult.Score()
		isBest := isNewBest(score, r.BestScore)
		r.BestScore = max(score, r.BestScore)
		if err := r.save(epoch+1, isBest); err != nil {
			return err
		}
		if isBest {
			log.Info(fmt.Sprintf("=> new best score %.3f at epoch %d", r.BestScore, epoch))
		}
	}
	if err := r.Loop.End(); err != nil {
		return err
	}
	return r.done(ctx)
}

func (r *Runner) done(ctx context.Context) error {
	r.enter(PhaseDone)
	if err := r.Loop.Run.Backend.World().Barrier(ctx); err != nil {
		return errors.WithMessage(err, "waiting for all workers to finish")
	}
	return nil
}

// resume loads the checkpoint at ResumePath. A missing or unreadable checkpoint is only a warning, and
// the run starts afresh. All workers must reach the same conclusion.
func (r *Runner) resume(ctx context.Context) (bool, error) {
	path := r.config.ResumePath
	if path == "" {
		return false, nil
	}
	r.enter(PhaseResume)
	log := r.Loop.Run.Logger
	log.Info(fmt.Sprintf("=> loading checkpoint '%s'", path))
	state, err := checkpoints.Load(path)
	if err != nil {
		log.Error(err, fmt.Sprintf("=> no checkpoint found at '%s'", path))
		state = nil
	}
	var found float64
	if state != nil {
		found = 1
	}
	if err := agree(ctx, r.Loop.Run.Backend, "whether the resume checkpoint exists", found); err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	if state.Arch != r.Loop.Model.Arch() {
		return false, errors.Errorf("checkpoint %q is for architecture %q, but the model is %q",
			path, state.Arch, r.Loop.Model.Arch())
	}
	if err := model.Restore(r.Loop.Model.Variables(), state.Model); err != nil {
		return false, errors.WithMessagef(err, "restoring model from %q", path)
	}
	if err := r.Loop.Optimizer.LoadState(state.Optimizer, state.Scalars); err != nil {
		return false, errors.WithMessagef(err, "restoring optimizer from %q", path)
	}
	if err := agree(ctx, r.Loop.Run.Backend, "the resumed epoch", float64(state.Epoch)); err != nil {
		return false, err
	}
	r.StartEpoch = state.Epoch
	r.BestScore = state.BestScore
	log.Info(fmt.Sprintf("=> loaded checkpoint '%s' (epoch %d)", path, state.Epoch))
	return true, nil
}

// freshInit initializes the weights on the coordinator and copies them to every worker.
func (r *Runner) freshInit(ctx context.Context) error {
	r.enter(PhaseFreshInit)
	r.StartEpoch = 0
	if initializable, ok := r.Loop.Model.(Initializable); ok && r.Loop.Run.IsCoordinator() {
		rng := rand.New(rand.NewPCG(r.config.Seed, r.config.Seed+1))
		if err := initializable.Initialize(r.config.Initializer, rng); err != nil {
			return errors.WithMessage(err, "initializing weights")
		}
	}
	return BroadcastVariables(ctx, r.Loop.Run.Backend, r.Loop.Model.Variables())
}

// isNewBest returns whether score strictly improves on best. A tie keeps the earlier best copy.
func isNewBest(score, best float64) bool {
	return score > best
}

// save writes a checkpoint on the coordinator.
func (r *Runner) save(nextEpoch int, isBest bool) error {
	if r.Checkpoints == nil {
		return nil
	}
	optVars, optScalars := r.Loop.Optimizer.State()
	state := &checkpoints.State{
		Epoch:     nextEpoch,
		Arch:      r.Loop.Model.Arch(),
		BestScore: r.BestScore,
		RunID:     r.Loop.Run.RunID,
		Model:     model.Snapshot(r.Loop.Model.Variables()),
		Optimizer: optVars,
		Scalars:   optScalars,
	}
	return r.Checkpoints.Save(state, isBest)
}
