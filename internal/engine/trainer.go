// Package engine drives training: it owns the optimizers, the gradient scaler
// and the callbacks, and runs the iteration loop over a pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/samcharles93/lumen/internal/amp"
	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/checkpoint"
	"github.com/samcharles93/lumen/internal/distributed"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/machine"
	"github.com/samcharles93/lumen/internal/optim"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/scene"
	"github.com/samcharles93/lumen/internal/telemetry"
)

var (
	ErrInvalidAccumulation = errors.New("engine: gradient_accumulation_steps must be at least 1")
	ErrNotSetUp            = errors.New("engine: trainer is not set up")
)

const (
	pausePollInterval = 10 * time.Millisecond
	viewerBackoff     = 30 * time.Millisecond
)

// TrainingState gates the loop.
type TrainingState int32

const (
	StateTraining TrainingState = iota
	StatePaused
	StateCompleted
)

func (s TrainingState) String() string {
	switch s {
	case StateTraining:
		return "training"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Viewer is the live view of a training run.
type Viewer interface {
	InitScene(train, eval *scene.Dataset, state TrainingState) error
	UpdateScene(step, raysPerBatch int) error
	TrainingComplete() error
}

// Deps are the collaborators a Trainer runs with. Only Pipeline is required.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Group     distributed.Group
	Telemetry *telemetry.Telemetry
	// Viewer is ignored on replicas other than rank 0.
	Viewer  Viewer
	Logger  logger.Logger
	Machine machine.Info
	// Progress receives the full-evaluation progress bar; nil disables it.
	Progress    io.Writer
	Interactive bool
}

// Trainer runs the training loop for one replica.
type Trainer struct {
	cfg    Config
	p      *pipeline.Pipeline
	group  distributed.Group
	tel    *telemetry.Telemetry
	viewer Viewer
	log    logger.Logger
	deps   Deps

	mixedPrecision bool
	scaler         *amp.GradScaler
	optimizers     *optim.Group
	callbacks      *callbacks.Registry
	ckpt           *checkpoint.Manager

	trainLock sync.Mutex
	state     atomic.Int32
	startStep int
	pausePoll time.Duration

	viewerWarn    *rate.Limiter
	surfaceHeight float64
}

// New validates cfg and builds a trainer. Call Setup before Train.
func New(cfg Config, deps Deps) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pipeline == nil {
		return nil, errors.New("engine: pipeline is required")
	}
	if deps.Group == nil {
		deps.Group = distributed.Local{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}

	t := &Trainer{
		cfg:        cfg,
		p:          deps.Pipeline,
		group:      deps.Group,
		tel:        deps.Telemetry,
		log:        deps.Logger,
		deps:       deps,
		pausePoll:  pausePollInterval,
		viewerWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	if t.isMain() {
		t.viewer = deps.Viewer
	}

	t.mixedPrecision = cfg.MixedPrecision
	switch {
	case !cfg.MixedPrecision:
	case cfg.Machine.DeviceType == machine.DeviceCPU:
		t.mixedPrecision = false
		t.log.Info("mixed precision is disabled for cpu training")
	case !deps.Machine.SupportsMixedPrecision(cfg.Machine.DeviceType):
		t.mixedPrecision = false
		t.log.Warn("host has no half precision support, mixed precision disabled", "cpu", deps.Machine.String())
	}

	scalerCfg := cfg.GradScaler
	scalerCfg.Enabled = cfg.MixedPrecision || cfg.UseGradScaler
	t.scaler = amp.NewGradScaler(scalerCfg)

	if t.isMain() {
		m, err := checkpoint.NewManager(checkpoint.Config{
			Dir:            cfg.CheckpointDir(),
			SaveOnlyLatest: cfg.SaveOnlyLatestCheckpoint,
			Format:         cfg.CheckpointFormat,
		}, t.log)
		if err != nil {
			return nil, err
		}
		t.ckpt = m
	}
	return t, nil
}

func (t *Trainer) isMain() bool { return distributed.IsMain(t.group) }

// Setup builds the optimizers, restores a checkpoint when one is configured
// and registers the training callbacks.
func (t *Trainer) Setup(ctx context.Context) error {
	groups, err := t.p.ParamGroups()
	if err != nil {
		return err
	}
	t.optimizers, err = optim.NewGroup(t.cfg.Optimizers, groups)
	if err != nil {
		return err
	}
	for _, name := range t.optimizers.Ignored {
		t.log.Warn("optimizer configured for a group with no parameters", "group", name)
	}

	if err := t.loadCheckpoint(); err != nil {
		return err
	}

	cbCtx := &callbacks.Context{Optimizers: t.optimizers, GradScaler: t.scaler}
	t.callbacks, err = callbacks.NewRegistry(cbCtx, t.p.TrainingCallbacks(cbCtx)...)
	if err != nil {
		return err
	}

	t.tel.PutConfig("config", t.cfg, t.startStep)
	t.tel.SetMaxIterations(t.startStep + t.cfg.MaxNumIterations)
	return ctx.Err()
}

func (t *Trainer) loadCheckpoint() error {
	path, err := checkpoint.Resolve(checkpoint.LoadSource{
		File: t.cfg.LoadCheckpoint,
		Dir:  t.cfg.LoadDir,
		Step: t.cfg.LoadStep,
	})
	if err != nil {
		return err
	}
	if path == "" {
		t.log.Info("no checkpoint to load, training from scratch")
		return nil
	}
	c, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := t.restore(c); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	t.log.Info("loaded checkpoint", "path", path, "step", c.Step)
	return nil
}

func (t *Trainer) restore(c *checkpoint.Checkpoint) error {
	if err := t.p.LoadPipeline(c.Pipeline, c.Step, true); err != nil {
		var mismatch *param.KeyMismatchError
		if !errors.As(err, &mismatch) || t.cfg.LoadStrict {
			return err
		}
		t.log.Warn("checkpoint keys do not match the model, loading what matches",
			"missing", mismatch.Missing, "unexpected", mismatch.Unexpected)
		if err := t.p.LoadPipeline(c.Pipeline, c.Step, false); err != nil {
			return err
		}
	}
	if err := t.optimizers.LoadOptimizers(c.Optimizers); err != nil {
		return err
	}
	if t.cfg.LoadScheduler {
		if err := t.optimizers.LoadSchedulers(c.Schedulers); err != nil {
			return err
		}
	}
	if err := t.scaler.LoadState(c.Scalers); err != nil {
		return err
	}
	t.startStep = c.Step + 1
	return nil
}

// StartStep is the first step Train will run.
func (t *Trainer) StartStep() int { return t.startStep }

func (t *Trainer) Optimizers() *optim.Group     { return t.optimizers }
func (t *Trainer) GradScaler() *amp.GradScaler  { return t.scaler }
func (t *Trainer) Pipeline() *pipeline.Pipeline { return t.p }

// MixedPrecision reports whether the forward pass runs in half precision.
func (t *Trainer) MixedPrecision() bool { return t.mixedPrecision }

// TrainLock is held for the whole of every training iteration. Readers of the
// model parameters outside the loop take it first.
func (t *Trainer) TrainLock() sync.Locker { return &t.trainLock }

func (t *Trainer) TrainingState() TrainingState { return TrainingState(t.state.Load()) }

// SetTrainingState switches between training and paused. A completed run
// stays completed.
func (t *Trainer) SetTrainingState(s TrainingState) {
	for {
		cur := t.state.Load()
		if TrainingState(cur) == StateCompleted {
			return
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// stepCheck reports whether an action with period n runs at step.
func stepCheck(step, n int, runAtZero bool) bool {
	if n <= 0 {
		return false
	}
	if step == 0 {
		return runAtZero
	}
	return step%n == 0
}

// Train runs MaxNumIterations iterations from StartStep.
func (t *Trainer) Train(ctx context.Context) error {
	if t.optimizers == nil {
		return ErrNotSetUp
	}
	if t.isMain() {
		if err := t.writeDataparserTransform(); err != nil {
			return err
		}
	}
	if t.viewer != nil {
		dm := t.p.DataManager()
		if err := t.viewer.InitScene(dm.TrainDataset(), dm.EvalDataset(), t.TrainingState()); err != nil {
			t.log.Warn("viewer failed to initialise the scene", "error", err)
		}
	}

	start := time.Now()
	last := max(0, t.startStep-1)
	raysPerBatch := t.p.DataManager().TrainRaysPerBatch()
	for step := t.startStep; step < t.startStep+t.cfg.MaxNumIterations; step++ {
		if err := t.waitWhilePaused(ctx); err != nil {
			return err
		}

		loss, lossDict, metrics, elapsed, err := t.runIteration(step)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		last = step

		if step > 1 {
			rays := float64(t.group.WorldSize() * raysPerBatch)
			t.tel.PutTime(telemetry.TrainRaysPerSec, rays/max(0.001, elapsed.Seconds()), step, true)
		}
		t.updateViewer(step, raysPerBatch)

		if stepCheck(step, t.cfg.Logging.StepsPerLog, true) {
			t.tel.PutScalar(telemetry.TrainLoss, loss, step)
			t.tel.PutDict(telemetry.TrainLossDict, lossDict, step)
			t.tel.PutDict(telemetry.TrainMetricsDict, metrics, step)
			t.tel.PutScalar(telemetry.GPUMemory, memoryMB(), step)
		}

		if err := t.evaluate(ctx, step); err != nil {
			return err
		}

		if stepCheck(step, t.cfg.StepsPerSave, false) {
			if _, err := t.SaveCheckpoint(step); err != nil {
				return err
			}
		}
		if err := t.tel.WriteOutStorage(); err != nil {
			t.log.Warn("telemetry flush failed", "step", step, "error", err)
		}
	}

	t.tel.PutTime(telemetry.TotalTrainTime, time.Since(start).Seconds(), last, false)
	if _, err := t.SaveCheckpoint(last); err != nil {
		return err
	}
	if err := t.tel.WriteOutStorage(); err != nil {
		t.log.Warn("telemetry flush failed", "step", last, "error", err)
	}
	if t.isMain() {
		t.log.Info("training finished",
			"config", filepath.Join(t.cfg.BaseDir(), "config.yml"),
			"checkpoints", t.cfg.CheckpointDir(),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
	t.callbacks.Run(last, callbacks.AfterTrain)
	t.state.Store(int32(StateCompleted))

	if t.viewer != nil && !t.cfg.Viewer.QuitOnTrainCompletion {
		if err := t.viewer.TrainingComplete(); err != nil {
			t.log.Warn("viewer failed to report completion", "error", err)
			time.Sleep(viewerBackoff)
		}
		t.log.Info("Use ctrl+c to quit")
		<-ctx.Done()
	}
	return nil
}

func (t *Trainer) waitWhilePaused(ctx context.Context) error {
	for t.TrainingState() == StatePaused {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pausePoll):
		}
	}
	return ctx.Err()
}

// evaluate runs the surface check and evaluations due at step. It holds the
// train lock because both switch the pipeline out of training mode.
func (t *Trainer) evaluate(ctx context.Context, step int) error {
	t.trainLock.Lock()
	defer t.trainLock.Unlock()

	if n := t.cfg.Surface.StepsPerCheck; n > 0 && step%n == 0 {
		if _, err := t.SurfaceDiagnostic(step); err != nil {
			t.log.Warn("surface diagnostic failed", "step", step, "error", err)
		}
	}
	if t.p.DataManager().EvalDataset().Len() > 0 {
		if err := t.EvalIteration(ctx, step); err != nil {
			return fmt.Errorf("eval at step %d: %w", step, err)
		}
	}
	return nil
}

func (t *Trainer) runIteration(step int) (float64, map[string]float64, map[string]float64, time.Duration, error) {
	t.trainLock.Lock()
	defer t.trainLock.Unlock()

	timer := t.tel.StartTimer(telemetry.IterTrainTime, step, true)
	t.p.Train()
	t.callbacks.Run(step, callbacks.BeforeTrainIteration)
	loss, lossDict, metrics, err := t.TrainIteration(step)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	t.callbacks.Run(step, callbacks.AfterTrainIteration)
	return loss, lossDict, metrics, timer.Stop(), nil
}

// TrainIteration accumulates gradients over GradientAccumulationSteps
// sub-steps and takes one optimizer step. It returns the mean sub-step loss
// and the last sub-step's loss and metric dictionaries.
func (t *Trainer) TrainIteration(step int) (float64, map[string]float64, map[string]float64, error) {
	if t.optimizers == nil {
		return 0, nil, nil, ErrNotSetUp
	}
	k := t.cfg.GradientAccumulationSteps
	if k <= 0 {
		return 0, nil, nil, fmt.Errorf("%w, got %d", ErrInvalidAccumulation, k)
	}

	t.optimizers.ZeroGradAll()
	t.p.Autocast(t.mixedPrecision)
	defer t.p.Autocast(false)

	var total float64
	var lossDict, metrics map[string]float64
	for range k {
		_, losses, m, err := t.p.TrainLossDict(step)
		if err != nil {
			return 0, nil, nil, err
		}
		loss := param.Sum(losses).Scale(1 / float64(k))
		t.scaler.Scale(loss).Backward()
		total += loss.Value
		lossDict, metrics = param.Values(losses), m
	}
	t.optimizers.OptimizerScalerStepAll(t.scaler)

	metrics = maps.Clone(metrics)
	if metrics == nil {
		metrics = map[string]float64{}
	}
	if t.cfg.LogGradients {
		var sum float64
		for _, prm := range t.p.Model().Parameters() {
			norm := prm.GradNorm()
			metrics["Gradients/"+prm.Name] = norm
			sum += norm
		}
		metrics["Gradients/Total"] = sum
	}

	// An overflow lowers the scale and skips the optimizer step, so the
	// schedulers hold as well.
	scale := t.scaler.GetScale()
	t.scaler.Update()
	if scale <= t.scaler.GetScale() {
		t.optimizers.SchedulerStepAll()
	}
	return total, lossDict, metrics, nil
}

// EvalIteration runs the evaluations due at step.
func (t *Trainer) EvalIteration(ctx context.Context, step int) error {
	runAtZero := t.cfg.Eval.RunAtZero

	if stepCheck(step, t.cfg.Eval.StepsPerEvalBatch, runAtZero) {
		_, losses, metrics, err := t.p.EvalLossDict(step)
		if err != nil {
			return err
		}
		t.tel.PutScalar(telemetry.EvalLoss, param.Sum(losses).Value, step)
		t.tel.PutDict(telemetry.EvalLossDict, param.Values(losses), step)
		t.tel.PutDict(telemetry.EvalMetricsDict, metrics, step)
	}

	if stepCheck(step, t.cfg.Eval.StepsPerEvalImage, runAtZero) {
		timer := t.tel.StartTimer(telemetry.TestRaysPerSec, step, false)
		metrics, images, err := t.p.EvalImageMetricsAndImages(step)
		if err != nil {
			return err
		}
		elapsed := timer.Stop()
		t.tel.PutTime(telemetry.TestRaysPerSec, metrics["num_rays"]/max(elapsed.Seconds(), 1e-9), step, true)
		t.tel.PutDict(telemetry.EvalImagesMetrics, metrics, step)
		for name, img := range images {
			t.tel.PutImage(telemetry.EvalImagesPrefix+name, img, step)
		}
	}

	if stepCheck(step, t.cfg.Eval.StepsPerEvalAllImages, runAtZero) {
		metrics, err := t.p.AverageEvalImageMetrics(ctx, step, pipeline.EvalOptions{
			Progress:    t.deps.Progress,
			Interactive: t.deps.Interactive,
		})
		if err != nil {
			return err
		}
		t.tel.PutDict(telemetry.EvalImagesMetricsAll, metrics, step)
	}
	return nil
}

// SaveCheckpoint writes the training state at step. Only the main replica
// writes; others return "" and no error.
func (t *Trainer) SaveCheckpoint(step int) (string, error) {
	if t.ckpt == nil {
		return "", nil
	}
	path, err := t.ckpt.Save(&checkpoint.Checkpoint{
		Step:       step,
		Pipeline:   t.p.StateDict(),
		Optimizers: t.optimizers.OptimizerStates(),
		Schedulers: t.optimizers.SchedulerStates(),
		Scalers:    t.scaler.State(),
	})
	if err != nil {
		return "", fmt.Errorf("save checkpoint at step %d: %w", step, err)
	}
	return path, nil
}

func (t *Trainer) updateViewer(step, raysPerBatch int) {
	if t.viewer == nil {
		return
	}
	if err := t.viewer.UpdateScene(step, raysPerBatch); err != nil {
		if t.viewerWarn.Allow() {
			t.log.Warn("viewer update failed, continuing training", "step", step, "error", err)
		}
		time.Sleep(viewerBackoff)
	}
}

func (t *Trainer) writeDataparserTransform() error {
	tf, ok := t.p.DataManager().DataparserTransform()
	if !ok {
		return nil
	}
	dir := t.cfg.BaseDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "dataparser_transforms.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// memoryMB is the Go heap and runtime footprint in megabytes.
func memoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1 << 20)
}
