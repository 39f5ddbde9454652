package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/lumen/internal/checkpoint"
	"github.com/samcharles93/lumen/internal/datamanager"
	"github.com/samcharles93/lumen/internal/machine"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/scene"
	"github.com/samcharles93/lumen/internal/telemetry"
	"github.com/samcharles93/lumen/internal/toy"
)

func dataConfig() datamanager.Config {
	cfg := datamanager.DefaultConfig()
	cfg.TrainRaysPerBatch = 32
	cfg.EvalRaysPerBatch = 16
	cfg.Scene.NumTrain = 3
	cfg.Scene.NumEval = 2
	cfg.Scene.Width = 6
	cfg.Scene.Height = 4
	cfg.Scene.Focal = 5
	cfg.SurfaceRays = 64
	return cfg
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Timestamp = "test"
	cfg.MaxNumIterations = 5
	cfg.StepsPerSave = 2
	cfg.Logging.StepsPerLog = 1
	cfg.Eval = EvalConfig{}
	cfg.Surface.StepsPerCheck = 0
	return cfg
}

func newVanilla(t *testing.T) *datamanager.Vanilla {
	t.Helper()
	dm, err := datamanager.NewVanilla(dataConfig())
	if err != nil {
		t.Fatalf("data manager: %v", err)
	}
	return dm
}

func newTrainer(t *testing.T, cfg Config, dm pipeline.DataManager, model pipeline.Model, deps Deps) *Trainer {
	t.Helper()
	p, err := pipeline.New(context.Background(), dm, model, nil, nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	deps.Pipeline = p
	tr, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	if err := tr.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return tr
}

type recordSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordSink) Write(events []telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordSink) Close() error { return nil }

func (s *recordSink) steps(name string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e.Step)
		}
	}
	return out
}

func TestStepCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		step, n   int
		runAtZero bool
		want      bool
	}{
		{0, 10, false, false},
		{0, 10, true, true},
		{10, 10, false, true},
		{15, 10, true, false},
		{10, 0, true, false},
		{0, 0, true, false},
	}
	for _, tt := range tests {
		if got := stepCheck(tt.step, tt.n, tt.runAtZero); got != tt.want {
			t.Fatalf("stepCheck(%d, %d, %v): got %v, want %v", tt.step, tt.n, tt.runAtZero, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"accumulation", func(c *Config) { c.GradientAccumulationSteps = 0 }, ErrInvalidConfig},
		{"device", func(c *Config) { c.Machine.DeviceType = "gpu" }, machine.ErrUnknownDevice},
		{"format", func(c *Config) { c.CheckpointFormat = "xml" }, checkpoint.ErrUnknownFormat},
		{"load step", func(c *Config) { step := 3; c.LoadStep = &step }, ErrInvalidConfig},
		{"devices", func(c *Config) { c.Machine.NumDevices = 0 }, ErrInvalidConfig},
		{"model dir is run dir", func(c *Config) { c.RelativeModelDir = "./" }, ErrInvalidConfig},
		{"model dir escapes", func(c *Config) { c.RelativeModelDir = "../elsewhere" }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestMixedPrecisionDisabledOnCPU(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MixedPrecision = true
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	if tr.MixedPrecision() {
		t.Fatalf("mixed precision enabled on cpu")
	}
	if !tr.GradScaler().Enabled() {
		t.Fatalf("grad scaler should follow the requested mixed precision")
	}
}

func TestTrainIterationRejectsBadAccumulation(t *testing.T) {
	t.Parallel()
	tr := newTrainer(t, testConfig(t), newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	tr.cfg.GradientAccumulationSteps = 0
	if _, _, _, err := tr.TrainIteration(0); !errors.Is(err, ErrInvalidAccumulation) {
		t.Fatalf("got %v, want ErrInvalidAccumulation", err)
	}
}

// fixedTrain serves the same training batch at every step.
type fixedTrain struct {
	*datamanager.Vanilla
	rays  scene.RayBundle
	batch scene.Batch
}

func (f fixedTrain) NextTrain(int) (scene.RayBundle, scene.Batch, error) { return f.rays, f.batch, nil }

func TestAccumulationMatchesSingleStep(t *testing.T) {
	t.Parallel()
	dm := newVanilla(t)
	rays, batch, err := dm.NextTrain(0)
	if err != nil {
		t.Fatalf("next train: %v", err)
	}

	run := func(k int) (float64, []float64) {
		cfg := testConfig(t)
		cfg.GradientAccumulationSteps = k
		model := toy.New(toy.DefaultConfig())
		tr := newTrainer(t, cfg, fixedTrain{Vanilla: newVanilla(t), rays: rays, batch: batch}, model, Deps{})
		loss, _, _, err := tr.TrainIteration(1)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		var grads []float64
		for _, prm := range model.Parameters() {
			grads = append(grads, prm.Grad...)
		}
		return loss, grads
	}

	loss1, grads1 := run(1)
	loss4, grads4 := run(4)
	if math.Abs(loss1-loss4) > 1e-12*math.Max(1, loss1) {
		t.Fatalf("loss: got %v with 4 sub-steps, want %v", loss4, loss1)
	}
	for i := range grads1 {
		if math.Abs(grads1[i]-grads4[i]) > 1e-12*math.Max(1, math.Abs(grads1[i])) {
			t.Fatalf("grad %d: got %v with 4 sub-steps, want %v", i, grads4[i], grads1[i])
		}
	}
}

// overflowModel poisons every gradient, as a half precision overflow would.
type overflowModel struct{ *toy.Model }

func (m overflowModel) LossDict(out scene.Outputs, batch scene.Batch, metrics map[string]float64) map[string]param.Loss {
	losses := m.Model.LossDict(out, batch, metrics)
	losses["overflow"] = param.NewLoss(0, func(float64) {
		for _, prm := range m.Parameters() {
			prm.Grad[0] = math.Inf(1)
		}
	})
	return losses
}

func TestSchedulerSkippedOnOverflow(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.UseGradScaler = true

	clean := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	if _, _, _, err := clean.TrainIteration(1); err != nil {
		t.Fatalf("clean iteration: %v", err)
	}
	if got := clean.Optimizers().Scheduler("geometry").LastStep(); got != 1 {
		t.Fatalf("clean scheduler step: got %d, want 1", got)
	}

	model := toy.New(toy.DefaultConfig())
	before := param.Snapshot(model.Parameters())
	tr := newTrainer(t, cfg, newVanilla(t), overflowModel{model}, Deps{})
	scale := tr.GradScaler().GetScale()
	if _, _, _, err := tr.TrainIteration(1); err != nil {
		t.Fatalf("overflow iteration: %v", err)
	}
	if got := tr.GradScaler().GetScale(); got >= scale {
		t.Fatalf("scale: got %v, want below %v", got, scale)
	}
	if got := tr.Optimizers().Scheduler("geometry").LastStep(); got != 0 {
		t.Fatalf("scheduler stepped after overflow: last step %d", got)
	}
	if got := param.Snapshot(model.Parameters()); !reflect.DeepEqual(got, before) {
		t.Fatalf("parameters changed after overflow: got %v, want %v", got, before)
	}
}

func TestLogGradients(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.LogGradients = true
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	_, _, metrics, err := tr.TrainIteration(0)
	if err != nil {
		t.Fatalf("iteration: %v", err)
	}
	total := metrics["Gradients/field.color"] + metrics["Gradients/field.plane"]
	if got := metrics["Gradients/Total"]; got != total || got == 0 {
		t.Fatalf("Gradients/Total: got %v, want %v", got, total)
	}
}

func TestTrainWritesCheckpointsAndTransform(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	if tr.TrainingState() != StateCompleted {
		t.Fatalf("state: got %v, want completed", tr.TrainingState())
	}

	entries, err := os.ReadDir(cfg.CheckpointDir())
	if err != nil {
		t.Fatalf("read checkpoint dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != checkpoint.FileName(4) {
		t.Fatalf("checkpoint dir: got %v, want only %s", entries, checkpoint.FileName(4))
	}
	if _, err := os.Stat(filepath.Join(cfg.BaseDir(), "dataparser_transforms.json")); err != nil {
		t.Fatalf("dataparser transform: %v", err)
	}
}

func TestResumeWithoutIterationsKeepsState(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MaxNumIterations = 3
	first := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	if err := first.Train(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	saved, err := checkpoint.Load(filepath.Join(cfg.CheckpointDir(), checkpoint.FileName(2)))
	if err != nil {
		t.Fatalf("load first checkpoint: %v", err)
	}

	resumed := testConfig(t)
	resumed.MaxNumIterations = 0
	resumed.LoadDir = cfg.CheckpointDir()
	second := newTrainer(t, resumed, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	if got := second.StartStep(); got != 3 {
		t.Fatalf("start step: got %d, want 3", got)
	}
	if err := second.Train(context.Background()); err != nil {
		t.Fatalf("resumed train: %v", err)
	}
	again, err := checkpoint.Load(filepath.Join(resumed.CheckpointDir(), checkpoint.FileName(2)))
	if err != nil {
		t.Fatalf("load resumed checkpoint: %v", err)
	}

	if again.Step != saved.Step {
		t.Fatalf("step: got %d, want %d", again.Step, saved.Step)
	}
	if !reflect.DeepEqual(again.Pipeline, saved.Pipeline) {
		t.Fatalf("pipeline: got %v, want %v", again.Pipeline, saved.Pipeline)
	}
	if !reflect.DeepEqual(again.Optimizers, saved.Optimizers) {
		t.Fatalf("optimizers: got %+v, want %+v", again.Optimizers, saved.Optimizers)
	}
	if !reflect.DeepEqual(again.Schedulers, saved.Schedulers) {
		t.Fatalf("schedulers: got %+v, want %+v", again.Schedulers, saved.Schedulers)
	}
	if again.Scalers != saved.Scalers {
		t.Fatalf("scalers: got %+v, want %+v", again.Scalers, saved.Scalers)
	}
}

func TestMissingCheckpointIsFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.LoadDir = filepath.Join(t.TempDir(), "missing")
	p, err := pipeline.New(context.Background(), newVanilla(t), toy.New(toy.DefaultConfig()), nil, nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	tr, err := New(cfg, Deps{Pipeline: p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Setup(context.Background()); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRelaxedLoad(t *testing.T) {
	t.Parallel()
	src := newTrainer(t, testConfig(t), newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	path, err := src.SaveCheckpoint(7)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	c, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Pipeline["_model.field.extra"] = []float64{1}
	data, err := checkpoint.Encode(c, checkpoint.FormatJSON)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	extra := filepath.Join(t.TempDir(), "extra.ckpt")
	if err := os.WriteFile(extra, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	strict := testConfig(t)
	strict.LoadCheckpoint = extra
	p, _ := pipeline.New(context.Background(), newVanilla(t), toy.New(toy.DefaultConfig()), nil, nil)
	tr, err := New(strict, Deps{Pipeline: p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var mismatch *param.KeyMismatchError
	if err := tr.Setup(context.Background()); !errors.As(err, &mismatch) {
		t.Fatalf("strict load: got %v, want KeyMismatchError", err)
	}

	relaxed := testConfig(t)
	relaxed.LoadCheckpoint = extra
	relaxed.LoadStrict = false
	if got := newTrainer(t, relaxed, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{}).StartStep(); got != 8 {
		t.Fatalf("start step: got %d, want 8", got)
	}
}

func TestNoRateMetricBeforeStepTwo(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	tel := telemetry.New(telemetry.Config{}, sink)
	cfg := testConfig(t)
	cfg.MaxNumIterations = 4
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{Telemetry: tel})
	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	if got := sink.steps(telemetry.TrainRaysPerSec); !slices.Equal(got, []int{2, 3}) {
		t.Fatalf("rays/sec steps: got %v, want [2 3]", got)
	}
	if got := sink.steps(telemetry.TrainLoss); !slices.Equal(got, []int{0, 1, 2, 3}) {
		t.Fatalf("train loss steps: got %v, want [0 1 2 3]", got)
	}
	if got := sink.steps(telemetry.GPUMemory); len(got) != 4 {
		t.Fatalf("memory steps: got %v", got)
	}
}

func TestEvalIterationCadence(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	tel := telemetry.New(telemetry.Config{}, sink)
	cfg := testConfig(t)
	cfg.Eval = EvalConfig{StepsPerEvalBatch: 2, StepsPerEvalImage: 2, StepsPerEvalAllImages: 4}
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{Telemetry: tel})

	ctx := context.Background()
	for _, step := range []int{0, 1, 2, 4} {
		if err := tr.EvalIteration(ctx, step); err != nil {
			t.Fatalf("eval at %d: %v", step, err)
		}
	}
	if err := tel.WriteOutStorage(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := sink.steps(telemetry.EvalLoss); !slices.Equal(got, []int{2, 4}) {
		t.Fatalf("eval loss steps: got %v, want [2 4]", got)
	}
	if got := sink.steps(telemetry.TestRaysPerSec); !slices.Equal(got, []int{2, 4}) {
		t.Fatalf("test rays/sec steps: got %v, want [2 4]", got)
	}
	if got := sink.steps(telemetry.EvalImagesPrefix + "img"); !slices.Equal(got, []int{2, 4}) {
		t.Fatalf("eval image steps: got %v, want [2 4]", got)
	}
	if got := sink.steps(telemetry.EvalImagesMetricsAll); !slices.Equal(got, []int{4}) {
		t.Fatalf("all-images steps: got %v, want [4]", got)
	}
}

func TestPauseGatesIterations(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MaxNumIterations = 3
	model := toy.New(toy.DefaultConfig())
	initial := param.Snapshot(model.Parameters())
	tr := newTrainer(t, cfg, newVanilla(t), model, Deps{})
	tr.SetTrainingState(StatePaused)

	done := make(chan error, 1)
	go func() { done <- tr.Train(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	lock := tr.TrainLock()
	lock.Lock()
	paused := param.Snapshot(model.Parameters())
	lock.Unlock()
	if !reflect.DeepEqual(paused, initial) {
		t.Fatalf("parameters changed while paused")
	}

	tr.SetTrainingState(StateTraining)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("train: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("training did not resume")
	}
	if reflect.DeepEqual(param.Snapshot(model.Parameters()), initial) {
		t.Fatalf("parameters unchanged after training")
	}
	tr.SetTrainingState(StatePaused)
	if tr.TrainingState() != StateCompleted {
		t.Fatalf("completed state overwritten: %v", tr.TrainingState())
	}
}

func TestPauseObservesCancellation(t *testing.T) {
	t.Parallel()
	tr := newTrainer(t, testConfig(t), newVanilla(t), toy.New(toy.DefaultConfig()), Deps{})
	tr.SetTrainingState(StatePaused)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tr.Train(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

type fakeViewer struct {
	mu        sync.Mutex
	initState TrainingState
	updates   []int
	completed chan struct{}
}

func (v *fakeViewer) InitScene(_, _ *scene.Dataset, state TrainingState) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initState = state
	return nil
}

func (v *fakeViewer) UpdateScene(step, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates = append(v.updates, step)
	return errors.New("viewer offline")
}

func (v *fakeViewer) TrainingComplete() error {
	close(v.completed)
	return nil
}

func TestViewerKeepsProcessAlive(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MaxNumIterations = 2
	cfg.Viewer.QuitOnTrainCompletion = false
	v := &fakeViewer{completed: make(chan struct{}), initState: StatePaused}
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(toy.DefaultConfig()), Deps{Viewer: v})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Train(ctx) }()

	select {
	case <-v.completed:
	case <-time.After(5 * time.Second):
		t.Fatalf("viewer never told of completion")
	}
	select {
	case err := <-done:
		t.Fatalf("train returned before cancellation: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("train: %v", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initState != StateTraining {
		t.Fatalf("init state: got %v, want training", v.initState)
	}
	if !slices.Equal(v.updates, []int{0, 1}) {
		t.Fatalf("updates: got %v, want [0 1]", v.updates)
	}
}

func TestSurfaceDiagnostic(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	dcfg := dataConfig()
	mcfg := toy.DefaultConfig()
	mcfg.InitPlane = dcfg.Scene.Plane
	tr := newTrainer(t, cfg, newVanilla(t), toy.New(mcfg), Deps{})

	report, err := tr.SurfaceDiagnostic(5)
	if err != nil {
		t.Fatalf("diagnostic: %v", err)
	}
	want := dcfg.Scene.Plane
	got := [3]float64{report.Plane.A, report.Plane.B, report.Plane.D}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("plane: got %v, want %v", got, want)
		}
	}
	if len(report.Intersections) != 4 {
		t.Fatalf("intersections: got %d, want 4", len(report.Intersections))
	}
	wantHeight := want[0]*3 + want[1]*3 + want[2]
	if math.Abs(report.Height-wantHeight) > 1e-9 {
		t.Fatalf("height: got %v, want %v", report.Height, wantHeight)
	}
	if math.Abs(report.Delta-wantHeight) > 1e-9 {
		t.Fatalf("first delta: got %v, want %v", report.Delta, wantHeight)
	}
	if _, err := os.Stat(filepath.Join(cfg.BaseDir(), "plots", "step-000000005.json")); err != nil {
		t.Fatalf("report file: %v", err)
	}

	report, err = tr.SurfaceDiagnostic(6)
	if err != nil {
		t.Fatalf("second diagnostic: %v", err)
	}
	if math.Abs(report.Delta) > 1e-9 {
		t.Fatalf("second delta: got %v, want 0", report.Delta)
	}
}
