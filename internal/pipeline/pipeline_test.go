package pipeline_test

import (
	"context"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/samcharles93/lumen/internal/datamanager"
	"github.com/samcharles93/lumen/internal/distributed"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/scene"
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
	return cfg
}

func newPipeline(t *testing.T) (*pipeline.Pipeline, *toy.Model) {
	t.Helper()
	dm, err := datamanager.NewVanilla(dataConfig())
	if err != nil {
		t.Fatalf("data manager: %v", err)
	}
	model := toy.New(toy.DefaultConfig())
	p, err := pipeline.New(context.Background(), dm, model, nil, nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return p, model
}

type emptyTrain struct{ *datamanager.Vanilla }

func (emptyTrain) TrainDataset() *scene.Dataset { return &scene.Dataset{} }

func TestNewRequiresTrainDataset(t *testing.T) {
	t.Parallel()
	dm, _ := datamanager.NewVanilla(dataConfig())
	_, err := pipeline.New(context.Background(), emptyTrain{dm}, toy.New(toy.DefaultConfig()), nil, nil)
	if !errors.Is(err, pipeline.ErrNoTrainDataset) {
		t.Fatalf("got %v, want ErrNoTrainDataset", err)
	}
}

func TestTrainLossDict(t *testing.T) {
	t.Parallel()
	p, model := newPipeline(t)
	out, losses, metrics, err := p.TrainLossDict(0)
	if err != nil {
		t.Fatalf("train loss dict: %v", err)
	}
	if out.VJP == nil {
		t.Fatalf("training outputs have no VJP")
	}
	if _, ok := losses["rgb_loss"]; !ok {
		t.Fatalf("missing rgb_loss in %v", param.Values(losses))
	}
	if _, ok := metrics["psnr"]; !ok {
		t.Fatalf("missing psnr in %v", metrics)
	}
	param.Sum(losses).Backward()
	var norm float64
	for _, prm := range model.Parameters() {
		norm += prm.GradNorm()
	}
	if norm == 0 {
		t.Fatalf("backward left every gradient at zero")
	}
}

func TestEvalLossDictRestoresTrainMode(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	out, _, _, err := p.EvalLossDict(0)
	if err != nil {
		t.Fatalf("eval loss dict: %v", err)
	}
	if out.VJP != nil {
		t.Fatalf("eval outputs carry a VJP")
	}
	out, _, _, _ = p.TrainLossDict(1)
	if out.VJP == nil {
		t.Fatalf("model left in eval mode after EvalLossDict")
	}
}

func TestEvalImageMetricsAndImages(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	metrics, images, err := p.EvalImageMetricsAndImages(0)
	if err != nil {
		t.Fatalf("eval image: %v", err)
	}
	cfg := dataConfig()
	if got := metrics["num_rays"]; got != float64(cfg.Scene.Width*cfg.Scene.Height) {
		t.Fatalf("num_rays: got %v, want %d", got, cfg.Scene.Width*cfg.Scene.Height)
	}
	if idx := metrics["image_idx"]; idx < 0 || idx >= float64(cfg.Scene.NumEval) {
		t.Fatalf("image_idx out of range: %v", idx)
	}
	if _, ok := images["img"]; !ok {
		t.Fatalf("missing img")
	}
}

type collidingModel struct{ *toy.Model }

func (m collidingModel) ImageMetricsAndImages(out scene.Outputs, batch scene.Batch) (map[string]float64, map[string]image.Image) {
	metrics, images := m.Model.ImageMetricsAndImages(out, batch)
	metrics["num_rays"] = 1
	return metrics, images
}

func TestEvalImageMetricKeyCollision(t *testing.T) {
	t.Parallel()
	dm, _ := datamanager.NewVanilla(dataConfig())
	p, err := pipeline.New(context.Background(), dm, collidingModel{toy.New(toy.DefaultConfig())}, nil, nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if _, _, err := p.EvalImageMetricsAndImages(0); !errors.Is(err, pipeline.ErrMetricKey) {
		t.Fatalf("got %v, want ErrMetricKey", err)
	}
}

func TestAverageEvalImageMetrics(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	dir := t.TempDir()
	var progress strings.Builder
	metrics, err := p.AverageEvalImageMetrics(context.Background(), 0, pipeline.EvalOptions{
		OutputDir: dir,
		WithStd:   true,
		Progress:  &progress,
	})
	if err != nil {
		t.Fatalf("average eval metrics: %v", err)
	}
	for _, key := range []string{"psnr", "psnr_std", "fps", "num_rays_per_sec", "num_rays_per_sec_std"} {
		if _, ok := metrics[key]; !ok {
			t.Fatalf("missing %s in %v", key, metrics)
		}
	}
	for _, name := range []string{"eval_00000_img.png", "eval_00000_depth.png", "eval00000.png", "eval00000_bbox.png", "eval00001.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(progress.String(), "2/2") {
		t.Fatalf("progress output %q does not report 2/2", progress.String())
	}
}

func TestAverageEvalImageMetricsNoImages(t *testing.T) {
	t.Parallel()
	cfg := dataConfig()
	cfg.Scene.NumEval = 0
	dm, _ := datamanager.NewVanilla(cfg)
	p, err := pipeline.New(context.Background(), dm, toy.New(toy.DefaultConfig()), nil, nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if _, err := p.AverageEvalImageMetrics(context.Background(), 0, pipeline.EvalOptions{}); !errors.Is(err, pipeline.ErrNoEvalImages) {
		t.Fatalf("got %v, want ErrNoEvalImages", err)
	}
}

func TestLoadPipelineStripsPrefixes(t *testing.T) {
	t.Parallel()
	src, srcModel := newPipeline(t)
	srcModel.Parameters()[0].Data[1] = 2.5
	state := src.StateDict()
	if _, ok := state["_model.field.color"]; !ok {
		t.Fatalf("state keys lack the model prefix: %v", state)
	}

	dst, dstModel := newPipeline(t)
	if err := dst.LoadPipeline(state, 12, true); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dstModel.Parameters()[0].Data[1] != 2.5 || dstModel.Step() != 12 {
		t.Fatalf("got color %v step %d", dstModel.Parameters()[0].Data, dstModel.Step())
	}

	wrapped := srcModel.StateDict().WithPrefix("module.")
	if err := dst.LoadPipeline(wrapped, 3, true); err != nil {
		t.Fatalf("load module-prefixed state: %v", err)
	}
}

func TestParamGroups(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	groups, err := p.ParamGroups()
	if err != nil {
		t.Fatalf("param groups: %v", err)
	}
	names := groups.Names()
	if len(names) != 2 || names[0] != "fields" || names[1] != "geometry" {
		t.Fatalf("groups: got %v, want [fields geometry]", names)
	}
}

func TestSurfaceDetection(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t)
	target, ok := p.DataManager().SurfaceTarget()
	if !ok {
		t.Fatalf("no surface target")
	}
	depth, rgb, err := p.SurfaceDetection(0, target.Rays)
	if err != nil {
		t.Fatalf("surface detection: %v", err)
	}
	if len(depth) != target.Rays.Len() || len(rgb) != target.Rays.Len() {
		t.Fatalf("got %d depths %d colours for %d rays", len(depth), len(rgb), target.Rays.Len())
	}
}

// TestDDPAveragesGradients runs two replicas with different data and checks
// both end with the mean of their local gradients.
func TestDDPAveragesGradients(t *testing.T) {
	t.Parallel()
	const world = 2
	const step = 1
	groups := distributed.NewInProcess(world)

	// Reference gradients from unwrapped models on the same batches.
	var local [world][]float64
	for rank := range world {
		cfg := dataConfig()
		cfg.Rank = rank
		dm, _ := datamanager.NewVanilla(cfg)
		dm.SetTrainEpoch(step)
		rays, batch, _ := dm.NextTrain(step)
		m := toy.New(toy.DefaultConfig())
		out, err := m.Forward(rays)
		if err != nil {
			t.Fatalf("reference forward: %v", err)
		}
		param.Sum(m.LossDict(out, batch, nil)).Backward()
		for _, prm := range m.Parameters() {
			local[rank] = append(local[rank], prm.Grad...)
		}
	}
	want := make([]float64, len(local[0]))
	for i := range want {
		want[i] = (local[0][i] + local[1][i]) / 2
	}

	var wg sync.WaitGroup
	got := make([][]float64, world)
	errs := make([]error, world)
	for rank := range world {
		wg.Go(func() {
			cfg := dataConfig()
			cfg.Rank = rank
			dm, _ := datamanager.NewVanilla(cfg)
			mcfg := toy.DefaultConfig()
			if rank == 1 {
				// Overwritten by the broadcast from rank 0.
				mcfg.InitColor = [3]float64{5, 5, 5}
			}
			model := toy.New(mcfg)
			p, err := pipeline.New(context.Background(), dm, model, groups[rank], nil)
			if err != nil {
				errs[rank] = err
				return
			}
			_, losses, _, err := p.TrainLossDict(step)
			if err != nil {
				errs[rank] = err
				return
			}
			param.Sum(losses).Backward()
			for _, prm := range model.Parameters() {
				got[rank] = append(got[rank], prm.Grad...)
			}
		})
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	for rank := range world {
		if len(got[rank]) != len(want) {
			t.Fatalf("rank %d: got %d gradients, want %d", rank, len(got[rank]), len(want))
		}
		for i, w := range want {
			if math.Abs(got[rank][i]-w) > 1e-9*math.Max(1, math.Abs(w)) {
				t.Fatalf("rank %d grad %d: got %v, want %v", rank, i, got[rank][i], w)
			}
		}
	}
}
