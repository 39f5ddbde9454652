package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"strings"

	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/distributed"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/scene"
)

var (
	ErrNoTrainDataset = errors.New("pipeline: data manager has no training dataset")
	ErrMetricKey      = errors.New("pipeline: model metric collides with a pipeline metric")
)

// modelPrefix is prepended to model keys in the pipeline state.
const modelPrefix = "_model."

// Pipeline is the standard pipeline: one data manager feeding one model,
// optionally wrapped for data-parallel training.
type Pipeline struct {
	dm        DataManager
	model     Model
	trainable Trainable
	group     distributed.Group
	log       logger.Logger
}

// New builds a pipeline. With more than one replica the model is wrapped in a
// DDP and the replicas meet at a barrier before New returns.
func New(ctx context.Context, dm DataManager, model Model, group distributed.Group, log logger.Logger) (*Pipeline, error) {
	if dm.TrainDataset().Len() == 0 {
		return nil, ErrNoTrainDataset
	}
	if group == nil {
		group = distributed.Local{}
	}
	if log == nil {
		log = logger.Discard()
	}
	p := &Pipeline{dm: dm, model: model, trainable: model, group: group, log: log}
	if group.WorldSize() > 1 {
		ddp, err := NewDDP(ctx, model, group)
		if err != nil {
			return nil, err
		}
		p.trainable = ddp
		if err := group.Barrier(ctx); err != nil {
			return nil, fmt.Errorf("pipeline: barrier: %w", err)
		}
	}
	return p, nil
}

func (p *Pipeline) DataManager() DataManager { return p.dm }
func (p *Pipeline) Model() Model             { return p.model }
func (p *Pipeline) WorldSize() int           { return p.group.WorldSize() }

// Train and Eval switch the model's mode.
func (p *Pipeline) Train() { p.model.SetTraining(true) }
func (p *Pipeline) Eval()  { p.model.SetTraining(false) }

// Autocast toggles reduced precision for the model's forward pass.
func (p *Pipeline) Autocast(enabled bool) { p.model.Autocast(enabled) }

// TrainLossDict runs one training forward pass.
func (p *Pipeline) TrainLossDict(step int) (scene.Outputs, map[string]param.Loss, map[string]float64, error) {
	if p.group.WorldSize() > 1 && step != 0 {
		p.dm.SetTrainEpoch(step)
	}
	rays, batch, err := p.dm.NextTrain(step)
	if err != nil {
		return scene.Outputs{}, nil, nil, fmt.Errorf("next train batch: %w", err)
	}
	out, err := p.trainable.Forward(rays)
	if err != nil {
		return scene.Outputs{}, nil, nil, fmt.Errorf("forward: %w", err)
	}
	metrics := p.model.MetricsDict(out, batch)
	losses := p.model.LossDict(out, batch, metrics)
	return out, losses, metrics, nil
}

// EvalLossDict runs one evaluation batch in eval mode.
func (p *Pipeline) EvalLossDict(step int) (scene.Outputs, map[string]param.Loss, map[string]float64, error) {
	p.Eval()
	defer p.Train()

	if p.group.WorldSize() > 1 {
		p.dm.SetEvalEpoch(step)
	}
	rays, batch, err := p.dm.NextEval(step)
	if err != nil {
		return scene.Outputs{}, nil, nil, fmt.Errorf("next eval batch: %w", err)
	}
	out, err := p.model.Forward(rays)
	if err != nil {
		return scene.Outputs{}, nil, nil, fmt.Errorf("forward: %w", err)
	}
	metrics := p.model.MetricsDict(out, batch)
	losses := p.model.LossDict(out, batch, metrics)
	return out, losses, metrics, nil
}

// EvalImageMetricsAndImages renders one evaluation image and adds image_idx
// and num_rays to the model's metrics.
func (p *Pipeline) EvalImageMetricsAndImages(step int) (map[string]float64, map[string]image.Image, error) {
	p.Eval()
	defer p.Train()

	idx, rays, batch, err := p.dm.NextEvalImage(step)
	if err != nil {
		return nil, nil, fmt.Errorf("next eval image: %w", err)
	}
	out, err := p.model.OutputsForCameraRayBundle(rays)
	if err != nil {
		return nil, nil, fmt.Errorf("render eval image: %w", err)
	}
	modelMetrics, images := p.model.ImageMetricsAndImages(out, batch)
	metrics := copyMetrics(modelMetrics)
	for _, key := range []string{"image_idx", "num_rays"} {
		if _, ok := metrics[key]; ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrMetricKey, key)
		}
	}
	metrics["image_idx"] = float64(idx)
	metrics["num_rays"] = float64(rays.Len())
	return metrics, images, nil
}

// SurfaceDetection renders depth and colour for the given rays in eval mode
// without gradient tracking.
func (p *Pipeline) SurfaceDetection(step int, rays scene.RayBundle) ([]float64, []geometry.Vec3, error) {
	p.Eval()
	defer p.Train()

	out, err := p.model.OutputsForCameraRayBundle(rays)
	if err != nil {
		return nil, nil, fmt.Errorf("surface detection at step %d: %w", step, err)
	}
	if len(out.Depth) != rays.Len() {
		return nil, nil, fmt.Errorf("surface detection at step %d: model returned %d depths for %d rays", step, len(out.Depth), rays.Len())
	}
	return out.Depth, out.RGB, nil
}

// StateDict returns the model state with pipeline key prefixes, unwrapped from
// any data-parallel wrapper.
func (p *Pipeline) StateDict() param.State {
	return p.model.StateDict().WithPrefix(modelPrefix)
}

// LoadPipeline restores model state saved by StateDict (or by a wrapped
// model) and moves the model to step.
func (p *Pipeline) LoadPipeline(state param.State, step int, strict bool) error {
	cleaned := make(param.State, len(state))
	for k, v := range state {
		k = strings.TrimPrefix(k, modelPrefix)
		k = strings.TrimPrefix(k, ddpPrefix)
		cleaned[k] = v
	}
	p.model.UpdateToStep(step)
	return p.model.LoadStateDict(cleaned, strict)
}

// ParamGroups merges the data manager's and the model's parameter groups.
func (p *Pipeline) ParamGroups() (param.Groups, error) {
	return param.Merge(p.dm.ParamGroups(), p.model.ParamGroups())
}

// TrainingCallbacks returns the data manager's callbacks followed by the model's.
func (p *Pipeline) TrainingCallbacks(ctx *callbacks.Context) []callbacks.Callback {
	cbs := p.dm.TrainingCallbacks(ctx)
	return append(cbs, p.model.TrainingCallbacks(ctx)...)
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return maps.Clone(m)
}
