// Package datamanager provides data managers over a synthetic plane scene. The
// vanilla variant samples rays on the calling goroutine; the parallel variant
// prefetches training batches on worker goroutines.
package datamanager

import (
	"iter"
	"math/rand/v2"

	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/scene"
)

// Manager is a data manager that owns resources.
type Manager interface {
	pipeline.DataManager
	Close() error
}

// New builds the data manager selected by cfg.Kind.
func New(cfg Config) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindParallel:
		return NewParallel(cfg)
	default:
		return NewVanilla(cfg)
	}
}

// Vanilla samples random pixels across all training images.
type Vanilla struct {
	cfg   Config
	scene *synthetic

	trainRng *rand.Rand
	evalRng  *rand.Rand
}

func NewVanilla(cfg Config) (*Vanilla, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &Vanilla{cfg: cfg, scene: newSynthetic(cfg)}
	v.SetTrainEpoch(0)
	v.SetEvalEpoch(0)
	return v, nil
}

func (v *Vanilla) seed() uint64 { return v.cfg.Seed + uint64(v.cfg.Rank)<<32 }

// SetTrainEpoch reseeds the training sampler from (seed, rank, epoch).
func (v *Vanilla) SetTrainEpoch(epoch int) {
	v.trainRng = rand.New(rand.NewPCG(v.seed(), uint64(epoch)))
}

// SetEvalEpoch reseeds the evaluation sampler from (seed, rank, epoch).
func (v *Vanilla) SetEvalEpoch(epoch int) {
	v.evalRng = rand.New(rand.NewPCG(v.seed(), uint64(epoch)|1<<63))
}

func (v *Vanilla) NextTrain(int) (scene.RayBundle, scene.Batch, error) {
	rays, batch := sample(v.trainRng, v.scene.train, v.cfg.TrainRaysPerBatch)
	return rays, batch, nil
}

func (v *Vanilla) NextEval(int) (scene.RayBundle, scene.Batch, error) {
	if v.scene.eval.Len() == 0 {
		return scene.RayBundle{}, scene.Batch{}, ErrNoEvalImages
	}
	rays, batch := sample(v.evalRng, v.scene.eval, v.cfg.EvalRaysPerBatch)
	return rays, batch, nil
}

// NextEvalImage picks a random evaluation image.
func (v *Vanilla) NextEvalImage(int) (int, scene.RayBundle, scene.Batch, error) {
	if v.scene.eval.Len() == 0 {
		return 0, scene.RayBundle{}, scene.Batch{}, ErrNoEvalImages
	}
	i := v.evalRng.IntN(v.scene.eval.Len())
	vw := view(v.scene.eval, i)
	return i, vw.Rays, vw.Batch, nil
}

func (v *Vanilla) EvalImages() iter.Seq2[scene.View, error] {
	return func(yield func(scene.View, error) bool) {
		for i := range v.scene.eval.Len() {
			if !yield(view(v.scene.eval, i), nil) {
				return
			}
		}
	}
}

func (v *Vanilla) NumEvalImages() int           { return v.scene.eval.Len() }
func (v *Vanilla) TrainRaysPerBatch() int       { return v.cfg.TrainRaysPerBatch }
func (v *Vanilla) TrainDataset() *scene.Dataset { return v.scene.train }
func (v *Vanilla) EvalDataset() *scene.Dataset  { return v.scene.eval }

// ParamGroups is empty: the synthetic poses are exact, so there is nothing to
// refine.
func (v *Vanilla) ParamGroups() param.Groups { return param.Groups{} }

func (v *Vanilla) TrainingCallbacks(*callbacks.Context) []callbacks.Callback { return nil }

func (v *Vanilla) DataparserTransform() (scene.Transform, bool) { return v.scene.transform, true }

func (v *Vanilla) SurfaceTarget() (*scene.SurfaceTarget, bool) {
	return v.scene.surface, v.scene.surface != nil
}

func (v *Vanilla) ObjectBox() (geometry.OrientedBox, bool) { return v.scene.box, true }

func (v *Vanilla) Close() error { return nil }
