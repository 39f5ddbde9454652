// Package pipeline couples a data manager with a model and produces the loss,
// metric and image dictionaries the trainer consumes.
package pipeline

import (
	"image"
	"iter"

	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/scene"
)

// DataManager supplies training and evaluation rays with their ground truth.
type DataManager interface {
	NextTrain(step int) (scene.RayBundle, scene.Batch, error)
	NextEval(step int) (scene.RayBundle, scene.Batch, error)
	// NextEvalImage returns a full-image bundle and the image's index.
	NextEvalImage(step int) (int, scene.RayBundle, scene.Batch, error)
	// EvalImages iterates the fixed evaluation set in order.
	EvalImages() iter.Seq2[scene.View, error]
	NumEvalImages() int

	TrainRaysPerBatch() int
	TrainDataset() *scene.Dataset
	EvalDataset() *scene.Dataset

	ParamGroups() param.Groups
	TrainingCallbacks(ctx *callbacks.Context) []callbacks.Callback

	// SetTrainEpoch and SetEvalEpoch reseed the samplers deterministically
	// from the step, so a replica's draws do not depend on its history.
	SetTrainEpoch(epoch int)
	SetEvalEpoch(epoch int)

	DataparserTransform() (scene.Transform, bool)
	SurfaceTarget() (*scene.SurfaceTarget, bool)
	ObjectBox() (geometry.OrientedBox, bool)
}

// Trainable is the part of a model the training forward pass goes through. A
// plain model and its data-parallel wrapper both satisfy it.
type Trainable interface {
	Forward(rays scene.RayBundle) (scene.Outputs, error)
	Parameters() []*param.Parameter
	StateDict() param.State
}

// Model is a scene model.
type Model interface {
	Trainable

	ParamGroups() param.Groups
	MetricsDict(out scene.Outputs, batch scene.Batch) map[string]float64
	LossDict(out scene.Outputs, batch scene.Batch, metrics map[string]float64) map[string]param.Loss
	// OutputsForCameraRayBundle renders a full image without gradient tracking
	// and without touching the training mode.
	OutputsForCameraRayBundle(rays scene.RayBundle) (scene.Outputs, error)
	ImageMetricsAndImages(out scene.Outputs, batch scene.Batch) (map[string]float64, map[string]image.Image)

	LoadStateDict(state param.State, strict bool) error
	UpdateToStep(step int)
	TrainingCallbacks(ctx *callbacks.Context) []callbacks.Callback

	SetTraining(training bool)
	Autocast(enabled bool)
}
