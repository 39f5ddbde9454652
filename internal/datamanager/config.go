package datamanager

import (
	"errors"
	"fmt"
)

const (
	KindVanilla  = "vanilla"
	KindParallel = "parallel"
)

var (
	ErrUnknownKind   = errors.New("datamanager: unknown data manager kind")
	ErrInvalidConfig = errors.New("datamanager: invalid config")
	ErrNoEvalImages  = errors.New("datamanager: no evaluation images")
	ErrClosed        = errors.New("datamanager: closed")
)

// BoxConfig places the object box: a cuboid rotated about +Z by Yaw radians.
type BoxConfig struct {
	Center [3]float64 `yaml:"center" json:"center"`
	Size   [3]float64 `yaml:"size" json:"size"`
	Yaw    float64    `yaml:"yaw" json:"yaw"`
}

// SceneConfig describes the synthetic scene: a textureless plane
// z = a·x + b·y + d seen by cameras orbiting the origin.
type SceneConfig struct {
	NumTrain  int        `yaml:"num_train" json:"num_train"`
	NumEval   int        `yaml:"num_eval" json:"num_eval"`
	Width     int        `yaml:"width" json:"width"`
	Height    int        `yaml:"height" json:"height"`
	Focal     float64    `yaml:"focal" json:"focal"`
	Radius    float64    `yaml:"radius" json:"radius"`
	Elevation float64    `yaml:"elevation" json:"elevation"`
	Plane     [3]float64 `yaml:"plane" json:"plane"`
	Albedo    [3]float64 `yaml:"albedo" json:"albedo"`
	ObjectBox BoxConfig  `yaml:"object_box" json:"object_box"`
	// Scale is recorded in the dataparser transform.
	Scale float64 `yaml:"scale" json:"scale"`
}

// Config selects and sizes the data manager.
type Config struct {
	Kind              string      `yaml:"kind" json:"kind"`
	TrainRaysPerBatch int         `yaml:"train_num_rays_per_batch" json:"train_num_rays_per_batch"`
	EvalRaysPerBatch  int         `yaml:"eval_num_rays_per_batch" json:"eval_num_rays_per_batch"`
	Seed              uint64      `yaml:"seed" json:"seed"`
	Scene             SceneConfig `yaml:"scene" json:"scene"`
	// SurfaceRays is the number of pixels sampled for the surface diagnostic;
	// zero disables it.
	SurfaceRays int `yaml:"surface_rays" json:"surface_rays"`
	NumWorkers  int `yaml:"num_workers" json:"num_workers"`
	QueueSize   int `yaml:"queue_size" json:"queue_size"`

	// Rank offsets the sampler streams of data-parallel replicas.
	Rank int `yaml:"-" json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Kind:              KindVanilla,
		TrainRaysPerBatch: 1024,
		EvalRaysPerBatch:  1024,
		Seed:              42,
		Scene: SceneConfig{
			NumTrain:  16,
			NumEval:   4,
			Width:     32,
			Height:    24,
			Focal:     28,
			Radius:    3,
			Elevation: 2,
			Plane:     [3]float64{0.05, -0.03, 0},
			Albedo:    [3]float64{0.8, 0.5, 0.3},
			ObjectBox: BoxConfig{Size: [3]float64{1, 1, 0.6}, Yaw: 0.3},
			Scale:     1,
		},
		SurfaceRays: 256,
		NumWorkers:  2,
		QueueSize:   4,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Kind != KindVanilla && c.Kind != KindParallel:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	case c.TrainRaysPerBatch <= 0:
		return fmt.Errorf("%w: train_num_rays_per_batch must be positive", ErrInvalidConfig)
	case c.EvalRaysPerBatch <= 0:
		return fmt.Errorf("%w: eval_num_rays_per_batch must be positive", ErrInvalidConfig)
	case c.Scene.NumTrain <= 0:
		return fmt.Errorf("%w: scene.num_train must be positive", ErrInvalidConfig)
	case c.Scene.NumEval < 0:
		return fmt.Errorf("%w: scene.num_eval must not be negative", ErrInvalidConfig)
	case c.Scene.Width <= 0 || c.Scene.Height <= 0:
		return fmt.Errorf("%w: scene size %dx%d", ErrInvalidConfig, c.Scene.Width, c.Scene.Height)
	case c.Scene.Focal <= 0:
		return fmt.Errorf("%w: scene.focal must be positive", ErrInvalidConfig)
	case c.Scene.Elevation <= c.Scene.Plane[2]:
		return fmt.Errorf("%w: cameras must be above the plane", ErrInvalidConfig)
	case c.SurfaceRays < 0:
		return fmt.Errorf("%w: surface_rays must not be negative", ErrInvalidConfig)
	case c.Kind == KindParallel && (c.NumWorkers <= 0 || c.QueueSize <= 0):
		return fmt.Errorf("%w: parallel data manager needs num_workers and queue_size", ErrInvalidConfig)
	}
	return nil
}
