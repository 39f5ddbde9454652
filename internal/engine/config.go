package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/lumen/internal/amp"
	"github.com/samcharles93/lumen/internal/checkpoint"
	"github.com/samcharles93/lumen/internal/machine"
	"github.com/samcharles93/lumen/internal/optim"
)

var ErrInvalidConfig = errors.New("engine: invalid config")

// MachineConfig selects the compute device and the number of replicas.
type MachineConfig struct {
	DeviceType string `yaml:"device_type" json:"device_type"`
	NumDevices int    `yaml:"num_devices" json:"num_devices"`
}

// LoggingConfig controls how often training scalars are recorded.
type LoggingConfig struct {
	StepsPerLog    int    `yaml:"steps_per_log" json:"steps_per_log"`
	MaxBufferSize  int    `yaml:"max_buffer_size" json:"max_buffer_size"`
	RelativeLogDir string `yaml:"relative_log_dir" json:"relative_log_dir"`
	Level          string `yaml:"level" json:"level"`
	Format         string `yaml:"format" json:"format"`
	// Prometheus registers the training metrics with the default registry.
	Prometheus bool `yaml:"prometheus" json:"prometheus"`
}

// EvalConfig holds the three evaluation cadences.
type EvalConfig struct {
	StepsPerEvalBatch     int  `yaml:"steps_per_eval_batch" json:"steps_per_eval_batch"`
	StepsPerEvalImage     int  `yaml:"steps_per_eval_image" json:"steps_per_eval_image"`
	StepsPerEvalAllImages int  `yaml:"steps_per_eval_all_images" json:"steps_per_eval_all_images"`
	RunAtZero             bool `yaml:"run_at_zero" json:"run_at_zero"`
}

// SurfaceConfig controls the surface plane diagnostic.
type SurfaceConfig struct {
	// StepsPerCheck disables the diagnostic when zero.
	StepsPerCheck int `yaml:"steps_per_check" json:"steps_per_check"`
	// ApplyTransform maps back-projected points through the dataparser
	// transform before fitting.
	ApplyTransform bool `yaml:"apply_transform" json:"apply_transform"`
	// ReferenceX and ReferenceY locate the height probe.
	ReferenceX float64 `yaml:"reference_x" json:"reference_x"`
	ReferenceY float64 `yaml:"reference_y" json:"reference_y"`
}

// ViewerConfig controls the web viewer.
type ViewerConfig struct {
	Enabled               bool   `yaml:"enabled" json:"enabled"`
	Address               string `yaml:"address" json:"address"`
	QuitOnTrainCompletion bool   `yaml:"quit_on_train_completion" json:"quit_on_train_completion"`
}

// Config is the trainer configuration. Data manager and model settings live
// next to it in the CLI's config file.
type Config struct {
	MethodName       string `yaml:"method_name" json:"method_name"`
	ExperimentName   string `yaml:"experiment_name" json:"experiment_name"`
	Timestamp        string `yaml:"timestamp" json:"timestamp"`
	OutputDir        string `yaml:"output_dir" json:"output_dir"`
	RelativeModelDir string `yaml:"relative_model_dir" json:"relative_model_dir"`

	MaxNumIterations         int    `yaml:"max_num_iterations" json:"max_num_iterations"`
	StepsPerSave             int    `yaml:"steps_per_save" json:"steps_per_save"`
	SaveOnlyLatestCheckpoint bool   `yaml:"save_only_latest_checkpoint" json:"save_only_latest_checkpoint"`
	CheckpointFormat         string `yaml:"checkpoint_format" json:"checkpoint_format"`

	LoadDir        string `yaml:"load_dir" json:"load_dir"`
	LoadStep       *int   `yaml:"load_step" json:"load_step"`
	LoadCheckpoint string `yaml:"load_checkpoint" json:"load_checkpoint"`
	LoadScheduler  bool   `yaml:"load_scheduler" json:"load_scheduler"`
	LoadStrict     bool   `yaml:"load_strict" json:"load_strict"`

	MixedPrecision bool       `yaml:"mixed_precision" json:"mixed_precision"`
	UseGradScaler  bool       `yaml:"use_grad_scaler" json:"use_grad_scaler"`
	GradScaler     amp.Config `yaml:"grad_scaler" json:"grad_scaler"`

	GradientAccumulationSteps int  `yaml:"gradient_accumulation_steps" json:"gradient_accumulation_steps"`
	LogGradients              bool `yaml:"log_gradients" json:"log_gradients"`

	Machine MachineConfig `yaml:"machine" json:"machine"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Eval    EvalConfig    `yaml:"eval" json:"eval"`
	Surface SurfaceConfig `yaml:"surface" json:"surface"`
	Viewer  ViewerConfig  `yaml:"viewer" json:"viewer"`

	Optimizers map[string]optim.GroupConfig `yaml:"optimizers" json:"optimizers"`
}

func DefaultConfig() Config {
	return Config{
		MethodName:                "toy",
		ExperimentName:            "plane",
		OutputDir:                 "outputs",
		RelativeModelDir:          "lumen_models",
		MaxNumIterations:          1_000_000,
		StepsPerSave:              1000,
		SaveOnlyLatestCheckpoint:  true,
		CheckpointFormat:          checkpoint.FormatJSON,
		LoadScheduler:             true,
		LoadStrict:                true,
		GradScaler:                amp.DefaultConfig(),
		GradientAccumulationSteps: 1,
		Machine: MachineConfig{
			DeviceType: machine.DeviceCPU,
			NumDevices: 1,
		},
		Logging: LoggingConfig{
			StepsPerLog:    10,
			MaxBufferSize:  20,
			RelativeLogDir: ".",
			Level:          "info",
			Format:         "pretty",
		},
		Eval: EvalConfig{
			StepsPerEvalBatch:     500,
			StepsPerEvalImage:     500,
			StepsPerEvalAllImages: 25000,
		},
		Surface: SurfaceConfig{
			StepsPerCheck: 1000,
			ReferenceX:    3,
			ReferenceY:    3,
		},
		Viewer: ViewerConfig{
			Address:               ":7007",
			QuitOnTrainCompletion: true,
		},
		Optimizers: map[string]optim.GroupConfig{
			"fields": {
				Optimizer: optim.OptimizerConfig{Type: "adam", LR: 1e-2, Eps: 1e-15},
			},
			"geometry": {
				Optimizer: optim.OptimizerConfig{Type: "adam", LR: 1e-2, Eps: 1e-15},
				Scheduler: &optim.SchedulerConfig{Type: "exponential_decay", LRFinal: 1e-4, MaxSteps: 30000},
			},
		},
	}
}

// BaseDir is <output_dir>/<experiment>/<method>/<timestamp>.
func (c Config) BaseDir() string {
	return filepath.Join(c.OutputDir, c.ExperimentName, c.MethodName, c.Timestamp)
}

func (c Config) CheckpointDir() string {
	return filepath.Join(c.BaseDir(), c.RelativeModelDir)
}

func (c Config) LogDir() string {
	return filepath.Join(c.BaseDir(), c.Logging.RelativeLogDir)
}

// Validate reports the configuration errors that would make training fail.
func (c Config) Validate() error {
	var errs []error
	if c.GradientAccumulationSteps < 1 {
		errs = append(errs, fmt.Errorf("%w: gradient_accumulation_steps must be at least 1, got %d", ErrInvalidConfig, c.GradientAccumulationSteps))
	}
	if c.MaxNumIterations < 0 {
		errs = append(errs, fmt.Errorf("%w: max_num_iterations must not be negative", ErrInvalidConfig))
	}
	if err := machine.ValidateDevice(c.Machine.DeviceType); err != nil {
		errs = append(errs, err)
	}
	if c.Machine.NumDevices < 1 {
		errs = append(errs, fmt.Errorf("%w: machine.num_devices must be at least 1", ErrInvalidConfig))
	}
	switch c.CheckpointFormat {
	case checkpoint.FormatJSON, checkpoint.FormatProto:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", checkpoint.ErrUnknownFormat, c.CheckpointFormat))
	}
	if c.LoadStep != nil && c.LoadDir == "" {
		errs = append(errs, fmt.Errorf("%w: load_step needs load_dir", ErrInvalidConfig))
	}
	switch dir := filepath.Clean(c.RelativeModelDir); {
	case c.RelativeModelDir == "":
		errs = append(errs, fmt.Errorf("%w: relative_model_dir is empty", ErrInvalidConfig))
	case dir == "." || !filepath.IsLocal(dir):
		errs = append(errs, fmt.Errorf("%w: relative_model_dir %q must name a subdirectory of the run directory", ErrInvalidConfig, c.RelativeModelDir))
	}
	for name, gc := range c.Optimizers {
		if gc.Optimizer.LR < 0 {
			errs = append(errs, fmt.Errorf("%w: optimizers.%s.lr is negative", ErrInvalidConfig, name))
		}
	}
	return errors.Join(errs...)
}
