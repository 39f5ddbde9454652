package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lumen/internal/datamanager"
	"github.com/samcharles93/lumen/internal/engine"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/toy"
)

// timestampLayout names run directories when no timestamp is given.
const timestampLayout = "2006-01-02_150405"

// runConfig is the YAML document describing one run. The trainer settings
// sit at the top level; the data manager and model have their own sections.
type runConfig struct {
	engine.Config `yaml:",inline"`

	DataManager datamanager.Config `yaml:"datamanager"`
	Model       toy.Config         `yaml:"model"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Config:      engine.DefaultConfig(),
		DataManager: datamanager.DefaultConfig(),
		Model:       toy.DefaultConfig(),
	}
}

// loadRunConfig decodes path over the defaults. An empty path yields the
// defaults unchanged.
func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c runConfig) Validate() error {
	return errors.Join(c.Config.Validate(), c.DataManager.Validate())
}

// writeRunConfig records the resolved config next to the run outputs so eval
// and resumed runs can rebuild the same pipeline.
func writeRunConfig(path string, cfg runConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// applyTrainFlags overrides config values with the flags the user set.
func applyTrainFlags(c *cli.Command, cfg *runConfig) {
	if c.IsSet("output-dir") {
		cfg.OutputDir = outputDir
	}
	if c.IsSet("experiment-name") {
		cfg.ExperimentName = experimentName
	}
	if c.IsSet("method-name") {
		cfg.MethodName = methodName
	}
	if c.IsSet("timestamp") {
		cfg.Timestamp = timestamp
	}
	if c.IsSet("max-num-iterations") {
		cfg.MaxNumIterations = int(maxNumIterations)
	}
	if c.IsSet("steps-per-save") {
		cfg.StepsPerSave = int(stepsPerSave)
	}
	if c.IsSet("checkpoint-format") {
		cfg.CheckpointFormat = checkpointFormat
	}
	if c.IsSet("load-dir") {
		cfg.LoadDir = loadDir
	}
	if c.IsSet("load-step") {
		step := int(loadStep)
		cfg.LoadStep = &step
	}
	if c.IsSet("load-checkpoint") {
		cfg.LoadCheckpoint = loadCheckpoint
	}
	if c.IsSet("mixed-precision") {
		cfg.MixedPrecision = mixedPrecision
	}
	if c.IsSet("device") {
		cfg.Machine.DeviceType = deviceType
	}
	if c.IsSet("num-devices") {
		cfg.Machine.NumDevices = int(numDevices)
	}
	if c.IsSet("gradient-accumulation-steps") {
		cfg.GradientAccumulationSteps = int(accumulationSteps)
	}
	if c.IsSet("log-gradients") {
		cfg.LogGradients = logGradients
	}
	if c.IsSet("datamanager") {
		cfg.DataManager.Kind = dataManagerKind
	}
	if c.IsSet("seed") {
		cfg.DataManager.Seed = uint64(seed)
	}
	if c.IsSet("surface-steps") {
		cfg.Surface.StepsPerCheck = int(surfaceCheckPeriod)
	}
	if c.IsSet("prometheus") {
		cfg.Logging.Prometheus = prometheusEnabled
	}
	if c.IsSet("viewer") {
		cfg.Viewer.Enabled = viewerEnabled
	}
	if c.IsSet("viewer-address") {
		cfg.Viewer.Address = viewerAddress
	}
	if c.IsSet("quit-on-train-completion") {
		cfg.Viewer.QuitOnTrainCompletion = quitOnCompletion
	}
	applyLoggingFlags(c, &cfg.Logging)
	if cfg.Timestamp == "" {
		cfg.Timestamp = time.Now().Format(timestampLayout)
	}
}

func applyLoggingFlags(c *cli.Command, cfg *engine.LoggingConfig) {
	if c.IsSet("log-level") || cfg.Level == "" {
		cfg.Level = logLevel
	}
	if c.IsSet("log-format") || cfg.Format == "" {
		cfg.Format = logFormat
	}
	if debug {
		cfg.Level = "debug"
	}
}

func newLogger(w io.Writer, cfg engine.LoggingConfig) logger.Logger {
	level := logger.ParseLevel(cfg.Level)
	switch cfg.Format {
	case "json":
		return logger.JSON(w, level)
	case "text":
		return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		h := logger.NewPrettyHandler(w, &slog.HandlerOptions{Level: level})
		if f, ok := w.(*os.File); !ok || !isTerminal(f) {
			h = h.Plain()
		}
		return logger.New(h)
	}
}
