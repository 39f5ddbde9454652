package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/checkpoint"
	"github.com/samcharles93/lumen/internal/datamanager"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/toy"
)

// evalResult is the document written by `lumen eval`.
type evalResult struct {
	ExperimentName string             `json:"experiment_name"`
	MethodName     string             `json:"method_name"`
	Checkpoint     string             `json:"checkpoint"`
	Step           int                `json:"step"`
	Results        map[string]float64 `json:"results"`
}

func evalCmd() *cli.Command {
	var (
		outputPath       string
		renderOutputPath string
	)
	flags := []cli.Flag{
		configFlag(),
		&cli.StringFlag{
			Name:        "load-checkpoint",
			Usage:       "checkpoint file to evaluate (default: latest in the run's checkpoint dir)",
			Destination: &loadCheckpoint,
		},
		&cli.StringFlag{
			Name:        "output-path",
			Usage:       "where to write the metrics JSON",
			Value:       "output.json",
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "render-output-path",
			Usage:       "directory for rendered evaluation images",
			Destination: &renderOutputPath,
		},
	}
	return &cli.Command{
		Name:  "eval",
		Usage: "Compute average image metrics for a trained checkpoint",
		Flags: append(flags, loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			if configFile == "" {
				return fmt.Errorf("--config is required (the config.yml of a training run)")
			}
			cfg, err := loadRunConfig(configFile)
			if err != nil {
				return err
			}
			applyLoggingFlags(c, &cfg.Logging)
			if c.IsSet("load-checkpoint") {
				cfg.LoadCheckpoint = loadCheckpoint
			}
			log := newLogger(os.Stderr, cfg.Logging)

			res, err := runEval(ctx, cfg, renderOutputPath, log)
			if err != nil {
				return err
			}
			if err := writeJSON(outputPath, res); err != nil {
				return err
			}
			log.Info("saved evaluation results", "path", outputPath, "step", res.Step)
			return nil
		},
	}
}

// runEval restores the pipeline from the run's checkpoint and averages the
// image metrics over the evaluation split.
func runEval(ctx context.Context, cfg runConfig, renderDir string, log logger.Logger) (*evalResult, error) {
	src := checkpoint.LoadSource{File: cfg.LoadCheckpoint, Dir: cfg.LoadDir, Step: cfg.LoadStep}
	if src.IsZero() {
		src.Dir = cfg.CheckpointDir()
	}
	path, err := checkpoint.Resolve(src)
	if err != nil {
		return nil, err
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}

	dm, err := datamanager.New(cfg.DataManager)
	if err != nil {
		return nil, err
	}
	defer dm.Close()

	p, err := pipeline.New(ctx, dm, toy.New(cfg.Model), nil, log)
	if err != nil {
		return nil, err
	}
	if err := p.LoadPipeline(ck.Pipeline, ck.Step, true); err != nil {
		return nil, err
	}
	log.Info("loaded checkpoint", "path", path, "step", ck.Step)

	metrics, err := p.AverageEvalImageMetrics(ctx, ck.Step, pipeline.EvalOptions{
		OutputDir:   renderDir,
		WithStd:     true,
		Progress:    os.Stderr,
		Interactive: isTerminal(os.Stderr),
	})
	if err != nil {
		return nil, err
	}
	return &evalResult{
		ExperimentName: cfg.ExperimentName,
		MethodName:     cfg.MethodName,
		Checkpoint:     path,
		Step:           ck.Step,
		Results:        metrics,
	}, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
