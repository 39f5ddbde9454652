package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/datamanager"
	"github.com/samcharles93/lumen/internal/distributed"
	"github.com/samcharles93/lumen/internal/engine"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/machine"
	"github.com/samcharles93/lumen/internal/pipeline"
	"github.com/samcharles93/lumen/internal/telemetry"
	"github.com/samcharles93/lumen/internal/toy"
	"github.com/samcharles93/lumen/internal/viewer"
)

func trainCmd() *cli.Command {
	flags := append(trainFlags(), viewerFlags()...)
	flags = append(flags, loggingFlags()...)
	return &cli.Command{
		Name:  "train",
		Usage: "Train a model and write checkpoints under the run directory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadRunConfig(configFile)
			if err != nil {
				return err
			}
			applyTrainFlags(c, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := newLogger(os.Stderr, cfg.Logging)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithContext(ctx, log)

			err = runTraining(ctx, cfg, log)
			if errors.Is(err, context.Canceled) {
				log.Info("training interrupted")
				return nil
			}
			return err
		},
	}
}

// runTraining starts one replica per device and waits for all of them.
// Telemetry and the viewer belong to the main replica.
func runTraining(ctx context.Context, cfg runConfig, log logger.Logger) error {
	info := machine.Detect()
	log.Info("starting training",
		"experiment", cfg.ExperimentName,
		"method", cfg.MethodName,
		"run_dir", cfg.BaseDir(),
		"cpu", info.String(),
		"devices", cfg.Machine.NumDevices,
	)
	if err := writeRunConfig(filepath.Join(cfg.BaseDir(), "config.yml"), cfg); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	tel, err := newTelemetry(cfg, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Close(); err != nil {
			log.Warn("failed to close telemetry", "error", err)
		}
	}()

	world := max(cfg.Machine.NumDevices, 1)
	groups := []distributed.Group{distributed.Local{}}
	if world > 1 {
		groups = distributed.NewInProcess(world)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := range world {
		wg.Go(func() {
			r := replica{cfg: cfg, rank: rank, group: groups[rank], info: info, log: logger.ForRank(log, rank)}
			if rank == 0 {
				r.tel, r.reg = tel, reg
			}
			if err := r.run(ctx); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				cancel()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func newTelemetry(cfg runConfig, reg prometheus.Registerer, log logger.Logger) (*telemetry.Telemetry, error) {
	sinks := []telemetry.Sink{telemetry.NewConsoleSink(log)}
	files, err := telemetry.NewEventFileSink(cfg.LogDir())
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, files)
	if cfg.Logging.Prometheus {
		prom, err := telemetry.NewPrometheusSink(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
	}
	return telemetry.New(telemetry.Config{MaxBufferSize: cfg.Logging.MaxBufferSize}, sinks...), nil
}

type replica struct {
	cfg   runConfig
	rank  int
	group distributed.Group
	info  machine.Info
	log   logger.Logger
	tel   *telemetry.Telemetry
	reg   *prometheus.Registry
}

func (r replica) run(ctx context.Context) error {
	dcfg := r.cfg.DataManager
	dcfg.Rank = r.rank
	dm, err := datamanager.New(dcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dm.Close(); err != nil {
			r.log.Warn("failed to close data manager", "error", err)
		}
	}()

	model := toy.New(r.cfg.Model)
	p, err := pipeline.New(ctx, dm, model, r.group, r.log)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Pipeline: p,
		Group:    r.group,
		Logger:   r.log,
		Machine:  r.info,
	}
	var srv *viewer.Server
	if r.rank == 0 {
		deps.Telemetry = r.tel
		deps.Progress = os.Stderr
		deps.Interactive = isTerminal(os.Stderr)
		if r.cfg.Viewer.Enabled {
			srv, err = viewer.New(viewer.Config{Address: r.cfg.Viewer.Address, Registry: r.reg}, model, r.log)
			if err != nil {
				return err
			}
			deps.Viewer = srv
		}
	}

	trainer, err := engine.New(r.cfg.Config, deps)
	if err != nil {
		return err
	}
	if srv != nil {
		srv.Attach(trainer)
		go func() {
			if err := srv.Run(ctx); err != nil {
				r.log.Warn("viewer stopped", "error", err)
			}
		}()
	}
	if err := trainer.Setup(ctx); err != nil {
		return err
	}
	return trainer.Train(ctx)
}
