package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	outputDir          string
	experimentName     string
	methodName         string
	timestamp          string
	maxNumIterations   int64
	stepsPerSave       int64
	checkpointFormat   string
	loadDir            string
	loadStep           int64
	loadCheckpoint     string
	mixedPrecision     bool
	deviceType         string
	numDevices         int64
	accumulationSteps  int64
	logGradients       bool
	dataManagerKind    string
	seed               int64
	viewerEnabled      bool
	viewerAddress      string
	quitOnCompletion   bool
	prometheusEnabled  bool
	surfaceCheckPeriod int64
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "path to a YAML run config; flags override its values",
		Destination: &configFile,
	}
}

func trainFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "root directory for run outputs",
			Destination: &outputDir,
		},
		&cli.StringFlag{
			Name:        "experiment-name",
			Usage:       "experiment directory name under the output dir",
			Destination: &experimentName,
		},
		&cli.StringFlag{
			Name:        "method-name",
			Usage:       "method directory name under the experiment",
			Destination: &methodName,
		},
		&cli.StringFlag{
			Name:        "timestamp",
			Usage:       "run directory name (default: current time)",
			Destination: &timestamp,
		},
		&cli.Int64Flag{
			Name:        "max-num-iterations",
			Aliases:     []string{"steps"},
			Usage:       "number of training iterations",
			Destination: &maxNumIterations,
		},
		&cli.Int64Flag{
			Name:        "steps-per-save",
			Usage:       "checkpoint period in steps",
			Destination: &stepsPerSave,
		},
		&cli.StringFlag{
			Name:        "checkpoint-format",
			Usage:       "checkpoint encoding (json, proto)",
			Destination: &checkpointFormat,
		},
		&cli.StringFlag{
			Name:        "load-dir",
			Usage:       "directory to resume from; the latest step unless --load-step is set",
			Destination: &loadDir,
		},
		&cli.Int64Flag{
			Name:        "load-step",
			Usage:       "step to resume from within --load-dir",
			Destination: &loadStep,
		},
		&cli.StringFlag{
			Name:        "load-checkpoint",
			Usage:       "checkpoint file to resume from; takes precedence over --load-dir",
			Destination: &loadCheckpoint,
		},
		&cli.BoolFlag{
			Name:        "mixed-precision",
			Usage:       "train with reduced precision forward passes",
			Destination: &mixedPrecision,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device type (cpu, auto)",
			Destination: &deviceType,
		},
		&cli.Int64Flag{
			Name:        "num-devices",
			Usage:       "number of data-parallel replicas",
			Destination: &numDevices,
		},
		&cli.Int64Flag{
			Name:        "gradient-accumulation-steps",
			Usage:       "micro-batches per optimizer step",
			Destination: &accumulationSteps,
		},
		&cli.BoolFlag{
			Name:        "log-gradients",
			Usage:       "record per-group gradient norms",
			Destination: &logGradients,
		},
		&cli.StringFlag{
			Name:        "datamanager",
			Usage:       "data manager kind (vanilla, parallel)",
			Destination: &dataManagerKind,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "data sampling seed",
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "surface-steps",
			Usage:       "surface diagnostic period in steps (0 disables)",
			Destination: &surfaceCheckPeriod,
		},
		&cli.BoolFlag{
			Name:        "prometheus",
			Usage:       "export training scalars as Prometheus metrics",
			Destination: &prometheusEnabled,
		},
	}
}

func viewerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "viewer",
			Usage:       "serve the training viewer",
			Destination: &viewerEnabled,
		},
		&cli.StringFlag{
			Name:        "viewer-address",
			Usage:       "viewer listen address",
			Destination: &viewerAddress,
		},
		&cli.BoolFlag{
			Name:        "quit-on-train-completion",
			Usage:       "exit once training ends even when the viewer is running",
			Destination: &quitOnCompletion,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "shorthand for --log-level debug",
			Destination: &debug,
		},
	}
}
