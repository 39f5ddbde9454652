package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/checkpoint"
	"github.com/samcharles93/lumen/internal/safetensors"
)

func exportCmd() *cli.Command {
	var (
		dir    string
		step   int64
		out    string
		dtype  string
		noMeta bool
	)
	return &cli.Command{
		Name:  "export",
		Usage: "Write a checkpoint's pipeline weights as safetensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"f"},
				Usage:       "checkpoint file",
				Destination: &loadCheckpoint,
			},
			&cli.StringFlag{
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "checkpoint directory; the latest step unless --step is set",
				Destination: &dir,
			},
			&cli.Int64Flag{
				Name:        "step",
				Usage:       "step within --dir",
				Destination: &step,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path",
				Value:       "weights.safetensors",
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "tensor dtype (F64, F32)",
				Value:       safetensors.DTypeF64,
				Destination: &dtype,
			},
			&cli.BoolFlag{
				Name:        "no-metadata",
				Usage:       "omit the step and run metadata",
				Destination: &noMeta,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			src := checkpoint.LoadSource{File: loadCheckpoint, Dir: dir}
			if c.IsSet("step") {
				s := int(step)
				src.Step = &s
			}
			if src.IsZero() {
				return errors.New("one of --checkpoint or --dir is required")
			}
			path, err := checkpoint.Resolve(src)
			if err != nil {
				return err
			}
			ck, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			var meta map[string]string
			if !noMeta {
				meta = exportMetadata(ck)
			}
			if err := safetensors.WriteFile(out, ck.Pipeline, dtype, meta); err != nil {
				return fmt.Errorf("export %s: %w", out, err)
			}
			fi, err := os.Stat(out)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d tensors from step %d to %s (%s)\n",
				len(ck.Pipeline), ck.Step, out, units.HumanSize(float64(fi.Size())))
			return nil
		},
	}
}

func exportMetadata(ck *checkpoint.Checkpoint) map[string]string {
	meta := map[string]string{"step": strconv.Itoa(ck.Step)}
	if ck.Metadata.RunID != "" {
		meta["run_id"] = ck.Metadata.RunID
	}
	if ck.Metadata.Version != "" {
		meta["version"] = ck.Metadata.Version
	}
	return meta
}
