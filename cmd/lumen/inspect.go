package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		dir     string
		step    int64
		tensors bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarise a checkpoint",
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
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every pipeline tensor",
				Destination: &tensors,
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
			var size int64
			if fi, err := os.Stat(path); err == nil {
				size = fi.Size()
			}
			printCheckpoint(os.Stdout, path, size, ck, tensors)
			return nil
		},
	}
}

func printCheckpoint(w io.Writer, path string, size int64, ck *checkpoint.Checkpoint, tensors bool) {
	values := 0
	for _, v := range ck.Pipeline {
		values += len(v)
	}
	fmt.Fprintf(w, "file:       %s (%s)\n", path, units.HumanSize(float64(size)))
	fmt.Fprintf(w, "step:       %d\n", ck.Step)
	if ck.Metadata.Format != "" {
		fmt.Fprintf(w, "format:     %s\n", ck.Metadata.Format)
	}
	if ck.Metadata.RunID != "" {
		fmt.Fprintf(w, "run:        %s\n", ck.Metadata.RunID)
	}
	if ck.Metadata.Version != "" {
		fmt.Fprintf(w, "version:    %s\n", ck.Metadata.Version)
	}
	if !ck.Metadata.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created:    %s (%s ago)\n", ck.Metadata.CreatedAt.Format("2006-01-02 15:04:05"),
			units.HumanDuration(time.Since(ck.Metadata.CreatedAt)))
	}
	fmt.Fprintf(w, "pipeline:   %d tensors, %d values\n", len(ck.Pipeline), values)
	if tensors {
		for _, name := range slices.Sorted(maps.Keys(ck.Pipeline)) {
			fmt.Fprintf(w, "  %-40s %d\n", name, len(ck.Pipeline[name]))
		}
	}

	if len(ck.Optimizers) > 0 {
		fmt.Fprintln(w, "optimizers:")
		for _, name := range slices.Sorted(maps.Keys(ck.Optimizers)) {
			st := ck.Optimizers[name]
			slots := slices.Sorted(maps.Keys(st.Slots))
			fmt.Fprintf(w, "  %-12s %-6s step=%d lr=%.6g slots=[%s]\n", name, st.Kind, st.Step, st.LR, strings.Join(slots, ","))
		}
	}
	if len(ck.Schedulers) > 0 {
		fmt.Fprintln(w, "schedulers:")
		for _, name := range slices.Sorted(maps.Keys(ck.Schedulers)) {
			st := ck.Schedulers[name]
			fmt.Fprintf(w, "  %-12s %-20s last_step=%d base_lr=%.6g\n", name, st.Name, st.LastStep, st.BaseLR)
		}
	}
	sc := ck.Scalers
	if sc.Enabled {
		fmt.Fprintf(w, "grad scaler: scale=%g growth_tracker=%d\n", sc.Scale, sc.GrowthTracker)
	} else {
		fmt.Fprintln(w, "grad scaler: disabled")
	}
}
