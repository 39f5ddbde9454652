package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/scene"
	"github.com/samcharles93/lumen/internal/telemetry"
)

var ErrNoEvalImages = errors.New("pipeline: no evaluation images")

// EvalOptions configures AverageEvalImageMetrics.
type EvalOptions struct {
	// OutputDir, when set, receives every rendered image and a box overlay.
	OutputDir string
	// WithStd adds <key>_std entries.
	WithStd bool
	// Progress receives the progress bar; nil disables it.
	Progress    io.Writer
	Interactive bool
}

// AverageEvalImageMetrics renders every evaluation image and returns the mean
// of each metric across images.
func (p *Pipeline) AverageEvalImageMetrics(ctx context.Context, step int, opts EvalOptions) (map[string]float64, error) {
	p.Eval()
	defer p.Train()

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create eval output dir: %w", err)
		}
	}

	var bar *telemetry.Progress
	if opts.Progress != nil {
		bar = telemetry.NewProgress(opts.Progress, "Evaluating all eval images", p.dm.NumEvalImages(), opts.Interactive)
	}

	var perImage []map[string]float64
	for view, err := range p.dm.EvalImages() {
		if err != nil {
			return nil, fmt.Errorf("eval image: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		out, err := p.model.OutputsForCameraRayBundle(view.Rays)
		if err != nil {
			return nil, fmt.Errorf("render eval image %d: %w", view.Index, err)
		}
		modelMetrics, images := p.model.ImageMetricsAndImages(out, view.Batch)
		metrics := copyMetrics(modelMetrics)

		if opts.OutputDir != "" {
			if err := p.saveEvalImages(opts.OutputDir, view, images); err != nil {
				return nil, err
			}
		}

		for _, key := range []string{"num_rays_per_sec", "fps"} {
			if _, ok := metrics[key]; ok {
				return nil, fmt.Errorf("%w: %q", ErrMetricKey, key)
			}
		}
		numRays := float64(view.Rays.Len())
		secs := max(time.Since(start).Seconds(), 1e-9)
		metrics["num_rays_per_sec"] = numRays / secs
		metrics["fps"] = metrics["num_rays_per_sec"] / numRays
		perImage = append(perImage, metrics)
		bar.Advance(nil)
	}
	bar.Done()

	if len(perImage) == 0 {
		return nil, ErrNoEvalImages
	}

	result := make(map[string]float64, len(perImage[0]))
	for _, key := range slices.Sorted(maps.Keys(perImage[0])) {
		values := make([]float64, 0, len(perImage))
		for _, m := range perImage {
			values = append(values, m[key])
		}
		if opts.WithStd {
			mean, std := stat.MeanStdDev(values, nil)
			result[key] = mean
			result[key+"_std"] = std
		} else {
			result[key] = stat.Mean(values, nil)
		}
	}
	p.log.Debug("evaluated all images", "step", step, "images", len(perImage))
	return result, nil
}

func (p *Pipeline) saveEvalImages(dir string, view scene.View, images map[string]image.Image) error {
	name := view.Batch.Name
	if name == "" {
		name = fmt.Sprintf("eval_%05d", view.Index)
	}
	compact := strings.ReplaceAll(name, "_", "")

	for _, key := range slices.Sorted(maps.Keys(images)) {
		img := images[key]
		if err := writePNG(filepath.Join(dir, fmt.Sprintf("%s_%s.png", name, key)), img); err != nil {
			return err
		}
		if key != "img" {
			continue
		}

		// "img" is ground truth and render side by side; keep the right half.
		b := img.Bounds()
		half := image.Rect(0, 0, b.Dx()-b.Dx()/2, b.Dy())
		render := image.NewRGBA(half)
		draw.Draw(render, half, img, image.Pt(b.Min.X+b.Dx()/2, b.Min.Y), draw.Src)
		if err := writePNG(filepath.Join(dir, compact+".png"), render); err != nil {
			return err
		}

		box, ok := p.dm.ObjectBox()
		if !ok {
			continue
		}
		uv := geometry.ProjectPoints(box.Vertices[:], view.Camera.CameraToWorld, view.Camera.Intrinsics)
		geometry.FillRed(render, geometry.ConvexHull(uv))
		if err := writePNG(filepath.Join(dir, compact+"_bbox.png"), render); err != nil {
			return err
		}
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
