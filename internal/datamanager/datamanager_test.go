package datamanager

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/lumen/internal/geometry"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.TrainRaysPerBatch = 64
	cfg.EvalRaysPerBatch = 32
	cfg.Scene.NumTrain = 4
	cfg.Scene.NumEval = 2
	cfg.Scene.Width = 8
	cfg.Scene.Height = 6
	cfg.Scene.Focal = 7
	cfg.SurfaceRays = 16
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Kind = "streaming"
	if _, err := New(cfg); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind: got %v, want ErrUnknownKind", err)
	}
	cfg = smallConfig()
	cfg.TrainRaysPerBatch = 0
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero rays: got %v, want ErrInvalidConfig", err)
	}
}

func TestGroundTruthLiesOnPlane(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	v, err := NewVanilla(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rays, batch, err := v.NextTrain(0)
	if err != nil {
		t.Fatalf("next train: %v", err)
	}
	if rays.Len() != cfg.TrainRaysPerBatch || len(batch.Depth) != rays.Len() {
		t.Fatalf("batch size: got %d rays %d depths, want %d", rays.Len(), len(batch.Depth), cfg.TrainRaysPerBatch)
	}
	plane := geometry.Plane{A: cfg.Scene.Plane[0], B: cfg.Scene.Plane[1], C: -1, D: cfg.Scene.Plane[2]}
	for i := range rays.Len() {
		if batch.Depth[i] == 0 {
			t.Fatalf("ray %d missed the plane", i)
		}
		p := rays.Origins[i].Add(rays.Directions[i].Scale(batch.Depth[i] * rays.DirectionsNorm[i]))
		if r := plane.Eval(p); math.Abs(r) > 1e-9 {
			t.Fatalf("ray %d: point %v is %g off the plane", i, p, r)
		}
		if batch.RGB[i] != geometry.Vec3(cfg.Scene.Albedo) {
			t.Fatalf("ray %d colour: got %v, want %v", i, batch.RGB[i], cfg.Scene.Albedo)
		}
	}
}

func TestSetTrainEpochIsDeterministic(t *testing.T) {
	t.Parallel()
	a, _ := NewVanilla(smallConfig())
	b, _ := NewVanilla(smallConfig())
	a.SetTrainEpoch(7)
	b.SetTrainEpoch(7)
	ra, _, _ := a.NextTrain(7)
	rb, _, _ := b.NextTrain(7)
	for i := range ra.Pixels {
		if ra.Pixels[i] != rb.Pixels[i] {
			t.Fatalf("pixel %d: got %v and %v for the same epoch", i, ra.Pixels[i], rb.Pixels[i])
		}
	}

	cfg := smallConfig()
	cfg.Rank = 1
	c, _ := NewVanilla(cfg)
	c.SetTrainEpoch(7)
	rc, _, _ := c.NextTrain(7)
	same := true
	for i := range ra.Pixels {
		same = same && ra.Pixels[i] == rc.Pixels[i]
	}
	if same {
		t.Fatalf("rank 1 drew the same pixels as rank 0")
	}
}

func TestEvalImages(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	v, _ := NewVanilla(cfg)
	n := 0
	for vw, err := range v.EvalImages() {
		if err != nil {
			t.Fatalf("eval image: %v", err)
		}
		if vw.Index != n || vw.Rays.Len() != cfg.Scene.Width*cfg.Scene.Height {
			t.Fatalf("view %d: index %d with %d rays", n, vw.Index, vw.Rays.Len())
		}
		if vw.Batch.Width != cfg.Scene.Width || vw.Batch.Name == "" {
			t.Fatalf("view %d batch: %+v", n, vw.Batch)
		}
		n++
	}
	if n != v.NumEvalImages() {
		t.Fatalf("eval images: got %d, want %d", n, v.NumEvalImages())
	}

	idx, rays, batch, err := v.NextEvalImage(0)
	if err != nil {
		t.Fatalf("next eval image: %v", err)
	}
	if idx < 0 || idx >= cfg.Scene.NumEval || rays.Width != cfg.Scene.Width || batch.ImageIndex != idx {
		t.Fatalf("next eval image: idx %d width %d batch %d", idx, rays.Width, batch.ImageIndex)
	}
}

func TestNoEvalImages(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Scene.NumEval = 0
	v, _ := NewVanilla(cfg)
	if _, _, err := v.NextEval(0); !errors.Is(err, ErrNoEvalImages) {
		t.Fatalf("next eval: got %v, want ErrNoEvalImages", err)
	}
	if _, _, _, err := v.NextEvalImage(0); !errors.Is(err, ErrNoEvalImages) {
		t.Fatalf("next eval image: got %v, want ErrNoEvalImages", err)
	}
}

func TestSurfaceTarget(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	v, _ := NewVanilla(cfg)
	target, ok := v.SurfaceTarget()
	if !ok {
		t.Fatalf("surface target missing")
	}
	if target.Rays.Len() != cfg.SurfaceRays || len(target.Cameras) != cfg.Scene.NumTrain {
		t.Fatalf("surface target: %d rays %d cameras", target.Rays.Len(), len(target.Cameras))
	}
	for _, px := range target.Rays.Pixels {
		if px.Camera >= len(target.Cameras) || px.X >= cfg.Scene.Width || px.Y >= cfg.Scene.Height {
			t.Fatalf("pixel out of range: %+v", px)
		}
	}

	cfg.SurfaceRays = 0
	v, _ = NewVanilla(cfg)
	if _, ok := v.SurfaceTarget(); ok {
		t.Fatalf("surface target should be absent when surface_rays is 0")
	}
}

func TestParallelPrefetch(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Kind = KindParallel
	cfg.NumWorkers = 3
	cfg.QueueSize = 2
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for step := range 10 {
		rays, batch, err := m.NextTrain(step)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if rays.Len() != cfg.TrainRaysPerBatch || len(batch.RGB) != rays.Len() {
			t.Fatalf("step %d: %d rays %d colours", step, rays.Len(), len(batch.RGB))
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
