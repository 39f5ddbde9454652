package toy

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/scene"
)

func testCamera() scene.Camera {
	return scene.Camera{
		Intrinsics:    geometry.Intrinsics{Fx: 4, Fy: 4, Cx: 2, Cy: 2},
		Width:         4,
		Height:        4,
		CameraToWorld: geometry.LookAt(geometry.Vec3{0.3, -0.2, 2}, geometry.Vec3{}, geometry.Vec3{0, 1, 0}),
	}
}

// groundTruth renders a second model so targets are consistent with the scene.
func groundTruth(t *testing.T, rays scene.RayBundle) scene.Batch {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitColor = [3]float64{1, -1, 0.5}
	cfg.InitPlane = [3]float64{0.1, -0.05, -0.2}
	out, err := New(cfg).OutputsForCameraRayBundle(rays)
	if err != nil {
		t.Fatalf("render ground truth: %v", err)
	}
	return scene.Batch{RGB: out.RGB, Depth: out.Depth, Width: rays.Width, Height: rays.Height}
}

func totalLoss(m *Model, rays scene.RayBundle, batch scene.Batch) (param.Loss, error) {
	out, err := m.Forward(rays)
	if err != nil {
		return param.Loss{}, err
	}
	return param.Sum(m.LossDict(out, batch, nil)), nil
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	rays := scene.CameraRays(testCamera(), 0)
	batch := groundTruth(t, rays)

	m := New(DefaultConfig())
	loss, err := totalLoss(m, rays, batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	loss.Backward()

	const h = 1e-6
	for _, p := range m.Parameters() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up, _ := totalLoss(m, rays, batch)
			p.Data[i] = orig - h
			down, _ := totalLoss(m, rays, batch)
			p.Data[i] = orig
			want := (up.Value - down.Value) / (2 * h)
			if math.Abs(p.Grad[i]-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Fatalf("%s[%d] grad: got %g, want %g", p.Name, i, p.Grad[i], want)
			}
		}
	}
}

func TestEvalModeHasNoVJP(t *testing.T) {
	t.Parallel()
	m := New(DefaultConfig())
	m.SetTraining(false)
	out, err := m.Forward(scene.CameraRays(testCamera(), 0))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if out.VJP != nil {
		t.Fatalf("eval forward returned a VJP")
	}

	m.SetTraining(true)
	out, err = m.OutputsForCameraRayBundle(scene.CameraRays(testCamera(), 0))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.VJP != nil {
		t.Fatalf("camera render returned a VJP")
	}
	if !m.training {
		t.Fatalf("render left the model in eval mode")
	}
}

func TestMissUsesFarPlane(t *testing.T) {
	t.Parallel()
	m := New(DefaultConfig())
	var rays scene.RayBundle
	// Parallel to z = -0.5.
	rays.Append(geometry.Vec3{0, 0, 1}, geometry.Vec3{1, 0, 0}, 1, scene.PixelIndex{})
	// Pointing away from it.
	rays.Append(geometry.Vec3{0, 0, 1}, geometry.Vec3{0, 0, 1}, 1, scene.PixelIndex{})
	out, err := m.Forward(rays)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i, d := range out.Depth {
		if d != m.cfg.FarPlane || out.Accumulation[i] != 0 {
			t.Fatalf("ray %d: got depth %v acc %v, want far plane and 0", i, d, out.Accumulation[i])
		}
	}
}

func TestAutocastOverflowsToInf(t *testing.T) {
	t.Parallel()
	rays := scene.CameraRays(testCamera(), 0)
	batch := groundTruth(t, rays)

	m := New(DefaultConfig())
	m.Autocast(true)
	loss, err := totalLoss(m, rays, batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	loss.Scale(1e12).Backward()
	finite := true
	for _, p := range m.Parameters() {
		finite = finite && p.Finite()
	}
	if finite {
		t.Fatalf("expected non-finite gradients under autocast with a huge scale")
	}
}

func TestToHalf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{1, 1},
		{65504, 65504},
		{1e6, math.Inf(1)},
		{-1e6, math.Inf(-1)},
		{1e-9, 0},
		{1 + 1.0/4096, 1},
		{0.1, 0.0999755859375},
	}
	for _, tt := range tests {
		if got := toHalf(tt.in); got != tt.want {
			t.Fatalf("toHalf(%v): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.InitColor = [3]float64{0.2, 0.4, 0.6}
	src := New(cfg)
	src.depthMult = 0.05

	dst := New(DefaultConfig())
	if err := dst.LoadStateDict(src.StateDict(), true); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dst.color.Data[2] != 0.6 || dst.DepthLossMult() != 0.05 {
		t.Fatalf("got color %v mult %v", dst.color.Data, dst.DepthLossMult())
	}

	state := src.StateDict()
	state["field.extra"] = []float64{1}
	var mismatch *param.KeyMismatchError
	if err := dst.LoadStateDict(state, true); !errors.As(err, &mismatch) {
		t.Fatalf("strict load with extra key: got %v, want KeyMismatchError", err)
	}
	if err := dst.LoadStateDict(state, false); err != nil {
		t.Fatalf("relaxed load: %v", err)
	}
}

func TestImageMetricsAndImages(t *testing.T) {
	t.Parallel()
	rays := scene.CameraRays(testCamera(), 0)
	batch := groundTruth(t, rays)
	m := New(DefaultConfig())
	out, err := m.OutputsForCameraRayBundle(rays)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	metrics, images := m.ImageMetricsAndImages(out, batch)
	if _, ok := metrics["psnr"]; !ok {
		t.Fatalf("missing psnr in %v", metrics)
	}
	if _, ok := metrics["depth_rmse"]; !ok {
		t.Fatalf("missing depth_rmse in %v", metrics)
	}
	if got := images["img"].Bounds().Dx(); got != 8 {
		t.Fatalf("img width: got %d, want 8", got)
	}
	if got := images["depth"].Bounds().Dy(); got != 4 {
		t.Fatalf("depth height: got %d, want 4", got)
	}
}

func TestDepthLossDecayCallback(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DepthLossMult = 1
	cfg.DepthLossDecay = 0.5
	cfg.DecayEvery = 10
	m := New(cfg)

	reg, err := callbacks.NewRegistry(&callbacks.Context{}, m.TrainingCallbacks(nil)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for step := range 31 {
		reg.Run(step, callbacks.AfterTrainIteration)
	}
	if got := m.DepthLossMult(); got != 0.125 {
		t.Fatalf("depth loss mult: got %v, want 0.125", got)
	}

	if cbs := New(DefaultConfig()).TrainingCallbacks(nil); len(cbs) != 0 {
		t.Fatalf("default config should not register callbacks, got %d", len(cbs))
	}
}
