// Package toy is a minimal radiance model used to exercise the trainer end to
// end. The scene is a single plane z = a·x + b·y + d with a constant colour,
// so depth, colour and their gradients have closed forms.
package toy

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/samcharles93/lumen/internal/callbacks"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/scene"
)

// Config controls the model.
type Config struct {
	// InitColor is the pre-sigmoid colour.
	InitColor [3]float64 `yaml:"init_color" json:"init_color"`
	// InitPlane holds a, b and d of z = a·x + b·y + d.
	InitPlane     [3]float64 `yaml:"init_plane" json:"init_plane"`
	DepthLossMult float64    `yaml:"depth_loss_mult" json:"depth_loss_mult"`
	// DepthLossDecay multiplies DepthLossMult every DecayEvery steps.
	DepthLossDecay float64 `yaml:"depth_loss_decay" json:"depth_loss_decay"`
	DecayEvery     int     `yaml:"decay_every" json:"decay_every"`
	FarPlane       float64 `yaml:"far_plane" json:"far_plane"`
}

func DefaultConfig() Config {
	return Config{
		InitPlane:      [3]float64{0, 0, -0.5},
		DepthLossMult:  0.1,
		DepthLossDecay: 1,
		DecayEvery:     1000,
		FarPlane:       100,
	}
}

// Model is the planar radiance field.
type Model struct {
	cfg       Config
	color     *param.Parameter
	plane     *param.Parameter
	depthMult float64
	training  bool
	autocast  bool
	step      int
}

func New(cfg Config) *Model {
	if cfg.FarPlane <= 0 {
		cfg.FarPlane = DefaultConfig().FarPlane
	}
	return &Model{
		cfg:       cfg,
		color:     param.New("field.color", cfg.InitColor[:]...),
		plane:     param.New("field.plane", cfg.InitPlane[:]...),
		depthMult: cfg.DepthLossMult,
		training:  true,
	}
}

// Plane returns the current surface estimate.
func (m *Model) Plane() geometry.Plane {
	return geometry.Plane{A: m.plane.Data[0], B: m.plane.Data[1], C: -1, D: m.plane.Data[2]}
}

func (m *Model) Step() int                 { return m.step }
func (m *Model) DepthLossMult() float64    { return m.depthMult }
func (m *Model) SetTraining(training bool) { m.training = training }
func (m *Model) Autocast(enabled bool)     { m.autocast = enabled }
func (m *Model) UpdateToStep(step int)     { m.step = step }

func (m *Model) Parameters() []*param.Parameter {
	return []*param.Parameter{m.color, m.plane}
}

func (m *Model) ParamGroups() param.Groups {
	return param.Groups{
		"fields":   {m.color},
		"geometry": {m.plane},
	}
}

func (m *Model) StateDict() param.State {
	s := param.Snapshot(m.Parameters())
	s["depth_loss_mult"] = []float64{m.depthMult}
	return s
}

func (m *Model) LoadStateDict(state param.State, strict bool) error {
	tensors := make(param.State, len(state))
	for k, v := range state {
		if k == "depth_loss_mult" {
			continue
		}
		tensors[k] = v
	}
	if err := param.Restore(m.Parameters(), tensors, strict); err != nil {
		return err
	}
	if v, ok := state["depth_loss_mult"]; ok && len(v) == 1 {
		m.depthMult = v[0]
	}
	return nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func (m *Model) round(x float64) float64 {
	if m.autocast {
		return toHalf(x)
	}
	return x
}

// hit intersects one ray with the plane. It returns the z-depth and the
// partial derivatives of the z-depth with respect to (a, b, d). Misses return
// the far plane and zero derivatives.
func (m *Model) hit(o, u geometry.Vec3, norm float64) (float64, [3]float64) {
	a, b, d := m.plane.Data[0], m.plane.Data[1], m.plane.Data[2]
	num := o[2] - a*o[0] - b*o[1] - d
	den := a*u[0] + b*u[1] - u[2]
	if math.Abs(den) < 1e-12 {
		return m.cfg.FarPlane, [3]float64{}
	}
	t := num / den
	if t <= 0 || t/norm > m.cfg.FarPlane {
		return m.cfg.FarPlane, [3]float64{}
	}
	p := o.Add(u.Scale(t))
	return t / norm, [3]float64{-p[0] / den / norm, -p[1] / den / norm, -1 / den / norm}
}

// Forward renders rays. In training mode the outputs carry a VJP into the
// model parameters.
func (m *Model) Forward(rays scene.RayBundle) (scene.Outputs, error) {
	return m.forward(rays, m.training)
}

func (m *Model) forward(rays scene.RayBundle, track bool) (scene.Outputs, error) {
	if len(rays.Directions) != rays.Len() || len(rays.DirectionsNorm) != rays.Len() {
		return scene.Outputs{}, fmt.Errorf("toy: malformed ray bundle")
	}
	n := rays.Len()
	var rgb geometry.Vec3
	var dRGB geometry.Vec3
	for c := range 3 {
		s := sigmoid(m.color.Data[c])
		rgb[c] = m.round(s)
		dRGB[c] = s * (1 - s)
	}

	out := scene.Outputs{
		RGB:          make([]geometry.Vec3, n),
		Depth:        make([]float64, n),
		Accumulation: make([]float64, n),
	}
	dDepth := make([][3]float64, n)
	for i := range n {
		depth, grad := m.hit(rays.Origins[i], rays.Directions[i], rays.DirectionsNorm[i])
		out.RGB[i] = rgb
		out.Depth[i] = m.round(depth)
		if depth < m.cfg.FarPlane {
			out.Accumulation[i] = 1
		}
		dDepth[i] = grad
	}
	if !track {
		return out, nil
	}

	out.VJP = func(gradRGB []geometry.Vec3, gradDepth []float64) {
		for i := range gradRGB {
			for c := range 3 {
				m.color.Grad[c] += m.round(gradRGB[i][c] * dRGB[c])
			}
		}
		for i, g := range gradDepth {
			for k := range 3 {
				m.plane.Grad[k] += m.round(g * dDepth[i][k])
			}
		}
	}
	return out, nil
}

// OutputsForCameraRayBundle renders without gradient tracking. It leaves the
// training mode alone so a viewer render never races a mode switch.
func (m *Model) OutputsForCameraRayBundle(rays scene.RayBundle) (scene.Outputs, error) {
	return m.forward(rays, false)
}

func rgbMSE(out scene.Outputs, batch scene.Batch) float64 {
	n := min(len(out.RGB), len(batch.RGB))
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		for c := range 3 {
			d := out.RGB[i][c] - batch.RGB[i][c]
			sum += d * d
		}
	}
	return sum / float64(3*n)
}

func psnr(mse float64) float64 {
	if mse <= 0 {
		return math.Inf(1)
	}
	return -10 * math.Log10(mse)
}

func (m *Model) MetricsDict(out scene.Outputs, batch scene.Batch) map[string]float64 {
	return map[string]float64{"psnr": psnr(rgbMSE(out, batch))}
}

// LossDict returns rgb_loss and, when the batch has depth, depth_loss.
func (m *Model) LossDict(out scene.Outputs, batch scene.Batch, _ map[string]float64) map[string]param.Loss {
	n := min(len(out.RGB), len(batch.RGB))
	losses := map[string]param.Loss{
		"rgb_loss": param.NewLoss(rgbMSE(out, batch), func(up float64) {
			grad := make([]geometry.Vec3, n)
			scale := 2 * up / float64(3*n)
			for i := range n {
				for c := range 3 {
					grad[i][c] = scale * (out.RGB[i][c] - batch.RGB[i][c])
				}
			}
			out.Backward(grad, nil)
		}),
	}

	nd := min(len(out.Depth), len(batch.Depth))
	if nd > 0 && m.depthMult > 0 {
		var sum float64
		for i := range nd {
			d := out.Depth[i] - batch.Depth[i]
			sum += d * d
		}
		mult := m.depthMult
		losses["depth_loss"] = param.NewLoss(mult*sum/float64(nd), func(up float64) {
			grad := make([]float64, nd)
			scale := 2 * mult * up / float64(nd)
			for i := range nd {
				grad[i] = scale * (out.Depth[i] - batch.Depth[i])
			}
			out.Backward(nil, grad)
		})
	}
	return losses
}

// ImageMetricsAndImages returns psnr and depth RMSE plus "img" (ground truth
// left, render right) and a normalised "depth" map.
func (m *Model) ImageMetricsAndImages(out scene.Outputs, batch scene.Batch) (map[string]float64, map[string]image.Image) {
	metrics := m.MetricsDict(out, batch)
	if nd := min(len(out.Depth), len(batch.Depth)); nd > 0 {
		var sum float64
		for i := range nd {
			d := out.Depth[i] - batch.Depth[i]
			sum += d * d
		}
		metrics["depth_rmse"] = math.Sqrt(sum / float64(nd))
	}

	w, h := batch.Width, batch.Height
	if w <= 0 || h <= 0 {
		return metrics, map[string]image.Image{}
	}
	img := image.NewRGBA(image.Rect(0, 0, 2*w, h))
	for i := range w * h {
		x, y := i%w, i/w
		if i < len(batch.RGB) {
			img.SetRGBA(x, y, toRGBA(batch.RGB[i]))
		}
		if i < len(out.RGB) {
			img.SetRGBA(w+x, y, toRGBA(out.RGB[i]))
		}
	}

	depth := image.NewGray(image.Rect(0, 0, w, h))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range out.Depth {
		lo, hi = math.Min(lo, d), math.Max(hi, d)
	}
	for i, d := range out.Depth {
		if i >= w*h {
			break
		}
		v := 0.0
		if hi > lo {
			v = (d - lo) / (hi - lo)
		}
		depth.SetGray(i%w, i/w, color.Gray{Y: uint8(math.Round(255 * (1 - v)))})
	}
	return metrics, map[string]image.Image{"img": img, "depth": depth}
}

func toRGBA(c geometry.Vec3) color.RGBA {
	q := func(v float64) uint8 { return uint8(math.Round(255 * math.Min(1, math.Max(0, v)))) }
	return color.RGBA{R: q(c[0]), G: q(c[1]), B: q(c[2]), A: 255}
}

// TrainingCallbacks decays the depth loss weight.
func (m *Model) TrainingCallbacks(*callbacks.Context) []callbacks.Callback {
	if m.cfg.DecayEvery <= 0 || m.cfg.DepthLossDecay <= 0 || m.cfg.DepthLossDecay == 1 {
		return nil
	}
	return []callbacks.Callback{{
		Name:                "depth_loss_decay",
		Locations:           []callbacks.Location{callbacks.AfterTrainIteration},
		UpdateEveryNumIters: m.cfg.DecayEvery,
		Func: func(step int, _ *callbacks.Context) {
			if step > 0 {
				m.depthMult *= m.cfg.DepthLossDecay
			}
		},
	}}
}
