package scene

import "github.com/samcharles93/lumen/internal/geometry"

// Outputs are a model's per-ray predictions.
type Outputs struct {
	RGB          []geometry.Vec3
	Depth        []float64
	Accumulation []float64

	// VJP propagates output gradients into the producing parameters. It is nil
	// when the outputs were produced without gradient tracking.
	VJP func(gradRGB []geometry.Vec3, gradDepth []float64)
}

// Backward calls VJP when gradients are tracked.
func (o Outputs) Backward(gradRGB []geometry.Vec3, gradDepth []float64) {
	if o.VJP != nil {
		o.VJP(gradRGB, gradDepth)
	}
}
