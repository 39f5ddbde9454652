// Package scene defines the data exchanged between data managers, models and
// the trainer: cameras, rays, ground-truth batches and model outputs.
package scene

import (
	"github.com/samcharles93/lumen/internal/geometry"
)

// Camera is a posed pinhole camera.
type Camera struct {
	geometry.Intrinsics
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	CameraToWorld geometry.Pose `json:"camera_to_world"`
}

// Ray returns the world-space origin and unit direction through pixel (x, y),
// plus the norm of the unnormalised camera direction.
func (c Camera) Ray(x, y float64) (origin, dir geometry.Vec3, norm float64) {
	d := c.CameraToWorld.Rotate(geometry.RayDirection(x, y, c.Intrinsics))
	norm = d.Norm()
	return c.CameraToWorld.Translation(), d.Scale(1 / norm), norm
}

// PixelIndex addresses one pixel of one camera.
type PixelIndex struct {
	Camera int `json:"camera"`
	Y      int `json:"y"`
	X      int `json:"x"`
}

// RayBundle is a batch of rays. For full-image bundles Width and Height are set
// and rays are in row-major order.
type RayBundle struct {
	Origins        []geometry.Vec3
	Directions     []geometry.Vec3
	DirectionsNorm []float64
	Pixels         []PixelIndex
	Width, Height  int
}

func (b RayBundle) Len() int { return len(b.Origins) }

// Append adds one ray.
func (b *RayBundle) Append(origin, dir geometry.Vec3, norm float64, px PixelIndex) {
	b.Origins = append(b.Origins, origin)
	b.Directions = append(b.Directions, dir)
	b.DirectionsNorm = append(b.DirectionsNorm, norm)
	b.Pixels = append(b.Pixels, px)
}

// CameraRays returns a row-major bundle covering every pixel of cam, sampled at
// integer pixel coordinates.
func CameraRays(cam Camera, index int) RayBundle {
	b := RayBundle{Width: cam.Width, Height: cam.Height}
	for y := range cam.Height {
		for x := range cam.Width {
			o, d, n := cam.Ray(float64(x), float64(y))
			b.Append(o, d, n, PixelIndex{Camera: index, Y: y, X: x})
		}
	}
	return b
}

// Batch is the ground truth for a ray bundle.
type Batch struct {
	RGB   []geometry.Vec3
	Depth []float64
	// ImageIndex, Width and Height are set for full-image batches.
	ImageIndex    int
	Width, Height int
	Name          string
}

// Image is one posed training or evaluation view.
type Image struct {
	Name   string
	Camera Camera
	RGB    []geometry.Vec3
	Depth  []float64
}

// Dataset is a set of posed images.
type Dataset struct {
	Images []Image
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Images)
}

// Cameras returns every camera in image order.
func (d *Dataset) Cameras() []Camera {
	out := make([]Camera, 0, d.Len())
	if d == nil {
		return out
	}
	for _, img := range d.Images {
		out = append(out, img.Camera)
	}
	return out
}

// Transform is the normalisation a data parser applied to the input poses.
type Transform struct {
	Matrix geometry.Pose `json:"transform"`
	Scale  float64       `json:"scale"`
}

// Apply maps a point from original to normalised coordinates.
func (t Transform) Apply(v geometry.Vec3) geometry.Vec3 {
	return t.Matrix.Apply(v).Scale(t.Scale)
}

// SurfaceTarget is the input of the surface-plane diagnostic: a ray bundle over
// sampled pixels, the cameras they came from, and the object box.
type SurfaceTarget struct {
	Rays      RayBundle
	Cameras   []Camera
	Box       geometry.OrientedBox
	Transform Transform
}

// View is one evaluation image: its camera, the full-image ray bundle and the
// ground truth.
type View struct {
	Index  int
	Camera Camera
	Rays   RayBundle
	Batch  Batch
}
