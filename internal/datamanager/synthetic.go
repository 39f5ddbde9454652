package datamanager

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/scene"
)

// synthetic is the rendered scene shared by every data manager variant.
type synthetic struct {
	train     *scene.Dataset
	eval      *scene.Dataset
	transform scene.Transform
	box       geometry.OrientedBox
	surface   *scene.SurfaceTarget
}

func newSynthetic(cfg Config) *synthetic {
	sc := cfg.Scene
	s := &synthetic{
		train:     &scene.Dataset{},
		eval:      &scene.Dataset{},
		transform: scene.Transform{Matrix: geometry.Identity(), Scale: sc.Scale},
	}
	for i := range sc.NumTrain {
		angle := 2 * math.Pi * float64(i) / float64(sc.NumTrain)
		s.train.Images = append(s.train.Images, render(sc, fmt.Sprintf("frame_%05d", i), angle))
	}
	for i := range sc.NumEval {
		angle := 2 * math.Pi * (float64(i) + 0.5) / float64(sc.NumEval)
		s.eval.Images = append(s.eval.Images, render(sc, fmt.Sprintf("eval_%05d", i), angle))
	}

	sin, cos := math.Sincos(sc.ObjectBox.Yaw)
	rot := [3]geometry.Vec3{{cos, sin, 0}, {-sin, cos, 0}, {0, 0, 1}}
	s.box = geometry.NewOrientedBox(geometry.Vec3(sc.ObjectBox.Center), rot, geometry.Vec3(sc.ObjectBox.Size))

	if cfg.SurfaceRays > 0 {
		s.surface = s.surfaceTarget(cfg)
	}
	return s
}

func orbitCamera(sc SceneConfig, angle float64) scene.Camera {
	sin, cos := math.Sincos(angle)
	eye := geometry.Vec3{sc.Radius * cos, sc.Radius * sin, sc.Elevation}
	return scene.Camera{
		Intrinsics: geometry.Intrinsics{
			Fx: sc.Focal,
			Fy: sc.Focal,
			Cx: float64(sc.Width) / 2,
			Cy: float64(sc.Height) / 2,
		},
		Width:         sc.Width,
		Height:        sc.Height,
		CameraToWorld: geometry.LookAt(eye, geometry.Vec3{0, 0, sc.Plane[2]}, geometry.Vec3{0, 0, 1}),
	}
}

// render ray traces one view of the plane. Pixels that miss it are black with
// zero depth.
func render(sc SceneConfig, name string, angle float64) scene.Image {
	cam := orbitCamera(sc, angle)
	img := scene.Image{
		Name:   name,
		Camera: cam,
		RGB:    make([]geometry.Vec3, sc.Width*sc.Height),
		Depth:  make([]float64, sc.Width*sc.Height),
	}
	a, b, d := sc.Plane[0], sc.Plane[1], sc.Plane[2]
	for y := range sc.Height {
		for x := range sc.Width {
			o, u, norm := cam.Ray(float64(x), float64(y))
			den := a*u[0] + b*u[1] - u[2]
			if math.Abs(den) < 1e-12 {
				continue
			}
			t := (o[2] - a*o[0] - b*o[1] - d) / den
			if t <= 0 {
				continue
			}
			i := y*sc.Width + x
			img.RGB[i] = geometry.Vec3(sc.Albedo)
			img.Depth[i] = t / norm
		}
	}
	return img
}

func (s *synthetic) surfaceTarget(cfg Config) *scene.SurfaceTarget {
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	var rays scene.RayBundle
	for range cfg.SurfaceRays {
		ci := rng.IntN(s.train.Len())
		cam := s.train.Images[ci].Camera
		x, y := rng.IntN(cam.Width), rng.IntN(cam.Height)
		o, u, n := cam.Ray(float64(x), float64(y))
		rays.Append(o, u, n, scene.PixelIndex{Camera: ci, Y: y, X: x})
	}
	return &scene.SurfaceTarget{
		Rays:      rays,
		Cameras:   s.train.Cameras(),
		Box:       s.box,
		Transform: s.transform,
	}
}

// sample draws n random pixels from ds.
func sample(rng *rand.Rand, ds *scene.Dataset, n int) (scene.RayBundle, scene.Batch) {
	var rays scene.RayBundle
	batch := scene.Batch{
		RGB:   make([]geometry.Vec3, 0, n),
		Depth: make([]float64, 0, n),
	}
	for range n {
		ci := rng.IntN(ds.Len())
		img := ds.Images[ci]
		x, y := rng.IntN(img.Camera.Width), rng.IntN(img.Camera.Height)
		o, u, norm := img.Camera.Ray(float64(x), float64(y))
		rays.Append(o, u, norm, scene.PixelIndex{Camera: ci, Y: y, X: x})
		i := y*img.Camera.Width + x
		batch.RGB = append(batch.RGB, img.RGB[i])
		batch.Depth = append(batch.Depth, img.Depth[i])
	}
	return rays, batch
}

// view returns the full-image bundle and ground truth of image i.
func view(ds *scene.Dataset, i int) scene.View {
	img := ds.Images[i]
	return scene.View{
		Index:  i,
		Camera: img.Camera,
		Rays:   scene.CameraRays(img.Camera, i),
		Batch: scene.Batch{
			RGB:        img.RGB,
			Depth:      img.Depth,
			ImageIndex: i,
			Width:      img.Camera.Width,
			Height:     img.Camera.Height,
			Name:       img.Name,
		},
	}
}
