package engine

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/scene"
	"github.com/samcharles93/lumen/internal/telemetry"
)

// SurfaceReport is the outcome of one surface diagnostic.
type SurfaceReport struct {
	Step          int                  `json:"step"`
	Plane         geometry.Plane       `json:"plane"`
	Points        []geometry.Vec3      `json:"points"`
	Box           geometry.OrientedBox `json:"box"`
	Intersections []geometry.Vec3      `json:"intersections"`
	// Height is the fitted plane's z at the reference (x, y), not a
	// point-to-plane distance. Delta is its signed change since the previous
	// diagnostic.
	Height float64 `json:"height"`
	Delta  float64 `json:"delta"`
}

// SurfacePoints lifts each target ray's depth to a world-space point.
func SurfacePoints(target *scene.SurfaceTarget, depth []float64, applyTransform bool) ([]geometry.Vec3, error) {
	if len(depth) != target.Rays.Len() || len(target.Rays.Pixels) != target.Rays.Len() {
		return nil, fmt.Errorf("engine: %d depths for %d rays", len(depth), target.Rays.Len())
	}
	points := make([]geometry.Vec3, 0, len(depth))
	for i, px := range target.Rays.Pixels {
		if px.Camera < 0 || px.Camera >= len(target.Cameras) {
			return nil, fmt.Errorf("engine: ray %d references camera %d of %d", i, px.Camera, len(target.Cameras))
		}
		cam := target.Cameras[px.Camera]
		p := cam.CameraToWorld.Apply(geometry.BackProject(float64(px.X), float64(px.Y), depth[i], cam.Intrinsics))
		if applyTransform {
			p = target.Transform.Apply(p)
		}
		points = append(points, p)
	}
	return points, nil
}

// SurfaceDiagnostic renders depth for the data manager's surface target, fits
// a plane to the back-projected points and intersects it with the object box.
// It returns nil and no error when the data manager has no target.
func (t *Trainer) SurfaceDiagnostic(step int) (*SurfaceReport, error) {
	target, ok := t.p.DataManager().SurfaceTarget()
	if !ok || target == nil || target.Rays.Len() == 0 {
		return nil, nil
	}
	depth, _, err := t.p.SurfaceDetection(step, target.Rays)
	if err != nil {
		return nil, err
	}
	points, err := SurfacePoints(target, depth, t.cfg.Surface.ApplyTransform)
	if err != nil {
		return nil, err
	}
	plane, err := geometry.FitPlane(points)
	if err != nil {
		return nil, err
	}

	height := plane.HeightAt(t.cfg.Surface.ReferenceX, t.cfg.Surface.ReferenceY)
	report := &SurfaceReport{
		Step:          step,
		Plane:         plane,
		Points:        points,
		Box:           target.Box,
		Intersections: target.Box.IntersectPlane(plane),
		Height:        height,
		Delta:         height - t.surfaceHeight,
	}
	t.surfaceHeight = height

	t.tel.PutScalar(telemetry.PlaneDifference, math.Abs(report.Delta), step)
	t.tel.PutDict(telemetry.SurfacePlane, map[string]float64{
		"a": plane.A, "b": plane.B, "c": plane.C, "d": plane.D,
	}, step)
	t.tel.PutScalar(telemetry.SurfaceIntersections, float64(len(report.Intersections)), step)
	t.log.Debug("surface diagnostic", "step", step, "plane", plane, "delta", report.Delta,
		"intersections", len(report.Intersections))

	if t.isMain() {
		if err := writeSurfaceReport(filepath.Join(t.cfg.BaseDir(), "plots"), report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func writeSurfaceReport(dir string, r *SurfaceReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode surface report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("step-%09d.json", r.Step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
