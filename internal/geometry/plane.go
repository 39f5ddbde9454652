package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrDegenerate = errors.New("geometry: degenerate point set")

// Plane is a·x + b·y + c·z + d = 0.
type Plane struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
}

// Normal returns the (unnormalised) plane normal.
func (p Plane) Normal() Vec3 { return Vec3{p.A, p.B, p.C} }

// Eval returns a·x + b·y + c·z + d.
func (p Plane) Eval(v Vec3) float64 { return p.Normal().Dot(v) + p.D }

// HeightAt solves the plane for z at (x, y). NaN when the plane is vertical.
func (p Plane) HeightAt(x, y float64) float64 {
	if p.C == 0 {
		return math.NaN()
	}
	return -(p.A*x + p.B*y + p.D) / p.C
}

// FitPlane fits z = a·x + b·y + d to the points by ordinary least squares and
// returns the plane (a, b, -1, d).
func FitPlane(points []Vec3) (Plane, error) {
	if len(points) < 3 {
		return Plane{}, fmt.Errorf("%w: need 3 points, have %d", ErrDegenerate, len(points))
	}
	a := mat.NewDense(len(points), 3, nil)
	z := mat.NewVecDense(len(points), nil)
	for i, p := range points {
		a.Set(i, 0, p[0])
		a.Set(i, 1, p[1])
		a.Set(i, 2, 1)
		z.SetVec(i, p[2])
	}

	var x mat.VecDense
	if err := x.SolveVec(a, z); err != nil {
		return Plane{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	plane := Plane{A: x.AtVec(0), B: x.AtVec(1), C: -1, D: x.AtVec(2)}
	if math.IsNaN(plane.A) || math.IsNaN(plane.B) || math.IsNaN(plane.D) ||
		math.IsInf(plane.A, 0) || math.IsInf(plane.B, 0) || math.IsInf(plane.D, 0) {
		return Plane{}, fmt.Errorf("%w: non-finite solution", ErrDegenerate)
	}
	return plane, nil
}
