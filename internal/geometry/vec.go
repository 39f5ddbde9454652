package geometry

import "math"

// Vec3 is a point or direction in 3-space.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a Vec3) Norm() float64      { return math.Sqrt(a.Dot(a)) }

// Cross returns a × b.
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Normalize returns a unit vector. The zero vector is returned unchanged.
func (a Vec3) Normalize() Vec3 {
	n := a.Norm()
	if n == 0 {
		return a
	}
	return a.Scale(1 / n)
}

// Point2 is an image-plane coordinate in pixels.
type Point2 struct {
	X, Y float64
}

// Pose is a 3x4 rigid transform [R | t] mapping camera to world coordinates.
type Pose [3][4]float64

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// Apply transforms a point.
func (p Pose) Apply(v Vec3) Vec3 {
	var out Vec3
	for i := range 3 {
		out[i] = p[i][0]*v[0] + p[i][1]*v[1] + p[i][2]*v[2] + p[i][3]
	}
	return out
}

// Rotate applies only the rotation part.
func (p Pose) Rotate(v Vec3) Vec3 {
	var out Vec3
	for i := range 3 {
		out[i] = p[i][0]*v[0] + p[i][1]*v[1] + p[i][2]*v[2]
	}
	return out
}

// Translation returns the t column.
func (p Pose) Translation() Vec3 { return Vec3{p[0][3], p[1][3], p[2][3]} }

// LookAt builds a camera-to-world pose for a camera at eye looking at target.
// Cameras look down their local -Z with +Y up.
func LookAt(eye, target, up Vec3) Pose {
	forward := target.Sub(eye).Normalize()
	right := forward.Cross(up).Normalize()
	trueUp := right.Cross(forward)
	back := forward.Scale(-1)
	return Pose{
		{right[0], trueUp[0], back[0], eye[0]},
		{right[1], trueUp[1], back[1], eye[1]},
		{right[2], trueUp[2], back[2], eye[2]},
	}
}
