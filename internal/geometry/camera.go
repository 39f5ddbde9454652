package geometry

// Intrinsics holds pinhole camera parameters in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx" yaml:"fx"`
	Fy float64 `json:"fy" yaml:"fy"`
	Cx float64 `json:"cx" yaml:"cx"`
	Cy float64 `json:"cy" yaml:"cy"`
}

// BackProject lifts pixel (x, y) at depth d into camera space. The image y axis
// points down and the camera looks down -Z, so Y and Z are negated.
func BackProject(x, y, depth float64, k Intrinsics) Vec3 {
	return Vec3{
		(x - k.Cx) * depth / k.Fx,
		-(y - k.Cy) * depth / k.Fy,
		-depth,
	}
}

// RayDirection returns the unnormalised camera-space direction through pixel
// (x, y), i.e. BackProject at unit depth.
func RayDirection(x, y float64, k Intrinsics) Vec3 {
	return BackProject(x, y, 1, k)
}

// ProjectPoints maps world points into pixel coordinates for a camera with the
// given camera-to-world pose. Points behind the camera are dropped.
func ProjectPoints(points []Vec3, c2w Pose, k Intrinsics) []Point2 {
	// w2c rotation is R^T with the y and z rows negated to switch from the
	// -Z-forward, +Y-up camera frame to the pinhole image frame.
	var r [3][3]float64
	for i := range 3 {
		for j := range 3 {
			r[i][j] = c2w[j][i]
		}
	}
	for j := range 3 {
		r[1][j] = -r[1][j]
		r[2][j] = -r[2][j]
	}
	t := c2w.Translation()
	var wt Vec3
	for i := range 3 {
		wt[i] = -(r[i][0]*t[0] + r[i][1]*t[1] + r[i][2]*t[2])
	}

	out := make([]Point2, 0, len(points))
	for _, p := range points {
		var c Vec3
		for i := range 3 {
			c[i] = r[i][0]*p[0] + r[i][1]*p[1] + r[i][2]*p[2] + wt[i]
		}
		if c[2] <= 0 {
			continue
		}
		out = append(out, Point2{
			X: k.Fx*c[0]/c[2] + k.Cx,
			Y: k.Fy*c[1]/c[2] + k.Cy,
		})
	}
	return out
}
