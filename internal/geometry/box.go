package geometry

// OrientedBox is a box given by its 8 corners. Corner i has bit 2 set on the
// +x side, bit 1 on the +y side and bit 0 on the +z side, so edges along x
// join i and i+4, along y i and i+2, along z i and i+1.
type OrientedBox struct {
	Vertices [8]Vec3 `json:"vertices"`
	DirX     Vec3    `json:"dir_x"`
	DirY     Vec3    `json:"dir_y"`
	DirZ     Vec3    `json:"dir_z"`
}

// Edge is a pair of corner indices together with the box direction it runs along.
type Edge struct {
	From, To int
	Axis     int
}

// Edges lists the 12 box edges, grouped x, y, z.
var Edges = [12]Edge{
	{0, 4, 0}, {1, 5, 0}, {2, 6, 0}, {3, 7, 0},
	{0, 2, 1}, {1, 3, 1}, {4, 6, 1}, {5, 7, 1},
	{0, 1, 2}, {2, 3, 2}, {4, 5, 2}, {6, 7, 2},
}

// NewOrientedBox builds a box from its centre, rotation columns and full size.
func NewOrientedBox(center Vec3, rotation [3]Vec3, size Vec3) OrientedBox {
	b := OrientedBox{
		DirX: rotation[0].Scale(size[0]),
		DirY: rotation[1].Scale(size[1]),
		DirZ: rotation[2].Scale(size[2]),
	}
	origin := center.Sub(b.DirX.Scale(0.5)).Sub(b.DirY.Scale(0.5)).Sub(b.DirZ.Scale(0.5))
	for i := range 8 {
		v := origin
		if i&4 != 0 {
			v = v.Add(b.DirX)
		}
		if i&2 != 0 {
			v = v.Add(b.DirY)
		}
		if i&1 != 0 {
			v = v.Add(b.DirZ)
		}
		b.Vertices[i] = v
	}
	return b
}

// AxisAlignedBox returns the box spanning min to max.
func AxisAlignedBox(min, max Vec3) OrientedBox {
	center := min.Add(max).Scale(0.5)
	return NewOrientedBox(center, [3]Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, max.Sub(min))
}

func (b OrientedBox) dir(axis int) Vec3 {
	switch axis {
	case 0:
		return b.DirX
	case 1:
		return b.DirY
	default:
		return b.DirZ
	}
}

// IntersectPlane returns the points where box edges cross the plane, in edge
// order. Each edge is parameterised as v0 + t·dir with t in [0, 1]; edges
// parallel to the plane are skipped. A plane through a corner meets every
// edge at that corner, so coincident points are reported once.
func (b OrientedBox) IntersectPlane(p Plane) []Vec3 {
	n := p.Normal()
	tol := 1e-9 * max(1, b.Vertices[7].Sub(b.Vertices[0]).Norm())
	var out []Vec3
edges:
	for _, e := range Edges {
		v0 := b.Vertices[e.From]
		dir := b.dir(e.Axis)
		denom := n.Dot(dir)
		if denom == 0 {
			continue
		}
		t := -(n.Dot(v0) + p.D) / denom
		if t < 0 || t > 1 {
			continue
		}
		pt := v0.Add(dir.Scale(t))
		for _, q := range out {
			if pt.Sub(q).Norm() <= tol {
				continue edges
			}
		}
		out = append(out, pt)
	}
	return out
}
