package geometry

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"slices"
)

// ConvexHull returns the hull of pts in counter-clockwise order (Andrew's
// monotone chain). Collinear points on the boundary are dropped.
func ConvexHull(pts []Point2) []Point2 {
	if len(pts) < 3 {
		return slices.Clone(pts)
	}
	sorted := slices.Clone(pts)
	slices.SortFunc(sorted, func(a, b Point2) int {
		if a.X != b.X {
			if a.X < b.X {
				return -1
			}
			return 1
		}
		switch {
		case a.Y < b.Y:
			return -1
		case a.Y > b.Y:
			return 1
		}
		return 0
	})

	cross := func(o, a, b Point2) float64 {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	hull := make([]Point2, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// Contains reports whether p lies inside the polygon (even-odd rule).
func Contains(poly []Point2, p Point2) bool {
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// FillRed sets the red channel of every pixel whose centre falls inside poly.
func FillRed(img draw.Image, poly []Point2) {
	if len(poly) < 3 {
		return
	}
	bounds := img.Bounds()
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range poly {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	r := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1).Intersect(bounds)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !Contains(poly, Point2{X: float64(x) + 0.5, Y: float64(y) + 0.5}) {
				continue
			}
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			c.R = 255
			img.Set(x, y, c)
		}
	}
}
