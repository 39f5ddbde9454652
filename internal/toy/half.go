package toy

import "math"

// toHalf rounds x to the nearest IEEE 754 binary16 value, returned as float64.
// Values beyond the half range become ±Inf and values below the smallest
// normal flush to zero.
func toHalf(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	const maxHalf = 65504
	const minNormal = 6.103515625e-05 // 2^-14
	a := math.Abs(x)
	if a >= maxHalf+16 {
		return math.Copysign(math.Inf(1), x)
	}
	if a < minNormal {
		return math.Copysign(0, x)
	}
	frac, exp := math.Frexp(a)
	// 11 significant bits including the implicit one.
	frac = math.RoundToEven(frac*2048) / 2048
	return math.Copysign(math.Min(math.Ldexp(frac, exp), maxHalf), x)
}
