package utils

import "math"

// Dot returns the inner product of a and b, accumulated in float64.
// The caller guarantees len(a) == len(b).
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// SquaredNorm returns the squared L2 norm of x, accumulated in float64.
func SquaredNorm(x []float32) float64 {
	return Dot(x, x)
}

// AllFinite reports whether every component of x is neither NaN nor infinite.
func AllFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
