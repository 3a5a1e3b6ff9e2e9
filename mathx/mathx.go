// Package mathx provides small numerical helpers not covered by gonum
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Gradient returns the discrete derivative of y with respect to index.
// Interior points use central differences, the end points one-sided differences.
// The output has the same length as y; inputs shorter than two elements yield zeros.
func Gradient(y []float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = y[1] - y[0]
	out[n-1] = y[n-1] - y[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = (y[i+1] - y[i-1]) / 2
	}
	return out
}
