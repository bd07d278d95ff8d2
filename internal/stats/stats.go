// Package stats implements the pure statistical primitives the anomaly
// detectors are built on: mean, population standard deviation, z-score,
// and percentage change. Every function here is total and deterministic
// over its domain — none of them touch the network, a clock, or a cache.
package stats

import "math"

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// PopStdDev returns the population standard deviation of xs (divisor n,
// not n-1). The spec's statistics kernel leaves sample vs. population
// unspecified; population is chosen here and used consistently across
// every detector (see DESIGN.md, internal/stats).
func PopStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := Mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - mu
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// ZScore returns (x-mu)/sigma, and false when sigma is zero (absent,
// not a division by zero panic or a NaN/Inf leaking into a detector).
func ZScore(x, mu, sigma float64) (float64, bool) {
	if sigma == 0 {
		return 0, false
	}
	return (x - mu) / sigma, true
}

// PctChange returns (b-a)/a. When a is zero, a nonzero b maps to +Inf or
// -Inf with the sign of b; when both are zero, it returns 0 rather than
// NaN, since "unchanged from zero" is the only sensible reading of that
// edge case for a detector that must be total.
func PctChange(a, b float64) float64 {
	if a == 0 {
		switch {
		case b > 0:
			return math.Inf(1)
		case b < 0:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	return (b - a) / a
}
