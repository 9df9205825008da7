// Package kernel implements the per-site convergence/divergence reduction
// described in spec §4.3: a dense O(n²) reduction over two posterior
// substitution matrices.
package kernel

import (
	"fmt"
	"math"
)

// ReduceSite computes (probC, probD) for one (pair, site) given the two
// posterior substitution matrices above nodes u (p1) and v (p2), each
// flattened row-major as n*n float64s. Both matrices are read-only.
//
// The n=20 amino-acid case is the tuned path this loop is written for (spec
// §4.3 calls for the inner loop to be exposed to the optimizer as a
// fixed-count loop); the same code is exercised, and tested, for n ∈ {4, 20,
// 61} since the kernel is n-generic.
func ReduceSite(p1, p2 []float64, n int) (probC, probD float64, err error) {
	if len(p1) != n*n || len(p2) != n*n {
		return 0, 0, fmt.Errorf("reduce site: matrix length mismatch for n=%d: len(p1)=%d len(p2)=%d", n, len(p1), len(p2))
	}

	sumcK := make([]float64, n)
	var total float64
	for j := 0; j < n; j++ {
		row := p2[j*n : j*n+n]
		for k := 0; k < n; k++ {
			sumcK[k] += row[k]
			total += row[k]
		}
		total -= row[j]
		sumcK[j] -= row[j]
	}

	sumdK := make([]float64, n)
	for k := 0; k < n; k++ {
		sumdK[k] = total - sumcK[k]
	}

	for j := 0; j < n; j++ {
		row := p1[j*n : j*n+n]
		for k := 0; k < n; k++ {
			probC += sumcK[k] * row[k]
			probD += sumdK[k] * row[k]
		}
		probC -= sumcK[j] * row[j]
		probD -= sumdK[j] * row[j]
	}
	return probC, probD, nil
}

// Tolerance returns the acceptable relative error for a given precision, per
// spec §4.3: double paths must agree to 1e-12, single-precision (Metal)
// paths are permitted 1e-6.
func Tolerance(singlePrecision bool) float64 {
	if singlePrecision {
		return 1e-6
	}
	return 1e-12
}

// WithinTolerance reports whether got agrees with want within the relative
// tolerance tol (or, when want is zero, whether got is within tol in
// absolute terms, to avoid a divide-by-zero on exact-zero expectations).
func WithinTolerance(got, want, tol float64) bool {
	if want == 0 {
		return math.Abs(got) <= tol
	}
	return math.Abs(got-want)/math.Abs(want) <= tol
}
