// Package regress implements the Theil-Sen robust regression used to relate
// per-pair divergence to convergence (spec §4.5).
package regress

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrNumericDegeneracy is returned when the documented slope-index formula
// reads outside the collected-slopes buffer; see DESIGN.md's Open Question
// decision for §9.1.
var ErrNumericDegeneracy = errors.New("numeric degeneracy in slope computation")

// Result is spec §3's RegressionResult: pAllConvergent ≈ k*pDivergent + b.
type Result struct {
	K float64
	B float64
	// Diagnostic-only: the interquartile range of the surviving slopes,
	// reported for the run log, never used in the K/B computation itself.
	SlopeIQR float64
}

// DegeneracyError names the out-of-bounds index computed from the
// documented count/2+cutoff formula (spec §9.1).
type DegeneracyError struct {
	Count, Cutoff, Index int
}

func (e *DegeneracyError) Error() string {
	return fmt.Sprintf("slope index %d out of range for %d collected slopes (cutoff=%d)", e.Index, e.Count, e.Cutoff)
}

func (e *DegeneracyError) Unwrap() error { return ErrNumericDegeneracy }

// Fit computes (k, b) for x = pDivergent, y = pConvergent, following spec
// §4.5 literally: two-pass slope collection (never an O(N²) matrix
// allocation), sort, cutoff at the last slope strictly less than -1,
// even/odd median-of-slopes, then median-of-residuals intercept.
//
// x and y must have equal, matching length N = numBranchPairs. Fewer than
// two branch pairs (no pairwise slope can be formed at all) is not a
// separate early-return: it flows into medianSlope's out-of-range index
// check below and comes back as a *DegeneracyError, the same path every
// other empty-slope-set case already takes.
func Fit(x, y []float64) (Result, error) {
	if len(x) != len(y) {
		return Result{}, fmt.Errorf("regress: len(x)=%d != len(y)=%d", len(x), len(y))
	}
	n := len(x)

	count := countSlopes(x, y, n)
	slopes := make([]float64, 0, count)
	collectSlopes(x, y, n, &slopes)
	sort.Float64s(slopes)

	cutoff := -1
	for i, m := range slopes {
		if m < -1 {
			cutoff = i
		} else {
			break
		}
	}

	k, err := medianSlope(slopes, cutoff)
	if err != nil {
		return Result{}, err
	}

	t := make([]float64, n)
	for i := range x {
		t[i] = y[i] - k*x[i]
	}
	sort.Float64s(t)
	b := medianSorted(t)

	var iqr float64
	if len(slopes) > 0 {
		iqr = stat.Quantile(0.75, stat.Empirical, slopes, nil) - stat.Quantile(0.25, stat.Empirical, slopes, nil)
	}

	return Result{K: k, B: b, SlopeIQR: iqr}, nil
}

// countSlopes is pass 1 of the mandated two-pass collection: counts
// surviving slopes without allocating anything beyond O(1) state, so pass 2
// can allocate the exact-size buffer spec §4.5 requires.
func countSlopes(x, y []float64, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if x[i] == x[j] && y[i] == y[j] {
				continue
			}
			m := (y[i] - y[j]) / (x[i] - x[j])
			if m == -1 || m == 0 {
				continue
			}
			count++
		}
	}
	return count
}

// collectSlopes is pass 2: fills out, which must already have capacity
// count from countSlopes, replaying the identical skip predicate.
func collectSlopes(x, y []float64, n int, out *[]float64) {
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if x[i] == x[j] && y[i] == y[j] {
				continue
			}
			m := (y[i] - y[j]) / (x[i] - x[j])
			if m == -1 || m == 0 {
				continue
			}
			*out = append(*out, m)
		}
	}
}

// medianSlope implements the documented (and, per §9.1, deliberately
// preserved rather than reinterpreted) count/2+cutoff indexing. An
// out-of-range index is reported as *DegeneracyError instead of panicking
// or silently clamping.
func medianSlope(slopes []float64, cutoff int) (float64, error) {
	count := len(slopes)
	idx := func(i int) (float64, error) {
		if i < 0 || i >= count {
			return 0, &DegeneracyError{Count: count, Cutoff: cutoff, Index: i}
		}
		return slopes[i], nil
	}
	if count%2 == 0 {
		a, err := idx(count/2 + cutoff)
		if err != nil {
			return 0, err
		}
		b, err := idx(count/2 + cutoff + 1)
		if err != nil {
			return 0, err
		}
		return 0.5 * (a + b), nil
	}
	v, err := idx((count+1)/2 + cutoff)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// medianSorted returns the median of an already-ascending-sorted slice.
func medianSorted(t []float64) float64 {
	n := len(t)
	if n%2 == 0 {
		return 0.5 * (t[n/2-1] + t[n/2])
	}
	return t[n/2]
}
