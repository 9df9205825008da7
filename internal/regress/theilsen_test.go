package regress

import (
	"errors"
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

// TestFitRegressionMedian is S4 from spec.md §8.
func TestFitRegressionMedian(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{1, 2, 4, 4, 5}
	res, err := Fit(x, y)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !approxEqual(res.K, 1, 1e-9) {
		t.Errorf("K = %v, want 1", res.K)
	}
	if !approxEqual(res.B, 0, 1e-9) {
		t.Errorf("B = %v, want 0", res.B)
	}
}

func TestFitRejectsMismatchedLengths(t *testing.T) {
	if _, err := Fit([]float64{1, 2}, []float64{1}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

// TestFitRejectsTooFewPairs is spec.md §8 testable property 9: a 2-leaf
// tree (numBranchPairs=1) yields no pairwise slopes at all, surfacing as
// ErrNumericDegeneracy rather than a generic input-validation error.
func TestFitRejectsTooFewPairs(t *testing.T) {
	_, err := Fit([]float64{1}, []float64{1})
	if err == nil {
		t.Fatal("expected error for fewer than 2 branch pairs")
	}
	if !errors.Is(err, ErrNumericDegeneracy) {
		t.Errorf("expected errors.Is(err, ErrNumericDegeneracy), got %v", err)
	}
}

func TestCountSlopesMatchesCollectSlopes(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 1, 7}
	y := []float64{1, 2, 4, 4, 5, 1, 2}
	n := len(x)
	count := countSlopes(x, y, n)
	var slopes []float64
	collectSlopes(x, y, n, &slopes)
	if len(slopes) != count {
		t.Fatalf("collectSlopes produced %d slopes, countSlopes predicted %d", len(slopes), count)
	}
}

func TestMedianSlopeFlagsOutOfRangeAsDegeneracy(t *testing.T) {
	// A single slope with a cutoff that pushes the index out of range.
	_, err := medianSlope([]float64{2}, 5)
	if err == nil {
		t.Fatal("expected degeneracy error")
	}
	var degErr *DegeneracyError
	if !errors.As(err, &degErr) {
		t.Fatalf("expected *DegeneracyError, got %T", err)
	}
	if !errors.Is(err, ErrNumericDegeneracy) {
		t.Error("expected errors.Is(err, ErrNumericDegeneracy)")
	}
}

func TestSkipRulesExactEquality(t *testing.T) {
	// x[i]==x[j] and y[i]==y[j]: must be skipped entirely (not collected,
	// not a division by zero).
	x := []float64{3, 3}
	y := []float64{4, 4}
	if n := countSlopes(x, y, 2); n != 0 {
		t.Errorf("countSlopes = %d, want 0 for identical points", n)
	}
}

func TestMedianSortedEvenOdd(t *testing.T) {
	if got := medianSorted([]float64{1, 2, 3}); got != 2 {
		t.Errorf("odd median = %v, want 2", got)
	}
	if got := medianSorted([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("even median = %v, want 2.5", got)
	}
}
