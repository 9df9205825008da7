package aggregate

import (
	"testing"

	"github.com/evobio/grandconv/internal/backend"
	"github.com/evobio/grandconv/internal/pairs"
)

func TestFromBackendResultCarriesSelectedSites(t *testing.T) {
	ps := []pairs.Pair{{U: 0, V: 1, Selected: true}, {U: 2, V: 3}}
	res := &backend.Result{
		PConvergent: []float64{1.5, 2.5},
		PDivergent:  []float64{0.5, 0.25},
		PerSite:     [][][2]float64{{{1, 0.5}, {0.5, 0}}, nil},
	}
	s, err := FromBackendResult(ps, res, 2)
	if err != nil {
		t.Fatalf("FromBackendResult: %v", err)
	}
	if len(s.PConvergent) != 2 || s.PConvergent[1] != 2.5 {
		t.Errorf("PConvergent mismatch: %v", s.PConvergent)
	}
	if s.NumSites != 2 {
		t.Errorf("NumSites = %d, want 2", s.NumSites)
	}
	rows, ok := s.Selected[0]
	if !ok || len(rows) != 2 {
		t.Fatalf("expected 2 selected rows for pair 0, got %v (ok=%v)", rows, ok)
	}
	if rows[1].Site != 1 || rows[1].Conv != 0.5 || rows[1].Div != 0 {
		t.Errorf("unexpected row: %+v", rows[1])
	}
	if _, ok := s.Selected[1]; ok {
		t.Errorf("pair 1 is not selected, should not appear in Selected")
	}
}

func TestFromBackendResultRejectsLengthMismatch(t *testing.T) {
	ps := []pairs.Pair{{U: 0, V: 1}}
	res := &backend.Result{PConvergent: []float64{1, 2}, PDivergent: []float64{1, 2}}
	if _, err := FromBackendResult(ps, res, 1); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestFromBackendResultRejectsMissingPerSiteForSelected(t *testing.T) {
	ps := []pairs.Pair{{U: 0, V: 1, Selected: true}}
	res := &backend.Result{
		PConvergent: []float64{1},
		PDivergent:  []float64{1},
		PerSite:     [][][2]float64{nil},
	}
	if _, err := FromBackendResult(ps, res, 1); err == nil {
		t.Fatal("expected error for selected pair missing per-site data")
	}
}
