// Package aggregate reduces per-(pair,site) kernel output into the per-pair
// scalars and regression inputs spec §4.3/§3 call for (Aggregator).
package aggregate

import (
	"fmt"

	"github.com/evobio/grandconv/internal/backend"
	"github.com/evobio/grandconv/internal/pairs"
)

// SelectedSite is one row of a selected pair's per-site table: siteIndex,
// probC, probD, matching ResultSink's "[siteIndex, conv, div]" triples.
type SelectedSite struct {
	Site int
	Conv float64
	Div  float64
}

// Scalars is the Aggregator's output: the regression inputs (x=pDivergent,
// y=pConvergent, one entry per branch pair in enumeration order) plus, for
// every selected pair, its full per-site table.
type Scalars struct {
	PConvergent []float64
	PDivergent  []float64
	// Selected[i] is populated only for pairs marked Selected, keyed by the
	// same index i as PConvergent/PDivergent/Pairs.
	Selected map[int][]SelectedSite
	Pairs    []pairs.Pair
	// NumSites is the PosteriorTensor's site count for this run, carried
	// through verbatim rather than inferred from Selected (which would read
	// 0 whenever no pair was selected, even though the run covered sites).
	NumSites int
}

// FromBackendResult builds Scalars from one backend.Result, already
// per-pair-summed (pConvergent[i]=Σ_s probC, pDivergent[i]=Σ_s probD per
// §4.3) and, for selected pairs, still carrying the per-site sequence.
// numSites is the PosteriorTensor's NumSites for this run.
func FromBackendResult(ps []pairs.Pair, res *backend.Result, numSites int) (*Scalars, error) {
	if len(res.PConvergent) != len(ps) || len(res.PDivergent) != len(ps) {
		return nil, fmt.Errorf("aggregate: backend result length %d/%d does not match %d branch pairs",
			len(res.PConvergent), len(res.PDivergent), len(ps))
	}
	s := &Scalars{
		PConvergent: res.PConvergent,
		PDivergent:  res.PDivergent,
		Selected:    make(map[int][]SelectedSite),
		Pairs:       ps,
		NumSites:    numSites,
	}
	for i, p := range ps {
		if !p.Selected {
			continue
		}
		perSite := res.PerSite[i]
		if perSite == nil {
			return nil, fmt.Errorf("aggregate: pair %d is selected but backend result has no per-site data", i)
		}
		rows := make([]SelectedSite, len(perSite))
		for s2, cd := range perSite {
			rows[s2] = SelectedSite{Site: s2, Conv: cd[0], Div: cd[1]}
		}
		s.Selected[i] = rows
	}
	return s, nil
}
