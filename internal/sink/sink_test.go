package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evobio/grandconv/internal/aggregate"
	"github.com/evobio/grandconv/internal/pairs"
	"github.com/evobio/grandconv/internal/phylo"
	"github.com/evobio/grandconv/internal/regress"
)

func threeLeafTree() *phylo.Tree {
	return &phylo.Tree{
		NLeaf: 3,
		Root:  3,
		Nodes: []phylo.Node{
			{ID: 0, Father: 3, Name: "A"},
			{ID: 1, Father: 3, Name: "B"},
			{ID: 2, Father: 3, Name: "C"},
			{ID: 3, Father: -1, Children: []int{0, 1, 2}},
		},
	}
}

func TestWriteProducesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	tr := threeLeafTree()
	ps := []pairs.Pair{{U: 0, V: 1, Selected: true}, {U: 0, V: 2}}
	sc := &aggregate.Scalars{
		PConvergent: []float64{1.5, 2.25},
		PDivergent:  []float64{0.5, 1.0},
		Selected:    map[int][]aggregate.SelectedSite{0: {{Site: 0, Conv: 1, Div: 0.5}}},
		Pairs:       ps,
		// Deliberately larger than any selected pair's row count, so the
		// assertion below would fail if numOfSites were still inferred from
		// Selected instead of carried from the tensor.
		NumSites: 7,
	}
	reg := regress.Result{K: 1, B: 0}

	if err := Write(dir, tr, sc, reg, "<!-- run 2026-07-30 -->"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, name := range []string{"tree.json", "data.json", "pairs.json", "scatter.png", "index.html", "scatter.html", "regression.html", "pairs.html", "sites.html"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected artifact %s to exist: %v", name, err)
		}
	}

	// No leftover temp files from the atomic-write helpers.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".sink-") {
			t.Errorf("leftover temp artifact: %s", e.Name())
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, "pairs.json"))
	if err != nil {
		t.Fatalf("read pairs.json: %v", err)
	}
	var ids idsFile
	if err := json.Unmarshal(b, &ids); err != nil {
		t.Fatalf("unmarshal pairs.json: %v", err)
	}
	// S6: exactly one selected pair here produces exactly one BP_uxv symbol.
	if len(ids.IDs) != 1 || ids.IDs[0] != "BP_0x1" {
		t.Errorf("expected exactly one selected-pair id BP_0x1, got %v", ids.IDs)
	}

	db, err := os.ReadFile(filepath.Join(dir, "data.json"))
	if err != nil {
		t.Fatalf("read data.json: %v", err)
	}
	var data dataFile
	if err := json.Unmarshal(db, &data); err != nil {
		t.Fatalf("unmarshal data.json: %v", err)
	}
	// numOfSites must come from Scalars.NumSites (the tensor's site count),
	// not be inferred from the selected-pair rows (which would read 1 here).
	if data.NumOfSites != 7 {
		t.Errorf("data.json numOfSites = %d, want 7 (from Scalars.NumSites)", data.NumOfSites)
	}
}

func TestFixed6FormatsSixDecimals(t *testing.T) {
	b, err := json.Marshal(Fixed6(1.0 / 3.0))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != "0.333333" {
		t.Errorf("Fixed6 marshal = %s, want 0.333333", b)
	}
}

func TestReplaceMarkerLineNoOpWhenAbsent(t *testing.T) {
	body := "<html>no markers here</html>"
	out := replaceMarkerLine(body, "@plot", "<img>")
	if out != body {
		t.Errorf("expected unchanged body when marker absent, got %q", out)
	}
}

// TestWriteNumOfSitesWithNoSelectedPairs is spec.md §8 boundary behavior 8:
// numOfSites must still report the run's real site count even when no
// branch pair was selected for per-site output.
func TestWriteNumOfSitesWithNoSelectedPairs(t *testing.T) {
	dir := t.TempDir()
	tr := threeLeafTree()
	ps := []pairs.Pair{{U: 0, V: 1}, {U: 0, V: 2}}
	sc := &aggregate.Scalars{
		PConvergent: []float64{1.5, 2.25},
		PDivergent:  []float64{0.5, 1.0},
		Selected:    map[int][]aggregate.SelectedSite{},
		Pairs:       ps,
		NumSites:    12,
	}
	if err := Write(dir, tr, sc, regress.Result{K: 1, B: 0}, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "data.json"))
	if err != nil {
		t.Fatalf("read data.json: %v", err)
	}
	var data dataFile
	if err := json.Unmarshal(b, &data); err != nil {
		t.Fatalf("unmarshal data.json: %v", err)
	}
	if data.NumOfSites != 12 {
		t.Errorf("data.json numOfSites = %d, want 12 even with no selected pairs", data.NumOfSites)
	}
}

func TestWriteRejectsSelectedPairMissingRows(t *testing.T) {
	dir := t.TempDir()
	tr := threeLeafTree()
	ps := []pairs.Pair{{U: 0, V: 1, Selected: true}}
	sc := &aggregate.Scalars{
		PConvergent: []float64{1},
		PDivergent:  []float64{1},
		Selected:    map[int][]aggregate.SelectedSite{},
		Pairs:       ps,
	}
	if err := Write(dir, tr, sc, regress.Result{}, ""); err == nil {
		t.Fatal("expected error for selected pair missing per-site rows")
	}
}
