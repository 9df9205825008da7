// Package sink emits the tree description, regression/scatter data file,
// per-pair identifiers, and HTML report artifacts spec §4.6 (ResultSink)
// calls for. Every artifact is written atomically (temp file in the target
// directory, then renamed into place) so a failed or interrupted run never
// overwrites a prior successful result with a partial one.
package sink

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/evobio/grandconv/internal/aggregate"
	"github.com/evobio/grandconv/internal/phylo"
	"github.com/evobio/grandconv/internal/regress"
)

var (
	scatterColor = color.RGBA{R: 37, G: 150, B: 190, A: 255}
	lineColor    = color.RGBA{R: 190, G: 70, B: 37, A: 255}
	markerShape  = draw.CircleGlyph{}

	plotW = 6 * vg.Inch
	plotH = 4 * vg.Inch
)

// treeNode mirrors phylo.Node's fields for JSON output (artifact 1:
// "A JSON description of the tree: node id, parent, branch length, name,
// children").
type treeNode struct {
	ID       int     `json:"id"`
	Parent   int     `json:"parent"`
	Branch   float64 `json:"branch"`
	Name     string  `json:"name,omitempty"`
	Children []int   `json:"children"`
}

// treeDoc is the JSON-serializable view of a phylo.Tree.
type treeDoc struct {
	NNode int        `json:"nnode"`
	NLeaf int        `json:"nleaf"`
	Root  int        `json:"root"`
	Nodes []treeNode `json:"nodes"`
}

func toTreeDoc(t *phylo.Tree) treeDoc {
	nodes := make([]treeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		children := n.Children
		if children == nil {
			children = []int{}
		}
		nodes[i] = treeNode{ID: n.ID, Parent: n.Father, Branch: n.Branch, Name: n.Name, Children: children}
	}
	return treeDoc{NNode: t.NNode(), NLeaf: t.NLeaf, Root: t.Root, Nodes: nodes}
}

// selectedSiteTriple is one [siteIndex, conv, div] row.
type selectedSiteTriple [3]Fixed6

// dataFile is artifact 2.
type dataFile struct {
	RegressionSlope          float64                       `json:"regressionSlope"`
	RegressionIntercept      float64                       `json:"regressionIntercept"`
	NumOfSelectedBranchPairs int                            `json:"numOfSelectedBranchPairs"`
	NumOfSites               int                            `json:"numOfSites"`
	XPoints                  []Fixed6                       `json:"xPoints"`
	YPoints                  []Fixed6                       `json:"yPoints"`
	Labels                   []string                       `json:"labels"`
	XPostNumSub              []Fixed6                       `json:"xPostNumSub"`
	YSiteClass               []Fixed6                       `json:"ySiteClass"`
	PerPairSites             map[string][]selectedSiteTriple `json:"perPairSites"`
}

// idsFile is artifact 3.
type idsFile struct {
	IDs     []string `json:"siteSpecificBranchPairsIDs"`
	Names   []string `json:"names"`
	Symbols []int    `json:"symbols"`
}

func nodeLabel(t *phylo.Tree, id int) string {
	if t.IsLeaf(id) {
		return t.Nodes[id].Name
	}
	return fmt.Sprintf("N%d", id)
}

// pairLabel reproduces the literal "f(u)..u x f(v)..v" shape from spec
// §4.6: f(u) is the node's display name (leaf name or "N<id>"), joined to
// its numeric id by "..", with the two sides separated by " x ".
func pairLabel(t *phylo.Tree, u, v int) string {
	return fmt.Sprintf("%s..%d x %s..%d", nodeLabel(t, u), u, nodeLabel(t, v), v)
}

func pairID(u, v int) string   { return fmt.Sprintf("BP_%dx%d", u, v) }
func pairName(u, v int) string { return fmt.Sprintf("Branch Pair: %d..%d", u, v) }

// htmlTemplate is one of the five static report templates; renderTemplate performs
// token substitution on marker lines only, leaving everything else as-is.
// Per spec §9 Open Question 3, a marker absent from a given template is a
// no-op, not an error.
type htmlTemplate struct {
	name string
	body string
}

func renderTemplate(tmpl htmlTemplate, tokens map[string]string) string {
	out := tmpl.body
	for marker, value := range tokens {
		out = replaceMarkerLine(out, marker, value)
	}
	return out
}

// replaceMarkerLine replaces every occurrence of marker with value. Markers
// are simple textual tokens (e.g. "@dataTag"), not regular expressions; an
// absent marker leaves the template unchanged.
func replaceMarkerLine(body, marker, value string) string {
	for {
		idx := indexOf(body, marker)
		if idx < 0 {
			return body
		}
		body = body[:idx] + value + body[idx+len(marker):]
	}
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// defaultTemplates returns the five static report templates named by spec
// §4.6; in the absence of recovered original template bodies these are
// minimal, self-consistent HTML shells carrying the documented markers.
func defaultTemplates() []htmlTemplate {
	shell := func(title string) string {
		return fmt.Sprintf("<!DOCTYPE html>\n<html><head><title>%s</title></head><body>\n@dataTag\n@tableAndPlot\n@rateVsDivPlot\n@plot\n</body></html>\n", title)
	}
	return []htmlTemplate{
		{name: "index.html", body: shell("Grand-Convergence Report")},
		{name: "scatter.html", body: shell("Convergence vs Divergence")},
		{name: "regression.html", body: shell("Regression Fit")},
		{name: "pairs.html", body: shell("Branch Pairs")},
		{name: "sites.html", body: shell("Selected Site Detail")},
	}
}

// Write emits every artifact to dir, which must already exist.
func Write(dir string, t *phylo.Tree, sc *aggregate.Scalars, reg regress.Result, dataTagLine string) error {
	if err := writeAtomicJSON(filepath.Join(dir, "tree.json"), toTreeDoc(t)); err != nil {
		return fmt.Errorf("sink: tree.json: %w", err)
	}

	numSelected := 0
	labels := make([]string, len(sc.Pairs))
	perPairSites := make(map[string][]selectedSiteTriple, len(sc.Selected))
	ids := make([]string, 0, len(sc.Selected))
	names := make([]string, 0, len(sc.Selected))
	symbols := make([]int, 0, len(sc.Selected))
	for i, p := range sc.Pairs {
		labels[i] = pairLabel(t, p.U, p.V)
		if !p.Selected {
			continue
		}
		rows, ok := sc.Selected[i]
		if !ok {
			return fmt.Errorf("sink: pair %d marked selected but has no per-site rows", i)
		}
		triples := make([]selectedSiteTriple, len(rows))
		for j, r := range rows {
			triples[j] = selectedSiteTriple{Fixed6(r.Site), Fixed6(r.Conv), Fixed6(r.Div)}
		}
		perPairSites[pairID(p.U, p.V)] = triples
		ids = append(ids, pairID(p.U, p.V))
		names = append(names, pairName(p.U, p.V))
		symbols = append(symbols, numSelected)
		numSelected++
	}

	data := dataFile{
		RegressionSlope:          reg.K,
		RegressionIntercept:      reg.B,
		NumOfSelectedBranchPairs: numSelected,
		NumOfSites:               sc.NumSites,
		XPoints:                  fixed6Slice(sc.PDivergent),
		YPoints:                  fixed6Slice(sc.PConvergent),
		Labels:                   labels,
		XPostNumSub:              fixed6Slice(sc.PDivergent),
		YSiteClass:               fixed6Slice(sc.PConvergent),
		PerPairSites:             perPairSites,
	}
	if err := writeAtomicJSON(filepath.Join(dir, "data.json"), data); err != nil {
		return fmt.Errorf("sink: data.json: %w", err)
	}

	if err := writeAtomicJSON(filepath.Join(dir, "pairs.json"), idsFile{IDs: ids, Names: names, Symbols: symbols}); err != nil {
		return fmt.Errorf("sink: pairs.json: %w", err)
	}

	if err := writeScatterPlot(filepath.Join(dir, "scatter.png"), sc, reg); err != nil {
		return fmt.Errorf("sink: scatter.png: %w", err)
	}

	tokens := map[string]string{
		"@dataTag":       dataTagLine,
		"@tableAndPlot":  fmt.Sprintf("<!-- %d branch pairs, %d selected -->", len(sc.Pairs), numSelected),
		"@rateVsDivPlot": `<img src="scatter.png">`,
		"@plot":          `<img src="scatter.png">`,
	}
	for _, tmpl := range defaultTemplates() {
		rendered := renderTemplate(tmpl, tokens)
		if err := writeAtomicFile(filepath.Join(dir, tmpl.name), []byte(rendered)); err != nil {
			return fmt.Errorf("sink: %s: %w", tmpl.name, err)
		}
	}
	return nil
}

// writeScatterPlot draws pDivergent (x) vs pConvergent (y) with the fitted
// regression line overlaid, grounded on internal/prep/io.go's
// WriteResultsLineplot (same plot/plotter/vg/draw stack, same
// new-plot/add/save shape).
func writeScatterPlot(path string, sc *aggregate.Scalars, reg regress.Result) error {
	p := plot.New()
	p.X.Label.Text = "pDivergent"
	p.Y.Label.Text = "pConvergent"

	pts := make(plotter.XYs, len(sc.PDivergent))
	var xMax float64
	for i := range pts {
		pts[i].X = sc.PDivergent[i]
		pts[i].Y = sc.PConvergent[i]
		if pts[i].X > xMax {
			xMax = pts[i].X
		}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.Color = scatterColor
	scatter.Shape = markerShape
	scatter.Radius = vg.Points(3)
	p.Add(scatter)

	line := plotter.NewFunction(func(x float64) float64 { return reg.K*x + reg.B })
	line.Color = lineColor
	line.Width = vg.Points(1.5)
	p.Add(line)

	return writeAtomicPlot(p, path)
}

func writeAtomicPlot(p *plot.Plot, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sink-plot-*.png")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()
	if err := p.Save(plotW, plotH, tmpPath); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeAtomicJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(path, b)
}

// writeAtomicFile implements the write-once guarantee spec §3's Lifecycles
// section requires: a temp file in the same directory (so the rename is
// same-filesystem and atomic), written and closed, then renamed over the
// final path. Nothing observes a partially-written file at the final path.
func writeAtomicFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sink-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
