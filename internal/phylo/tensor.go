package phylo

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrInvalidTensor wraps malformed PosteriorTensor conditions: bad offsets,
// non-finite entries, negative entries.
var ErrInvalidTensor = errors.New("invalid posterior tensor")

// PosteriorTensor is the flat, read-only (node, site, from, to) table
// described in spec §3. ConP is indexed as
// ConP[Offsets[v] + uint64(site)*uint64(N)*uint64(N) + uint64(j)*uint64(N) + uint64(k)].
type PosteriorTensor struct {
	ConP     []float64
	Offsets  []uint64 // length NNode+1
	NumSites int
	N        int
}

// tensorSidecar is the JSON header written alongside the flat binary ConP
// file by the upstream ancestral-reconstruction phase.
type tensorSidecar struct {
	NNode    int      `json:"nnode"`
	NumSites int      `json:"numSites"`
	N        int      `json:"n"`
	Offsets  []uint64 `json:"offsets"`
}

// LoadPosteriorTensor reads the JSON sidecar and the flat float64 binary
// buffer it describes. All offset arithmetic here is performed in 64-bit
// space before any indexing happens, per spec §4.2.
func LoadPosteriorTensor(sidecarPath, binPath string) (*PosteriorTensor, error) {
	hdrBytes, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("error reading tensor sidecar: %w", err)
	}
	var hdr tensorSidecar
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: malformed sidecar json: %s", ErrInvalidTensor, err)
	}
	if hdr.NNode <= 0 || hdr.NumSites <= 0 || hdr.N <= 0 {
		return nil, fmt.Errorf("%w: nnode=%d numSites=%d n=%d must all be positive", ErrInvalidTensor, hdr.NNode, hdr.NumSites, hdr.N)
	}
	if len(hdr.Offsets) != hdr.NNode+1 {
		return nil, fmt.Errorf("%w: expected %d offsets, got %d", ErrInvalidTensor, hdr.NNode+1, len(hdr.Offsets))
	}
	rowLen := uint64(hdr.NumSites) * uint64(hdr.N) * uint64(hdr.N)
	for v := 0; v < hdr.NNode; v++ {
		if hdr.Offsets[v+1] < hdr.Offsets[v] {
			return nil, fmt.Errorf("%w: offsets not monotonic at node %d", ErrInvalidTensor, v)
		}
		if hdr.Offsets[v+1]-hdr.Offsets[v] != rowLen {
			return nil, fmt.Errorf("%w: node %d span %d != numSites*n*n (%d)", ErrInvalidTensor, v, hdr.Offsets[v+1]-hdr.Offsets[v], rowLen)
		}
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("error opening tensor binary %s: %w", binPath, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			panic(fmt.Sprintf("could not close %s, %s", binPath, cerr))
		}
	}()

	total := hdr.Offsets[hdr.NNode]
	conP := make([]float64, total)
	r := bufio.NewReader(f)
	buf := make([]byte, 8)
	for i := range conP {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: reading entry %d of %d: %s", ErrInvalidTensor, i, total, err)
		}
		bits := binary.LittleEndian.Uint64(buf)
		val := math.Float64frombits(bits)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: non-finite entry at index %d", ErrInvalidTensor, i)
		}
		if val < 0 {
			return nil, fmt.Errorf("%w: negative entry at index %d", ErrInvalidTensor, i)
		}
		conP[i] = val
	}
	return &PosteriorTensor{ConP: conP, Offsets: hdr.Offsets, NumSites: hdr.NumSites, N: hdr.N}, nil
}

// Slice returns a read-only n*n row-major view of the posterior matrix for
// node and site. The caller must not mutate the returned slice.
func (pt *PosteriorTensor) Slice(node, site int) ([]float64, error) {
	if node < 0 || node+1 >= len(pt.Offsets) {
		return nil, fmt.Errorf("%w: node %d out of range", ErrInvalidTensor, node)
	}
	if site < 0 || site >= pt.NumSites {
		return nil, fmt.Errorf("%w: site %d out of range [0,%d)", ErrInvalidTensor, site, pt.NumSites)
	}
	n2 := uint64(pt.N) * uint64(pt.N)
	start := pt.Offsets[node] + uint64(site)*n2
	end := start + n2
	if end > uint64(len(pt.ConP)) {
		return nil, fmt.Errorf("%w: computed slice [%d,%d) exceeds buffer length %d", ErrInvalidTensor, start, end, len(pt.ConP))
	}
	return pt.ConP[start:end], nil
}

// At returns the single entry P[j,k] for (node, site).
func (pt *PosteriorTensor) At(node, site, j, k int) (float64, error) {
	m, err := pt.Slice(node, site)
	if err != nil {
		return 0, err
	}
	if j < 0 || j >= pt.N || k < 0 || k >= pt.N {
		return 0, fmt.Errorf("%w: index (%d,%d) out of range for n=%d", ErrInvalidTensor, j, k, pt.N)
	}
	return m[j*pt.N+k], nil
}
