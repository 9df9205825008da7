// Package backend dispatches convergence/divergence kernel work across
// CPU, CUDA, and Metal execution backends (spec §4.4), with CPU as the
// always-available fallback.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/evobio/grandconv/internal/kernel"
	"github.com/evobio/grandconv/internal/pairs"
	"github.com/evobio/grandconv/internal/phylo"
)

// Kind names one of the three backend implementations.
type Kind string

const (
	CPU   Kind = "cpu"
	CUDA  Kind = "cuda"
	Metal Kind = "metal"
)

// ErrBackendUnavailable is returned by init when the requested backend
// cannot be used on this host; the caller is expected to fall back to CPU.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Result holds the per-pair scalars and, for selected pairs, the full
// per-site sequence (spec §3's SiteScalars).
type Result struct {
	PConvergent []float64
	PDivergent  []float64
	// PerSite[i] is nil unless pairs[i].Selected; when present it holds
	// numSites pairs of (probC, probD) in site order.
	PerSite [][][2]float64
}

// Backend is the capability trait spec §9 calls for: probe/init/run/
// shutdown, with one active implementation held by Dispatcher at a time.
type Backend interface {
	Kind() Kind
	// Probe reports availability without acquiring persistent resources.
	Probe() bool
	// Init acquires device resources. Returns ErrBackendUnavailable (or a
	// wrapping error) on any failure; the dispatcher treats that as a
	// signal to fall back, never as a reason to abort.
	Init() error
	// Run executes the kernel over every pair/site in pairs against t,
	// returning one Result per Kind's precision contract.
	Run(ctx context.Context, t *phylo.PosteriorTensor, ps []pairs.Pair, n int) (*Result, error)
	// Shutdown releases every resource acquired by Init, on every exit
	// path including a panicking Run.
	Shutdown() error
}

// Dispatcher owns the lifetime of exactly one active Backend and performs
// the GPU-requested/GPU-available/fallback-to-CPU selection policy.
type Dispatcher struct {
	active Backend
	logger *log.Logger
}

// NewDispatcher selects a backend per spec §4.4's policy: if wantGPU is set
// and a GPU backend (tried in the order given) probes available, it is
// initialized; any failure during probe or init falls back to the next
// candidate, and finally to the cpu candidate (or, if none was given, a CPU
// backend with no concurrency limit). Selection is logged via logger
// (required; pass log.Default() if no dedicated run log exists yet).
func NewDispatcher(logger *log.Logger, wantGPU bool, candidates ...Backend) (*Dispatcher, error) {
	if logger == nil {
		return nil, errors.New("backend: NewDispatcher requires a non-nil logger")
	}
	d := &Dispatcher{logger: logger}
	if wantGPU {
		for _, c := range candidates {
			if c.Kind() == CPU {
				continue
			}
			if !c.Probe() {
				logger.Printf("backend: %s not available on this host, skipping", c.Kind())
				continue
			}
			if err := c.Init(); err != nil {
				logger.Printf("backend: %s init failed (%v), falling back", c.Kind(), err)
				continue
			}
			logger.Printf("backend: selected %s", c.Kind())
			d.active = c
			return d, nil
		}
		logger.Printf("backend: GPU requested but no GPU backend available, falling back to cpu")
	}
	var cpu Backend = NewCPU(0)
	for _, c := range candidates {
		if c.Kind() == CPU {
			cpu = c
			break
		}
	}
	if err := cpu.Init(); err != nil {
		return nil, fmt.Errorf("backend: cpu init failed: %w", err)
	}
	logger.Printf("backend: selected %s", cpu.Kind())
	d.active = cpu
	return d, nil
}

// Run delegates to the active backend.
func (d *Dispatcher) Run(ctx context.Context, t *phylo.PosteriorTensor, ps []pairs.Pair, n int) (*Result, error) {
	if d.active == nil {
		return nil, errors.New("backend: dispatcher has no active backend")
	}
	return d.active.Run(ctx, t, ps, n)
}

// Active reports which backend is currently in use.
func (d *Dispatcher) Active() Kind {
	if d.active == nil {
		return ""
	}
	return d.active.Kind()
}

// Shutdown releases the active backend's resources.
func (d *Dispatcher) Shutdown() error {
	if d.active == nil {
		return nil
	}
	return d.active.Shutdown()
}

// CPU is the always-available backend: one errgroup-bounded goroutine per
// branch pair, mirroring internal/score/penalty.go's CalcuateEdgePenalties
// fan-out (SetLimit(nprocs), one g.Go closure per outer index writing to its
// own output slot).
type CPU struct {
	nprocs int
}

// NewCPU constructs a CPU backend. nprocs <= 0 means "no limit": errgroup's
// SetLimit is only applied for a positive value.
func NewCPU(nprocs int) *CPU { return &CPU{nprocs: nprocs} }

func (c *CPU) Kind() Kind { return CPU }

func (c *CPU) Probe() bool { return true }

func (c *CPU) Init() error { return nil }

func (c *CPU) Shutdown() error { return nil }

// Run computes pConvergent/pDivergent (and, for selected pairs, the
// per-site sequence) for every pair in ps, one goroutine per pair.
func (c *CPU) Run(ctx context.Context, t *phylo.PosteriorTensor, ps []pairs.Pair, n int) (*Result, error) {
	numSites := t.NumSites
	res := &Result{
		PConvergent: make([]float64, len(ps)),
		PDivergent:  make([]float64, len(ps)),
		PerSite:     make([][][2]float64, len(ps)),
	}
	g, gctx := errgroup.WithContext(ctx)
	if c.nprocs > 0 {
		g.SetLimit(c.nprocs)
	}
	for i := range ps {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := ps[i]
			var perSite [][2]float64
			if p.Selected {
				perSite = make([][2]float64, numSites)
			}
			var sumC, sumD float64
			for s := 0; s < numSites; s++ {
				pU, err := t.Slice(p.U, s)
				if err != nil {
					return fmt.Errorf("pair (%d,%d) site %d: %w", p.U, p.V, s, err)
				}
				pV, err := t.Slice(p.V, s)
				if err != nil {
					return fmt.Errorf("pair (%d,%d) site %d: %w", p.U, p.V, s, err)
				}
				probC, probD, err := kernel.ReduceSite(pU, pV, n)
				if err != nil {
					return fmt.Errorf("pair (%d,%d) site %d: %w", p.U, p.V, s, err)
				}
				sumC += probC
				sumD += probD
				if perSite != nil {
					perSite[s] = [2]float64{probC, probD}
				}
			}
			res.PConvergent[i] = sumC
			res.PDivergent[i] = sumD
			res.PerSite[i] = perSite
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
