/*
Grand-Convergence computes, for every independent pair of branches in a
rooted tree, the posterior probability that the same amino-acid (or codon)
substitution occurred on both branches at a site (convergence) versus
different substitutions occurring on each (divergence), then fits a
Theil-Sen regression relating total convergence to total divergence across
all branch pairs.

usage: grandconv [flags]... <tree_file> <tensor_sidecar_file> <tensor_bin_file>

positional arguments:

	<tree_file>           rooted newick tree
	<tensor_sidecar_file> JSON offsets/shape header for the posterior tensor
	<tensor_bin_file>     flat little-endian float64 posterior tensor

flags:

	-c file
	  	control file (key=value options: useGPU, nthreads, seqtype,
	  	branch-pairs, dir); if omitted, built-in defaults are used
	-o directory
	  	output directory override (overrides the control file's "dir")
	-h	prints short help and exits
	-v	prints version number and exits

examples:

	grandconv -c run.conf tree.nwk tensor.json tensor.bin
*/
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/evolbioinfo/gotree/io/newick"
	"github.com/evolbioinfo/gotree/tree"

	"github.com/evobio/grandconv/internal/aggregate"
	"github.com/evobio/grandconv/internal/backend"
	"github.com/evobio/grandconv/internal/config"
	"github.com/evobio/grandconv/internal/pairs"
	"github.com/evobio/grandconv/internal/phylo"
	"github.com/evobio/grandconv/internal/regress"
	"github.com/evobio/grandconv/internal/sink"
)

const (
	Version      = "v0.1.0"
	ErrorMessage = "grandconv encountered an error ::"
	TimeFormat   = "2006-01-02_15-04-05"
)

// Exit codes, spec §6.
const (
	exitSuccess              = 0
	exitInputValidationError = 1
	exitIOError              = 2
	exitBackendInitFailure   = 3
	exitNumericError         = 4
)

type Args struct {
	controlFile string
	outDir      string
	treeFile    string
	sidecarFile string
	binFile     string
}

func Usage() {
	fmt.Fprint(flag.CommandLine.Output(), // nolint
		"usage: grandconv [flags]... <tree_file> <tensor_sidecar_file> <tensor_bin_file>\n",
		"\n",
		"positional arguments:\n\n",
		"  <tree_file>\t\trooted newick tree\n",
		"  <tensor_sidecar_file>\tJSON offsets/shape header for the posterior tensor\n",
		"  <tensor_bin_file>\tflat little-endian float64 posterior tensor\n",
		"\n",
		"flags:\n\n",
	)
	flag.PrintDefaults()
	fmt.Fprint(flag.CommandLine.Output(), // nolint
		"\n",
		"examples:\n\n",
		"\tgrandconv -c run.conf tree.nwk tensor.json tensor.bin\n\n",
	)
}

func parseArgs() Args {
	flag.Usage = Usage
	controlFile := flag.String("c", "", "control `file` (key=value options: useGPU, nthreads, seqtype, branch-pairs, dir)")
	outDir := flag.String("o", "", "output `directory` override (overrides the control file's \"dir\")")
	help := flag.Bool("h", false, "prints short help and exits")
	ver := flag.Bool("v", false, "prints version number and exits")
	flag.Parse()
	if *help {
		Usage()
		os.Exit(exitSuccess)
	}
	if *ver {
		fmt.Printf("grandconv %s\n", Version)
		os.Exit(exitSuccess)
	}
	if flag.NArg() != 3 {
		parserError("three positional arguments required: <tree_file> <tensor_sidecar_file> <tensor_bin_file>")
	}
	return Args{
		controlFile: *controlFile,
		outDir:      *outDir,
		treeFile:    flag.Arg(0),
		sidecarFile: flag.Arg(1),
		binFile:     flag.Arg(2),
	}
}

// parserError prints message and usage, then exits with exitInputValidationError.
func parserError(message string) {
	fmt.Fprintln(os.Stderr, message+"\n")
	Usage()
	os.Exit(exitInputValidationError)
}

func main() {
	exit := exitSuccess
	defer func() {
		os.Exit(exit)
	}()
	buf := &bytes.Buffer{} // capture pre-logfile-setup logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stderr, buf))
	args := parseArgs()

	logPrefix := fmt.Sprintf("grandconv_%s", time.Now().Local().Format(TimeFormat))
	if logf, err := os.Create(logPrefix + ".log"); err == nil {
		logf.Write(buf.Bytes()) // nolint
		log.SetOutput(io.MultiWriter(os.Stderr, logf))
		defer func() {
			log.SetOutput(os.Stderr)
			_ = logf.Close()
		}()
	} else {
		log.Printf("failed to create log file %s.log, %s", logPrefix, err) // should continue to log to stderr
	}
	log.Printf("grandconv %s", Version)
	log.Printf("invoked as: grandconv %s", strings.Join(os.Args[1:], " "))

	exit = run(args)
}

// run executes the full pipeline and returns the exit code spec §6
// mandates: 0 success, 1 input validation, 2 I/O, 3 GPU-mandatory backend
// init failure, 4 numeric error (e.g. empty Theil-Sen slope set).
func run(args Args) int {
	opts := config.Default()
	if args.controlFile != "" {
		f, err := os.Open(args.controlFile)
		if err != nil {
			log.Printf("%s %s", ErrorMessage, err)
			return exitIOError
		}
		parsed, err := config.Parse(f)
		_ = f.Close()
		if err != nil {
			log.Printf("%s %s", ErrorMessage, err)
			return exitInputValidationError
		}
		opts = parsed
	}
	if args.outDir != "" {
		opts.Dir = args.outDir
	}

	gt, err := readTreeFile(args.treeFile)
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}
	tr, err := phylo.FromGotree(gt)
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}
	if err := tr.Validate(); err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}

	tensor, err := phylo.LoadPosteriorTensor(args.sidecarFile, args.binFile)
	if err != nil {
		if errors.Is(err, phylo.ErrInvalidTensor) {
			log.Printf("%s %s", ErrorMessage, err)
			return exitInputValidationError
		}
		log.Printf("%s %s", ErrorMessage, err)
		return exitIOError
	}

	branchPairs, err := pairs.Enumerate(tr, opts.BranchPairs)
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}
	log.Printf("enumerated %d independent branch pairs", len(branchPairs))

	logger := log.Default()
	dispatcher, err := backend.NewDispatcher(logger, opts.UseGPU, backend.NewCPU(opts.NThreads))
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitBackendInitFailure
	}
	defer func() {
		if err := dispatcher.Shutdown(); err != nil {
			log.Printf("error shutting down backend: %s", err)
		}
	}()

	n := opts.SeqType.N()
	res, err := dispatcher.Run(context.Background(), tensor, branchPairs, n)
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}

	scalars, err := aggregate.FromBackendResult(branchPairs, res, tensor.NumSites)
	if err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitNumericError
	}

	reg, err := regress.Fit(scalars.PDivergent, scalars.PConvergent)
	if err != nil {
		if errors.Is(err, regress.ErrNumericDegeneracy) {
			log.Printf("%s %s", ErrorMessage, err)
			return exitNumericError
		}
		log.Printf("%s %s", ErrorMessage, err)
		return exitInputValidationError
	}
	log.Printf("regression: k=%.6f b=%.6f (slope IQR=%.6f)", reg.K, reg.B, reg.SlopeIQR)

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitIOError
	}
	dataTag := fmt.Sprintf("<!-- grandconv %s, %d branch pairs, backend=%s -->", Version, len(branchPairs), dispatcher.Active())
	if err := sink.Write(opts.Dir, tr, scalars, reg, dataTag); err != nil {
		log.Printf("%s %s", ErrorMessage, err)
		return exitIOError
	}

	log.Printf("wrote results to %s", opts.Dir)
	return exitSuccess
}

// readTreeFile reads and parses a single-newick-tree file, matching
// internal/prep/io.go's readTreeFile shape (one tree per file, no trailing
// garbage).
func readTreeFile(path string) (*tree.Tree, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tree file: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty tree file %s", path)
	}
	if i := bytes.IndexByte(b, ';'); i >= 0 && i != len(b)-1 {
		return nil, fmt.Errorf("tree file %s must contain exactly one newick tree", path)
	}
	tre, err := newick.NewParser(bytes.NewReader(b)).Parse()
	if err != nil {
		return nil, fmt.Errorf("error parsing tree newick string from %s: %w", path, err)
	}
	return tre, nil
}
