// Package calculator drives the external ab-initio engine: it writes input
// decks for displaced supercells, runs the engine binary, and parses total
// energies, forces, and stress tensors back out.
package calculator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sschatools/sschactl/internal/logging"
	"github.com/sschatools/sschactl/internal/structure"
)

// Result is the outcome of one total-energy calculation. Energy is in Ry,
// Forces in Ry/Bohr (flat, 3 per atom), Stress in Ry/Bohr^3.
type Result struct {
	Energy float64
	Forces []float64
	Stress [3][3]float64
}

// Program writes input decks and parses output files for one ab-initio
// code.
type Program interface {
	// WriteInput emits the full input deck for the given structure.
	WriteInput(w io.Writer, s *structure.Structure) error
	// ParseOutput extracts the result for a structure of natoms atoms.
	ParseOutput(r io.Reader, natoms int) (*Result, error)
	// Command returns the argv used to run the code on the given input
	// file, writing to the given output file.
	Command(inputPath, outputPath string) []string
}

// Engine computes results for a batch of structures.
type Engine interface {
	Compute(ctx context.Context, structs []*structure.Structure, workdir string) ([]*Result, error)
}

// LocalEngine runs the program binary on the local host, one configuration
// at a time.
type LocalEngine struct {
	Program Program
	Runner  CommandRunner
	log     zerolog.Logger
}

// NewLocalEngine returns a LocalEngine backed by os/exec.
func NewLocalEngine(p Program) *LocalEngine {
	return &LocalEngine{
		Program: p,
		Runner:  ExecRunner{},
		log:     logging.Component("calculator"),
	}
}

// Compute runs every structure through the program inside workdir. Input
// and output files are named espresso_run_<i>.pwi / .pwo.
func (e *LocalEngine) Compute(ctx context.Context, structs []*structure.Structure, workdir string) ([]*Result, error) {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("calculator: %w", err)
	}
	results := make([]*Result, len(structs))
	for i, s := range structs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("calculator: %w", err)
		}
		in := filepath.Join(workdir, fmt.Sprintf("espresso_run_%d.pwi", i+1))
		out := filepath.Join(workdir, fmt.Sprintf("espresso_run_%d.pwo", i+1))
		if err := writeInputFile(e.Program, in, s); err != nil {
			return nil, err
		}
		argv := e.Program.Command(in, out)
		e.log.Debug().Int("config", i+1).Str("cmd", strings.Join(argv, " ")).Msg("running calculation")
		stdout, stderr, code, err := e.Runner.Run(ctx, argv[0], argv[1:]...)
		if err != nil {
			return nil, fmt.Errorf("calculator: config %d: %s exited %d: %w\n%s",
				i+1, argv[0], code, err, firstLines(string(stderr), 5))
		}
		// Codes driven through a shell redirect write the output file
		// themselves; otherwise capture stdout.
		if _, statErr := os.Stat(out); statErr != nil {
			if err := os.WriteFile(out, stdout, 0o644); err != nil {
				return nil, fmt.Errorf("calculator: %w", err)
			}
		}
		r, err := parseOutputFile(e.Program, out, s.NAtoms())
		if err != nil {
			return nil, fmt.Errorf("calculator: config %d: %w", i+1, err)
		}
		results[i] = r
	}
	return results, nil
}

func writeInputFile(p Program, path string, s *structure.Structure) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("calculator: %w", err)
	}
	defer f.Close()
	if err := p.WriteInput(f, s); err != nil {
		return fmt.Errorf("calculator: %s: %w", path, err)
	}
	return f.Close()
}

func parseOutputFile(p Program, path string, natoms int) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.ParseOutput(f, natoms)
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
