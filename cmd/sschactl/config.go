package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sschatools/sschactl/internal/calculator"
	"github.com/sschatools/sschactl/internal/cluster"
	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/input"
	"github.com/sschatools/sschactl/internal/relax"
)

// cliOptions are the command line flags of sschactl.
type cliOptions struct {
	inputPath   string
	plotResults bool
	saveData    string
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	fs := flag.NewFlagSet("sschactl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts cliOptions
	fs.StringVar(&opts.inputPath, "i", "", "namelist input file (required)")
	fs.BoolVar(&opts.plotResults, "plot-results", false, "write a gnuplot script for the minimization history")
	fs.StringVar(&opts.saveData, "save-data", "", "write the minimization history to this file")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if opts.inputPath == "" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("flag -i is required")
	}
	if args := fs.Args(); len(args) > 0 {
		return cliOptions{}, fmt.Errorf("unexpected argument %q", args[0])
	}
	return opts, nil
}

// buildDriver assembles the relaxation driver from the input file: the
// starting matrix, the ab-initio program, and a local or remote engine.
func buildDriver(opts cliOptions) (*relax.Driver, error) {
	if _, err := os.Stat(opts.inputPath); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}
	cfg, err := input.Load(opts.inputPath)
	if err != nil {
		return nil, err
	}

	start, err := dyn.Load(cfg.Scha.FildynPrefix)
	if err != nil {
		return nil, err
	}
	start.ApplyASR()
	sc := cfg.Scha.SupercellSize
	if sc[0]*sc[1]*sc[2] > 1 {
		// The file carries the unit cell; tile it onto the requested
		// supercell before sampling.
		start, err = start.Supercell(sc[0], sc[1], sc[2])
		if err != nil {
			return nil, err
		}
	}
	if err := input.EspressoProgram(cfg).Validate(start.Structure); err != nil {
		return nil, err
	}

	var engine calculator.Engine
	if cfg.Calc.ClusterProfile != "" {
		profile, err := cluster.LoadProfile(cfg.Calc.ClusterProfile)
		if err != nil {
			return nil, err
		}
		engine = cluster.NewRemoteEngine(profile, input.EspressoProgram(cfg))
	} else {
		engine = calculator.NewLocalEngine(input.EspressoProgram(cfg))
	}

	return relax.New(start, engine, relax.FromConfig(cfg))
}
