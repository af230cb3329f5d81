// Package relax drives the outer self-consistent loop: generate a
// stochastic population from the trial matrix, compute it ab initio,
// minimize the free energy against it, and repeat until the minimizer
// converges inside a single population. The vc-relax variant also steps
// the cell toward a target pressure between populations.
package relax

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sschatools/sschactl/internal/calculator"
	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/ensemble"
	"github.com/sschatools/sschactl/internal/input"
	"github.com/sschatools/sschactl/internal/logging"
	"github.com/sschatools/sschactl/internal/minim"
	"github.com/sschatools/sschactl/internal/structure"
	"github.com/sschatools/sschactl/internal/units"
)

// Strain steps below this are treated as a relaxed cell.
const strainTol = 1e-4

// Options configures one relaxation run.
type Options struct {
	Type     string // "relax" or "vc-relax"
	NConfigs int
	StartPop int
	MaxPopID int

	TargetPressure float64 // GPa
	FixVolume      bool
	BulkModulus    float64 // GPa

	Temperature  float64 // Kelvin
	DataDir      string
	Workdir      string
	FildynPrefix string

	SaveFreqFilename string

	// Seed fixes the configuration sampling; zero draws from the clock.
	Seed int64

	Minim minim.Options
}

// FromConfig maps the decoded input file onto relaxation options.
func FromConfig(cfg input.Config) Options {
	return Options{
		Type:             cfg.Relax.Type,
		NConfigs:         cfg.Scha.NRandom,
		StartPop:         cfg.Scha.Population,
		MaxPopID:         cfg.Relax.MaxPopID,
		TargetPressure:   cfg.Relax.TargetPressure,
		FixVolume:        cfg.Relax.FixVolume,
		BulkModulus:      cfg.Relax.BulkModulus,
		Temperature:      cfg.Scha.Temperature,
		DataDir:          cfg.Scha.DataDir,
		Workdir:          cfg.Calc.Workdir,
		FildynPrefix:     cfg.Scha.FildynPrefix,
		SaveFreqFilename: cfg.Utils.SaveFreqFilename,
		Minim:            input.MinimOptions(cfg),
	}
}

// Driver owns the trial matrix across populations.
type Driver struct {
	Opt    Options
	Dyn    *dyn.Matrix
	Engine calculator.Engine

	rng        *rand.Rand
	history    []minim.StepRecord
	converged  bool
	lastPop    int
	wroteFreqs bool

	log zerolog.Logger
}

// New builds a driver starting from the given trial matrix.
func New(start *dyn.Matrix, engine calculator.Engine, opt Options) (*Driver, error) {
	if opt.NConfigs < 1 {
		return nil, fmt.Errorf("relax: n_random must be positive, got %d", opt.NConfigs)
	}
	if opt.StartPop < 1 || opt.MaxPopID < opt.StartPop {
		return nil, fmt.Errorf("relax: bad population range [%d,%d]", opt.StartPop, opt.MaxPopID)
	}
	if opt.Type != "relax" && opt.Type != "vc-relax" {
		return nil, fmt.Errorf("relax: unknown relaxation type %q", opt.Type)
	}
	// fix_volume still needs the modulus for the deviatoric part.
	if opt.Type == "vc-relax" && opt.BulkModulus <= 0 {
		return nil, fmt.Errorf("relax: bulk_modulus must be positive, got %v", opt.BulkModulus)
	}
	if err := opt.Minim.Validate(); err != nil {
		return nil, err
	}
	seed := opt.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Driver{
		Opt:    opt,
		Dyn:    start.Clone(),
		Engine: engine,
		rng:    rand.New(rand.NewSource(seed)),
		log:    logging.Component("relax"),
	}, nil
}

// Converged reports whether the last Run ended with a converged
// minimization (and, for vc-relax, a relaxed cell).
func (d *Driver) Converged() bool { return d.converged }

// History returns the minimization records of every population, in order.
func (d *Driver) History() []minim.StepRecord {
	out := make([]minim.StepRecord, len(d.history))
	copy(out, d.history)
	return out
}

// Run iterates populations until convergence or the population cap.
func (d *Driver) Run(ctx context.Context) error {
	for pop := d.Opt.StartPop; pop <= d.Opt.MaxPopID; pop++ {
		d.lastPop = pop
		done, err := d.runPopulation(ctx, pop)
		if err != nil {
			return err
		}
		if done {
			d.converged = true
			break
		}
	}
	if !d.converged {
		d.log.Warn().Int("max_pop_id", d.Opt.MaxPopID).
			Msg("population cap reached without convergence")
	}
	return d.saveFinal()
}

func (d *Driver) runPopulation(ctx context.Context, pop int) (bool, error) {
	d.log.Info().Int("population", pop).Int("n_configs", d.Opt.NConfigs).
		Float64("temperature_k", d.Opt.Temperature).Msg("starting population")

	var ens *ensemble.Ensemble
	var results []*calculator.Result
	if ensemble.Exists(d.Opt.DataDir, pop) {
		// Restart: the population was computed on a previous run.
		d.log.Info().Int("population", pop).Str("data_dir", d.Opt.DataDir).
			Msg("reusing computed population")
		var err error
		ens, err = ensemble.Load(d.Opt.DataDir, pop, d.Dyn, d.Opt.Temperature)
		if err != nil {
			return false, err
		}
	} else {
		var err error
		ens, err = ensemble.Generate(d.Dyn, d.Opt.Temperature, d.Opt.NConfigs, d.rng)
		if err != nil {
			return false, err
		}
		structs, err := ens.Structures()
		if err != nil {
			return false, err
		}

		workdir := filepath.Join(d.Opt.Workdir, fmt.Sprintf("population%d", pop))
		results, err = d.Engine.Compute(ctx, structs, workdir)
		if err != nil {
			return false, fmt.Errorf("relax: population %d: %w", pop, err)
		}
		energies := make([]float64, len(results))
		forces := make([][]float64, len(results))
		for i, r := range results {
			energies[i] = r.Energy
			forces[i] = r.Forces
		}
		if err := ens.SetResults(energies, forces); err != nil {
			return false, err
		}
		if err := ens.Save(d.Opt.DataDir, pop); err != nil {
			return false, err
		}
	}

	avgE, avgErr := ens.AvgEnergy()
	d.log.Info().Int("population", pop).
		Float64("avg_energy_ry", avgE).Float64("avg_energy_err", avgErr).
		Msg("ensemble ready")

	mz, err := minim.New(d.Dyn, d.Opt.Minim)
	if err != nil {
		return false, err
	}
	if err := mz.Init(ens); err != nil {
		return false, err
	}
	if err := mz.Run(ctx); err != nil {
		return false, err
	}
	final, err := mz.Finalize()
	if err != nil {
		return false, err
	}
	d.Dyn = final
	d.history = append(d.history, mz.History()...)

	if err := dyn.Save(fmt.Sprintf("%s_population%d", d.Opt.FildynPrefix, pop), d.Dyn); err != nil {
		return false, err
	}
	if d.Opt.SaveFreqFilename != "" {
		if err := d.appendFrequencies(pop); err != nil {
			return false, err
		}
	}

	maxStrain := 0.0
	if d.Opt.Type == "vc-relax" {
		if results == nil {
			// Reloaded populations carry no stress tensors.
			d.log.Warn().Int("population", pop).Msg("no stress data, skipping cell step")
		} else if maxStrain, err = d.stepCell(ens, results); err != nil {
			return false, err
		}
	}

	if mz.NeedsNewPopulation() {
		return false, nil
	}
	if !mz.Converged() {
		return false, nil
	}
	if d.Opt.Type == "vc-relax" && maxStrain > strainTol {
		return false, nil
	}
	return true, nil
}

// stepCell moves the cell down the stress gradient using the guessed bulk
// modulus, and returns the largest strain component applied.
func (d *Driver) stepCell(ens *ensemble.Ensemble, results []*calculator.Result) (float64, error) {
	var avg [3][3]float64
	var wsum float64
	for i, r := range results {
		w := ens.Weights[i]
		wsum += w
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				avg[a][b] += w * r.Stress[a][b]
			}
		}
	}
	if wsum == 0 {
		return 0, fmt.Errorf("relax: stress average over zero total weight")
	}
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			avg[a][b] *= units.RyToGPa / wsum
		}
	}
	pressure := (avg[0][0] + avg[1][1] + avg[2][2]) / 3

	var eps [3][3]float64
	maxStrain := 0.0
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			eps[a][b] = avg[a][b] / (3 * d.Opt.BulkModulus)
			if a == b {
				eps[a][b] -= d.Opt.TargetPressure / (3 * d.Opt.BulkModulus)
			}
		}
	}
	if d.Opt.FixVolume {
		tr := (eps[0][0] + eps[1][1] + eps[2][2]) / 3
		for a := 0; a < 3; a++ {
			eps[a][a] -= tr
		}
	}
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			if s := math.Abs(eps[a][b]); s > maxStrain {
				maxStrain = s
			}
		}
	}
	// The force constants are kept; the next population regenerates
	// statistics on the deformed cell.
	d.Dyn.Structure.StrainTensor(eps)
	d.log.Info().
		Float64("pressure_gpa", pressure).
		Float64("target_gpa", d.Opt.TargetPressure).
		Float64("max_strain", maxStrain).
		Msg("cell step")
	return maxStrain, nil
}

// appendFrequencies appends one row of phonon frequencies (cm^-1) for the
// matrix reached at the end of the population. The first row of a run
// truncates the file, so a restarted run does not duplicate the rows of
// the populations it reloads.
func (d *Driver) appendFrequencies(pop int) error {
	modes, err := d.Dyn.Eigen()
	if err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if d.wroteFreqs {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(d.Opt.SaveFreqFilename, flags, 0o644)
	if err != nil {
		return fmt.Errorf("relax: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%4d", pop)
	for _, omega := range modes.Omega {
		fmt.Fprintf(w, " %14.6f", omega*units.RyToCm)
	}
	fmt.Fprintln(w)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("relax: %w", err)
	}
	d.wroteFreqs = true
	return nil
}

// saveFinal persists the final matrix and its centroid structure next to
// the per-population files.
func (d *Driver) saveFinal() error {
	if err := dyn.Save(d.Opt.FildynPrefix+"_final", d.Dyn); err != nil {
		return err
	}
	if err := structure.SaveSCF(d.Opt.FildynPrefix+"_final.scf", d.Dyn.Structure); err != nil {
		return err
	}
	d.log.Info().
		Int("last_population", d.lastPop).
		Bool("converged", d.converged).
		Str("fildyn", d.Opt.FildynPrefix+"_final").
		Msg("relaxation finished")
	return nil
}
