// Package minim implements the stochastic self-consistent harmonic
// minimization: preconditioned gradient descent on the trial force
// constants (and optionally the centroid positions) against a fixed
// reweighted ensemble, stopping when the gradient drowns in its own
// stochastic error or the ensemble stops being representative.
package minim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/ensemble"
	"github.com/sschatools/sschactl/internal/logging"
	"github.com/sschatools/sschactl/internal/units"
)

var (
	ErrNotInitialized = errors.New("minim: minimizer not initialized")
	ErrNoResults      = errors.New("minim: ensemble carries no forces or energies")
	ErrUnstableStep   = errors.New("minim: update produced an unstable dynamical matrix")
)

// Options tunes one minimization run. Zero values fall back to Default.
type Options struct {
	// StepDyn is the gradient step on the force constants (lambda_a).
	StepDyn float64
	// StepStruc is the gradient step on the centroids (lambda_w).
	StepStruc float64
	// MinimStruc enables centroid minimization.
	MinimStruc bool
	// MeaningfulFactor stops the run once the force-constant gradient
	// modulus falls below this multiple of its stochastic error.
	MeaningfulFactor float64
	// KongLiuThreshold aborts the run (NeedsNewPopulation) once the
	// effective sample fraction drops below it.
	KongLiuThreshold float64
	// MaxSteps caps the number of gradient steps (max_ka).
	MaxSteps int
	// Preconditioning divides the mode-space gradient by the thermal
	// amplitudes of the current matrix.
	Preconditioning bool
	// LockStart/LockEnd freeze the eigenmode index range [start,end]
	// (1-based) during the force-constant update. Zero disables locking.
	LockStart, LockEnd int
	// EqEnergy is subtracted from ensemble energies before averaging.
	EqEnergy float64
	// RootRepresentation selects the matrix parametrization of the
	// update: "normal" steps the force constants directly, "sqrt" and
	// "root4" step their matrix square or fourth root and power back,
	// which keeps the matrix positive semi-definite for any step size.
	RootRepresentation string
}

// Default returns the option defaults used when the namelist is silent.
func Default() Options {
	return Options{
		StepDyn:            0.5,
		StepStruc:          0.5,
		MeaningfulFactor:   1e-4,
		KongLiuThreshold:   0.5,
		MaxSteps:           80,
		Preconditioning:    true,
		RootRepresentation: "normal",
	}
}

// Validate rejects option combinations the stepper cannot run with.
func (o Options) Validate() error {
	if o.StepDyn <= 0 {
		return fmt.Errorf("minim: step on dynamical matrix must be positive, got %v", o.StepDyn)
	}
	if o.MinimStruc && o.StepStruc <= 0 {
		return fmt.Errorf("minim: step on structure must be positive, got %v", o.StepStruc)
	}
	if o.MeaningfulFactor <= 0 {
		return fmt.Errorf("minim: meaningful_factor must be positive, got %v", o.MeaningfulFactor)
	}
	if o.KongLiuThreshold <= 0 || o.KongLiuThreshold > 1 {
		return fmt.Errorf("minim: kong_liu_ratio must be in (0,1], got %v", o.KongLiuThreshold)
	}
	if o.MaxSteps < 1 {
		return fmt.Errorf("minim: max_ka must be positive, got %v", o.MaxSteps)
	}
	if o.LockStart < 0 || o.LockEnd < o.LockStart {
		return fmt.Errorf("minim: invalid mode lock range [%d,%d]", o.LockStart, o.LockEnd)
	}
	switch o.RootRepresentation {
	case "", "normal", "sqrt", "root4":
	default:
		return fmt.Errorf("minim: unknown root_representation %q", o.RootRepresentation)
	}
	return nil
}

// rootDepth is the number of matrix square roots the update steps through.
func (o Options) rootDepth() int {
	switch o.RootRepresentation {
	case "sqrt":
		return 1
	case "root4":
		return 2
	}
	return 0
}

// StepRecord is one line of the minimization history.
type StepRecord struct {
	Step            int
	FreeEnergy      float64 // Ry
	FreeEnergyError float64
	GradDyn         float64 // Frobenius modulus, Ry/Bohr^2
	GradDynError    float64
	GradStruc       float64 // Ry/Bohr
	KongLiu         float64
}

// Minimizer carries the trial dynamical matrix through one population.
type Minimizer struct {
	Opt Options
	Dyn *dyn.Matrix

	ens     *ensemble.Ensemble
	history []StepRecord

	converged          bool
	needsNewPopulation bool

	log zerolog.Logger
}

// New builds a minimizer starting from the given trial matrix.
func New(start *dyn.Matrix, opt Options) (*Minimizer, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return &Minimizer{
		Opt: opt,
		Dyn: start.Clone(),
		log: logging.Component("minim"),
	}, nil
}

// Init attaches the population the run will consume. The ensemble must
// already carry ab-initio energies and forces.
func (m *Minimizer) Init(e *ensemble.Ensemble) error {
	if e.N() == 0 || len(e.Forces) != e.N() || e.Forces[0] == nil {
		return ErrNoResults
	}
	if len(e.U[0]) != m.Dyn.Dim() {
		return fmt.Errorf("minim: ensemble dimension %d, matrix dimension %d", len(e.U[0]), m.Dyn.Dim())
	}
	m.ens = e
	m.history = nil
	m.converged = false
	m.needsNewPopulation = false
	return m.ens.UpdateWeights(m.Dyn)
}

// Converged reports whether the last Run stopped on the gradient
// criterion.
func (m *Minimizer) Converged() bool { return m.converged }

// NeedsNewPopulation reports whether the last Run stopped because the
// ensemble stopped being representative of the trial matrix.
func (m *Minimizer) NeedsNewPopulation() bool { return m.needsNewPopulation }

// History returns the per-step records of the last Run.
func (m *Minimizer) History() []StepRecord {
	out := make([]StepRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Run iterates gradient steps until convergence, ensemble exhaustion, or
// the step cap.
func (m *Minimizer) Run(ctx context.Context) error {
	if m.ens == nil {
		return ErrNotInitialized
	}
	for step := 1; step <= m.Opt.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("minim: %w", err)
		}
		rec, err := m.stepOnce(step)
		if err != nil {
			return err
		}
		m.history = append(m.history, rec)
		m.log.Info().
			Int("step", step).
			Float64("free_energy_ry", rec.FreeEnergy).
			Float64("grad_dyn", rec.GradDyn).
			Float64("kong_liu", rec.KongLiu).
			Msg("minimization step")

		if rec.GradDyn < m.Opt.MeaningfulFactor*rec.GradDynError {
			m.converged = true
			m.log.Info().Int("steps", step).Msg("gradient below stochastic noise, converged")
			return nil
		}
		if rec.KongLiu < m.Opt.KongLiuThreshold {
			m.needsNewPopulation = true
			m.log.Info().Float64("kong_liu", rec.KongLiu).
				Msg("effective sample size exhausted, new population needed")
			return nil
		}
	}
	m.log.Warn().Int("max_steps", m.Opt.MaxSteps).Msg("step cap reached without convergence")
	return nil
}

// Finalize logs the run summary and returns the final matrix.
func (m *Minimizer) Finalize() (*dyn.Matrix, error) {
	if m.ens == nil {
		return nil, ErrNotInitialized
	}
	last := StepRecord{}
	if len(m.history) > 0 {
		last = m.history[len(m.history)-1]
	}
	m.log.Info().
		Int("steps", len(m.history)).
		Bool("converged", m.converged).
		Float64("free_energy_ry", last.FreeEnergy).
		Msg("minimization finished")
	return m.Dyn.Clone(), nil
}

// stepOnce evaluates the free energy and gradients on the reweighted
// ensemble, then moves the trial matrix (and centroids) downhill.
func (m *Minimizer) stepOnce(step int) (StepRecord, error) {
	e := m.ens
	modes, err := m.Dyn.Eigen()
	if err != nil {
		return StepRecord{}, fmt.Errorf("minim: %w", err)
	}

	fe, feErr := m.freeEnergy(modes)
	grad, gradMod, gradErr := m.dynGradient()

	rec := StepRecord{
		Step:            step,
		FreeEnergy:      fe,
		FreeEnergyError: feErr,
		GradDyn:         gradMod,
		GradDynError:    gradErr,
	}

	if rec.GradDyn >= m.Opt.MeaningfulFactor*rec.GradDynError {
		projected := m.projectGradient(grad, modes)
		trial := m.Dyn.Clone()
		// The correlation <u ⊗ (f_scha - f)> points from the trial force
		// constants toward the ones the ab-initio forces support, so the
		// update follows it.
		next, err := steppedFC(trial.FC, projected, m.Opt.StepDyn, m.Opt.rootDepth())
		if err != nil {
			return StepRecord{}, fmt.Errorf("minim: %w", err)
		}
		trial.FC = next
		ok, err := trial.PositiveDefinite(0)
		if err != nil {
			return StepRecord{}, fmt.Errorf("minim: %w", err)
		}
		if !ok {
			return StepRecord{}, fmt.Errorf("%w (step %d, consider lowering lambda_a)", ErrUnstableStep, step)
		}

		if m.Opt.MinimStruc {
			avgForce := e.AvgForce()
			rec.GradStruc = vectorNorm(avgForce)
			for k := range trial.Structure.Atoms {
				for c := 0; c < 3; c++ {
					trial.Structure.Atoms[k].Pos[c] += m.Opt.StepStruc * avgForce[3*k+c]
				}
			}
			// Displacements are measured against the centroids; shifting
			// the centroids shifts every displacement the opposite way.
			shift := make([]float64, len(avgForce))
			for k := range shift {
				shift[k] = m.Opt.StepStruc * avgForce[k]
			}
			for i := range e.U {
				for k := range e.U[i] {
					e.U[i][k] -= shift[k]
				}
			}
		}

		m.Dyn = trial
		if err := e.UpdateWeights(m.Dyn); err != nil {
			return StepRecord{}, err
		}
	}
	rec.KongLiu = e.KongLiuRatio()
	return rec, nil
}

// freeEnergy returns the SSCHA free-energy estimator: the harmonic free
// energy of the trial matrix plus the reweighted average of the anharmonic
// energy difference.
func (m *Minimizer) freeEnergy(modes *dyn.Modes) (float64, float64) {
	e := m.ens
	fharm := harmonicFreeEnergy(modes, e.T)

	n := e.N()
	diffs := make([]float64, n)
	weights := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = e.Energies[i] - m.Opt.EqEnergy - m.harmonicPotential(e.U[i])
		weights[i] = e.Weights[i]
	}
	mean, stderr := weightedMeanErr(diffs, weights)
	return fharm + mean, stderr
}

// harmonicPotential evaluates u^T Phi u / 2 for the current trial matrix.
func (m *Minimizer) harmonicPotential(u []float64) float64 {
	dim := m.Dyn.Dim()
	v := 0.0
	for a := 0; a < dim; a++ {
		row := 0.0
		for b := 0; b < dim; b++ {
			row += m.Dyn.FC.At(a, b) * u[b]
		}
		v += u[a] * row
	}
	return 0.5 * v
}

// harmonicFreeEnergy sums w/2 + kT ln(1 - exp(-w/kT)) over stable modes.
func harmonicFreeEnergy(modes *dyn.Modes, tempK float64) float64 {
	kt := tempK * units.KToRy
	f := 0.0
	for _, w := range modes.Omega {
		if w <= 1e-8 {
			continue
		}
		f += 0.5 * w
		if kt > 0 {
			f += kt * math.Log(-math.Expm1(-w/kt))
		}
	}
	return f
}

// dynGradient returns the force-constant gradient
// <u ⊗ (f_scha - f)>_sym, its Frobenius modulus, and the stochastic error
// of that modulus.
func (m *Minimizer) dynGradient() (*mat.SymDense, float64, float64) {
	e := m.ens
	dim := m.Dyn.Dim()
	n := e.N()

	mean := make([]float64, dim*dim)
	meansq := make([]float64, dim*dim)
	var wsum float64
	for i := 0; i < n; i++ {
		w := e.Weights[i]
		wsum += w
		u := e.U[i]
		f := e.Forces[i]
		// per-config outer product u ⊗ (f_scha - f)
		fdiff := make([]float64, dim)
		for a := 0; a < dim; a++ {
			s := 0.0
			for b := 0; b < dim; b++ {
				s -= m.Dyn.FC.At(a, b) * u[b]
			}
			fdiff[a] = s - f[a]
		}
		for a := 0; a < dim; a++ {
			for b := 0; b < dim; b++ {
				v := u[a] * fdiff[b]
				mean[a*dim+b] += w * v
				meansq[a*dim+b] += w * v * v
			}
		}
	}
	if wsum > 0 {
		for k := range mean {
			mean[k] /= wsum
			meansq[k] /= wsum
		}
	}

	grad := mat.NewSymDense(dim, nil)
	var mod2, err2 float64
	for a := 0; a < dim; a++ {
		for b := a; b < dim; b++ {
			v := 0.5 * (mean[a*dim+b] + mean[b*dim+a])
			grad.SetSym(a, b, v)
			mult := 2.0
			if a == b {
				mult = 1.0
			}
			mod2 += mult * v * v
			variance := 0.5*(meansq[a*dim+b]+meansq[b*dim+a]) - v*v
			if variance > 0 {
				err2 += mult * variance / float64(n)
			}
		}
	}
	return grad, math.Sqrt(mod2), math.Sqrt(err2)
}

// projectGradient moves the gradient to the mode basis of the current
// matrix, applies preconditioning and mode locking, and moves it back.
func (m *Minimizer) projectGradient(grad *mat.SymDense, modes *dyn.Modes) *mat.SymDense {
	dim := m.Dyn.Dim()
	if !m.Opt.Preconditioning && m.Opt.LockStart == 0 {
		return grad
	}

	// g_mode = P^T g P with P the polarization matrix.
	var tmp, gm mat.Dense
	tmp.Mul(modes.Vectors.T(), grad)
	gm.Mul(&tmp, modes.Vectors)

	for mu := 0; mu < dim; mu++ {
		for nu := 0; nu < dim; nu++ {
			v := gm.At(mu, nu)
			if m.locked(mu) || m.locked(nu) {
				gm.Set(mu, nu, 0)
				continue
			}
			if m.Opt.Preconditioning {
				v /= 0.5 * (modeScale(modes, mu, m.ens.T) + modeScale(modes, nu, m.ens.T))
				gm.Set(mu, nu, v)
			}
		}
	}

	var back mat.Dense
	tmp.Mul(modes.Vectors, &gm)
	back.Mul(&tmp, modes.Vectors.T())

	out := mat.NewSymDense(dim, nil)
	for a := 0; a < dim; a++ {
		for b := a; b < dim; b++ {
			out.SetSym(a, b, 0.5*(back.At(a, b)+back.At(b, a)))
		}
	}
	return out
}

// modeScale is the preconditioning weight of a mode: its squared thermal
// amplitude, bounded away from zero for the acoustic modes.
func modeScale(modes *dyn.Modes, mu int, tempK float64) float64 {
	w := modes.Omega[mu]
	if w <= 1e-8 {
		return 1.0
	}
	n := 0.0
	if tempK > 0 {
		n = 1.0 / math.Expm1(w/(tempK*units.KToRy))
	}
	return (1.0 + 2.0*n) / (2.0 * w)
}

func (m *Minimizer) locked(mu int) bool {
	if m.Opt.LockStart == 0 {
		return false
	}
	return mu+1 >= m.Opt.LockStart && mu+1 <= m.Opt.LockEnd
}

// steppedFC applies the gradient step to the force constants. With a root
// depth of 1 or 2 the step is taken on the matrix square or fourth root
// and powered back, so the result is positive semi-definite by
// construction.
func steppedFC(fc, dir *mat.SymDense, step float64, depth int) (*mat.SymDense, error) {
	n := fc.SymmetricDim()
	if depth == 0 {
		out := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				out.SetSym(i, j, fc.At(i, j)+step*dir.At(i, j))
			}
		}
		return out, nil
	}

	// Chain the step direction down to the root: d(A^2) = A dA + dA A.
	d := dir
	for level := 1; level <= depth; level++ {
		partial, err := symPow(fc, 1/float64(int(1)<<level))
		if err != nil {
			return nil, err
		}
		d = anticommutator(partial, d)
	}
	out, err := symPow(fc, 1/float64(int(1)<<depth))
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, out.At(i, j)+step*d.At(i, j))
		}
	}
	for level := 0; level < depth; level++ {
		out = symSquare(out)
	}
	return out, nil
}

// symPow returns s^p through its eigendecomposition. Eigenvalues a hair
// below zero are clamped; genuinely negative ones have no real root.
func symPow(s *mat.SymDense, p float64) (*mat.SymDense, error) {
	n := s.SymmetricDim()
	var eig mat.EigenSym
	if ok := eig.Factorize(s, true); !ok {
		return nil, errors.New("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	scaled := mat.NewDense(n, n, nil)
	for j, v := range vals {
		if v < 0 {
			if v < -1e-10 {
				return nil, fmt.Errorf("root_representation needs non-negative force-constant eigenvalues, got %v", v)
			}
			v = 0
		}
		f := math.Pow(v, p)
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*f)
		}
	}
	var full mat.Dense
	full.Mul(scaled, vecs.T())
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return out, nil
}

// anticommutator returns ab + ba, which is symmetric for symmetric a, b.
func anticommutator(a, b *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	var ab mat.Dense
	ab.Mul(a, b)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, ab.At(i, j)+ab.At(j, i))
		}
	}
	return out
}

func symSquare(a *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	var sq mat.Dense
	sq.Mul(a, a)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(sq.At(i, j)+sq.At(j, i)))
		}
	}
	return out
}

func weightedMeanErr(xs, ws []float64) (float64, float64) {
	mean := stat.Mean(xs, ws)
	variance := stat.Variance(xs, ws)
	if math.IsNaN(variance) {
		return mean, 0
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
}

func vectorNorm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
