// Package ensemble generates and scores the stochastic configuration sets
// of the self-consistent harmonic minimization: Gaussian displacements
// drawn from a dynamical matrix at temperature T, ab-initio energies and
// forces attached afterwards, and importance weights recomputed when the
// trial matrix moves away from the generating one.
package ensemble

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/structure"
	"github.com/sschatools/sschactl/internal/units"
)

// freqCutoff separates acoustic (and soft, excluded) modes from the
// sampled ones, in Ry.
const freqCutoff = 1e-8

// Ensemble is one population of stochastically displaced supercells.
type Ensemble struct {
	Dyn *dyn.Matrix // generating matrix
	T   float64     // temperature in Kelvin

	U        [][]float64 // displacements, 3N Bohr per member
	Energies []float64   // ab-initio total energies, Ry
	Forces   [][]float64 // ab-initio forces, 3N Ry/Bohr per member

	Weights []float64

	modes *dyn.Modes  // eigenmodes of the generating matrix
	u0    [][]float64 // displacements as generated, for the density ratio
}

// N returns the number of configurations.
func (e *Ensemble) N() int {
	return len(e.U)
}

// modeAmplitude returns the thermal Gaussian width of mode mu in
// mass-scaled coordinates, a^2 = (1+2n)/(2w).
func modeAmplitude(omega, tempK float64) float64 {
	n := 0.0
	if tempK > 0 {
		x := omega / (tempK * units.KToRy)
		if x < 700 {
			n = 1.0 / (math.Expm1(x))
		}
	}
	return math.Sqrt((1.0 + 2.0*n) / (2.0 * omega))
}

// Generate samples n configurations from the dynamical matrix at
// temperature tempK. The rng is supplied by the caller so populations are
// reproducible under a fixed seed.
func Generate(m *dyn.Matrix, tempK float64, n int, rng *rand.Rand) (*Ensemble, error) {
	if n < 1 {
		return nil, fmt.Errorf("ensemble: population size %d", n)
	}
	if tempK < 0 {
		return nil, fmt.Errorf("ensemble: negative temperature %v", tempK)
	}
	modes, err := m.Eigen()
	if err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	dim := m.Dim()
	sampled := 0
	for _, w := range modes.Omega {
		if w > freqCutoff {
			sampled++
		}
	}
	if sampled == 0 {
		return nil, fmt.Errorf("ensemble: dynamical matrix has no stable modes")
	}

	e := &Ensemble{
		Dyn:      m,
		T:        tempK,
		U:        make([][]float64, n),
		Energies: make([]float64, n),
		Forces:   make([][]float64, n),
		Weights:  make([]float64, n),
		modes:    modes,
		u0:       make([][]float64, n),
	}
	for i := range e.Weights {
		e.Weights[i] = 1.0
	}

	for i := 0; i < n; i++ {
		u := make([]float64, dim)
		for mu, w := range modes.Omega {
			if w <= freqCutoff {
				continue
			}
			q := rng.NormFloat64() * modeAmplitude(w, tempK)
			for k := 0; k < dim; k++ {
				u[k] += modes.Vectors.At(k, mu) * q / math.Sqrt(modes.Masses[k/3])
			}
		}
		e.U[i] = u
		e.u0[i] = append([]float64(nil), u...)
	}
	return e, nil
}

// Structures materializes the displaced supercells of the ensemble.
func (e *Ensemble) Structures() ([]*structure.Structure, error) {
	out := make([]*structure.Structure, e.N())
	for i, u := range e.U {
		s, err := e.Dyn.Structure.Displace(u)
		if err != nil {
			return nil, fmt.Errorf("ensemble: member %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// SetResults attaches ab-initio energies and forces, one entry per member.
func (e *Ensemble) SetResults(energies []float64, forces [][]float64) error {
	if len(energies) != e.N() || len(forces) != e.N() {
		return fmt.Errorf("ensemble: results for %d/%d members, want %d",
			len(energies), len(forces), e.N())
	}
	dim := e.Dyn.Dim()
	for i, f := range forces {
		if len(f) != dim {
			return fmt.Errorf("ensemble: member %d force length %d, want %d", i, len(f), dim)
		}
	}
	e.Energies = append([]float64(nil), energies...)
	e.Forces = make([][]float64, len(forces))
	for i, f := range forces {
		e.Forces[i] = append([]float64(nil), f...)
	}
	return nil
}

// logDensity evaluates the unnormalized log of the Gaussian density of
// displacement u under the given modes, plus the log normalization that
// depends on the mode amplitudes.
func logDensity(modes *dyn.Modes, tempK float64, u []float64) float64 {
	dim := len(u)
	ld := 0.0
	for mu, w := range modes.Omega {
		if w <= freqCutoff {
			continue
		}
		q := 0.0
		for k := 0; k < dim; k++ {
			q += modes.Vectors.At(k, mu) * u[k] * math.Sqrt(modes.Masses[k/3])
		}
		a := modeAmplitude(w, tempK)
		ld += -0.5*(q/a)*(q/a) - math.Log(a)
	}
	return ld
}

// UpdateWeights recomputes the importance weights of the ensemble against
// a trial dynamical matrix, normalized to average one.
func (e *Ensemble) UpdateWeights(trial *dyn.Matrix) error {
	trialModes, err := trial.Eigen()
	if err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}
	for mu, w := range trialModes.Omega {
		if mu >= 3 && w <= freqCutoff {
			return fmt.Errorf("ensemble: trial matrix mode %d is unstable (omega=%v)", mu, w)
		}
	}
	n := e.N()
	logw := make([]float64, n)
	max := math.Inf(-1)
	for i, u := range e.U {
		logw[i] = logDensity(trialModes, e.T, u) - logDensity(e.modes, e.T, e.u0[i])
		if logw[i] > max {
			max = logw[i]
		}
	}
	sum := 0.0
	for i := range logw {
		e.Weights[i] = math.Exp(logw[i] - max)
		sum += e.Weights[i]
	}
	for i := range e.Weights {
		e.Weights[i] *= float64(n) / sum
	}
	return nil
}

// KongLiuRatio returns the effective sample fraction
// (sum w)^2 / (N sum w^2).
func (e *Ensemble) KongLiuRatio() float64 {
	var sum, sum2 float64
	for _, w := range e.Weights {
		sum += w
		sum2 += w * w
	}
	if sum2 == 0 {
		return 0
	}
	return sum * sum / (float64(e.N()) * sum2)
}

// AvgEnergy returns the weighted mean ab-initio energy and its stochastic
// standard error.
func (e *Ensemble) AvgEnergy() (mean, stderr float64) {
	mean = stat.Mean(e.Energies, e.Weights)
	variance := stat.Variance(e.Energies, e.Weights)
	return mean, math.Sqrt(variance / float64(e.N()))
}

// AvgForce returns the weighted mean force vector.
func (e *Ensemble) AvgForce() []float64 {
	dim := e.Dyn.Dim()
	out := make([]float64, dim)
	var wsum float64
	for i, f := range e.Forces {
		w := e.Weights[i]
		wsum += w
		for k := 0; k < dim; k++ {
			out[k] += w * f[k]
		}
	}
	if wsum > 0 {
		for k := range out {
			out[k] /= wsum
		}
	}
	return out
}
