// Package dyn holds the real-space force-constant matrix of a supercell and
// its mass-scaled eigenmodes.
package dyn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sschatools/sschactl/internal/structure"
)

// Matrix couples a supercell structure with its 3N x 3N force-constant
// matrix in Ry/Bohr^2.
type Matrix struct {
	Structure *structure.Structure
	FC        *mat.SymDense
}

// New returns a zero force-constant matrix for the given structure.
func New(s *structure.Structure) *Matrix {
	return &Matrix{
		Structure: s,
		FC:        mat.NewSymDense(3*s.NAtoms(), nil),
	}
}

// Dim returns the matrix dimension 3N.
func (m *Matrix) Dim() int {
	return 3 * m.Structure.NAtoms()
}

// Clone returns a deep copy sharing nothing with m.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Structure.Clone())
	out.FC.CopySym(m.FC)
	return out
}

// ApplyASR enforces the acoustic sum rule: for every atom and Cartesian
// pair the row sum over atoms is absorbed into the self term, with the
// correction symmetrized so the matrix stays symmetric. A residual part
// antisymmetric in the Cartesian indices is left untouched.
func (m *Matrix) ApplyASR() {
	n := m.Structure.NAtoms()
	sums := make([][3][3]float64, n)
	for i := 0; i < n; i++ {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				s := 0.0
				for j := 0; j < n; j++ {
					s += m.FC.At(3*i+a, 3*j+b)
				}
				sums[i][a][b] = s
			}
		}
	}
	for i := 0; i < n; i++ {
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				corr := 0.5 * (sums[i][a][b] + sums[i][b][a])
				m.FC.SetSym(3*i+a, 3*i+b, m.FC.At(3*i+a, 3*i+b)-corr)
			}
		}
	}
}

// Supercell tiles the matrix onto an nx x ny x nz supercell. The force
// constants of every image are those of the base cell and interactions
// between images are zero, which is exact for a Gamma-point-only matrix.
func (m *Matrix) Supercell(nx, ny, nz int) (*Matrix, error) {
	sc, err := m.Structure.Supercell(nx, ny, nz)
	if err != nil {
		return nil, err
	}
	out := New(sc)
	dim := m.Dim()
	for img := 0; img < nx*ny*nz; img++ {
		off := img * dim
		for i := 0; i < dim; i++ {
			for j := i; j < dim; j++ {
				out.FC.SetSym(off+i, off+j, m.FC.At(i, j))
			}
		}
	}
	return out, nil
}

// Modes is the mass-scaled eigendecomposition of the force constants.
// Omega[mu] carries the sign convention omega = sign(w2)*sqrt(|w2|) so
// imaginary frequencies show up negative. Vectors columns are the
// orthonormal polarization vectors in mass-scaled coordinates.
type Modes struct {
	Omega   []float64
	Vectors *mat.Dense
	Masses  []float64
}

// Eigen diagonalizes the dynamical matrix FC(iα,jβ)/sqrt(m_i m_j).
func (m *Matrix) Eigen() (*Modes, error) {
	n := m.Dim()
	masses := m.Structure.Masses()
	for i, mass := range masses {
		if mass <= 0 {
			return nil, fmt.Errorf("dyn: atom %d has non-positive mass %v", i, mass)
		}
	}
	dm := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dm.SetSym(i, j, m.FC.At(i, j)/math.Sqrt(masses[i/3]*masses[j/3]))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(dm, true); !ok {
		return nil, fmt.Errorf("dyn: eigendecomposition failed")
	}
	w2 := eig.Values(nil)
	modes := &Modes{
		Omega:   make([]float64, n),
		Vectors: mat.NewDense(n, n, nil),
		Masses:  masses,
	}
	eig.VectorsTo(modes.Vectors)
	for i, v := range w2 {
		if v >= 0 {
			modes.Omega[i] = math.Sqrt(v)
		} else {
			modes.Omega[i] = -math.Sqrt(-v)
		}
	}
	return modes, nil
}

// PositiveDefinite reports whether every non-acoustic frequency exceeds
// tol. The lowest three modes are taken as the acoustic ones.
func (m *Matrix) PositiveDefinite(tol float64) (bool, error) {
	modes, err := m.Eigen()
	if err != nil {
		return false, err
	}
	for mu := 3; mu < len(modes.Omega); mu++ {
		if modes.Omega[mu] <= tol {
			return false, nil
		}
	}
	return true, nil
}
