// Package structure models periodic crystal structures: a cell matrix in
// Bohr, and atoms with species, mass, and Cartesian positions.
package structure

import (
	"fmt"
	"math"
)

// Atom is one atom of the structure. Pos is Cartesian, in Bohr. Mass is in
// Rydberg mass units.
type Atom struct {
	Species string
	Mass    float64
	Pos     [3]float64
}

// Structure is a periodic crystal: rows of Cell are the lattice vectors in
// Bohr.
type Structure struct {
	Cell  [3][3]float64
	Atoms []Atom
}

// NAtoms returns the number of atoms.
func (s *Structure) NAtoms() int {
	return len(s.Atoms)
}

// Volume returns the cell volume in Bohr^3.
func (s *Structure) Volume() float64 {
	c := s.Cell
	det := c[0][0]*(c[1][1]*c[2][2]-c[1][2]*c[2][1]) -
		c[0][1]*(c[1][0]*c[2][2]-c[1][2]*c[2][0]) +
		c[0][2]*(c[1][0]*c[2][1]-c[1][1]*c[2][0])
	return math.Abs(det)
}

// Clone returns a deep copy.
func (s *Structure) Clone() *Structure {
	out := &Structure{Cell: s.Cell, Atoms: make([]Atom, len(s.Atoms))}
	copy(out.Atoms, s.Atoms)
	return out
}

// Masses returns the per-atom masses.
func (s *Structure) Masses() []float64 {
	m := make([]float64, len(s.Atoms))
	for i, a := range s.Atoms {
		m[i] = a.Mass
	}
	return m
}

// Supercell replicates the structure nx x ny x nz times. Atom order is the
// base cell repeated image by image, images ordered with the x index
// fastest.
func (s *Structure) Supercell(nx, ny, nz int) (*Structure, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("structure: invalid supercell %dx%dx%d", nx, ny, nz)
	}
	out := &Structure{}
	for i := 0; i < 3; i++ {
		out.Cell[0][i] = s.Cell[0][i] * float64(nx)
		out.Cell[1][i] = s.Cell[1][i] * float64(ny)
		out.Cell[2][i] = s.Cell[2][i] * float64(nz)
	}
	out.Atoms = make([]Atom, 0, len(s.Atoms)*nx*ny*nz)
	for kz := 0; kz < nz; kz++ {
		for ky := 0; ky < ny; ky++ {
			for kx := 0; kx < nx; kx++ {
				var shift [3]float64
				for i := 0; i < 3; i++ {
					shift[i] = float64(kx)*s.Cell[0][i] +
						float64(ky)*s.Cell[1][i] +
						float64(kz)*s.Cell[2][i]
				}
				for _, a := range s.Atoms {
					na := a
					for i := 0; i < 3; i++ {
						na.Pos[i] += shift[i]
					}
					out.Atoms = append(out.Atoms, na)
				}
			}
		}
	}
	return out, nil
}

// StrainTensor deforms the cell and positions by the symmetric strain
// tensor eps: every vector v becomes (I + eps) v.
func (s *Structure) StrainTensor(eps [3][3]float64) {
	apply := func(v *[3]float64) {
		var out [3]float64
		for i := 0; i < 3; i++ {
			out[i] = v[i]
			for j := 0; j < 3; j++ {
				out[i] += eps[i][j] * v[j]
			}
		}
		*v = out
	}
	// Cell rows are lattice vectors.
	for r := 0; r < 3; r++ {
		apply(&s.Cell[r])
	}
	for i := range s.Atoms {
		apply(&s.Atoms[i].Pos)
	}
}

// Displace returns a copy of the structure with the flat displacement
// vector u (3*NAtoms, Bohr) added to the positions.
func (s *Structure) Displace(u []float64) (*Structure, error) {
	if len(u) != 3*len(s.Atoms) {
		return nil, fmt.Errorf("structure: displacement length %d, want %d", len(u), 3*len(s.Atoms))
	}
	out := s.Clone()
	for i := range out.Atoms {
		for j := 0; j < 3; j++ {
			out.Atoms[i].Pos[j] += u[3*i+j]
		}
	}
	return out, nil
}
