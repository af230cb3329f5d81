package dyn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sschatools/sschactl/internal/structure"
)

const fileHeader = "sschactl force constants v1"

// Write serializes the matrix: header, cell, atoms with masses, then one
// 3x3 force-constant block per atom pair.
func Write(w io.Writer, m *Matrix) error {
	s := m.Structure
	if _, err := fmt.Fprintln(w, fileHeader); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "natoms %d\n", s.NAtoms()); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "cell (bohr)"); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if _, err := fmt.Fprintf(w, "%18.12f %18.12f %18.12f\n", s.Cell[i][0], s.Cell[i][1], s.Cell[i][2]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "atoms (species mass_ry pos_bohr)"); err != nil {
		return err
	}
	for _, a := range s.Atoms {
		if _, err := fmt.Fprintf(w, "%-4s %18.8f %18.12f %18.12f %18.12f\n",
			a.Species, a.Mass, a.Pos[0], a.Pos[1], a.Pos[2]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "force constants (ry/bohr^2)"); err != nil {
		return err
	}
	n := s.NAtoms()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if _, err := fmt.Fprintf(w, "%d %d\n", i+1, j+1); err != nil {
				return err
			}
			for a := 0; a < 3; a++ {
				if _, err := fmt.Fprintf(w, "%20.12e %20.12e %20.12e\n",
					m.FC.At(3*i+a, 3*j), m.FC.At(3*i+a, 3*j+1), m.FC.At(3*i+a, 3*j+2)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Save writes the matrix to path.
func Save(path string, m *Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dyn: %w", err)
	}
	defer f.Close()
	if err := Write(f, m); err != nil {
		return fmt.Errorf("dyn: %s: %w", path, err)
	}
	return f.Close()
}

type lineReader struct {
	scanner *bufio.Scanner
	lineno  int
}

func (lr *lineReader) next() (string, error) {
	for lr.scanner.Scan() {
		lr.lineno++
		line := strings.TrimSpace(lr.scanner.Text())
		if line != "" {
			return line, nil
		}
	}
	if err := lr.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (lr *lineReader) floats(n int) ([]float64, error) {
	line, err := lr.next()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) != n {
		return nil, fmt.Errorf("line %d: want %d fields, got %d", lr.lineno, n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lr.lineno, err)
		}
		out[i] = v
	}
	return out, nil
}

// Read parses a matrix written by Write.
func Read(r io.Reader) (*Matrix, error) {
	lr := &lineReader{scanner: bufio.NewScanner(r)}
	lr.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line, err := lr.next()
	if err != nil {
		return nil, fmt.Errorf("dyn: empty file")
	}
	if line != fileHeader {
		return nil, fmt.Errorf("dyn: unrecognized header %q", line)
	}

	line, err = lr.next()
	if err != nil {
		return nil, fmt.Errorf("dyn: truncated file: %w", err)
	}
	var natoms int
	if _, err := fmt.Sscanf(line, "natoms %d", &natoms); err != nil || natoms < 1 {
		return nil, fmt.Errorf("dyn: bad natoms line %q", line)
	}

	if line, err = lr.next(); err != nil || !strings.HasPrefix(line, "cell") {
		return nil, fmt.Errorf("dyn: missing cell section")
	}
	s := &structure.Structure{}
	for i := 0; i < 3; i++ {
		row, err := lr.floats(3)
		if err != nil {
			return nil, fmt.Errorf("dyn: cell: %w", err)
		}
		copy(s.Cell[i][:], row)
	}

	if line, err = lr.next(); err != nil || !strings.HasPrefix(line, "atoms") {
		return nil, fmt.Errorf("dyn: missing atoms section")
	}
	for i := 0; i < natoms; i++ {
		line, err := lr.next()
		if err != nil {
			return nil, fmt.Errorf("dyn: atoms: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("dyn: line %d: bad atom row %q", lr.lineno, line)
		}
		var a structure.Atom
		a.Species = fields[0]
		vals := make([]float64, 4)
		for j, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("dyn: line %d: %w", lr.lineno, err)
			}
			vals[j] = v
		}
		a.Mass = vals[0]
		copy(a.Pos[:], vals[1:])
		s.Atoms = append(s.Atoms, a)
	}

	if line, err = lr.next(); err != nil || !strings.HasPrefix(line, "force constants") {
		return nil, fmt.Errorf("dyn: missing force constants section")
	}
	m := New(s)
	for bi := 0; bi < natoms*natoms; bi++ {
		line, err := lr.next()
		if err != nil {
			return nil, fmt.Errorf("dyn: force constants: %w", err)
		}
		var i, j int
		if _, err := fmt.Sscanf(line, "%d %d", &i, &j); err != nil {
			return nil, fmt.Errorf("dyn: line %d: bad block header %q", lr.lineno, line)
		}
		if i < 1 || i > natoms || j < 1 || j > natoms {
			return nil, fmt.Errorf("dyn: line %d: block %d %d out of range", lr.lineno, i, j)
		}
		for a := 0; a < 3; a++ {
			row, err := lr.floats(3)
			if err != nil {
				return nil, fmt.Errorf("dyn: block %d %d: %w", i, j, err)
			}
			for b := 0; b < 3; b++ {
				// Blocks come in both (i,j) and (j,i) order; SymDense keeps
				// the matrix symmetric, the writer emits symmetric data.
				if 3*(i-1)+a <= 3*(j-1)+b {
					m.FC.SetSym(3*(i-1)+a, 3*(j-1)+b, row[b])
				}
			}
		}
	}
	return m, nil
}

// Load reads a matrix from path.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dyn: %w", err)
	}
	defer f.Close()
	m, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("dyn: %s: %w", path, err)
	}
	return m, nil
}
