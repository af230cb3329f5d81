package structure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sschatools/sschactl/internal/units"
)

// WriteSCF writes the structure as a pw.x card fragment: CELL_PARAMETERS
// and ATOMIC_POSITIONS, both in angstrom.
func WriteSCF(w io.Writer, s *Structure) error {
	if _, err := fmt.Fprintln(w, "CELL_PARAMETERS angstrom"); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(w, "%16.10f %16.10f %16.10f\n",
			s.Cell[i][0]*units.BohrToAngstrom,
			s.Cell[i][1]*units.BohrToAngstrom,
			s.Cell[i][2]*units.BohrToAngstrom)
		if err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "ATOMIC_POSITIONS angstrom"); err != nil {
		return err
	}
	for _, a := range s.Atoms {
		_, err := fmt.Fprintf(w, "%-4s %16.10f %16.10f %16.10f\n", a.Species,
			a.Pos[0]*units.BohrToAngstrom,
			a.Pos[1]*units.BohrToAngstrom,
			a.Pos[2]*units.BohrToAngstrom)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveSCF writes the structure to a file at path.
func SaveSCF(path string, s *Structure) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("structure: %w", err)
	}
	defer f.Close()
	if err := WriteSCF(f, s); err != nil {
		return fmt.Errorf("structure: %s: %w", path, err)
	}
	return f.Close()
}

// ParseSCF reads a CELL_PARAMETERS/ATOMIC_POSITIONS fragment. Masses are
// left zero; callers with a reference structure fill them by species.
func ParseSCF(r io.Reader) (*Structure, error) {
	s := &Structure{}
	scanner := bufio.NewScanner(r)
	const (
		stateNone = iota
		stateCell
		stateAtoms
	)
	state := stateNone
	cellRow := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "CELL_PARAMETERS"):
			if !strings.Contains(strings.ToLower(line), "angstrom") {
				return nil, fmt.Errorf("structure: CELL_PARAMETERS unit must be angstrom: %q", line)
			}
			state = stateCell
			cellRow = 0
		case strings.HasPrefix(upper, "ATOMIC_POSITIONS"):
			if !strings.Contains(strings.ToLower(line), "angstrom") {
				return nil, fmt.Errorf("structure: ATOMIC_POSITIONS unit must be angstrom: %q", line)
			}
			state = stateAtoms
		default:
			fields := strings.Fields(line)
			switch state {
			case stateCell:
				if cellRow >= 3 || len(fields) != 3 {
					return nil, fmt.Errorf("structure: bad cell row %q", line)
				}
				for j, f := range fields {
					v, err := strconv.ParseFloat(f, 64)
					if err != nil {
						return nil, fmt.Errorf("structure: bad cell value %q: %w", f, err)
					}
					s.Cell[cellRow][j] = v / units.BohrToAngstrom
				}
				cellRow++
			case stateAtoms:
				if len(fields) != 4 {
					return nil, fmt.Errorf("structure: bad atom row %q", line)
				}
				var a Atom
				a.Species = fields[0]
				for j, f := range fields[1:] {
					v, err := strconv.ParseFloat(f, 64)
					if err != nil {
						return nil, fmt.Errorf("structure: bad position %q: %w", f, err)
					}
					a.Pos[j] = v / units.BohrToAngstrom
				}
				s.Atoms = append(s.Atoms, a)
			default:
				return nil, fmt.Errorf("structure: content before card header: %q", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cellRow != 3 {
		return nil, fmt.Errorf("structure: expected 3 cell rows, got %d", cellRow)
	}
	if len(s.Atoms) == 0 {
		return nil, fmt.Errorf("structure: no atoms")
	}
	return s, nil
}

// LoadSCF reads a structure file at path.
func LoadSCF(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("structure: %w", err)
	}
	defer f.Close()
	s, err := ParseSCF(f)
	if err != nil {
		return nil, fmt.Errorf("structure: %s: %w", path, err)
	}
	return s, nil
}
