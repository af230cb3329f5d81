package ensemble

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/structure"
)

func scfName(pop, i int) string {
	return fmt.Sprintf("scf_population%d_%d.dat", pop, i+1)
}

func forcesName(pop, i int) string {
	return fmt.Sprintf("forces_population%d_%d.dat", pop, i+1)
}

func energiesName(pop int) string {
	return fmt.Sprintf("energies_supercell_population%d.dat", pop)
}

// Save writes the population to dataDir: one scf file and one forces file
// per member, plus a single energies file. Forces and energies are only
// written when present.
func (e *Ensemble) Save(dataDir string, pop int) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}
	structs, err := e.Structures()
	if err != nil {
		return err
	}
	for i, s := range structs {
		if err := structure.SaveSCF(filepath.Join(dataDir, scfName(pop, i)), s); err != nil {
			return err
		}
	}
	if len(e.Forces) != e.N() || e.Forces[0] == nil {
		return nil
	}
	for i, f := range e.Forces {
		if err := writeForces(filepath.Join(dataDir, forcesName(pop, i)), f); err != nil {
			return err
		}
	}
	return writeEnergies(filepath.Join(dataDir, energiesName(pop)), e.Energies)
}

func writeForces(path string, f []float64) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}
	defer out.Close()
	for i := 0; i < len(f); i += 3 {
		if _, err := fmt.Fprintf(out, "%20.12e %20.12e %20.12e\n", f[i], f[i+1], f[i+2]); err != nil {
			return fmt.Errorf("ensemble: %s: %w", path, err)
		}
	}
	return out.Close()
}

func writeEnergies(path string, energies []float64) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}
	defer out.Close()
	for _, v := range energies {
		if _, err := fmt.Fprintf(out, "%20.12e\n", v); err != nil {
			return fmt.Errorf("ensemble: %s: %w", path, err)
		}
	}
	return out.Close()
}

func readForces(path string, dim int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	defer f.Close()
	var out []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("ensemble: %s: bad force row %q", path, line)
		}
		for _, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("ensemble: %s: %w", path, err)
			}
			out = append(out, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) != dim {
		return nil, fmt.Errorf("ensemble: %s: %d force components, want %d", path, len(out), dim)
	}
	return out, nil
}

func readEnergies(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	defer f.Close()
	var out []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("ensemble: %s: %w", path, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether a computed population is present in dataDir.
func Exists(dataDir string, pop int) bool {
	_, err := os.Stat(filepath.Join(dataDir, energiesName(pop)))
	return err == nil
}

// Load reads a previously computed population from dataDir. Displacements
// are recovered by subtracting the centroid positions of the generating
// matrix. The member count comes from the energies file.
func Load(dataDir string, pop int, gen *dyn.Matrix, tempK float64) (*Ensemble, error) {
	energies, err := readEnergies(filepath.Join(dataDir, energiesName(pop)))
	if err != nil {
		return nil, err
	}
	n := len(energies)
	if n == 0 {
		return nil, fmt.Errorf("ensemble: %s holds no energies", energiesName(pop))
	}
	modes, err := gen.Eigen()
	if err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	dim := gen.Dim()
	e := &Ensemble{
		Dyn:      gen,
		T:        tempK,
		U:        make([][]float64, n),
		Energies: energies,
		Forces:   make([][]float64, n),
		Weights:  make([]float64, n),
		modes:    modes,
		u0:       make([][]float64, n),
	}
	centroid := gen.Structure
	for i := 0; i < n; i++ {
		s, err := structure.LoadSCF(filepath.Join(dataDir, scfName(pop, i)))
		if err != nil {
			return nil, err
		}
		if s.NAtoms() != centroid.NAtoms() {
			return nil, fmt.Errorf("ensemble: member %d holds %d atoms, want %d",
				i+1, s.NAtoms(), centroid.NAtoms())
		}
		u := make([]float64, dim)
		for k := 0; k < centroid.NAtoms(); k++ {
			for c := 0; c < 3; c++ {
				u[3*k+c] = s.Atoms[k].Pos[c] - centroid.Atoms[k].Pos[c]
			}
		}
		e.U[i] = u
		e.u0[i] = append([]float64(nil), u...)
		f, err := readForces(filepath.Join(dataDir, forcesName(pop, i)), dim)
		if err != nil {
			return nil, err
		}
		e.Forces[i] = f
		e.Weights[i] = 1.0
	}
	return e, nil
}
