package calculator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sschatools/sschactl/internal/namelist"
	"github.com/sschatools/sschactl/internal/structure"
	"github.com/sschatools/sschactl/internal/units"
)

// Espresso writes pw.x input decks and parses pw.x output.
type Espresso struct {
	Binary    string
	MPICmd    string // e.g. "mpirun -np 16", empty for serial
	NPool     int
	PseudoDir string
	Pseudos   map[string]string // species -> UPF file

	Ecutwfc float64 // Ry
	Ecutrho float64 // Ry, 0 means pw.x default
	ConvThr float64
	KPoints [3]int
	KOffset [3]int

	Occupations string // e.g. "smearing", empty to omit
	Smearing    string
	Degauss     float64
}

// Validate checks the calculator against the species it will compute.
func (p *Espresso) Validate(s *structure.Structure) error {
	if p.Binary == "" {
		return fmt.Errorf("espresso: binary not set")
	}
	if p.Ecutwfc <= 0 {
		return fmt.Errorf("espresso: ecutwfc must be positive")
	}
	for i := 0; i < 3; i++ {
		if p.KPoints[i] < 1 {
			return fmt.Errorf("espresso: k_points must be positive, got %v", p.KPoints)
		}
		if p.KOffset[i] != 0 && p.KOffset[i] != 1 {
			return fmt.Errorf("espresso: k_offset entries must be 0 or 1, got %v", p.KOffset)
		}
	}
	for _, a := range s.Atoms {
		if _, ok := p.Pseudos[a.Species]; !ok {
			return fmt.Errorf("espresso: no pseudopotential for species %q", a.Species)
		}
	}
	return nil
}

// WriteInput emits a full scf input deck for the structure: control
// namelists followed by the species, k-point, and geometry cards.
func (p *Espresso) WriteInput(w io.Writer, s *structure.Structure) error {
	if err := p.Validate(s); err != nil {
		return err
	}
	doc := &namelist.Document{}

	control := doc.AddGroup("control")
	control.Set("calculation", namelist.Quote("scf"))
	control.Set("prefix", namelist.Quote("espresso"))
	control.Set("tprnfor", ".true.")
	control.Set("tstress", ".true.")
	if p.PseudoDir != "" {
		control.Set("pseudo_dir", namelist.Quote(p.PseudoDir))
	}

	system := doc.AddGroup("system")
	system.Set("ibrav", "0")
	system.Set("nat", strconv.Itoa(s.NAtoms()))
	system.Set("ntyp", strconv.Itoa(len(speciesOrder(s))))
	system.Set("ecutwfc", formatFloat(p.Ecutwfc))
	if p.Ecutrho > 0 {
		system.Set("ecutrho", formatFloat(p.Ecutrho))
	}
	if p.Occupations != "" {
		system.Set("occupations", namelist.Quote(p.Occupations))
		if p.Smearing != "" {
			system.Set("smearing", namelist.Quote(p.Smearing))
		}
		if p.Degauss > 0 {
			system.Set("degauss", formatFloat(p.Degauss))
		}
	}

	electrons := doc.AddGroup("electrons")
	if p.ConvThr > 0 {
		electrons.Set("conv_thr", formatFloat(p.ConvThr))
	}

	if err := namelist.Encode(w, doc); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, "\nATOMIC_SPECIES"); err != nil {
		return err
	}
	for _, sp := range speciesOrder(s) {
		mass := 0.0
		for _, a := range s.Atoms {
			if a.Species == sp {
				mass = a.Mass / units.UmaToRy
				break
			}
		}
		if _, err := fmt.Fprintf(w, "%-4s %12.6f %s\n", sp, mass, p.Pseudos[sp]); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "\nK_POINTS automatic\n%d %d %d %d %d %d\n\n",
		p.KPoints[0], p.KPoints[1], p.KPoints[2],
		p.KOffset[0], p.KOffset[1], p.KOffset[2]); err != nil {
		return err
	}

	return structure.WriteSCF(w, s)
}

// Command returns the argv that runs pw.x on the input file. Output goes
// to stdout; the engine captures it into outputPath.
func (p *Espresso) Command(inputPath, _ string) []string {
	var argv []string
	if p.MPICmd != "" {
		argv = append(argv, strings.Fields(p.MPICmd)...)
	}
	argv = append(argv, p.Binary, "-in", inputPath)
	if p.NPool > 1 {
		argv = append(argv, "-npool", strconv.Itoa(p.NPool))
	}
	return argv
}

// ParseOutput extracts energy, forces, and stress from pw.x output.
func (p *Espresso) ParseOutput(r io.Reader, natoms int) (*Result, error) {
	res := &Result{}
	var (
		haveEnergy bool
		nforces    int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "!") && strings.Contains(line, "total energy"):
			v, err := lastFloatBefore(line, "Ry")
			if err != nil {
				return nil, fmt.Errorf("espresso: total energy line %q: %w", line, err)
			}
			res.Energy = v
			haveEnergy = true

		case strings.Contains(line, "Forces acting on atoms"):
			res.Forces = make([]float64, 0, 3*natoms)
			nforces = 0
			for scanner.Scan() {
				fl := strings.TrimSpace(scanner.Text())
				if fl == "" {
					if nforces > 0 {
						break
					}
					continue
				}
				if !strings.HasPrefix(fl, "atom ") {
					break
				}
				fields := strings.Fields(fl)
				if len(fields) < 9 {
					return nil, fmt.Errorf("espresso: bad force line %q", fl)
				}
				for _, f := range fields[len(fields)-3:] {
					v, err := strconv.ParseFloat(f, 64)
					if err != nil {
						return nil, fmt.Errorf("espresso: bad force line %q: %w", fl, err)
					}
					res.Forces = append(res.Forces, v)
				}
				nforces++
			}

		case strings.Contains(line, "total   stress"):
			for i := 0; i < 3; i++ {
				if !scanner.Scan() {
					return nil, fmt.Errorf("espresso: truncated stress block")
				}
				fields := strings.Fields(scanner.Text())
				if len(fields) < 3 {
					return nil, fmt.Errorf("espresso: bad stress row %q", scanner.Text())
				}
				for j := 0; j < 3; j++ {
					v, err := strconv.ParseFloat(fields[j], 64)
					if err != nil {
						return nil, fmt.Errorf("espresso: bad stress row %q: %w", scanner.Text(), err)
					}
					res.Stress[i][j] = v
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !haveEnergy {
		return nil, fmt.Errorf("espresso: no final total energy in output")
	}
	if nforces != natoms {
		return nil, fmt.Errorf("espresso: forces for %d atoms, want %d", nforces, natoms)
	}
	// Stress stays zero when tstress was disabled.
	return res, nil
}

func lastFloatBefore(line, unit string) (float64, error) {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i > 0; i-- {
		if fields[i] == unit {
			return strconv.ParseFloat(fields[i-1], 64)
		}
	}
	return 0, fmt.Errorf("no %q-terminated value", unit)
}

func speciesOrder(s *structure.Structure) []string {
	var order []string
	seen := map[string]bool{}
	for _, a := range s.Atoms {
		if !seen[a.Species] {
			seen[a.Species] = true
			order = append(order, a.Species)
		}
	}
	return order
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
