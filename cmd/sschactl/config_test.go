package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/structure"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer

	opts, err := parseFlags([]string{"-i", "scha.in", "--save-data", "out.dat", "--plot-results"}, &stderr)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.inputPath != "scha.in" || opts.saveData != "out.dat" || !opts.plotResults {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseFlagsRequiresInput(t *testing.T) {
	var stderr bytes.Buffer
	if _, err := parseFlags([]string{"--plot-results"}, &stderr); err == nil {
		t.Fatal("expected error for missing -i")
	}
}

func TestParseFlagsRejectsPositionalArgs(t *testing.T) {
	var stderr bytes.Buffer
	if _, err := parseFlags([]string{"-i", "scha.in", "extra"}, &stderr); err == nil {
		t.Fatal("expected error for stray argument")
	}
}

func TestBuildDriverMissingInputFile(t *testing.T) {
	_, err := buildDriver(cliOptions{inputPath: filepath.Join(t.TempDir(), "absent.in")})
	if err == nil {
		t.Fatal("expected error for missing input file")
	}
	if !strings.Contains(err.Error(), "input file") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildDriverFromValidInput(t *testing.T) {
	dir := t.TempDir()

	s := &structure.Structure{
		Cell: [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		Atoms: []structure.Atom{
			{Species: "H", Mass: 911.44, Pos: [3]float64{0, 0, 0}},
			{Species: "H", Mass: 911.44, Pos: [3]float64{1.5, 0, 0}},
		},
	}
	m := dyn.New(s)
	for a := 0; a < 3; a++ {
		m.FC.SetSym(a, a, 0.1)
		m.FC.SetSym(3+a, 3+a, 0.1)
		m.FC.SetSym(a, 3+a, -0.1)
	}
	dynPath := filepath.Join(dir, "start_dyn")
	if err := dyn.Save(dynPath, m); err != nil {
		t.Fatalf("save matrix: %v", err)
	}

	inputPath := filepath.Join(dir, "scha.in")
	body := fmt.Sprintf(`&inputscha
  fildyn_prefix = %q
  n_random = 16
  data_dir = %q
&end
&calculator
  ecutwfc = 30.0
  pseudos = "H=H.upf"
  workdir = %q
&end
`, dynPath, filepath.Join(dir, "data"), filepath.Join(dir, "calc"))
	if err := os.WriteFile(inputPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	driver, err := buildDriver(cliOptions{inputPath: inputPath})
	if err != nil {
		t.Fatalf("buildDriver: %v", err)
	}
	if driver.Opt.NConfigs != 16 {
		t.Errorf("n_random = %d, want 16", driver.Opt.NConfigs)
	}
	if driver.Dyn.Dim() != 6 {
		t.Errorf("matrix dimension = %d, want 6", driver.Dyn.Dim())
	}
}

func TestBuildDriverTilesSupercell(t *testing.T) {
	dir := t.TempDir()

	s := &structure.Structure{
		Cell: [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		Atoms: []structure.Atom{
			{Species: "H", Mass: 911.44, Pos: [3]float64{0, 0, 0}},
			{Species: "H", Mass: 911.44, Pos: [3]float64{1.5, 0, 0}},
		},
	}
	m := dyn.New(s)
	for a := 0; a < 3; a++ {
		m.FC.SetSym(a, a, 0.1)
		m.FC.SetSym(3+a, 3+a, 0.1)
		m.FC.SetSym(a, 3+a, -0.1)
	}
	dynPath := filepath.Join(dir, "start_dyn")
	if err := dyn.Save(dynPath, m); err != nil {
		t.Fatalf("save matrix: %v", err)
	}
	inputPath := filepath.Join(dir, "scha.in")
	body := fmt.Sprintf(`&inputscha
  fildyn_prefix = %q
  supercell_size = 2, 2, 1
&end
&calculator
  ecutwfc = 30.0
  pseudos = "H=H.upf"
&end
`, dynPath)
	if err := os.WriteFile(inputPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	driver, err := buildDriver(cliOptions{inputPath: inputPath})
	if err != nil {
		t.Fatalf("buildDriver: %v", err)
	}
	if got := driver.Dyn.Structure.NAtoms(); got != 8 {
		t.Fatalf("tiled structure holds %d atoms, want 8", got)
	}
	if got := driver.Dyn.Dim(); got != 24 {
		t.Fatalf("tiled matrix dimension = %d, want 24", got)
	}
}

func TestBuildDriverRejectsMissingPseudo(t *testing.T) {
	dir := t.TempDir()

	s := &structure.Structure{
		Cell:  [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		Atoms: []structure.Atom{{Species: "Te", Mass: 911.44, Pos: [3]float64{0, 0, 0}}},
	}
	dynPath := filepath.Join(dir, "start_dyn")
	if err := dyn.Save(dynPath, dyn.New(s)); err != nil {
		t.Fatalf("save matrix: %v", err)
	}
	inputPath := filepath.Join(dir, "scha.in")
	body := fmt.Sprintf("&inputscha\n  fildyn_prefix = %q\n&end\n&calculator\n  ecutwfc = 30.0\n&end\n", dynPath)
	if err := os.WriteFile(inputPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	_, err := buildDriver(cliOptions{inputPath: inputPath})
	if err == nil || !strings.Contains(err.Error(), "pseudopotential") {
		t.Fatalf("expected pseudopotential error, got %v", err)
	}
}
