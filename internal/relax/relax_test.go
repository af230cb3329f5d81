package relax

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sschatools/sschactl/internal/calculator"
	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/input"
	"github.com/sschatools/sschactl/internal/minim"
	"github.com/sschatools/sschactl/internal/structure"
	"github.com/sschatools/sschactl/internal/testutil/testlog"
	"github.com/sschatools/sschactl/internal/units"
)

// pair returns a two-atom unit-mass system bound by an isotropic spring k.
func pair(k float64) *dyn.Matrix {
	s := &structure.Structure{
		Cell: [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		Atoms: []structure.Atom{
			{Species: "A", Mass: 1.0, Pos: [3]float64{0, 0, 0}},
			{Species: "A", Mass: 1.0, Pos: [3]float64{2, 0, 0}},
		},
	}
	m := dyn.New(s)
	for a := 0; a < 3; a++ {
		m.FC.SetSym(a, a, k)
		m.FC.SetSym(3+a, 3+a, k)
		m.FC.SetSym(a, 3+a, -k)
	}
	return m
}

// harmonicEngine evaluates the spring potential k around the population
// centroid, with a little force noise so the gradient has a stochastic
// floor, and a linear equation of state for the stress.
type harmonicEngine struct {
	k         float64
	noise     float64
	p0, bulk  float64 // GPa
	refVolume float64
	rng       *rand.Rand
	calls     int
}

func (e *harmonicEngine) Compute(_ context.Context, structs []*structure.Structure, _ string) ([]*calculator.Result, error) {
	e.calls++
	dim := 3 * structs[0].NAtoms()

	centroid := make([]float64, dim)
	for _, s := range structs {
		for a, at := range s.Atoms {
			for c := 0; c < 3; c++ {
				centroid[3*a+c] += at.Pos[c] / float64(len(structs))
			}
		}
	}

	target := pair(e.k)
	pressure := e.p0
	if e.refVolume > 0 {
		v := structs[0].Volume()
		pressure = e.p0 - e.bulk*(v-e.refVolume)/e.refVolume
	}

	out := make([]*calculator.Result, len(structs))
	for i, s := range structs {
		u := make([]float64, dim)
		for a, at := range s.Atoms {
			for c := 0; c < 3; c++ {
				u[3*a+c] = at.Pos[c] - centroid[3*a+c]
			}
		}
		f := make([]float64, dim)
		v := 0.0
		for a := 0; a < dim; a++ {
			row := 0.0
			for b := 0; b < dim; b++ {
				row += target.FC.At(a, b) * u[b]
			}
			f[a] = -row + e.noise*e.rng.NormFloat64()
			v += u[a] * row
		}
		r := &calculator.Result{Energy: 0.5 * v, Forces: f}
		for c := 0; c < 3; c++ {
			r.Stress[c][c] = pressure / units.RyToGPa
		}
		out[i] = r
	}
	return out, nil
}

func testOptions(t *testing.T) Options {
	opt := Options{
		Type:         "relax",
		NConfigs:     256,
		StartPop:     1,
		MaxPopID:     6,
		Temperature:  0,
		DataDir:      filepath.Join(t.TempDir(), "data"),
		Workdir:      filepath.Join(t.TempDir(), "calc"),
		FildynPrefix: filepath.Join(t.TempDir(), "dyn"),
		Seed:         7,
		Minim:        minim.Default(),
	}
	opt.Minim.MeaningfulFactor = 3
	opt.Minim.KongLiuThreshold = 0.2
	opt.Minim.MaxSteps = 40
	return opt
}

func TestRelaxConvergesToTargetSpring(t *testing.T) {
	testlog.Start(t)

	opt := testOptions(t)
	opt.SaveFreqFilename = filepath.Join(t.TempDir(), "freqs.dat")
	engine := &harmonicEngine{k: 0.10, noise: 1e-3, rng: rand.New(rand.NewSource(11))}

	d, err := New(pair(0.13), engine, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !d.Converged() {
		t.Fatal("relaxation did not converge")
	}

	if got := d.Dyn.FC.At(0, 0); math.Abs(got-0.10) > 0.01 {
		t.Errorf("final spring constant = %v, want 0.10", got)
	}
	if len(d.History()) == 0 {
		t.Error("empty minimization history")
	}

	for _, name := range []string{
		opt.FildynPrefix + "_population1",
		opt.FildynPrefix + "_final",
		opt.FildynPrefix + "_final.scf",
	} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(opt.DataDir, "energies_supercell_population1.dat")); err != nil {
		t.Errorf("population data not saved: %v", err)
	}

	raw, err := os.ReadFile(opt.SaveFreqFilename)
	if err != nil {
		t.Fatalf("read frequency file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != engine.calls {
		t.Errorf("frequency file has %d rows, want %d", len(lines), engine.calls)
	}
	if fields := strings.Fields(lines[0]); len(fields) != 1+d.Dyn.Dim() {
		t.Errorf("frequency row has %d columns, want %d", len(fields), 1+d.Dyn.Dim())
	}

	final, err := dyn.Load(opt.FildynPrefix + "_final")
	if err != nil {
		t.Fatalf("reload final matrix: %v", err)
	}
	if got, want := final.FC.At(0, 3), d.Dyn.FC.At(0, 3); math.Abs(got-want) > 1e-8 {
		t.Errorf("persisted coupling = %v, in-memory %v", got, want)
	}
}

func TestVCRelaxReachesTargetPressure(t *testing.T) {
	testlog.Start(t)

	opt := testOptions(t)
	opt.Type = "vc-relax"
	opt.TargetPressure = 2.0
	opt.BulkModulus = 50.0
	opt.MaxPopID = 8
	engine := &harmonicEngine{
		k: 0.10, noise: 1e-3,
		p0: 5.0, bulk: 50.0,
		refVolume: 1000,
		rng:       rand.New(rand.NewSource(13)),
	}

	d, err := New(pair(0.12), engine, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !d.Converged() {
		t.Fatal("vc relaxation did not converge")
	}

	v := d.Dyn.Structure.Volume()
	pressure := engine.p0 - engine.bulk*(v-engine.refVolume)/engine.refVolume
	if math.Abs(pressure-opt.TargetPressure) > 0.1 {
		t.Errorf("final pressure = %v GPa, want %v", pressure, opt.TargetPressure)
	}
	if v <= engine.refVolume {
		t.Errorf("cell should have expanded above %v Bohr^3, got %v", engine.refVolume, v)
	}
}

func TestFixVolumeKeepsVolume(t *testing.T) {
	testlog.Start(t)

	opt := testOptions(t)
	opt.Type = "vc-relax"
	opt.FixVolume = true
	opt.TargetPressure = 2.0
	opt.BulkModulus = 50.0
	engine := &harmonicEngine{
		k: 0.10, noise: 1e-3,
		p0: 5.0, bulk: 50.0,
		refVolume: 1000,
		rng:       rand.New(rand.NewSource(17)),
	}

	d, err := New(pair(0.12), engine, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := d.Dyn.Structure.Volume(); math.Abs(v-1000) > 1e-6 {
		t.Errorf("volume drifted to %v Bohr^3, want 1000", v)
	}
}

// failingEngine trips the test if the driver computes instead of reusing
// saved population data.
type failingEngine struct{ t *testing.T }

func (e failingEngine) Compute(context.Context, []*structure.Structure, string) ([]*calculator.Result, error) {
	e.t.Fatal("engine invoked for a population that exists on disk")
	return nil, nil
}

func TestRunReusesSavedPopulation(t *testing.T) {
	testlog.Start(t)

	opt := testOptions(t)
	opt.MaxPopID = 1
	opt.SaveFreqFilename = filepath.Join(t.TempDir(), "freqs.dat")

	harmonic := &harmonicEngine{k: 0.10, noise: 1e-3, rng: rand.New(rand.NewSource(23))}
	seedDriver, err := New(pair(0.12), harmonic, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := seedDriver.Run(context.Background()); err != nil {
		t.Fatalf("seeding run: %v", err)
	}

	d, err := New(pair(0.12), failingEngine{t}, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("restarted run: %v", err)
	}
	if len(d.History()) == 0 {
		t.Error("restarted run produced no minimization history")
	}

	// The restarted run revisits population 1; its frequency row must
	// replace the one from the first run, not pile on top of it.
	raw, err := os.ReadFile(opt.SaveFreqFilename)
	if err != nil {
		t.Fatalf("read frequency file: %v", err)
	}
	if rows := strings.Split(strings.TrimSpace(string(raw)), "\n"); len(rows) != 1 {
		t.Errorf("frequency file holds %d rows after restart, want 1", len(rows))
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	engine := &harmonicEngine{k: 0.1, rng: rand.New(rand.NewSource(1))}
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero configs", func(o *Options) { o.NConfigs = 0 }},
		{"bad range", func(o *Options) { o.StartPop = 5; o.MaxPopID = 2 }},
		{"bad type", func(o *Options) { o.Type = "md" }},
		{"vc without modulus", func(o *Options) { o.Type = "vc-relax"; o.BulkModulus = 0 }},
		{"fix volume without modulus", func(o *Options) {
			o.Type = "vc-relax"
			o.FixVolume = true
			o.BulkModulus = 0
		}},
		{"bad minim step", func(o *Options) { o.Minim.StepDyn = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opt := testOptions(t)
			tc.mutate(&opt)
			if _, err := New(pair(0.1), engine, opt); err == nil {
				t.Fatalf("New accepted %s", tc.name)
			}
		})
	}
}

func TestFromConfigMapsFields(t *testing.T) {
	cfg := input.Default()
	cfg.Scha.FildynPrefix = "dyn_start"
	cfg.Scha.NRandom = 64
	cfg.Scha.Temperature = 250
	cfg.Relax.Type = "vc-relax"
	cfg.Relax.TargetPressure = 10
	cfg.Utils.SaveFreqFilename = "freqs.dat"
	cfg.Utils.MuLockStart = 4
	cfg.Utils.MuLockEnd = 6

	opt := FromConfig(cfg)
	if opt.Type != "vc-relax" || opt.TargetPressure != 10 {
		t.Errorf("relax mapping = %+v", opt)
	}
	if opt.NConfigs != 64 || opt.Temperature != 250 {
		t.Errorf("scha mapping = %+v", opt)
	}
	if opt.Minim.LockStart != 4 || opt.Minim.LockEnd != 6 {
		t.Errorf("lock mapping = [%d,%d]", opt.Minim.LockStart, opt.Minim.LockEnd)
	}
}
