package minim

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/sschatools/sschactl/internal/dyn"
	"github.com/sschatools/sschactl/internal/ensemble"
	"github.com/sschatools/sschactl/internal/structure"
	"github.com/sschatools/sschactl/internal/testutil/testlog"
)

// toy returns a two-atom unit-mass system with an isotropic spring k.
func toy(k float64) *dyn.Matrix {
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

// harmonicResults fills the ensemble with forces and energies of the exact
// harmonic potential given by target, around a minimum displaced by delta.
func harmonicResults(t *testing.T, e *ensemble.Ensemble, target *dyn.Matrix, delta []float64) {
	t.Helper()
	dim := target.Dim()
	energies := make([]float64, e.N())
	forces := make([][]float64, e.N())
	for i, u := range e.U {
		x := make([]float64, dim)
		for a := 0; a < dim; a++ {
			x[a] = u[a]
			if delta != nil {
				x[a] -= delta[a]
			}
		}
		f := make([]float64, dim)
		v := 0.0
		for a := 0; a < dim; a++ {
			row := 0.0
			for b := 0; b < dim; b++ {
				row += target.FC.At(a, b) * x[b]
			}
			f[a] = -row
			v += x[a] * row
		}
		energies[i] = 0.5 * v
		forces[i] = f
	}
	if err := e.SetResults(energies, forces); err != nil {
		t.Fatalf("set results failed: %v", err)
	}
}

func options() Options {
	opt := Default()
	opt.StepDyn = 0.5
	opt.KongLiuThreshold = 0.1
	opt.MaxSteps = 60
	return opt
}

func frobDiff(a, b *mat.SymDense) float64 {
	n := a.SymmetricDim()
	s := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := a.At(i, j) - b.At(i, j)
			s += d * d
		}
	}
	return math.Sqrt(s)
}

func TestRunRecoversTargetForceConstants(t *testing.T) {
	testlog.Start(t)
	target := toy(0.10)
	start := toy(0.13) // 30% too stiff

	e, err := ensemble.Generate(start, 0, 512, rand.New(rand.NewSource(17)))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	harmonicResults(t, e, target, nil)

	m, err := New(start, options())
	if err != nil {
		t.Fatalf("new minimizer failed: %v", err)
	}
	if err := m.Init(e); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	final, err := m.Finalize()
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	before := frobDiff(start.FC, target.FC)
	after := frobDiff(final.FC, target.FC)
	if after > before/20 {
		t.Fatalf("force constants did not approach target: before %v after %v", before, after)
	}
	if len(m.History()) == 0 {
		t.Fatalf("no history recorded")
	}
}

func TestFreeEnergyDecreases(t *testing.T) {
	testlog.Start(t)
	target := toy(0.10)
	start := toy(0.14)
	e, err := ensemble.Generate(start, 0, 512, rand.New(rand.NewSource(23)))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	harmonicResults(t, e, target, nil)

	m, err := New(start, options())
	if err != nil {
		t.Fatalf("new minimizer failed: %v", err)
	}
	if err := m.Init(e); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	hist := m.History()
	if len(hist) < 2 {
		t.Fatalf("expected several steps, got %d", len(hist))
	}
	first, last := hist[0], hist[len(hist)-1]
	if last.FreeEnergy >= first.FreeEnergy {
		t.Fatalf("free energy did not decrease: first %v last %v", first.FreeEnergy, last.FreeEnergy)
	}
	for _, rec := range hist {
		if rec.KongLiu <= 0 || rec.KongLiu > 1.0+1e-9 {
			t.Fatalf("kong-liu out of range at step %d: %v", rec.Step, rec.KongLiu)
		}
	}
}

func TestModeLockingFreezesMatrix(t *testing.T) {
	testlog.Start(t)
	target := toy(0.10)
	start := toy(0.13)
	e, err := ensemble.Generate(start, 0, 256, rand.New(rand.NewSource(31)))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	harmonicResults(t, e, target, nil)

	opt := options()
	opt.MaxSteps = 5
	// Lock every optical mode: only the unsampled acoustic block stays,
	// so the matrix must not move.
	opt.LockStart = 4
	opt.LockEnd = 6
	m, err := New(start, opt)
	if err != nil {
		t.Fatalf("new minimizer failed: %v", err)
	}
	if err := m.Init(e); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if moved := frobDiff(m.Dyn.FC, start.FC); moved > 1e-6 {
		t.Fatalf("locked modes still moved the matrix by %v", moved)
	}
}

func TestStructureMinimizationFollowsForces(t *testing.T) {
	testlog.Start(t)
	target := toy(1.0)
	start := toy(1.0)
	e, err := ensemble.Generate(start, 0, 512, rand.New(rand.NewSource(41)))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	// True minimum sits 0.05 Bohr along +x for atom 1, -x for atom 2.
	delta := []float64{0.05, 0, 0, -0.05, 0, 0}
	harmonicResults(t, e, target, delta)

	opt := options()
	opt.MinimStruc = true
	opt.StepStruc = 0.4
	opt.MaxSteps = 40
	m, err := New(start, opt)
	if err != nil {
		t.Fatalf("new minimizer failed: %v", err)
	}
	if err := m.Init(e); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	hist := m.History()
	if hist[len(hist)-1].GradStruc >= hist[0].GradStruc/2 {
		t.Fatalf("structure gradient did not drop: first %v last %v",
			hist[0].GradStruc, hist[len(hist)-1].GradStruc)
	}
	if got := m.Dyn.Structure.Atoms[0].Pos[0]; got <= 0.01 {
		t.Fatalf("centroid did not move toward the true minimum: x=%v", got)
	}
}

func TestLifecycleGuards(t *testing.T) {
	testlog.Start(t)
	start := toy(0.1)
	m, err := New(start, options())
	if err != nil {
		t.Fatalf("new minimizer failed: %v", err)
	}
	if err := m.Run(context.Background()); err != ErrNotInitialized {
		t.Fatalf("run before init: want ErrNotInitialized got %v", err)
	}
	if _, err := m.Finalize(); err != ErrNotInitialized {
		t.Fatalf("finalize before init: want ErrNotInitialized got %v", err)
	}

	e, err := ensemble.Generate(start, 0, 4, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := m.Init(e); err != ErrNoResults {
		t.Fatalf("init without results: want ErrNoResults got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero dyn step", func(o *Options) { o.StepDyn = 0 }},
		{"struc without step", func(o *Options) { o.MinimStruc = true; o.StepStruc = 0 }},
		{"zero meaningful factor", func(o *Options) { o.MeaningfulFactor = 0 }},
		{"kong-liu above one", func(o *Options) { o.KongLiuThreshold = 1.5 }},
		{"no steps", func(o *Options) { o.MaxSteps = 0 }},
		{"inverted lock range", func(o *Options) { o.LockStart = 5; o.LockEnd = 2 }},
		{"bad root representation", func(o *Options) { o.RootRepresentation = "cbrt" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opt := Default()
			tc.mutate(&opt)
			if err := opt.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSteppedFCRootParametrization(t *testing.T) {
	// One degree of freedom makes the chain rule exact by hand:
	// sqrt steps phi to (sqrt(phi) + 2*step*sqrt(phi)*p)^2, root4 runs the
	// same contraction twice.
	phi, p, step := 0.81, 0.1, 0.5
	fc := mat.NewSymDense(1, []float64{phi})
	dir := mat.NewSymDense(1, []float64{p})

	got, err := steppedFC(fc, dir, step, 0)
	if err != nil {
		t.Fatalf("normal step failed: %v", err)
	}
	if want := phi + step*p; math.Abs(got.At(0, 0)-want) > 1e-12 {
		t.Fatalf("normal step: want %v got %v", want, got.At(0, 0))
	}

	got, err = steppedFC(fc, dir, step, 1)
	if err != nil {
		t.Fatalf("sqrt step failed: %v", err)
	}
	a := math.Sqrt(phi)
	if want := math.Pow(a+step*2*a*p, 2); math.Abs(got.At(0, 0)-want) > 1e-12 {
		t.Fatalf("sqrt step: want %v got %v", want, got.At(0, 0))
	}

	got, err = steppedFC(fc, dir, step, 2)
	if err != nil {
		t.Fatalf("root4 step failed: %v", err)
	}
	b := math.Sqrt(a)
	if want := math.Pow(b+step*4*b*b*b*p, 4); math.Abs(got.At(0, 0)-want) > 1e-10 {
		t.Fatalf("root4 step: want %v got %v", want, got.At(0, 0))
	}

	// A genuinely negative eigenvalue has no real root.
	if _, err := steppedFC(mat.NewSymDense(1, []float64{-0.5}), dir, step, 1); err == nil {
		t.Fatalf("expected error for a negative matrix in root representation")
	}
}

func TestRootRepresentationRecoversTarget(t *testing.T) {
	testlog.Start(t)
	for _, rep := range []string{"sqrt", "root4"} {
		t.Run(rep, func(t *testing.T) {
			target := toy(0.10)
			start := toy(0.13)
			e, err := ensemble.Generate(start, 0, 512, rand.New(rand.NewSource(17)))
			if err != nil {
				t.Fatalf("generate failed: %v", err)
			}
			harmonicResults(t, e, target, nil)

			opt := options()
			opt.RootRepresentation = rep
			m, err := New(start, opt)
			if err != nil {
				t.Fatalf("new minimizer failed: %v", err)
			}
			if err := m.Init(e); err != nil {
				t.Fatalf("init failed: %v", err)
			}
			if err := m.Run(context.Background()); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			final, err := m.Finalize()
			if err != nil {
				t.Fatalf("finalize failed: %v", err)
			}
			before := frobDiff(start.FC, target.FC)
			after := frobDiff(final.FC, target.FC)
			if after > before/10 {
				t.Fatalf("force constants did not approach target: before %v after %v", before, after)
			}
			ok, err := final.PositiveDefinite(-1e-10)
			if err != nil {
				t.Fatalf("eigen failed: %v", err)
			}
			if !ok {
				t.Fatalf("root representation lost positive semi-definiteness")
			}
		})
	}
}
