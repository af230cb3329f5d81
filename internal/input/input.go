// Package input decodes the driver's namelist file into typed
// configuration: the &inputscha, &relax, &utils, and &calculator groups.
// Unknown keys are rejected so a typo fails the run instead of silently
// falling back to a default.
package input

import (
	"fmt"
	"strings"

	"github.com/sschatools/sschactl/internal/calculator"
	"github.com/sschatools/sschactl/internal/minim"
	"github.com/sschatools/sschactl/internal/namelist"
)

// SchaConfig is the &inputscha group: the minimization parameters.
type SchaConfig struct {
	FildynPrefix       string  // starting force-constant file
	DataDir            string  // ensemble population directory
	Population         int     // population index to (re)use
	NRandom            int     // configurations per population
	Temperature        float64 // Kelvin
	SupercellSize      [3]int
	MeaningfulFactor   float64
	LambdaA            float64
	LambdaW            float64
	MinimStruc         bool
	Preconditioning    bool
	RootRepresentation string
	MaxKA              int
	EqEnergy           float64
	KongLiuRatio       float64
}

// RelaxConfig is the &relax group: the outer relaxation loop. The
// starting population index comes from &inputscha population.
type RelaxConfig struct {
	Type           string // "relax" or "vc-relax"
	MaxPopID       int
	TargetPressure float64 // GPa
	FixVolume      bool
	BulkModulus    float64 // GPa
}

// UtilsConfig is the &utils group: mode locking and auxiliary outputs.
type UtilsConfig struct {
	SaveFreqFilename string
	MuLockStart      int
	MuLockEnd        int
}

// CalcConfig is the &calculator group: the ab-initio engine.
type CalcConfig struct {
	Program        string
	Binary         string
	MPICmd         string
	NPool          int
	PseudoDir      string
	Pseudos        map[string]string
	Ecutwfc        float64
	Ecutrho        float64
	ConvThr        float64
	KPoints        [3]int
	KOffset        [3]int
	Occupations    string
	Smearing       string
	Degauss        float64
	ClusterProfile string // TOML path; empty runs locally
	Workdir        string
}

// Config is the fully decoded input file.
type Config struct {
	Scha  SchaConfig
	Relax RelaxConfig
	Utils UtilsConfig
	Calc  CalcConfig
}

// Default returns the configuration used for keys the file leaves unset.
func Default() Config {
	mo := minim.Default()
	return Config{
		Scha: SchaConfig{
			DataDir:            "data_ensemble",
			Population:         1,
			NRandom:            100,
			SupercellSize:      [3]int{1, 1, 1},
			MeaningfulFactor:   mo.MeaningfulFactor,
			LambdaA:            mo.StepDyn,
			LambdaW:            mo.StepStruc,
			Preconditioning:    true,
			RootRepresentation: "normal",
			MaxKA:              mo.MaxSteps,
			KongLiuRatio:       mo.KongLiuThreshold,
		},
		Relax: RelaxConfig{
			Type:        "relax",
			MaxPopID:    20,
			BulkModulus: 100,
		},
		Calc: CalcConfig{
			Program: "quantum-espresso",
			Binary:  "pw.x",
			KPoints: [3]int{1, 1, 1},
			Workdir: "calc_workdir",
		},
	}
}

// Template is a commented starting point for a namelist input file.
const Template = `! sschactl input file
&inputscha
    fildyn_prefix = "start_dyn"   ! starting force-constant file
    data_dir = "data_ensemble"    ! where population files are written
    n_random = 100                ! configurations per population
    T = 0.0                       ! temperature in Kelvin
    lambda_a = 0.5                ! step on the force constants
    ! minim_struc = .true.        ! also relax the centroids
    ! kong_liu_ratio = 0.5
&end

&relax
    type = "relax"                ! or "vc-relax"
    max_pop_id = 20
    ! target_pressure = 0.0       ! GPa, vc-relax only
    ! bulk_modulus = 100.0        ! GPa, vc-relax only
&end

&calculator
    program = "quantum-espresso"
    binary = "pw.x"
    ecutwfc = 40.0
    conv_thr = 1.d-8
    pseudo_dir = "pseudo"
    pseudos = "H=H.upf"
    k_points = 1, 1, 1
    ! cluster_profile = "cluster.toml"  ! submit remotely over SSH
&end
`

// Load reads and validates the namelist file at path.
func Load(path string) (Config, error) {
	doc, err := namelist.ParseFile(path)
	if err != nil {
		return Config{}, err
	}
	return Decode(doc)
}

// Decode validates and converts a parsed namelist document.
func Decode(doc *namelist.Document) (Config, error) {
	cfg := Default()

	scha := doc.Group("inputscha")
	if scha == nil {
		return Config{}, fmt.Errorf("input: missing required group &inputscha")
	}
	if err := decodeScha(scha, &cfg.Scha); err != nil {
		return Config{}, err
	}
	if g := doc.Group("relax"); g != nil {
		if err := decodeRelax(g, &cfg.Relax); err != nil {
			return Config{}, err
		}
	}
	if g := doc.Group("utils"); g != nil {
		if err := decodeUtils(g, &cfg.Utils); err != nil {
			return Config{}, err
		}
	}
	if g := doc.Group("calculator"); g != nil {
		if err := decodeCalc(g, &cfg.Calc); err != nil {
			return Config{}, err
		}
	}
	for _, g := range doc.Groups() {
		switch strings.ToLower(g.Name) {
		case "inputscha", "relax", "utils", "calculator":
		default:
			return Config{}, fmt.Errorf("input: unknown group &%s", g.Name)
		}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func rejectUnknown(g *namelist.Group, known ...string) error {
	allowed := map[string]bool{}
	for _, k := range known {
		allowed[k] = true
	}
	for _, k := range g.Keys() {
		if !allowed[k] {
			return fmt.Errorf("input: &%s: unknown key %q", g.Name, k)
		}
	}
	return nil
}

func decodeScha(g *namelist.Group, out *SchaConfig) error {
	if err := rejectUnknown(g,
		"fildyn_prefix", "data_dir", "population", "n_random", "t",
		"supercell_size", "meaningful_factor", "lambda_a", "lambda_w",
		"minim_struc", "preconditioning", "root_representation", "max_ka",
		"eq_energy", "kong_liu_ratio",
	); err != nil {
		return err
	}
	var err error
	if g.Has("fildyn_prefix") {
		if out.FildynPrefix, err = g.String("fildyn_prefix"); err != nil {
			return err
		}
	}
	if g.Has("data_dir") {
		if out.DataDir, err = g.String("data_dir"); err != nil {
			return err
		}
	}
	if g.Has("population") {
		if out.Population, err = g.Int("population"); err != nil {
			return err
		}
	}
	if g.Has("n_random") {
		if out.NRandom, err = g.Int("n_random"); err != nil {
			return err
		}
	}
	if g.Has("t") {
		if out.Temperature, err = g.Float("t"); err != nil {
			return err
		}
	}
	if g.Has("supercell_size") {
		cells, err := g.Ints("supercell_size")
		if err != nil {
			return err
		}
		if len(cells) != 3 {
			return fmt.Errorf("input: &inputscha: supercell_size wants 3 values, got %d", len(cells))
		}
		copy(out.SupercellSize[:], cells)
	}
	if g.Has("meaningful_factor") {
		if out.MeaningfulFactor, err = g.Float("meaningful_factor"); err != nil {
			return err
		}
	}
	if g.Has("lambda_a") {
		if out.LambdaA, err = g.Float("lambda_a"); err != nil {
			return err
		}
	}
	if g.Has("lambda_w") {
		if out.LambdaW, err = g.Float("lambda_w"); err != nil {
			return err
		}
	}
	if g.Has("minim_struc") {
		if out.MinimStruc, err = g.Bool("minim_struc"); err != nil {
			return err
		}
	}
	if g.Has("preconditioning") {
		if out.Preconditioning, err = g.Bool("preconditioning"); err != nil {
			return err
		}
	}
	if g.Has("root_representation") {
		if out.RootRepresentation, err = g.String("root_representation"); err != nil {
			return err
		}
	}
	if g.Has("max_ka") {
		if out.MaxKA, err = g.Int("max_ka"); err != nil {
			return err
		}
	}
	if g.Has("eq_energy") {
		if out.EqEnergy, err = g.Float("eq_energy"); err != nil {
			return err
		}
	}
	if g.Has("kong_liu_ratio") {
		if out.KongLiuRatio, err = g.Float("kong_liu_ratio"); err != nil {
			return err
		}
	}
	return nil
}

func decodeRelax(g *namelist.Group, out *RelaxConfig) error {
	if err := rejectUnknown(g,
		"type", "max_pop_id", "target_pressure", "fix_volume", "bulk_modulus",
	); err != nil {
		return err
	}
	var err error
	if g.Has("type") {
		if out.Type, err = g.String("type"); err != nil {
			return err
		}
	}
	if g.Has("max_pop_id") {
		if out.MaxPopID, err = g.Int("max_pop_id"); err != nil {
			return err
		}
	}
	if g.Has("target_pressure") {
		if out.TargetPressure, err = g.Float("target_pressure"); err != nil {
			return err
		}
	}
	if g.Has("fix_volume") {
		if out.FixVolume, err = g.Bool("fix_volume"); err != nil {
			return err
		}
	}
	if g.Has("bulk_modulus") {
		if out.BulkModulus, err = g.Float("bulk_modulus"); err != nil {
			return err
		}
	}
	return nil
}

func decodeUtils(g *namelist.Group, out *UtilsConfig) error {
	if err := rejectUnknown(g, "save_freq_filename", "mu_lock_start", "mu_lock_end"); err != nil {
		return err
	}
	var err error
	if g.Has("save_freq_filename") {
		if out.SaveFreqFilename, err = g.String("save_freq_filename"); err != nil {
			return err
		}
	}
	if g.Has("mu_lock_start") {
		if out.MuLockStart, err = g.Int("mu_lock_start"); err != nil {
			return err
		}
	}
	if g.Has("mu_lock_end") {
		if out.MuLockEnd, err = g.Int("mu_lock_end"); err != nil {
			return err
		}
	}
	return nil
}

func decodeCalc(g *namelist.Group, out *CalcConfig) error {
	if err := rejectUnknown(g,
		"program", "binary", "mpi_cmd", "n_pool", "pseudo_dir", "pseudos",
		"ecutwfc", "ecutrho", "conv_thr", "k_points", "k_offset",
		"occupations", "smearing", "degauss", "cluster_profile", "workdir",
	); err != nil {
		return err
	}
	var err error
	if g.Has("program") {
		if out.Program, err = g.String("program"); err != nil {
			return err
		}
	}
	if g.Has("binary") {
		if out.Binary, err = g.String("binary"); err != nil {
			return err
		}
	}
	if g.Has("mpi_cmd") {
		if out.MPICmd, err = g.String("mpi_cmd"); err != nil {
			return err
		}
	}
	if g.Has("n_pool") {
		if out.NPool, err = g.Int("n_pool"); err != nil {
			return err
		}
	}
	if g.Has("pseudo_dir") {
		if out.PseudoDir, err = g.String("pseudo_dir"); err != nil {
			return err
		}
	}
	if g.Has("pseudos") {
		entries, err := g.Strings("pseudos")
		if err != nil {
			return err
		}
		out.Pseudos = map[string]string{}
		for _, entry := range entries {
			species, file, ok := strings.Cut(entry, "=")
			if !ok || species == "" || file == "" {
				return fmt.Errorf("input: &calculator: pseudos entry %q, want \"Species=file.upf\"", entry)
			}
			out.Pseudos[species] = file
		}
	}
	if g.Has("ecutwfc") {
		if out.Ecutwfc, err = g.Float("ecutwfc"); err != nil {
			return err
		}
	}
	if g.Has("ecutrho") {
		if out.Ecutrho, err = g.Float("ecutrho"); err != nil {
			return err
		}
	}
	if g.Has("conv_thr") {
		if out.ConvThr, err = g.Float("conv_thr"); err != nil {
			return err
		}
	}
	if g.Has("k_points") {
		ks, err := g.Ints("k_points")
		if err != nil {
			return err
		}
		if len(ks) != 3 {
			return fmt.Errorf("input: &calculator: k_points wants 3 values, got %d", len(ks))
		}
		copy(out.KPoints[:], ks)
	}
	if g.Has("k_offset") {
		ks, err := g.Ints("k_offset")
		if err != nil {
			return err
		}
		if len(ks) != 3 {
			return fmt.Errorf("input: &calculator: k_offset wants 3 values, got %d", len(ks))
		}
		copy(out.KOffset[:], ks)
	}
	if g.Has("occupations") {
		if out.Occupations, err = g.String("occupations"); err != nil {
			return err
		}
	}
	if g.Has("smearing") {
		if out.Smearing, err = g.String("smearing"); err != nil {
			return err
		}
	}
	if g.Has("degauss") {
		if out.Degauss, err = g.Float("degauss"); err != nil {
			return err
		}
	}
	if g.Has("cluster_profile") {
		if out.ClusterProfile, err = g.String("cluster_profile"); err != nil {
			return err
		}
	}
	if g.Has("workdir") {
		if out.Workdir, err = g.String("workdir"); err != nil {
			return err
		}
	}
	return nil
}

// Validate cross-checks the decoded configuration.
func Validate(cfg Config) error {
	s := cfg.Scha
	if strings.TrimSpace(s.FildynPrefix) == "" {
		return fmt.Errorf("input: &inputscha: fildyn_prefix is required")
	}
	if s.NRandom < 1 {
		return fmt.Errorf("input: &inputscha: n_random must be positive, got %d", s.NRandom)
	}
	if s.Temperature < 0 {
		return fmt.Errorf("input: &inputscha: t must be non-negative, got %v", s.Temperature)
	}
	if s.Population < 1 {
		return fmt.Errorf("input: &inputscha: population must be positive, got %d", s.Population)
	}
	for _, c := range s.SupercellSize {
		if c < 1 {
			return fmt.Errorf("input: &inputscha: supercell_size must be positive, got %v", s.SupercellSize)
		}
	}
	switch s.RootRepresentation {
	case "normal", "sqrt", "root4":
	default:
		return fmt.Errorf("input: &inputscha: unknown root_representation %q", s.RootRepresentation)
	}

	switch cfg.Relax.Type {
	case "relax", "vc-relax":
	default:
		return fmt.Errorf("input: &relax: unknown type %q", cfg.Relax.Type)
	}
	if cfg.Relax.MaxPopID < s.Population {
		return fmt.Errorf("input: &relax: max_pop_id %d below starting population %d",
			cfg.Relax.MaxPopID, s.Population)
	}
	if cfg.Relax.Type == "vc-relax" && cfg.Relax.BulkModulus <= 0 {
		return fmt.Errorf("input: &relax: bulk_modulus must be positive for vc-relax")
	}

	u := cfg.Utils
	if (u.MuLockStart == 0) != (u.MuLockEnd == 0) || u.MuLockEnd < u.MuLockStart {
		return fmt.Errorf("input: &utils: invalid mode lock range [%d,%d]", u.MuLockStart, u.MuLockEnd)
	}

	if cfg.Calc.Program != "quantum-espresso" {
		return fmt.Errorf("input: &calculator: unsupported program %q", cfg.Calc.Program)
	}

	// Minimizer options must round-trip through their own validation.
	if err := MinimOptions(cfg).Validate(); err != nil {
		return err
	}
	return nil
}

// EspressoProgram converts the &calculator group into a pw.x program.
func EspressoProgram(cfg Config) *calculator.Espresso {
	c := cfg.Calc
	return &calculator.Espresso{
		Binary:      c.Binary,
		MPICmd:      c.MPICmd,
		NPool:       c.NPool,
		PseudoDir:   c.PseudoDir,
		Pseudos:     c.Pseudos,
		Ecutwfc:     c.Ecutwfc,
		Ecutrho:     c.Ecutrho,
		ConvThr:     c.ConvThr,
		KPoints:     c.KPoints,
		KOffset:     c.KOffset,
		Occupations: c.Occupations,
		Smearing:    c.Smearing,
		Degauss:     c.Degauss,
	}
}

// MinimOptions converts the configuration into minimizer options.
func MinimOptions(cfg Config) minim.Options {
	return minim.Options{
		StepDyn:            cfg.Scha.LambdaA,
		StepStruc:          cfg.Scha.LambdaW,
		MinimStruc:         cfg.Scha.MinimStruc,
		MeaningfulFactor:   cfg.Scha.MeaningfulFactor,
		KongLiuThreshold:   cfg.Scha.KongLiuRatio,
		MaxSteps:           cfg.Scha.MaxKA,
		Preconditioning:    cfg.Scha.Preconditioning,
		RootRepresentation: cfg.Scha.RootRepresentation,
		LockStart:          cfg.Utils.MuLockStart,
		LockEnd:            cfg.Utils.MuLockEnd,
		EqEnergy:           cfg.Scha.EqEnergy,
	}
}
