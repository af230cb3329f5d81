// Package report writes the minimization history to disk: a plain-text
// data table and a gnuplot script that renders it.
package report

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sschatools/sschactl/internal/minim"
)

// SaveData writes the per-step history as a whitespace-separated table
// with a commented header line.
func SaveData(path string, history []minim.StepRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# step  free_energy_ry  fe_error_ry  grad_dyn  grad_dyn_error  grad_struc  kong_liu")
	for i, rec := range history {
		// Steps restart at 1 on every population; number the rows globally.
		fmt.Fprintf(w, "%6d %18.10e %14.6e %14.6e %14.6e %14.6e %10.6f\n",
			i+1, rec.FreeEnergy, rec.FreeEnergyError,
			rec.GradDyn, rec.GradDynError, rec.GradStruc, rec.KongLiu)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// GnuplotScript returns a script plotting free energy, gradient, and
// effective sample fraction from the given data file.
func GnuplotScript(dataPath string) string {
	return fmt.Sprintf(`set terminal pngcairo size 900,900
set output "minimization.png"
set multiplot layout 3,1

set ylabel "Free energy [Ry]"
plot %[1]q using 1:2:3 with yerrorlines title "free energy"

set ylabel "FC gradient [Ry/Bohr^2]"
set logscale y
plot %[1]q using 1:4:5 with yerrorlines title "gradient"

unset logscale y
set xlabel "step"
set ylabel "N_{eff}/N"
set yrange [0:1.05]
plot %[1]q using 1:7 with lines title "Kong-Liu ratio"

unset multiplot
`, dataPath)
}

// WritePlot writes the gnuplot script next to the data it plots.
func WritePlot(scriptPath, dataPath string) error {
	if err := os.WriteFile(scriptPath, []byte(GnuplotScript(dataPath)), 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}
