package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sschatools/sschactl/internal/logging"
	"github.com/sschatools/sschactl/internal/report"
)

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "sschactl: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "sschactl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	logging.ConfigureRuntime()

	driver, err := buildDriver(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := driver.Run(ctx); err != nil {
		return err
	}

	if opts.saveData != "" {
		if err := report.SaveData(opts.saveData, driver.History()); err != nil {
			return err
		}
	}
	if opts.plotResults {
		dataPath := opts.saveData
		if dataPath == "" {
			dataPath = "minim.dat"
			if err := report.SaveData(dataPath, driver.History()); err != nil {
				return err
			}
		}
		if err := report.WritePlot("plot_results.gp", dataPath); err != nil {
			return err
		}
	}
	if !driver.Converged() {
		return fmt.Errorf("relaxation did not converge within max_pop_id populations")
	}
	return nil
}
