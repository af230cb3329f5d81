package cluster

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sschatools/sschactl/internal/calculator"
	"github.com/sschatools/sschactl/internal/logging"
	"github.com/sschatools/sschactl/internal/structure"
)

// RemoteEngine satisfies calculator.Engine by shipping the input decks to
// the cluster, submitting one SLURM script per batch, and polling until
// every batch has dropped its completion marker. The Program must already
// carry the cluster-side mpi command and binary path.
type RemoteEngine struct {
	Profile Profile
	Program calculator.Program
	Runner  Runner

	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error

	log zerolog.Logger
}

// NewRemoteEngine connects a program to a cluster profile over SSH.
func NewRemoteEngine(p Profile, prog calculator.Program) *RemoteEngine {
	return &RemoteEngine{
		Profile: p,
		Program: prog,
		Runner:  NewSSHRunner(p),
		sleep:   sleepCtx,
		log:     logging.Component("cluster"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func inputName(i int) string  { return fmt.Sprintf("espresso_run_%d.pwi", i+1) }
func outputName(i int) string { return fmt.Sprintf("espresso_run_%d.pwo", i+1) }
func markerName(k int) string { return fmt.Sprintf("done_batch_%d", k+1) }
func scriptName(k int) string { return fmt.Sprintf("submit_batch_%d.sh", k+1) }

// Compute uploads all inputs, submits the batches, waits, and parses the
// downloaded outputs. The remote run directory is Workdir/<base of the
// local workdir> so repeated populations stay separated.
func (e *RemoteEngine) Compute(ctx context.Context, structs []*structure.Structure, workdir string) ([]*calculator.Result, error) {
	if len(structs) == 0 {
		return nil, fmt.Errorf("cluster: empty batch")
	}
	runDir := path.Join(e.Profile.Workdir, filepath.Base(workdir))

	for i, s := range structs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
		var buf bytes.Buffer
		if err := e.Program.WriteInput(&buf, s); err != nil {
			return nil, fmt.Errorf("cluster: config %d: %w", i+1, err)
		}
		if err := e.Runner.Upload(path.Join(runDir, inputName(i)), buf.Bytes()); err != nil {
			return nil, fmt.Errorf("cluster: upload config %d: %w", i+1, err)
		}
	}

	batches := batchIndices(len(structs), e.Profile.BatchSize)
	for k, batch := range batches {
		script := BatchScript(e.Profile, runDir, e.Program, batch, markerName(k))
		scriptPath := path.Join(runDir, scriptName(k))
		if err := e.Runner.Upload(scriptPath, []byte(script)); err != nil {
			return nil, fmt.Errorf("cluster: upload batch script %d: %w", k+1, err)
		}
		out, err := e.Runner.Run("sbatch", scriptPath)
		if err != nil {
			return nil, fmt.Errorf("cluster: sbatch batch %d: %w\n%s", k+1, err, strings.TrimSpace(out))
		}
		e.log.Info().Int("batch", k+1).Int("configs", len(batch)).
			Str("job", parseJobID(out)).Msg("batch submitted")
	}

	if err := e.waitAll(ctx, runDir, len(batches)); err != nil {
		return nil, err
	}

	results := make([]*calculator.Result, len(structs))
	for i, s := range structs {
		data, err := e.Runner.Download(path.Join(runDir, outputName(i)))
		if err != nil {
			return nil, fmt.Errorf("cluster: download output %d: %w", i+1, err)
		}
		r, err := e.Program.ParseOutput(bytes.NewReader(data), s.NAtoms())
		if err != nil {
			return nil, fmt.Errorf("cluster: config %d: %w", i+1, err)
		}
		results[i] = r
	}
	return results, nil
}

// waitAll polls for the batch completion markers with exponential backoff
// until the profile timeout expires.
func (e *RemoteEngine) waitAll(ctx context.Context, runDir string, nbatches int) error {
	pollInitial, _ := e.Profile.pollInterval()
	pollMax, _ := e.Profile.pollMaxInterval()
	timeout, _ := e.Profile.timeout()
	deadline := time.Now().Add(timeout)
	cfg := BackoffConfig{
		InitialDelay: pollInitial,
		MaxDelay:     pollMax,
		Multiplier:   1.5,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	pending := make(map[int]bool, nbatches)
	for k := 0; k < nbatches; k++ {
		pending[k] = true
	}
	for attempt := 1; len(pending) > 0; attempt++ {
		if time.Now().After(deadline) {
			return fmt.Errorf("cluster: %d batches still running after %s", len(pending), e.Profile.Timeout)
		}
		if err := e.sleep(ctx, NextBackoffDelay(cfg, attempt, rng)); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		for k := range pending {
			if _, err := e.Runner.Run("test", "-e", path.Join(runDir, markerName(k))); err == nil {
				delete(pending, k)
				e.log.Debug().Int("batch", k+1).Msg("batch finished")
			}
		}
	}
	return nil
}

func batchIndices(n, size int) [][]int {
	var out [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		out = append(out, batch)
	}
	return out
}

// BatchScript renders the SLURM submission script for one batch of
// configuration indices. The script runs its members sequentially and
// touches the marker file only when every run exits cleanly.
func BatchScript(p Profile, runDir string, prog calculator.Program, indices []int, marker string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=sschactl\n")
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", p.Nodes)
	fmt.Fprintf(&b, "#SBATCH --ntasks-per-node=%d\n", p.CPUsPerNode)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", p.Walltime)
	if p.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", p.Account)
	}
	if p.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", p.Partition)
	}
	b.WriteString("\nset -e\n")
	for _, mod := range p.ModuleLoads {
		fmt.Fprintf(&b, "module load %s\n", mod)
	}
	fmt.Fprintf(&b, "cd %s\n\n", shellEscape(runDir))
	for _, i := range indices {
		argv := prog.Command(inputName(i), outputName(i))
		fmt.Fprintf(&b, "%s > %s\n", strings.Join(argv, " "), outputName(i))
	}
	fmt.Fprintf(&b, "\ntouch %s\n", marker)
	return b.String()
}

func parseJobID(sbatchOutput string) string {
	fields := strings.Fields(strings.TrimSpace(sbatchOutput))
	if len(fields) > 0 {
		return fields[len(fields)-1]
	}
	return ""
}
