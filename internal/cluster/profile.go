// Package cluster submits ensemble calculations to a remote machine over
// SSH: it uploads input decks, generates SLURM batch scripts, polls for
// completion, and pulls the output files back.
package cluster

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile is the connection and scheduler configuration of one cluster,
// loaded from a TOML file.
type Profile struct {
	Hostname                    string `toml:"hostname"`
	Port                        string `toml:"port"`
	User                        string `toml:"user"`
	KeyPath                     string `toml:"key_path"`
	KnownHostsPath              string `toml:"known_hosts"`
	InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking"`

	Workdir string `toml:"workdir"`

	Account     string   `toml:"account"`
	Partition   string   `toml:"partition"`
	Walltime    string   `toml:"time"`
	Nodes       int      `toml:"n_nodes"`
	CPUsPerNode int      `toml:"n_cpu"`
	BatchSize   int      `toml:"batch_size"`
	ModuleLoads []string `toml:"module_load"`
	MPICmd      string   `toml:"mpi_cmd"`

	PollInterval    string `toml:"poll_interval"`
	PollMaxInterval string `toml:"poll_max_interval"`
	Timeout         string `toml:"timeout"`
}

// ProfileTemplate is a commented starting point for a cluster profile.
const ProfileTemplate = `# sschactl cluster profile
hostname = "login.cluster.example"
user = "me"
key_path = "~/.ssh/id_ed25519"
known_hosts = "~/.ssh/known_hosts"
workdir = "/scratch/me/sscha"

account = "project01"
partition = "batch"
time = "00:30:00"
n_nodes = 1
n_cpu = 32
batch_size = 10
module_load = ["quantum-espresso"]
mpi_cmd = "srun"

poll_interval = "30s"
poll_max_interval = "5m"
timeout = "12h"
`

// LoadProfile reads and validates a cluster profile file.
func LoadProfile(path string) (Profile, error) {
	var p Profile
	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Profile{}, fmt.Errorf("cluster: load profile %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Profile{}, fmt.Errorf("cluster: profile %s: unknown key %q", path, undec[0].String())
	}
	applyProfileDefaults(&p)
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("cluster: profile %s: %w", path, err)
	}
	return p, nil
}

func applyProfileDefaults(p *Profile) {
	if p.Port == "" {
		p.Port = "22"
	}
	if p.Nodes == 0 {
		p.Nodes = 1
	}
	if p.CPUsPerNode == 0 {
		p.CPUsPerNode = 1
	}
	if p.BatchSize == 0 {
		p.BatchSize = 10
	}
	if p.Walltime == "" {
		p.Walltime = "00:30:00"
	}
	if p.PollInterval == "" {
		p.PollInterval = "30s"
	}
	if p.PollMaxInterval == "" {
		p.PollMaxInterval = "5m"
	}
	if p.Timeout == "" {
		p.Timeout = "12h"
	}
}

// Validate checks the profile for the fields remote submission needs.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Hostname) == "" {
		return fmt.Errorf("hostname is required")
	}
	if strings.TrimSpace(p.User) == "" {
		return fmt.Errorf("user is required")
	}
	if strings.TrimSpace(p.Workdir) == "" {
		return fmt.Errorf("workdir is required")
	}
	if p.Nodes < 1 || p.CPUsPerNode < 1 {
		return fmt.Errorf("n_nodes and n_cpu must be positive")
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	if _, err := p.pollInterval(); err != nil {
		return err
	}
	if _, err := p.pollMaxInterval(); err != nil {
		return err
	}
	if _, err := p.timeout(); err != nil {
		return err
	}
	return nil
}

func (p Profile) pollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(p.PollInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid poll_interval %q", p.PollInterval)
	}
	return d, nil
}

func (p Profile) pollMaxInterval() (time.Duration, error) {
	d, err := time.ParseDuration(p.PollMaxInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid poll_max_interval %q", p.PollMaxInterval)
	}
	return d, nil
}

func (p Profile) timeout() (time.Duration, error) {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", p.Timeout)
	}
	return d, nil
}
