// Package config loads crystalmathd's daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for the crystalmathd daemon.
type Config struct {
	// SocketPath overrides the resolved IPC socket path (see ResolveSocketPath).
	SocketPath string `yaml:"socket_path"`

	// DataDir holds the SQLite store file and daemon PID file.
	DataDir string `yaml:"data_dir"`

	// ScratchBase overrides CRY_SCRATCH_BASE/CRY23_SCRDIR/system-temp for job work dirs.
	ScratchBase string `yaml:"scratch_base"`

	// SchedulingInterval is how often the queue scheduler tick runs.
	SchedulingInterval string `yaml:"scheduling_interval"`

	// MaxWorkers bounds the IPC method-dispatch worker pool.
	MaxWorkers int `yaml:"max_workers"`

	// FairShareEnabled toggles the per-user fair-share scheduling bonus.
	FairShareEnabled bool `yaml:"fair_share_enabled"`

	// MetricsAddr, if set, exposes a Prometheus /metrics endpoint on this loopback address.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`

	// CRY23Root is read from CRY23_ROOT and passed through to the external
	// input-generator collaborator; the core never interprets it itself.
	CRY23Root string `yaml:"-"`

	Pool     PoolConfig     `yaml:"pool"`
	SSH      SSHConfig      `yaml:"ssh"`
	SLURM    SLURMConfig    `yaml:"slurm"`
	RPC      RPCConfig      `yaml:"rpc"`
}

// PoolConfig configures the per-cluster SSH connection pool.
type PoolConfig struct {
	Size             int    `yaml:"size"`
	HealthInterval   string `yaml:"health_interval"`
	HealthFailures   int    `yaml:"health_failures"`
	MaxAge           string `yaml:"max_age"`
	MaxIdle          string `yaml:"max_idle"`
	AcquireBackoff   string `yaml:"acquire_backoff"`
	KnownHostsPath   string `yaml:"known_hosts_path"`
}

// SSHConfig configures defaults for the SSH runner.
type SSHConfig struct {
	RemoteScratchBase string `yaml:"remote_scratch_base"`
	PollInterval      string `yaml:"poll_interval"`
}

// SLURMConfig configures defaults for the SLURM runner.
type SLURMConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Partition    string `yaml:"partition"`
	Account      string `yaml:"account"`
}

// RPCConfig configures the JSON-RPC IPC server.
type RPCConfig struct {
	DefaultTimeout  string `yaml:"default_timeout"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	NotifyWatermark int    `yaml:"notify_watermark"`
}

// Load reads configuration from path, layering it over DefaultConfig and then
// applying environment-variable overrides. A missing file is not an error:
// the defaults (plus env overrides) are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no config file: defaults stand
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates DataDir (and its parent) if missing.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", c.DataDir, err)
	}
	return nil
}

// DBPath is the SQLite store file under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "crystalmath.db")
}

// PIDPath is the daemon's PID file under DataDir.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "crystalmathd.pid")
}
