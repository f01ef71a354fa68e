package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultSchedulingInterval = "1s"
	DefaultMaxWorkers         = 8
	DefaultLogLevel           = "info"

	DefaultPoolSize           = 5
	DefaultHealthInterval     = "60s"
	DefaultHealthFailures     = 3
	DefaultPoolMaxAge         = "1h"
	DefaultPoolMaxIdle        = "5m"
	DefaultAcquireBackoff     = "500ms"
	DefaultKnownHostsPath     = "~/.ssh/known_hosts"

	DefaultSSHRemoteScratch = "~/.crystalmath/scratch"
	DefaultSSHPollInterval  = "5s"

	DefaultSLURMPollInterval = "30s"

	DefaultRPCTimeout          = "30s"
	DefaultMaxMessageBytes     = 100 << 20 // 100 MiB
	DefaultNotifyWatermark     = 256
)

// DefaultConfig returns a Config with every field set to its documented default.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            defaultDataDir(),
		SchedulingInterval: DefaultSchedulingInterval,
		MaxWorkers:         DefaultMaxWorkers,
		FairShareEnabled:   true,
		LogLevel:           DefaultLogLevel,
		Pool: PoolConfig{
			Size:           DefaultPoolSize,
			HealthInterval: DefaultHealthInterval,
			HealthFailures: DefaultHealthFailures,
			MaxAge:         DefaultPoolMaxAge,
			MaxIdle:        DefaultPoolMaxIdle,
			AcquireBackoff: DefaultAcquireBackoff,
			KnownHostsPath: DefaultKnownHostsPath,
		},
		SSH: SSHConfig{
			RemoteScratchBase: DefaultSSHRemoteScratch,
			PollInterval:      DefaultSSHPollInterval,
		},
		SLURM: SLURMConfig{
			PollInterval: DefaultSLURMPollInterval,
		},
		RPC: RPCConfig{
			DefaultTimeout:  DefaultRPCTimeout,
			MaxMessageBytes: DefaultMaxMessageBytes,
			NotifyWatermark: DefaultNotifyWatermark,
		},
	}
}

// defaultDataDir mirrors the socket-path search order used elsewhere:
// XDG_RUNTIME_DIR, then the user cache dir, then /tmp.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "crystalmath")
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "crystalmath")
	}
	return filepath.Join(os.TempDir(), "crystalmath")
}

// ResolveScratchBase resolves the scratch-directory root:
// explicit config > CRY_SCRATCH_BASE > CRY23_SCRDIR > system temp.
func (c *Config) ResolveScratchBase() string {
	if c.ScratchBase != "" {
		return c.ScratchBase
	}
	if v := os.Getenv("CRY_SCRATCH_BASE"); v != "" {
		return v
	}
	if v := os.Getenv("CRY23_SCRDIR"); v != "" {
		return v
	}
	return os.TempDir()
}

// ResolveSocketPath resolves the IPC server's Unix socket path: explicit
// config > CRYSTALMATHD_SOCKET (applied earlier by applyEnvOverrides, which
// already populates SocketPath) > a well-known name under DataDir.
func (c *Config) ResolveSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.DataDir, "crystalmathd.sock")
}
