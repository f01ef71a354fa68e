package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks every field for validity, returning a joined error
// listing all violations at once (rather than failing on the first).
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.MaxWorkers < 1 {
		errs = append(errs, &ValidationError{"max_workers", cfg.MaxWorkers, "must be at least 1"})
	}

	durations := map[string]string{
		"scheduling_interval":  cfg.SchedulingInterval,
		"pool.health_interval": cfg.Pool.HealthInterval,
		"pool.max_age":         cfg.Pool.MaxAge,
		"pool.max_idle":        cfg.Pool.MaxIdle,
		"pool.acquire_backoff": cfg.Pool.AcquireBackoff,
		"ssh.poll_interval":    cfg.SSH.PollInterval,
		"slurm.poll_interval":  cfg.SLURM.PollInterval,
		"rpc.default_timeout":  cfg.RPC.DefaultTimeout,
	}
	for field, val := range durations {
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, &ValidationError{field, val, fmt.Sprintf("invalid duration: %v", err)})
		}
	}

	if cfg.Pool.Size < 1 {
		errs = append(errs, &ValidationError{"pool.size", cfg.Pool.Size, "must be at least 1"})
	}
	if cfg.Pool.HealthFailures < 1 {
		errs = append(errs, &ValidationError{"pool.health_failures", cfg.Pool.HealthFailures, "must be at least 1"})
	}
	if cfg.RPC.MaxMessageBytes < 1 {
		errs = append(errs, &ValidationError{"rpc.max_message_bytes", cfg.RPC.MaxMessageBytes, "must be positive"})
	}
	if cfg.RPC.NotifyWatermark < 1 {
		errs = append(errs, &ValidationError{"rpc.notify_watermark", cfg.RPC.NotifyWatermark, "must be at least 1"})
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{"log_level", cfg.LogLevel, "must be one of: debug, info, warn, error"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate re-runs validation on an already-loaded Config, useful after a
// caller mutates fields in place (e.g. tests, or CLI flag overrides).
func (c *Config) Validate() error {
	return validateConfig(c)
}
