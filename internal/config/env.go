package config

import "os"

// envOverrides maps environment variables to config field setters, applied
// after the YAML file so the environment always wins.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{"CRYSTALMATHD_SOCKET", func(c *Config, v string) { c.SocketPath = v }},
	{"CRYSTALMATHD_DATA_DIR", func(c *Config, v string) { c.DataDir = v }},
	{"CRYSTALMATHD_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"CRYSTALMATHD_METRICS_ADDR", func(c *Config, v string) { c.MetricsAddr = v }},
	{"CRY23_ROOT", func(c *Config, v string) { c.CRY23Root = v }},
}

// applyEnvOverrides modifies cfg in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
