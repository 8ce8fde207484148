package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tailored-agentic-units/sessiond/client"
	"github.com/tailored-agentic-units/sessiond/logging"
	"github.com/tailored-agentic-units/sessiond/persist"
)

// EnvPrefix prefixes environment overrides: client.agent.snapshot_interval
// is read from SESSIOND_CLIENT_AGENT_SNAPSHOT_INTERVAL.
const EnvPrefix = "SESSIOND"

// Config holds initialization parameters for all subsystems. Each section
// delegates to that subsystem's config-driven constructor.
type Config struct {
	Logging   logging.Config `mapstructure:"logging"`
	Client    client.Config  `mapstructure:"client"`
	Persist   persist.Config `mapstructure:"persist"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Observers []string       `mapstructure:"observers"` // slog | metrics | any name in the observability registry
}

// MetricsConfig controls metric exposition. Collection is always on.
type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`    // Listen address for /metrics; empty disables the server.
	Runtime bool   `mapstructure:"runtime"` // Include Go runtime and process collectors.
}

// DefaultConfig returns a Config with defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Logging:   logging.DefaultConfig(),
		Client:    client.DefaultConfig(),
		Persist:   persist.DefaultConfig(),
		Observers: []string{"slog", "metrics"},
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Logging.Merge(&source.Logging)
	c.Client.Merge(&source.Client)
	c.Persist.Merge(&source.Persist)

	if source.Metrics.Addr != "" {
		c.Metrics.Addr = source.Metrics.Addr
	}
	if source.Metrics.Runtime {
		c.Metrics.Runtime = true
	}
	if len(source.Observers) > 0 {
		c.Observers = source.Observers
	}
}

// configKeys lists every key that may be set from the environment alone.
var configKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"client.query_timeout",
	"client.persist_snapshots",
	"client.agent.snapshot_interval",
	"client.agent.inbox_size",
	"client.agent.event_buffer",
	"persist.type",
	"persist.path",
	"persist.url",
	"persist.prefix",
	"persist.in_memory",
	"persist.sync_writes",
	"persist.key",
	"persist.retention",
	"persist.history_limit",
	"metrics.addr",
	"metrics.runtime",
	"observers",
}

// LoadConfig reads an optional config file (YAML, JSON or TOML by
// extension), applies SESSIOND_* environment overrides, and merges the
// result onto defaults. An empty filename reads the environment only.
func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Merge(&loaded)
	return &cfg, nil
}
