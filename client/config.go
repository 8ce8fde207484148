package client

import (
	"time"

	"github.com/tailored-agentic-units/sessiond/agent"
)

const defaultQueryTimeout = 5 * time.Second

// Config holds facade parameters.
type Config struct {
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`     // Upper bound on QuerySession.
	PersistSnapshots *bool         `mapstructure:"persist_snapshots"` // Install the default durable snapshot handler; default true.
	Agent            agent.Config  `mapstructure:"agent"`
}

// DefaultConfig returns the default facade configuration.
func DefaultConfig() Config {
	enabled := true
	return Config{
		QueryTimeout:     defaultQueryTimeout,
		PersistSnapshots: &enabled,
		Agent:            agent.DefaultConfig(),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.QueryTimeout > 0 {
		c.QueryTimeout = source.QueryTimeout
	}
	if source.PersistSnapshots != nil {
		v := *source.PersistSnapshots
		c.PersistSnapshots = &v
	}
	c.Agent.Merge(&source.Agent)
}

func (c *Config) persistEnabled() bool {
	return c.PersistSnapshots == nil || *c.PersistSnapshots
}
