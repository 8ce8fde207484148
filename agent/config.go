package agent

import "time"

const (
	defaultSnapshotInterval = 30 * time.Second
	defaultInboxSize        = 256
	defaultEventBuffer      = 256
)

// Config holds agent loop parameters.
type Config struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"` // PERIODIC_SAVE cadence while Running.
	InboxSize        int           `mapstructure:"inbox_size"`        // Buffered commands before TrySend reports ErrInboxFull.
	EventBuffer      int           `mapstructure:"event_buffer"`      // Buffered events before emission blocks.
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: defaultSnapshotInterval,
		InboxSize:        defaultInboxSize,
		EventBuffer:      defaultEventBuffer,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.SnapshotInterval > 0 {
		c.SnapshotInterval = source.SnapshotInterval
	}
	if source.InboxSize > 0 {
		c.InboxSize = source.InboxSize
	}
	if source.EventBuffer > 0 {
		c.EventBuffer = source.EventBuffer
	}
}
