// Package observability carries structured events from the agent, the client
// facade and the persistence writer to logs and metrics. Subsystems emit an
// Event to an Observer; observers decide what to do with it.
//
// Per-command and per-snapshot events are Verbose, lifecycle transitions are
// Info, dropped work is Warning and failed writes or startups are Error.
// The numeric values are OpenTelemetry SeverityNumbers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is the severity of an Event. Observers compare levels numerically,
// so a LevelFilter set to LevelWarning passes Warning and Error.
type Level int

const (
	// LevelVerbose marks high-volume events such as each applied command.
	LevelVerbose Level = 5
	// LevelInfo marks agent and facade lifecycle changes.
	LevelInfo Level = 9
	// LevelWarning marks dropped notifications, skipped writes and
	// rejected envelopes.
	LevelWarning Level = 13
	// LevelError marks failed snapshot writes, startup failures and
	// recovered handler panics.
	LevelError Level = 17
)

// String returns the severity text for the level.
func (l Level) String() string {
	switch {
	case l <= 4:
		return "TRACE"
	case l <= 8:
		return "DEBUG"
	case l <= 12:
		return "INFO"
	case l <= 16:
		return "WARN"
	case l <= 20:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// SlogLevel returns the slog level a SlogObserver logs the event at.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseLevel maps a configured level name (debug, info, warn, error) to a
// Level. The empty name is info.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug", "verbose":
		return LevelVerbose, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level: %q", name)
	}
}

// EventType names an event as "<subsystem>.<what>". The agent, client,
// persist and app packages each declare their own constants.
type EventType string

// Event is one structured report from a subsystem. Source is the emitting
// package ("agent", "client", "persist", "app"). Agent and client events
// carry agent_id or client_id in Data; a facade and its default agent share
// one ID.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// Observer receives every Event a subsystem emits. OnEvent is called on the
// emitting goroutine and must not block.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}
