// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tailored-agentic-units/sessiond/observability"
)

// Config holds logger parameters.
type Config struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
	Output string `mapstructure:"output"` // stderr | stdout | file path
}

// DefaultConfig returns info-level text logging to stderr. Stdout is left
// to the wire protocol.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Level != "" {
		c.Level = source.Level
	}
	if source.Format != "" {
		c.Format = source.Format
	}
	if source.Output != "" {
		c.Output = source.Output
	}
}

// Logger wraps slog.Logger with ownership of its output.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Close releases the output file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// New creates a Logger from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch c.Output {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f
	}

	h, err := NewHandler(w, c.Format, level)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	return &Logger{Logger: slog.New(h), closer: closer}, nil
}

// NewHandler creates a text or JSON handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
}

// ParseLevel maps a level name to a slog.Level using the observability
// level names, so log output and event filtering agree.
func ParseLevel(name string) (slog.Level, error) {
	level, err := observability.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return level.SlogLevel(), nil
}
