package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
)

// Retention policies for the snapshot slot.
const (
	RetentionLatest  = "latest"
	RetentionHistory = "history"
)

// DefaultKey is the slot snapshots are written under.
const DefaultKey = "legalai_session"

const (
	defaultType         = "file"
	defaultPath         = ".sessiond"
	defaultPrefix       = "sessiond:"
	defaultHistoryLimit = 10
)

// Config holds snapshot persistence parameters.
type Config struct {
	Type         string       `mapstructure:"type"`          // memory | file | badger | redis | sqlite
	Path         string       `mapstructure:"path"`          // file root, badger directory, or sqlite database file.
	URL          string       `mapstructure:"url"`           // redis://host:port/db
	Prefix       string       `mapstructure:"prefix"`        // Redis key prefix.
	InMemory     bool         `mapstructure:"in_memory"`     // Badger without disk persistence.
	SyncWrites   bool         `mapstructure:"sync_writes"`   // Badger synchronous writes.
	Key          string       `mapstructure:"key"`           // Snapshot slot key.
	Retention    string       `mapstructure:"retention"`     // latest | history
	HistoryLimit int          `mapstructure:"history_limit"` // History copies kept when Retention is history.
	Logger       *slog.Logger `mapstructure:"-"`
}

// DefaultConfig returns the default persistence configuration: a file store
// under ./.sessiond keeping only the latest snapshot.
func DefaultConfig() Config {
	return Config{
		Type:         defaultType,
		Path:         defaultPath,
		Prefix:       defaultPrefix,
		Key:          DefaultKey,
		Retention:    RetentionLatest,
		HistoryLimit: defaultHistoryLimit,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Type != "" {
		c.Type = source.Type
	}
	if source.Path != "" {
		c.Path = source.Path
	}
	if source.URL != "" {
		c.URL = source.URL
	}
	if source.Prefix != "" {
		c.Prefix = source.Prefix
	}
	if source.InMemory {
		c.InMemory = true
	}
	if source.SyncWrites {
		c.SyncWrites = true
	}
	if source.Key != "" {
		c.Key = source.Key
	}
	if source.Retention != "" {
		c.Retention = source.Retention
	}
	if source.HistoryLimit > 0 {
		c.HistoryLimit = source.HistoryLimit
	}
	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

// Validate reports configuration errors that would only surface on first
// write.
func (c *Config) Validate() error {
	switch c.Retention {
	case RetentionLatest, RetentionHistory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRetention, c.Retention)
	}
	if _, ok := lookupFactory(c.Type); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Type)
	}
	return nil
}

// Factory opens a Store from configuration.
type Factory func(ctx context.Context, cfg *Config) (Store, error)

var (
	factories = map[string]Factory{
		"memory": func(context.Context, *Config) (Store, error) {
			return NewMemoryStore(), nil
		},
		"file": func(_ context.Context, cfg *Config) (Store, error) {
			return NewFileStore(cfg.Path), nil
		},
		"badger": func(_ context.Context, cfg *Config) (Store, error) {
			return NewBadgerStore(BadgerConfig{
				Path:       cfg.Path,
				InMemory:   cfg.InMemory,
				SyncWrites: cfg.SyncWrites,
				Logger:     cfg.Logger,
			})
		},
		"redis": func(ctx context.Context, cfg *Config) (Store, error) {
			return NewRedisStore(ctx, RedisConfig{URL: cfg.URL, Prefix: cfg.Prefix})
		},
		"sqlite": func(ctx context.Context, cfg *Config) (Store, error) {
			path := cfg.Path
			if filepath.Ext(path) == "" {
				path = filepath.Join(path, "sessiond.db")
			}
			return NewSQLiteStore(ctx, path)
		},
	}
	mutex sync.RWMutex
)

// RegisterStore adds or replaces a named Store factory.
func RegisterStore(name string, factory Factory) {
	mutex.Lock()
	defer mutex.Unlock()

	factories[name] = factory
}

// StoreTypes returns the registered store type names.
func StoreTypes() []string {
	mutex.RLock()
	defer mutex.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewStore opens the Store named by cfg.Type.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	factory, ok := lookupFactory(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Type)
	}
	return factory(ctx, cfg)
}

func lookupFactory(name string) (Factory, bool) {
	mutex.RLock()
	defer mutex.RUnlock()

	factory, ok := factories[name]
	return factory, ok
}
