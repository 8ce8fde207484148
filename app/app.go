// Package app is the composition root. It builds the logger, metrics,
// observers, snapshot store and writer, and the client facade from one
// Config and owns their lifetimes. Hosts hold the *App (or its Client)
// by reference; there is no process-wide handle.
//
//	cfg, err := app.LoadConfig("sessiond.yaml")
//	a, err := app.New(ctx, cfg)
//	defer a.Close()
//	if err := a.Start(ctx); err != nil {
//	    // degraded mode: notifications are no-ops
//	}
//	a.Client().NotifySessionUpdate(memory.Fields{"caseId": "A1"})
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tailored-agentic-units/sessiond/client"
	"github.com/tailored-agentic-units/sessiond/logging"
	"github.com/tailored-agentic-units/sessiond/metrics"
	"github.com/tailored-agentic-units/sessiond/observability"
	"github.com/tailored-agentic-units/sessiond/persist"
)

const drainTimeout = 5 * time.Second

// Option configures an App after config-driven initialization.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	store         persist.Store
	clientOptions []client.Option
}

// WithLogger overrides the config-created logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore overrides the config-created snapshot store. The App closes it.
func WithStore(s persist.Store) Option {
	return func(o *options) { o.store = s }
}

// WithClientOptions appends options applied to the client facade after the
// App's own.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// App owns one session agent deployment.
type App struct {
	cfg      Config
	log      *logging.Logger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer observability.Observer
	store    persist.Store
	writer   *persist.Writer
	client   *client.Facade
}

// New creates an App from configuration. Nothing is started; the agent
// runs after Start.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: c}

	if o.logger != nil {
		a.logger = o.logger
	} else {
		log, err := logging.New(&c.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		a.log = log
		a.logger = log.Logger
	}

	a.metrics = metrics.New(c.Metrics.Runtime)

	observer, err := a.resolveObservers(c.Observers, c.Logging.Level)
	if err != nil {
		a.closeLog()
		return nil, err
	}
	a.observer = observer

	if err := c.Persist.Validate(); err != nil && o.store == nil {
		a.closeLog()
		return nil, fmt.Errorf("invalid persist config: %w", err)
	}

	if o.store != nil {
		a.store = o.store
	} else {
		c.Persist.Logger = a.logger
		store, err := persist.NewStore(ctx, &c.Persist)
		if err != nil {
			a.closeLog()
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		a.store = store
	}

	writer, err := persist.NewWriter(a.store, &c.Persist, persist.WithWriterObserver(a.observer))
	if err != nil {
		a.store.Close()
		a.closeLog()
		return nil, fmt.Errorf("failed to create snapshot writer: %w", err)
	}
	a.writer = writer

	clientOpts := append([]client.Option{
		client.WithWriter(a.writer),
		client.WithObserver(a.observer),
	}, o.clientOptions...)
	a.client = client.New(&c.Client, clientOpts...)

	return a, nil
}

// resolveObservers maps configured names to observers. "slog" and
// "metrics" bind to this App's logger and collectors and see every event.
// Other names are looked up in the observability registry and only receive
// events at or above the configured log level.
func (a *App) resolveObservers(names []string, level string) (observability.Observer, error) {
	var local []observability.Observer
	var registered []string
	for _, name := range names {
		switch name {
		case "slog":
			local = append(local, observability.NewSlogObserver(a.logger))
		case "metrics":
			local = append(local, observability.NewMetricsObserver(a.metrics))
		default:
			registered = append(registered, name)
		}
	}

	if len(registered) > 0 {
		threshold, err := observability.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid observer level: %w", err)
		}
		obs, err := observability.Resolve(registered...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}
		local = append(local, observability.NewLevelFilter(threshold, obs))
	}

	multi := observability.NewMultiObserver(local...)
	switch multi.Len() {
	case 0:
		return observability.NoOpObserver{}, nil
	case 1:
		return local[0], nil
	default:
		return multi, nil
	}
}

// Config returns the effective configuration.
func (a *App) Config() Config {
	return a.cfg
}

// Client returns the facade hosts talk to.
func (a *App) Client() *client.Facade {
	return a.client
}

// Logger returns the App logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Metrics returns the App collectors.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Observer returns the composed observer every subsystem reports to.
func (a *App) Observer() observability.Observer {
	return a.observer
}

// Store returns the snapshot store.
func (a *App) Store() persist.Store {
	return a.store
}

// Writer returns the durable snapshot writer.
func (a *App) Writer() *persist.Writer {
	return a.writer
}

// Start starts the agent through the facade. A failure leaves the App in
// degraded mode; the *client.StartupError is returned for the caller to
// report.
func (a *App) Start(ctx context.Context) error {
	if err := a.client.Start(ctx); err != nil {
		a.observe(ctx, EventStartFailed, observability.LevelError, map[string]any{"error": err.Error()})
		return err
	}
	a.observe(ctx, EventStart, observability.LevelInfo, map[string]any{
		"store":             a.cfg.Persist.Type,
		"snapshot_interval": a.cfg.Client.Agent.SnapshotInterval.String(),
	})
	return nil
}

// Close shuts the facade down, waits briefly for pending snapshots to be
// written, then closes the store and log output.
func (a *App) Close() error {
	a.client.Shutdown()

	drained := true
	select {
	case <-a.client.Done():
	case <-time.After(drainTimeout):
		drained = false
	}

	a.observe(context.Background(), EventClose, observability.LevelInfo, map[string]any{"drained": drained})

	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close snapshot store: %w", err))
	}
	if err := a.closeLog(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log output: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeLog() error {
	if a.log == nil {
		return nil
	}
	return a.log.Close()
}

func (a *App) observe(ctx context.Context, t observability.EventType, level observability.Level, data map[string]any) {
	a.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "app",
		Data:      data,
	})
}
