package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/sessiond/app"
	"github.com/tailored-agentic-units/sessiond/client"
	"github.com/tailored-agentic-units/sessiond/persist"
	"github.com/tailored-agentic-units/sessiond/protocol"
)

const (
	drainTimeout       = 5 * time.Second
	serverReadTimeout  = 5 * time.Second
	serverCloseTimeout = 5 * time.Second
	maxLineSize        = 4 << 20
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent, reading commands from stdin and writing events to stdout",
		Long: `run starts the session agent and speaks the JSON message protocol over
standard streams: one {"type","data"} envelope per line. Commands are read
from stdin and every agent event is written to stdout. The agent stops when
stdin closes or the process receives SIGINT or SIGTERM; the current state is
flushed to the snapshot store first.

If the agent cannot start, run keeps reading stdin in degraded mode: the
last durable snapshot is written to stdout as a PERIODIC_SAVE event and
every command is rejected with a warning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				opts.cfg.Metrics.Addr = metricsAddr
			}
			return run(cmd.Context(), opts.cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	return cmd
}

func run(parent context.Context, cfg *app.Config, in io.Reader, out io.Writer, appOpts ...app.Option) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.Logger()
	facade := a.Client()

	enc := &eventWriter{enc: json.NewEncoder(out), logger: logger}
	facade.OnEvent(enc.write)

	if err := a.Start(ctx); err != nil {
		var startErr *client.StartupError
		if !errors.As(err, &startErr) {
			return err
		}
		degrade(ctx, a, startErr, enc)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go readLines(gctx, in, lines, readErr)

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-readErr:
				return err
			case line, ok := <-lines:
				if !ok {
					select {
					case err := <-readErr:
						return err
					default:
					}
					logger.Info("stdin closed")
					return nil
				}
				deliver(gctx, facade, logger, line)
			}
		}
	})

	if addr := a.Config().Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(a),
			ReadHeaderTimeout: serverReadTimeout,
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), serverCloseTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	drain(a)
	return err
}

// degrade reports a failed agent start and republishes the last durable
// snapshot so the host can keep working from it.
func degrade(ctx context.Context, a *app.App, startErr *client.StartupError, enc *eventWriter) {
	logger := a.Logger()
	logger.Warn("agent unavailable, continuing in degraded mode",
		slog.String("stage", startErr.Stage),
		slog.String("error", startErr.Err.Error()),
	)

	s, err := a.Client().LastSnapshot(ctx)
	if errors.Is(err, persist.ErrNoSnapshot) {
		return
	}
	if err != nil {
		logger.Warn("unreadable snapshot", slog.String("error", err.Error()))
		return
	}
	logger.Info("last snapshot", slog.Int64("taken_at_ms", s.TakenAt))
	enc.write(protocol.PeriodicSave{Snapshot: s})
}

// drain takes a final snapshot and waits until every event queued before
// it has been dispatched. A GET_SESSION round trip acts as the barrier.
func drain(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	facade := a.Client()
	if !facade.Running() {
		return
	}
	facade.Flush()
	if _, err := facade.QuerySession(ctx); err != nil {
		a.Logger().Warn("drain incomplete", slog.String("error", err.Error()))
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- []byte, errs chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		errs <- fmt.Errorf("failed to read stdin: %w", err)
	}
}

func deliver(ctx context.Context, facade *client.Facade, logger *slog.Logger, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		logger.Warn("malformed envelope", slog.String("error", err.Error()))
		return
	}

	if err := facade.Deliver(ctx, env); err != nil {
		logger.Warn("command rejected",
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func metricsMux(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !a.Client().Running() {
			http.Error(w, "agent not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// eventWriter writes agent events to stdout as JSON lines.
type eventWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
}

func (w *eventWriter) write(ev protocol.Event) {
	env, err := protocol.EncodeEvent(ev)
	if err != nil {
		w.logger.Warn("failed to encode event", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(env); err != nil {
		w.logger.Warn("failed to write event", slog.String("error", err.Error()))
	}
}
