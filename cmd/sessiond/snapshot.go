package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sessiond/app"
	"github.com/tailored-agentic-units/sessiond/memory"
	"github.com/tailored-agentic-units/sessiond/persist"
)

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear the durable snapshot slot",
	}

	cmd.AddCommand(
		newSnapshotShowCmd(opts),
		newSnapshotClearCmd(opts),
		newSnapshotWatchCmd(opts),
	)
	return cmd
}

func newSnapshotShowCmd(opts *rootOptions) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the latest snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.cfg, func(a *app.App) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				if history {
					snaps, err := a.Writer().History(ctx)
					if err != nil {
						return err
					}
					for _, s := range snaps {
						if err := printSnapshot(out, s); err != nil {
							return err
						}
					}
					return nil
				}

				s, err := a.Writer().ReadLatest(ctx)
				if errors.Is(err, persist.ErrNoSnapshot) {
					return fmt.Errorf("no snapshot under %q", a.Writer().Key())
				}
				if err != nil {
					return err
				}
				return printSnapshot(out, s)
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Print retained history copies, oldest first")
	return cmd
}

func newSnapshotClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the snapshot slot and its history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.cfg, func(a *app.App) error {
				if err := a.Writer().Clear(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", a.Writer().Key())
				return err
			})
		},
	}
}

func newSnapshotWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print each new snapshot as it is written (file store only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Persist.Type != "file" {
				return fmt.Errorf("watch requires the file store, configured store is %q", opts.cfg.Persist.Type)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, opts.cfg, func(a *app.App) error {
				path := persist.FilePath(opts.cfg.Persist.Path, a.Writer().Key())
				return watch(ctx, a, path, cmd.OutOrStdout())
			})
		},
	}
}

// watch prints the current snapshot, then every snapshot written to path
// until ctx is done. The parent directory is watched because writes land
// by rename.
func watch(ctx context.Context, a *app.App, path string, out io.Writer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var last int64 = -1
	show := func() error {
		s, err := a.Writer().ReadLatest(ctx)
		if errors.Is(err, persist.ErrNoSnapshot) {
			return nil
		}
		if err != nil {
			a.Logger().Warn("unreadable snapshot", slog.String("error", err.Error()))
			return nil
		}
		if s.TakenAt == last {
			return nil
		}
		last = s.TakenAt
		return printSnapshot(out, s)
	}

	if err := show(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if err := show(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.Logger().Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// withApp builds an App for inspecting the store without starting the
// agent.
func withApp(ctx context.Context, cfg *app.Config, fn func(*app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := *cfg
	c.Observers = []string{"slog"}

	a, err := app.New(ctx, &c)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

type snapshotView struct {
	TakenAt string        `json:"taken_at"`
	Session memory.Fields `json:"session"`
	Memory  memory.Fields `json:"memory"`
}

func printSnapshot(out io.Writer, s memory.Snapshot) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshotView{
		TakenAt: s.Time().UTC().Format(time.RFC3339Nano),
		Session: s.Session,
		Memory:  s.Memory,
	})
}
