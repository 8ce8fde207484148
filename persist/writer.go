package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tailored-agentic-units/sessiond/observability"
)

// Writer event types.
const (
	EventWrite        observability.EventType = "persist.write"
	EventWriteSkipped observability.EventType = "persist.write.skipped"
	EventWriteError   observability.EventType = "persist.write.error"
	EventPrune        observability.EventType = "persist.prune"
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterObserver overrides the default SlogObserver.
func WithWriterObserver(o observability.Observer) WriterOption {
	return func(w *Writer) { w.observer = o }
}

// Writer owns the durable snapshot slot. Each Write overwrites the slot
// unless the snapshot is older than the last one written; with history
// retention it also keeps up to a fixed number of timestamped copies.
type Writer struct {
	store        Store
	key          string
	retention    string
	historyLimit int
	observer     observability.Observer

	mu          sync.Mutex
	lastTakenAt int64
	seq         int
	written     bool
}

// NewWriter creates a Writer over store using the slot and retention
// settings of cfg.
func NewWriter(store Store, cfg *Config, opts ...WriterOption) (*Writer, error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	switch c.Retention {
	case RetentionLatest, RetentionHistory:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRetention, c.Retention)
	}

	w := &Writer{
		store:        store,
		key:          c.Key,
		retention:    c.Retention,
		historyLimit: c.HistoryLimit,
		observer:     observability.NewSlogObserver(slog.Default()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Key returns the slot key.
func (w *Writer) Key() string {
	return w.key
}

// Write persists s to the slot. It reports false without error when s is
// older than the last snapshot written by this Writer.
func (w *Writer) Write(ctx context.Context, s Snapshot) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written && s.TakenAt < w.lastTakenAt {
		w.observe(ctx, EventWriteSkipped, observability.LevelWarning, map[string]any{
			"taken_at_ms": s.TakenAt,
			"last_ms":     w.lastTakenAt,
		})
		return false, nil
	}

	data, err := Encode(s)
	if err != nil {
		w.observeError(ctx, s, err)
		return false, err
	}

	// Snapshots sharing a millisecond get distinct history copies.
	seq := 0
	if w.written && s.TakenAt == w.lastTakenAt {
		seq = w.seq + 1
	}

	start := time.Now()
	entries := []Entry{{Key: w.key, Value: data}}
	if w.retention == RetentionHistory {
		entries = append(entries, Entry{Key: HistoryKey(w.key, s.TakenAt, seq), Value: data})
	}

	if err := w.store.Save(ctx, entries...); err != nil {
		w.observeError(ctx, s, err)
		return false, err
	}

	w.lastTakenAt = s.TakenAt
	w.seq = seq
	w.written = true

	w.observe(ctx, EventWrite, observability.LevelVerbose, map[string]any{
		"taken_at_ms": s.TakenAt,
		"bytes":       len(data),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})

	if w.retention == RetentionHistory {
		if err := w.prune(ctx); err != nil {
			w.observe(ctx, EventWriteError, observability.LevelWarning, map[string]any{
				"stage": "prune",
				"error": err.Error(),
			})
		}
	}

	return true, nil
}

// ReadLatest returns the snapshot in the slot, or ErrNoSnapshot.
func (w *Writer) ReadLatest(ctx context.Context) (Snapshot, error) {
	entries, err := w.store.Load(ctx, w.key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, err
	}

	s, _, err := Decode(entries[0].Value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrLoadFailed, w.key, err)
	}
	return s, nil
}

// History returns retained history snapshots, oldest first.
func (w *Writer) History(ctx context.Context) ([]Snapshot, error) {
	keys, err := w.historyKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	entries, err := w.store.Load(ctx, keys...)
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		s, _, err := Decode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, e.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Clear removes the slot and all history copies.
func (w *Writer) Clear(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys, err := w.historyKeys(ctx)
	if err != nil {
		return err
	}
	if err := w.store.Delete(ctx, append(keys, w.key)...); err != nil {
		return err
	}

	w.written = false
	w.lastTakenAt = 0
	w.seq = 0
	return nil
}

func (w *Writer) historyKeys(ctx context.Context) ([]string, error) {
	keys, err := w.store.List(ctx)
	if err != nil {
		return nil, err
	}
	keys = filterPrefix(keys, HistoryPrefix(w.key))
	slices.Sort(keys)
	return keys, nil
}

func (w *Writer) prune(ctx context.Context) error {
	keys, err := w.historyKeys(ctx)
	if err != nil {
		return err
	}
	excess := len(keys) - w.historyLimit
	if excess <= 0 {
		return nil
	}

	if err := w.store.Delete(ctx, keys[:excess]...); err != nil {
		return err
	}

	w.observe(ctx, EventPrune, observability.LevelVerbose, map[string]any{
		"removed": excess,
	})
	return nil
}

func (w *Writer) observeError(ctx context.Context, s Snapshot, err error) {
	w.observe(ctx, EventWriteError, observability.LevelError, map[string]any{
		"stage":       "save",
		"taken_at_ms": s.TakenAt,
		"error":       err.Error(),
	})
}

func (w *Writer) observe(ctx context.Context, t observability.EventType, level observability.Level, data map[string]any) {
	data["key"] = w.key
	w.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "persist",
		Data:      data,
	})
}
