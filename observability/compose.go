package observability

import "context"

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(ctx context.Context, event Event) {}

// MultiObserver fans out events to multiple observers in order.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a MultiObserver that forwards events to all
// non-nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		obs.OnEvent(ctx, event)
	}
}

// Len returns the number of wrapped observers.
func (m *MultiObserver) Len() int {
	return len(m.observers)
}

// LevelFilter forwards only events at or above a minimum level.
type LevelFilter struct {
	min  Level
	next Observer
}

// NewLevelFilter wraps next so that events below min are dropped.
func NewLevelFilter(min Level, next Observer) *LevelFilter {
	return &LevelFilter{min: min, next: next}
}

func (f *LevelFilter) OnEvent(ctx context.Context, event Event) {
	if event.Level < f.min {
		return
	}
	f.next.OnEvent(ctx, event)
}
