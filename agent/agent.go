// Package agent implements the background session agent: a single goroutine
// that exclusively owns the session and memory maps, applies commands in
// arrival order, and emits events and periodic snapshots over channels.
//
// The agent moves through Uninitialized, Running and Terminated. Mutations
// are only applied while Running; INIT enters Running exactly once and starts
// the snapshot ticker.
//
//	a := agent.New(&cfg)
//	if err := a.Start(ctx); err != nil { ... }
//	a.Send(ctx, protocol.NewInit())
//	for ev := range a.Events() { ... }
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sessiond/memory"
	"github.com/tailored-agentic-units/sessiond/observability"
	"github.com/tailored-agentic-units/sessiond/protocol"
)

// State is the lifecycle position of an agent.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Ticker delivers snapshot ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func (t realTicker) C() <-chan time.Time { return t.ticker.C }
func (t realTicker) Stop()               { t.ticker.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{ticker: time.NewTicker(d)}
}

// Option configures an Agent after config-driven initialization.
type Option func(*Agent)

// WithObserver overrides the default SlogObserver.
func WithObserver(o observability.Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithClock overrides the wall clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithTicker overrides the ticker constructor used on INIT.
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(a *Agent) { a.newTicker = newTicker }
}

// WithID sets the agent identifier reported in observability events.
func WithID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// Agent is the session agent. All state is owned by the loop goroutine;
// other goroutines interact only through Send, TrySend and Events.
type Agent struct {
	id       string
	interval time.Duration

	inbox  *MessageChannel[protocol.Command]
	events *MessageChannel[protocol.Event]

	store       *memory.Store
	ticker      Ticker
	tick        <-chan time.Time
	lastTakenAt int64

	observer  observability.Observer
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	state   atomic.Int32
	started atomic.Bool
	stop    func() bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Uninitialized agent from configuration. The loop does not
// run until Start.
func New(cfg *Config, opts ...Option) *Agent {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		id:        uuid.Must(uuid.NewV7()).String(),
		interval:  c.SnapshotInterval,
		store:     memory.NewStore(),
		observer:  observability.NewSlogObserver(slog.Default()),
		now:       time.Now,
		newTicker: newRealTicker,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.inbox = NewMessageChannel[protocol.Command](ctx, c.InboxSize)
	a.events = NewMessageChannel[protocol.Event](context.Background(), c.EventBuffer)

	return a
}

// ID returns the agent identifier.
func (a *Agent) ID() string {
	return a.id
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Start launches the message loop. The agent terminates when ctx is done or
// Terminate is called.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		if a.ctx.Err() != nil {
			return ErrTerminated
		}
		return ErrAlreadyStarted
	}
	if a.ctx.Err() != nil {
		a.finish()
		return ErrTerminated
	}

	a.stop = context.AfterFunc(ctx, a.cancel)

	a.observe(EventStart, observability.LevelInfo, map[string]any{
		"snapshot_interval": a.interval.String(),
		"inbox_size":        a.inbox.BufferSize(),
	})

	go a.loop()
	return nil
}

// Send enqueues cmd, blocking while the inbox is full.
func (a *Agent) Send(ctx context.Context, cmd protocol.Command) error {
	if a.ctx.Err() != nil {
		return ErrTerminated
	}
	if err := a.inbox.Send(ctx, cmd); err != nil {
		if a.ctx.Err() != nil {
			return ErrTerminated
		}
		return err
	}
	return nil
}

// TrySend enqueues cmd without blocking.
func (a *Agent) TrySend(cmd protocol.Command) error {
	if a.ctx.Err() != nil {
		return ErrTerminated
	}
	if !a.inbox.TrySend(cmd) {
		if a.ctx.Err() != nil {
			return ErrTerminated
		}
		return ErrInboxFull
	}
	return nil
}

// Deliver decodes a wire envelope and enqueues the resulting command.
// Envelopes that cannot be decoded are reported as agent.protocol.error and
// otherwise ignored; the *protocol.ProtocolError is returned to the caller.
func (a *Agent) Deliver(ctx context.Context, env protocol.Envelope) error {
	cmd, err := protocol.DecodeCommand(env)
	if err != nil {
		a.observe(EventProtocolError, observability.LevelWarning, map[string]any{
			"type":  string(env.Type),
			"error": err.Error(),
		})
		return err
	}
	return a.Send(ctx, cmd)
}

// Events returns the event stream. It is closed after the agent terminates.
func (a *Agent) Events() <-chan protocol.Event {
	return a.events.C()
}

// Terminate cancels the loop. It does not wait; use Done to observe
// completion. Safe to call more than once and before Start.
func (a *Agent) Terminate() {
	a.cancel()
	if a.started.CompareAndSwap(false, true) {
		a.finish()
	}
}

// Done is closed once the loop has exited and the event stream is closed.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) loop() {
	defer a.finish()

	for {
		select {
		case <-a.ctx.Done():
			return
		case cmd := <-a.inbox.C():
			if a.ctx.Err() != nil {
				return
			}
			a.handle(cmd)
		case <-a.tick:
			if a.ctx.Err() != nil {
				return
			}
			a.snapshot(false)
		}
	}
}

func (a *Agent) handle(cmd protocol.Command) {
	if cmd == nil {
		a.observe(EventProtocolError, observability.LevelWarning, map[string]any{
			"error": "nil command",
		})
		return
	}

	if a.State() != StateRunning {
		switch cmd.(type) {
		case protocol.Init:
			a.initialize(cmd)
		case protocol.GetSession:
			a.observeCommand(cmd)
			a.emit(protocol.SessionResponse{ReplyTo: cmd.CommandID(), Session: memory.Fields{}})
		default:
			a.observe(EventCommandDropped, observability.LevelVerbose, map[string]any{
				"type":   string(cmd.Type()),
				"id":     cmd.CommandID(),
				"reason": a.State().String(),
			})
		}
		return
	}

	a.observeCommand(cmd)

	switch c := cmd.(type) {
	case protocol.Init:
	case protocol.UpdateSession:
		a.emit(protocol.SessionUpdate{Session: a.store.MergeSession(c.Partial)})
	case protocol.SaveMemory:
		a.emit(protocol.MemoryUpdate{Memory: a.store.MergeMemory(c.Partial)})
	case protocol.GetSession:
		a.emit(protocol.SessionResponse{ReplyTo: c.CommandID(), Session: a.store.Session()})
	case protocol.ClearSession:
		a.store.Clear()
		a.emit(protocol.SessionCleared{})
	case protocol.SaveNow:
		a.snapshot(true)
	default:
		a.observe(EventProtocolError, observability.LevelWarning, map[string]any{
			"type":  string(cmd.Type()),
			"error": protocol.ErrUnknownType.Error(),
		})
	}
}

func (a *Agent) initialize(cmd protocol.Command) {
	a.observeCommand(cmd)

	a.ticker = a.newTicker(a.interval)
	a.tick = a.ticker.C()
	a.setState(StateRunning)
}

// snapshot emits PERIODIC_SAVE stamped with a timestamp that never precedes
// the previous snapshot.
func (a *Agent) snapshot(onDemand bool) {
	takenAt := a.now().UnixMilli()
	if takenAt < a.lastTakenAt {
		takenAt = a.lastTakenAt
	}
	a.lastTakenAt = takenAt

	snap := a.store.Snapshot(takenAt)
	sessionKeys, memoryKeys := a.store.Size()

	a.observe(EventSnapshot, observability.LevelVerbose, map[string]any{
		"taken_at_ms":  takenAt,
		"on_demand":    onDemand,
		"session_keys": sessionKeys,
		"memory_keys":  memoryKeys,
	})

	a.emit(protocol.PeriodicSave{Snapshot: snap, OnDemand: onDemand})
}

// emit blocks until the event is buffered or the agent is terminated.
func (a *Agent) emit(ev protocol.Event) {
	_ = a.events.Send(a.ctx, ev)
}

func (a *Agent) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev == s {
		return
	}
	a.observe(EventState, observability.LevelInfo, map[string]any{
		"from": prev.String(),
		"to":   s.String(),
	})
}

func (a *Agent) finish() {
	a.closeOnce.Do(func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}
		if a.stop != nil {
			a.stop()
		}
		a.setState(StateTerminated)
		a.discardInbox()
		a.events.Close()
		a.observe(EventTerminate, observability.LevelInfo, nil)
		close(a.done)
	})
}

func (a *Agent) observeCommand(cmd protocol.Command) {
	a.observe(EventCommand, observability.LevelVerbose, map[string]any{
		"type":        string(cmd.Type()),
		"id":          cmd.CommandID(),
		"inbox_depth": a.inbox.QueueLength(),
	})
}

// discardInbox reports every command still queued when the loop exits.
func (a *Agent) discardInbox() {
	for {
		cmd, ok := a.inbox.TryReceive()
		if !ok {
			return
		}
		if cmd == nil {
			continue
		}
		a.observe(EventCommandDropped, observability.LevelVerbose, map[string]any{
			"type":   string(cmd.Type()),
			"id":     cmd.CommandID(),
			"reason": StateTerminated.String(),
		})
	}
}

func (a *Agent) observe(t observability.EventType, level observability.Level, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["agent_id"] = a.id

	a.observer.OnEvent(a.ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "agent",
		Data:      data,
	})
}
