// Package client is the host-side facade over a session agent. It owns the
// agent's lifecycle, turns fire-and-forget notifications into commands,
// correlates QuerySession requests with their responses, and dispatches
// agent events to subscribers on a single goroutine in event order.
//
//	f := client.New(&cfg, client.WithWriter(w))
//	if err := f.Start(ctx); err != nil {
//	    // degraded: notifications are no-ops, LastSnapshot still works
//	}
//	defer f.Shutdown()
//	f.NotifySessionUpdate(memory.Fields{"caseId": "A1"})
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sessiond/agent"
	"github.com/tailored-agentic-units/sessiond/memory"
	"github.com/tailored-agentic-units/sessiond/observability"
	"github.com/tailored-agentic-units/sessiond/persist"
	"github.com/tailored-agentic-units/sessiond/protocol"
)

const snapshotWriteTimeout = 10 * time.Second

// Agent is the surface of agent.Agent the facade depends on.
type Agent interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, cmd protocol.Command) error
	TrySend(cmd protocol.Command) error
	Deliver(ctx context.Context, env protocol.Envelope) error
	Events() <-chan protocol.Event
	Terminate()
}

// AgentFactory builds the agent started by Start.
type AgentFactory func() (Agent, error)

// SnapshotHandler receives PERIODIC_SAVE snapshots.
type SnapshotHandler func(ctx context.Context, s memory.Snapshot) error

// FieldsHandler receives a full session or memory map.
type FieldsHandler func(fields memory.Fields)

// Option configures a Facade.
type Option func(*Facade)

// WithAgentFactory overrides how the agent is built.
func WithAgentFactory(factory AgentFactory) Option {
	return func(f *Facade) { f.factory = factory }
}

// WithWriter sets the durable snapshot writer used by the default snapshot
// handler and LastSnapshot.
func WithWriter(w *persist.Writer) Option {
	return func(f *Facade) { f.writer = w }
}

// WithObserver overrides the default SlogObserver.
func WithObserver(o observability.Observer) Option {
	return func(f *Facade) { f.observer = o }
}

// Facade is the client handle for one session agent. It is safe for
// concurrent use.
type Facade struct {
	id           string
	queryTimeout time.Duration
	factory      AgentFactory
	writer       *persist.Writer
	observer     observability.Observer

	mu          sync.Mutex
	agent       Agent
	started     bool
	closed      bool
	dispatching bool
	drained     chan struct{}
	lastSession memory.Fields

	pendingMu sync.Mutex
	pending   map[string]chan memory.Fields

	handlersMu sync.RWMutex
	onSnapshot []SnapshotHandler
	onSession  []FieldsHandler
	onMemory   []FieldsHandler
	onCleared  []func()
	onEvent    []func(protocol.Event)

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Facade. The agent is not created until Start. Unless
// persistence is disabled in cfg, a handler writing each snapshot through
// the configured Writer is installed first.
func New(cfg *Config, opts ...Option) *Facade {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	f := &Facade{
		id:           uuid.Must(uuid.NewV7()).String(),
		queryTimeout: c.QueryTimeout,
		observer:     observability.NewSlogObserver(slog.Default()),
		lastSession:  memory.Fields{},
		pending:      make(map[string]chan memory.Fields),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.factory == nil {
		agentCfg := c.Agent
		observer := f.observer
		id := f.id
		f.factory = func() (Agent, error) {
			return agent.New(&agentCfg, agent.WithObserver(observer), agent.WithID(id)), nil
		}
	}

	if c.persistEnabled() && f.writer != nil {
		f.onSnapshot = append(f.onSnapshot, f.persistSnapshot)
	}

	return f
}

// Start creates the agent, starts its loop and the dispatch goroutine, and
// sends INIT. ctx bounds only the startup sends: once Start returns, the
// agent runs until Shutdown. Any failure terminates the agent before a
// *StartupError is returned; the facade then stays in degraded mode.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.started {
		return ErrAlreadyStarted
	}
	f.started = true

	a, err := f.factory()
	if err != nil {
		return f.startupFailed("create", err)
	}
	if a == nil {
		return f.startupFailed("create", errors.New("agent factory returned nil"))
	}

	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		a.Terminate()
		return f.startupFailed("start", err)
	}

	f.dispatching = true
	f.drained = make(chan struct{})
	go f.dispatchLoop(a, f.drained)

	if err := a.Send(ctx, protocol.NewInit()); err != nil {
		a.Terminate()
		return f.startupFailed("init", err)
	}

	f.agent = a
	f.observe(context.Background(), EventStarted, observability.LevelInfo, nil)
	return nil
}

func (f *Facade) startupFailed(stage string, err error) error {
	f.observe(context.Background(), EventStartupFailed, observability.LevelError, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	return &StartupError{Stage: stage, Err: err}
}

// ID returns the facade instance identifier reported with its events.
func (f *Facade) ID() string {
	return f.id
}

// Running reports whether an agent is available for commands.
func (f *Facade) Running() bool {
	return f.current() != nil
}

// NotifySessionUpdate merges partial into the agent's session. It never
// blocks; the notification is dropped when no agent is running or its inbox
// is full.
func (f *Facade) NotifySessionUpdate(partial memory.Fields) {
	f.notify(protocol.NewUpdateSession(partial.Clone()))
}

// NotifyMemoryUpdate merges partial into the agent's memory. Delivery is
// best-effort as for NotifySessionUpdate.
func (f *Facade) NotifyMemoryUpdate(partial memory.Fields) {
	f.notify(protocol.NewSaveMemory(partial.Clone()))
}

// ClearSession asks the agent to empty both maps.
func (f *Facade) ClearSession() {
	f.notify(protocol.NewClearSession())
}

// Flush asks the agent for an immediate snapshot.
func (f *Facade) Flush() {
	f.notify(protocol.NewSaveNow())
}

func (f *Facade) notify(cmd protocol.Command) {
	a := f.current()
	if a == nil {
		f.dropped(cmd, "not_running")
		return
	}

	if err := a.TrySend(cmd); err != nil {
		reason := "not_running"
		if errors.Is(err, agent.ErrInboxFull) {
			reason = "inbox_full"
		}
		f.dropped(cmd, reason)
	}
}

func (f *Facade) dropped(cmd protocol.Command, reason string) {
	f.observe(context.Background(), EventNotifyDropped, observability.LevelWarning, map[string]any{
		"type":   string(cmd.Type()),
		"reason": reason,
	})
}

// Deliver forwards a wire envelope to the agent. Envelopes that do not
// decode yield a *protocol.ProtocolError.
func (f *Facade) Deliver(ctx context.Context, env protocol.Envelope) error {
	a := f.current()
	if a == nil {
		return ErrNotRunning
	}
	if err := a.Deliver(ctx, env); err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// QuerySession returns a copy of the agent's session. It suspends only the
// calling goroutine. When no agent is running the result is an empty map
// and no error.
func (f *Facade) QuerySession(ctx context.Context) (memory.Fields, error) {
	a, drained := f.running()
	if a == nil {
		f.queryOutcome(ctx, "not_running")
		return memory.Fields{}, nil
	}

	cmd := protocol.NewGetSession()
	reply := make(chan memory.Fields, 1)

	f.pendingMu.Lock()
	f.pending[cmd.CommandID()] = reply
	f.pendingMu.Unlock()

	defer func() {
		f.pendingMu.Lock()
		delete(f.pending, cmd.CommandID())
		f.pendingMu.Unlock()
	}()

	qctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	if err := a.Send(qctx, cmd); err != nil {
		return f.queryFailed(ctx, err)
	}

	select {
	case session := <-reply:
		f.queryOutcome(ctx, "answered")
		return session, nil
	case <-drained:
		// The agent is gone, but it may have answered before terminating.
		select {
		case session := <-reply:
			f.queryOutcome(ctx, "answered")
			return session, nil
		default:
		}
		f.queryOutcome(ctx, "not_running")
		return memory.Fields{}, nil
	case <-qctx.Done():
		return f.queryFailed(ctx, qctx.Err())
	}
}

func (f *Facade) queryFailed(ctx context.Context, err error) (memory.Fields, error) {
	switch {
	case errors.Is(err, agent.ErrTerminated):
		f.queryOutcome(ctx, "not_running")
		return memory.Fields{}, nil
	case ctx.Err() != nil:
		f.queryOutcome(ctx, "cancelled")
		return nil, fmt.Errorf("session query cancelled: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		f.queryOutcome(ctx, "timeout")
		return nil, fmt.Errorf("%w after %v", ErrQueryTimeout, f.queryTimeout)
	default:
		f.queryOutcome(ctx, "error")
		return nil, err
	}
}

func (f *Facade) queryOutcome(ctx context.Context, outcome string) {
	f.observe(ctx, EventQuery, observability.LevelVerbose, map[string]any{"outcome": outcome})
}

// OnSnapshot subscribes h to PERIODIC_SAVE.
func (f *Facade) OnSnapshot(h SnapshotHandler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onSnapshot = append(f.onSnapshot, h)
}

// OnSessionUpdate subscribes h to SESSION_UPDATE.
func (f *Facade) OnSessionUpdate(h FieldsHandler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onSession = append(f.onSession, h)
}

// OnMemoryUpdate subscribes h to MEMORY_UPDATE.
func (f *Facade) OnMemoryUpdate(h FieldsHandler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onMemory = append(f.onMemory, h)
}

// OnCleared subscribes h to SESSION_CLEARED.
func (f *Facade) OnCleared(h func()) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onCleared = append(f.onCleared, h)
}

// OnEvent subscribes h to every event except the responses consumed by
// QuerySession.
func (f *Facade) OnEvent(h func(protocol.Event)) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onEvent = append(f.onEvent, h)
}

// LastSession returns the session carried by the most recent SESSION_UPDATE
// without a round trip to the agent.
func (f *Facade) LastSession() memory.Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSession.Clone()
}

// LastSnapshot reads the most recent durable snapshot. It works whether or
// not the agent is running.
func (f *Facade) LastSnapshot(ctx context.Context) (memory.Snapshot, error) {
	if f.writer == nil {
		return memory.Snapshot{}, persist.ErrNoSnapshot
	}
	return f.writer.ReadLatest(ctx)
}

// Shutdown terminates the agent without waiting for it. It is idempotent
// and safe before Start and after a failed Start. Use Done to wait until no
// further events will be dispatched.
func (f *Facade) Shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	a := f.agent
	f.agent = nil
	dispatching := f.dispatching
	f.mu.Unlock()

	if a != nil {
		a.Terminate()
	}
	if !dispatching {
		f.closeDone()
	}

	f.observe(context.Background(), EventShutdown, observability.LevelInfo, nil)
}

// Done is closed once Shutdown has been called and the dispatch goroutine
// has drained every event.
func (f *Facade) Done() <-chan struct{} {
	return f.done
}

func (f *Facade) current() Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agent
}

// running returns the current agent with the channel closed once its events
// have all been dispatched.
func (f *Facade) running() (Agent, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agent, f.drained
}

func (f *Facade) closeDone() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *Facade) dispatchLoop(a Agent, drained chan struct{}) {
	for ev := range a.Events() {
		f.dispatch(ev)
	}
	close(drained)

	f.mu.Lock()
	if f.agent == a {
		f.agent = nil
	}
	f.dispatching = false
	closed := f.closed
	f.mu.Unlock()

	// A failed Start leaves the facade open; Done closes with Shutdown.
	if closed {
		f.closeDone()
	}
}

func (f *Facade) dispatch(ev protocol.Event) {
	ctx := context.Background()
	f.observe(ctx, EventDispatch, observability.LevelVerbose, map[string]any{
		"type": string(ev.Type()),
	})

	f.handlersMu.RLock()
	onSnapshot := f.onSnapshot
	onSession := f.onSession
	onMemory := f.onMemory
	onCleared := f.onCleared
	onEvent := f.onEvent
	f.handlersMu.RUnlock()

	switch e := ev.(type) {
	case protocol.SessionUpdate:
		f.mu.Lock()
		f.lastSession = e.Session.Clone()
		f.mu.Unlock()
		for _, h := range onSession {
			f.invoke(ev, func() { h(e.Session.Clone()) })
		}
	case protocol.MemoryUpdate:
		for _, h := range onMemory {
			f.invoke(ev, func() { h(e.Memory.Clone()) })
		}
	case protocol.SessionResponse:
		f.pendingMu.Lock()
		reply, ok := f.pending[e.ReplyTo]
		f.pendingMu.Unlock()
		if ok {
			select {
			case reply <- e.Session:
			default:
			}
			return
		}
	case protocol.PeriodicSave:
		for _, h := range onSnapshot {
			f.invoke(ev, func() {
				if err := h(ctx, e.Snapshot); err != nil {
					f.observe(ctx, EventSnapshotFailed, observability.LevelError, map[string]any{
						"taken_at_ms": e.Snapshot.TakenAt,
						"error":       err.Error(),
					})
				}
			})
		}
	case protocol.SessionCleared:
		f.mu.Lock()
		f.lastSession = memory.Fields{}
		f.mu.Unlock()
		for _, h := range onCleared {
			f.invoke(ev, h)
		}
	}

	for _, h := range onEvent {
		f.invoke(ev, func() { h(ev) })
	}
}

// invoke runs a subscriber, recovering and reporting a panic so dispatch
// continues with the next handler.
func (f *Facade) invoke(ev protocol.Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.observe(context.Background(), EventHandlerPanic, observability.LevelError, map[string]any{
				"type":  string(ev.Type()),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn()
}

func (f *Facade) persistSnapshot(ctx context.Context, s memory.Snapshot) error {
	wctx, cancel := context.WithTimeout(ctx, snapshotWriteTimeout)
	defer cancel()

	_, err := f.writer.Write(wctx, s)
	return err
}

func (f *Facade) observe(ctx context.Context, t observability.EventType, level observability.Level, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["client_id"] = f.id

	f.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "client",
		Data:      data,
	})
}
