package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/sessiond/agent"
	"github.com/tailored-agentic-units/sessiond/memory"
	"github.com/tailored-agentic-units/sessiond/observability"
	"github.com/tailored-agentic-units/sessiond/protocol"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *tickerFactory) New(time.Duration) agent.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *tickerFactory) Last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[len(f.tickers)-1]
}

type recordingObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (r *recordingObserver) OnEvent(_ context.Context, event observability.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingObserver) Count(t observability.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recordingObserver) Find(t observability.EventType) []observability.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observability.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func startAgent(t *testing.T, opts ...agent.Option) (*agent.Agent, *tickerFactory) {
	t.Helper()
	factory := &tickerFactory{}
	opts = append([]agent.Option{
		agent.WithTicker(factory.New),
		agent.WithObserver(observability.NoOpObserver{}),
	}, opts...)

	a := agent.New(nil, opts...)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Terminate)
	return a, factory
}

func send(t *testing.T, a *agent.Agent, cmds ...protocol.Command) {
	t.Helper()
	for _, cmd := range cmds {
		require.NoError(t, a.Send(context.Background(), cmd))
	}
}

func next(t *testing.T, a *agent.Agent) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextOf[T protocol.Event](t *testing.T, a *agent.Agent) T {
	t.Helper()
	ev := next(t, a)
	got, ok := ev.(T)
	require.True(t, ok, "unexpected event %T", ev)
	return got
}

func TestAgent_ScenarioA_UpdateThenQuery(t *testing.T) {
	a, _ := startAgent(t)

	get := protocol.NewGetSession()
	send(t, a,
		protocol.NewInit(),
		protocol.NewUpdateSession(memory.Fields{"caseId": "A1"}),
		get,
	)

	update := nextOf[protocol.SessionUpdate](t, a)
	assert.True(t, update.Session.Equal(memory.Fields{"caseId": "A1"}))

	resp := nextOf[protocol.SessionResponse](t, a)
	assert.Equal(t, get.CommandID(), resp.ReplyTo)
	assert.True(t, resp.Session.Equal(memory.Fields{"caseId": "A1"}))
}

func TestAgent_ScenarioB_MemoryAccumulates(t *testing.T) {
	a, _ := startAgent(t)

	send(t, a,
		protocol.NewInit(),
		protocol.NewSaveMemory(memory.Fields{"note": "x"}),
		protocol.NewSaveMemory(memory.Fields{"note2": "y"}),
	)

	first := nextOf[protocol.MemoryUpdate](t, a)
	assert.True(t, first.Memory.Equal(memory.Fields{"note": "x"}))

	second := nextOf[protocol.MemoryUpdate](t, a)
	assert.True(t, second.Memory.Equal(memory.Fields{"note": "x", "note2": "y"}))
}

func TestAgent_ScenarioC_UpdateBeforeInitDropped(t *testing.T) {
	obs := &recordingObserver{}
	a, _ := startAgent(t, agent.WithObserver(obs))

	send(t, a,
		protocol.NewUpdateSession(memory.Fields{"a": 1}),
		protocol.NewSaveMemory(memory.Fields{"b": 2}),
		protocol.NewClearSession(),
		protocol.NewSaveNow(),
		protocol.NewInit(),
		protocol.NewGetSession(),
	)

	resp := nextOf[protocol.SessionResponse](t, a)
	assert.Empty(t, resp.Session)
	assert.Equal(t, 4, obs.Count(agent.EventCommandDropped))
}

func TestAgent_ScenarioD_OneTickOneSnapshot(t *testing.T) {
	a, factory := startAgent(t)

	initAt := time.Now().UnixMilli()
	send(t, a,
		protocol.NewInit(),
		protocol.NewUpdateSession(memory.Fields{"caseId": "A1"}),
	)
	nextOf[protocol.SessionUpdate](t, a)

	require.Equal(t, 1, factory.Count())
	factory.Last().ch <- time.Now()

	save := nextOf[protocol.PeriodicSave](t, a)
	assert.False(t, save.OnDemand)
	assert.GreaterOrEqual(t, save.Snapshot.TakenAt, initAt)
	assert.True(t, save.Snapshot.Session.Equal(memory.Fields{"caseId": "A1"}))
	assert.Empty(t, save.Snapshot.Memory)

	send(t, a, protocol.NewGetSession())
	nextOf[protocol.SessionResponse](t, a)
}

func TestAgent_ScenarioE_ClearThenQuery(t *testing.T) {
	a, _ := startAgent(t)

	send(t, a,
		protocol.NewInit(),
		protocol.NewUpdateSession(memory.Fields{"a": 1}),
		protocol.NewSaveMemory(memory.Fields{"n": "x"}),
		protocol.NewClearSession(),
		protocol.NewGetSession(),
		protocol.NewSaveNow(),
	)

	nextOf[protocol.SessionUpdate](t, a)
	nextOf[protocol.MemoryUpdate](t, a)
	nextOf[protocol.SessionCleared](t, a)

	resp := nextOf[protocol.SessionResponse](t, a)
	assert.Empty(t, resp.Session)

	save := nextOf[protocol.PeriodicSave](t, a)
	assert.True(t, save.OnDemand)
	assert.Empty(t, save.Snapshot.Session)
	assert.Empty(t, save.Snapshot.Memory)
}

func TestAgent_DoubleInitOneTicker(t *testing.T) {
	obs := &recordingObserver{}
	a, factory := startAgent(t, agent.WithObserver(obs))

	send(t, a,
		protocol.NewInit(),
		protocol.NewUpdateSession(memory.Fields{"a": 1}),
		protocol.NewInit(),
		protocol.NewGetSession(),
	)

	nextOf[protocol.SessionUpdate](t, a)
	resp := nextOf[protocol.SessionResponse](t, a)

	assert.True(t, resp.Session.Equal(memory.Fields{"a": 1}), "second INIT must not reset state")
	assert.Equal(t, 1, factory.Count())
	assert.Equal(t, 1, obs.Count(agent.EventState))
	assert.Equal(t, agent.StateRunning, a.State())
}

func TestAgent_MergeOrder(t *testing.T) {
	a, _ := startAgent(t)

	partials := []memory.Fields{
		{"a": 1, "b": 1},
		{"b": 2, "c": 3},
		{"a": nil},
		{"c": map[string]any{"nested": true}},
	}

	send(t, a, protocol.NewInit())
	want := memory.Fields{}
	for _, p := range partials {
		send(t, a, protocol.NewUpdateSession(p))
		want.Merge(p)
	}

	var last protocol.SessionUpdate
	for range partials {
		last = nextOf[protocol.SessionUpdate](t, a)
	}
	assert.True(t, last.Session.Equal(want), "got %v want %v", last.Session, want)
}

func TestAgent_EventsAreCopies(t *testing.T) {
	a, _ := startAgent(t)

	partial := memory.Fields{"list": []any{"x"}}
	send(t, a, protocol.NewInit(), protocol.NewUpdateSession(partial))

	update := nextOf[protocol.SessionUpdate](t, a)
	update.Session["list"] = "mutated"
	partial["list"] = "mutated"

	send(t, a, protocol.NewGetSession())
	resp := nextOf[protocol.SessionResponse](t, a)
	assert.Equal(t, []any{"x"}, resp.Session["list"])
}

func TestAgent_SnapshotTimestampMonotonic(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	var calls atomic.Int64
	clock := func() time.Time {
		n := calls.Add(1)
		if n == 1 {
			return base
		}
		return base.Add(-time.Minute)
	}

	a, _ := startAgent(t, agent.WithClock(clock))
	send(t, a, protocol.NewInit(), protocol.NewSaveNow(), protocol.NewSaveNow())

	first := nextOf[protocol.PeriodicSave](t, a)
	second := nextOf[protocol.PeriodicSave](t, a)

	assert.Equal(t, base.UnixMilli(), first.Snapshot.TakenAt)
	assert.Equal(t, first.Snapshot.TakenAt, second.Snapshot.TakenAt)
}

func TestAgent_Terminate(t *testing.T) {
	a, factory := startAgent(t)

	send(t, a, protocol.NewInit(), protocol.NewGetSession())
	nextOf[protocol.SessionResponse](t, a)

	a.Terminate()
	a.Terminate()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not terminate")
	}

	for range a.Events() {
	}

	assert.Equal(t, agent.StateTerminated, a.State())
	assert.True(t, factory.Last().stopped.Load())
	assert.ErrorIs(t, a.Send(context.Background(), protocol.NewGetSession()), agent.ErrTerminated)
	assert.ErrorIs(t, a.TrySend(protocol.NewGetSession()), agent.ErrTerminated)
	assert.ErrorIs(t, a.Start(context.Background()), agent.ErrTerminated)
}

func TestAgent_TerminateBeforeStart(t *testing.T) {
	a := agent.New(nil, agent.WithObserver(observability.NoOpObserver{}))
	a.Terminate()

	<-a.Done()
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Start(context.Background()), agent.ErrTerminated)
}

func TestAgent_TerminateReportsQueuedCommands(t *testing.T) {
	obs := &recordingObserver{}
	a := agent.New(&agent.Config{InboxSize: 4}, agent.WithObserver(obs))

	require.NoError(t, a.TrySend(protocol.NewUpdateSession(memory.Fields{"a": 1})))
	require.NoError(t, a.TrySend(protocol.NewSaveNow()))
	a.Terminate()
	<-a.Done()

	dropped := obs.Find(agent.EventCommandDropped)
	require.Len(t, dropped, 2)
	assert.Equal(t, string(protocol.TypeUpdateSession), dropped[0].Data["type"])
	assert.Equal(t, string(protocol.TypeSaveNow), dropped[1].Data["type"])
	assert.Equal(t, "terminated", dropped[1].Data["reason"])
}

func TestAgent_WithID(t *testing.T) {
	obs := &recordingObserver{}
	a, _ := startAgent(t, agent.WithObserver(obs), agent.WithID("host-1"))
	assert.Equal(t, "host-1", a.ID())

	send(t, a, protocol.NewInit(), protocol.NewGetSession())
	nextOf[protocol.SessionResponse](t, a)

	commands := obs.Find(agent.EventCommand)
	require.NotEmpty(t, commands)
	for _, e := range commands {
		assert.Equal(t, "host-1", e.Data["agent_id"])
		assert.Contains(t, e.Data, "inbox_depth")
	}
}

func TestAgent_StartTwice(t *testing.T) {
	a, _ := startAgent(t)
	assert.ErrorIs(t, a.Start(context.Background()), agent.ErrAlreadyStarted)
}

func TestAgent_ContextCancelTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := agent.New(nil, agent.WithObserver(observability.NoOpObserver{}))
	require.NoError(t, a.Start(ctx))

	cancel()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not terminate on context cancel")
	}
	assert.Equal(t, agent.StateTerminated, a.State())
}

func TestAgent_TrySendInboxFull(t *testing.T) {
	a := agent.New(&agent.Config{InboxSize: 1}, agent.WithObserver(observability.NoOpObserver{}))
	t.Cleanup(a.Terminate)

	require.NoError(t, a.TrySend(protocol.NewInit()))
	assert.ErrorIs(t, a.TrySend(protocol.NewInit()), agent.ErrInboxFull)
}

func TestAgent_Deliver(t *testing.T) {
	obs := &recordingObserver{}
	a, _ := startAgent(t, agent.WithObserver(obs))

	ctx := context.Background()
	require.NoError(t, a.Deliver(ctx, protocol.Envelope{Type: protocol.TypeInit}))

	err := a.Deliver(ctx, protocol.Envelope{Type: "BOGUS"})
	var perr *protocol.ProtocolError
	require.True(t, errors.As(err, &perr))

	err = a.Deliver(ctx, protocol.Envelope{Type: protocol.TypeUpdateSession, Data: json.RawMessage(`[1]`)})
	assert.ErrorIs(t, err, protocol.ErrMalformedData)

	require.NoError(t, a.Deliver(ctx, protocol.Envelope{
		Type: protocol.TypeUpdateSession,
		Data: json.RawMessage(`{"caseId":"A1"}`),
	}))
	require.NoError(t, a.Deliver(ctx, protocol.Envelope{Type: protocol.TypeGetSession, ID: "req-1"}))

	update := nextOf[protocol.SessionUpdate](t, a)
	assert.Equal(t, "A1", update.Session["caseId"])

	resp := nextOf[protocol.SessionResponse](t, a)
	assert.Equal(t, "req-1", resp.ReplyTo)
	assert.Equal(t, 2, obs.Count(agent.EventProtocolError))
}

func TestAgent_NilCommandIgnored(t *testing.T) {
	obs := &recordingObserver{}
	a, _ := startAgent(t, agent.WithObserver(obs))

	send(t, a, protocol.NewInit(), nil, protocol.NewGetSession())
	nextOf[protocol.SessionResponse](t, a)
	assert.Equal(t, 1, obs.Count(agent.EventProtocolError))
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state agent.State
		want  string
	}{
		{agent.StateUninitialized, "uninitialized"},
		{agent.StateRunning, "running"},
		{agent.StateTerminated, "terminated"},
		{agent.State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := agent.DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 256, cfg.InboxSize)
	assert.Equal(t, 256, cfg.EventBuffer)

	cfg.Merge(&agent.Config{SnapshotInterval: time.Second})
	assert.Equal(t, time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 256, cfg.InboxSize)
}
