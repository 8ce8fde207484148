package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/sessiond/agent"
	"github.com/tailored-agentic-units/sessiond/client"
	"github.com/tailored-agentic-units/sessiond/memory"
	"github.com/tailored-agentic-units/sessiond/observability"
	"github.com/tailored-agentic-units/sessiond/persist"
	"github.com/tailored-agentic-units/sessiond/protocol"
)

const waitFor = 2 * time.Second

type idleTicker struct{ ch chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.ch }
func (t idleTicker) Stop()               {}

func realAgent(obs observability.Observer) client.AgentFactory {
	return func() (client.Agent, error) {
		return agent.New(nil,
			agent.WithObserver(obs),
			agent.WithTicker(func(time.Duration) agent.Ticker { return idleTicker{ch: make(chan time.Time)} }),
		), nil
	}
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

// stubAgent accepts commands without acting on them.
type stubAgent struct {
	startErr   error
	sendErr    error
	trySendErr error

	mu   sync.Mutex
	sent []protocol.Command

	events     chan protocol.Event
	once       sync.Once
	terminated bool
}

func newStubAgent() *stubAgent {
	return &stubAgent{
		events: make(chan protocol.Event, 16),
	}
}

func (s *stubAgent) Start(context.Context) error { return s.startErr }

func (s *stubAgent) Send(_ context.Context, cmd protocol.Command) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *stubAgent) TrySend(cmd protocol.Command) error {
	if s.trySendErr != nil {
		return s.trySendErr
	}
	return s.Send(context.Background(), cmd)
}

func (s *stubAgent) Deliver(ctx context.Context, env protocol.Envelope) error {
	cmd, err := protocol.DecodeCommand(env)
	if err != nil {
		return err
	}
	return s.Send(ctx, cmd)
}

func (s *stubAgent) Events() <-chan protocol.Event { return s.events }

func (s *stubAgent) Terminate() {
	s.once.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		close(s.events)
	})
}

func (s *stubAgent) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *stubAgent) Sent() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.sent...)
}

func stubFactory(s *stubAgent) client.AgentFactory {
	return func() (client.Agent, error) { return s, nil }
}

func newWriter(t *testing.T) *persist.Writer {
	t.Helper()
	w, err := persist.NewWriter(persist.NewMemoryStore(), nil, persist.WithWriterObserver(observability.NoOpObserver{}))
	require.NoError(t, err)
	return w
}

func startFacade(t *testing.T, opts ...client.Option) (*client.Facade, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	opts = append([]client.Option{
		client.WithObserver(obs),
		client.WithAgentFactory(realAgent(observability.NoOpObserver{})),
	}, opts...)

	f := client.New(nil, opts...)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)
	return f, obs
}

func TestFacade_UpdateThenQuery(t *testing.T) {
	f, _ := startFacade(t)

	f.NotifySessionUpdate(memory.Fields{"caseId": "A1"})
	f.NotifySessionUpdate(memory.Fields{"step": "review"})

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.Fields{"caseId": "A1", "step": "review"}, session)

	require.Eventually(t, func() bool {
		return f.LastSession().Equal(memory.Fields{"caseId": "A1", "step": "review"})
	}, waitFor, 10*time.Millisecond)
}

func TestFacade_NotifyCopiesPartial(t *testing.T) {
	f, _ := startFacade(t)

	partial := memory.Fields{"caseId": "A1"}
	f.NotifySessionUpdate(partial)
	partial["caseId"] = "mutated"

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", session["caseId"])
}

func TestFacade_NotifyCopiesNestedContainers(t *testing.T) {
	f, _ := startFacade(t)

	parties := []map[string]any{{"name": "Acme"}}
	counts := map[string]int{"exhibits": 3}
	f.NotifySessionUpdate(memory.Fields{"parties": parties, "counts": counts})
	f.NotifyMemoryUpdate(memory.Fields{"pages": []int{1, 2}})

	parties[0]["name"] = "tampered"
	counts["exhibits"] = 99

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"name": "Acme"}}, session["parties"])
	assert.Equal(t, map[string]int{"exhibits": 3}, session["counts"])

	session["parties"].([]map[string]any)[0]["name"] = "tampered"
	again, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Acme", again["parties"].([]map[string]any)[0]["name"])
}

func TestFacade_OutlivesStartContext(t *testing.T) {
	f := client.New(nil,
		client.WithObserver(observability.NoOpObserver{}),
		client.WithAgentFactory(realAgent(observability.NoOpObserver{})),
	)
	t.Cleanup(f.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, f.Start(ctx))
	cancel()

	time.Sleep(50 * time.Millisecond)
	require.True(t, f.Running())

	f.NotifySessionUpdate(memory.Fields{"caseId": "A1"})
	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.Fields{"caseId": "A1"}, session)
}

func TestFacade_DefaultAgentSharesID(t *testing.T) {
	obs := &recordingObserver{}
	f := client.New(nil, client.WithObserver(obs))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	_, err := f.QuerySession(context.Background())
	require.NoError(t, err)

	commands := obs.Find(agent.EventCommand)
	require.NotEmpty(t, commands)
	assert.Equal(t, f.ID(), commands[0].Data["agent_id"])
}

func TestFacade_Subscriptions(t *testing.T) {
	obs := &recordingObserver{}
	f := client.New(nil,
		client.WithObserver(obs),
		client.WithAgentFactory(realAgent(observability.NoOpObserver{})),
	)

	sessions := make(chan memory.Fields, 4)
	memories := make(chan memory.Fields, 4)
	cleared := make(chan struct{}, 1)
	var types []protocol.Type
	var typesMu sync.Mutex

	f.OnSessionUpdate(func(s memory.Fields) { sessions <- s })
	f.OnMemoryUpdate(func(m memory.Fields) { memories <- m })
	f.OnCleared(func() { cleared <- struct{}{} })
	f.OnEvent(func(ev protocol.Event) {
		typesMu.Lock()
		defer typesMu.Unlock()
		types = append(types, ev.Type())
	})

	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	f.NotifySessionUpdate(memory.Fields{"a": "1"})
	f.NotifyMemoryUpdate(memory.Fields{"note": "x"})
	f.ClearSession()

	select {
	case s := <-sessions:
		assert.Equal(t, memory.Fields{"a": "1"}, s)
	case <-time.After(waitFor):
		t.Fatal("no session update")
	}
	select {
	case m := <-memories:
		assert.Equal(t, memory.Fields{"note": "x"}, m)
	case <-time.After(waitFor):
		t.Fatal("no memory update")
	}
	select {
	case <-cleared:
	case <-time.After(waitFor):
		t.Fatal("no clear")
	}

	assert.Empty(t, f.LastSession())

	require.Eventually(t, func() bool {
		typesMu.Lock()
		defer typesMu.Unlock()
		return len(types) == 3
	}, waitFor, 10*time.Millisecond)

	typesMu.Lock()
	assert.Equal(t, []protocol.Type{
		protocol.TypeSessionUpdate,
		protocol.TypeMemoryUpdate,
		protocol.TypeSessionCleared,
	}, types)
	typesMu.Unlock()

	assert.Len(t, obs.Find(client.EventDispatch), 3)
}

func TestFacade_FlushPersistsSnapshot(t *testing.T) {
	w := newWriter(t)
	f, _ := startFacade(t, client.WithWriter(w))

	f.NotifySessionUpdate(memory.Fields{"caseId": "A1"})
	f.NotifyMemoryUpdate(memory.Fields{"summary": "draft"})
	f.Flush()

	var snap memory.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = f.LastSnapshot(context.Background())
		return err == nil
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, memory.Fields{"caseId": "A1"}, snap.Session)
	assert.Equal(t, memory.Fields{"summary": "draft"}, snap.Memory)
	assert.NotZero(t, snap.TakenAt)
}

func TestFacade_PersistDisabled(t *testing.T) {
	w := newWriter(t)
	disabled := false
	obs := &recordingObserver{}

	f := client.New(&client.Config{PersistSnapshots: &disabled},
		client.WithObserver(obs),
		client.WithWriter(w),
		client.WithAgentFactory(realAgent(observability.NoOpObserver{})),
	)

	got := make(chan memory.Snapshot, 1)
	f.OnSnapshot(func(_ context.Context, s memory.Snapshot) error {
		got <- s
		return nil
	})

	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	f.Flush()

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("snapshot not dispatched")
	}

	_, err := f.LastSnapshot(context.Background())
	assert.ErrorIs(t, err, persist.ErrNoSnapshot)
}

func TestFacade_SnapshotHandlerError(t *testing.T) {
	f, obs := startFacade(t)

	f.OnSnapshot(func(context.Context, memory.Snapshot) error {
		return errors.New("disk full")
	})
	f.Flush()

	require.Eventually(t, func() bool {
		return len(obs.Find(client.EventSnapshotFailed)) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "disk full", obs.Find(client.EventSnapshotFailed)[0].Data["error"])
}

func TestFacade_HandlerPanicRecovered(t *testing.T) {
	f, obs := startFacade(t)

	second := make(chan memory.Fields, 1)
	f.OnSessionUpdate(func(memory.Fields) { panic("boom") })
	f.OnSessionUpdate(func(s memory.Fields) { second <- s })

	f.NotifySessionUpdate(memory.Fields{"a": "1"})

	select {
	case s := <-second:
		assert.Equal(t, memory.Fields{"a": "1"}, s)
	case <-time.After(waitFor):
		t.Fatal("second handler not invoked")
	}

	panics := obs.Find(client.EventHandlerPanic)
	require.Len(t, panics, 1)
	assert.Equal(t, "boom", panics[0].Data["panic"])
	assert.Equal(t, string(protocol.TypeSessionUpdate), panics[0].Data["type"])
}

func TestFacade_NotStarted(t *testing.T) {
	obs := &recordingObserver{}
	f := client.New(nil, client.WithObserver(obs), client.WithWriter(newWriter(t)))

	assert.False(t, f.Running())

	f.NotifySessionUpdate(memory.Fields{"a": "1"})
	dropped := obs.Find(client.EventNotifyDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, "not_running", dropped[0].Data["reason"])
	assert.Equal(t, string(protocol.TypeUpdateSession), dropped[0].Data["type"])

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Empty(t, session)
	assert.NotNil(t, session)

	_, err = f.LastSnapshot(context.Background())
	assert.ErrorIs(t, err, persist.ErrNoSnapshot)

	err = f.Deliver(context.Background(), protocol.Envelope{Type: protocol.TypeInit})
	assert.ErrorIs(t, err, client.ErrNotRunning)
}

func TestFacade_LastSnapshotWithoutWriter(t *testing.T) {
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}))
	_, err := f.LastSnapshot(context.Background())
	assert.ErrorIs(t, err, persist.ErrNoSnapshot)
}

func TestFacade_StartupFailures(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		obs := &recordingObserver{}
		f := client.New(nil,
			client.WithObserver(obs),
			client.WithAgentFactory(func() (client.Agent, error) { return nil, errors.New("no worker") }),
		)

		err := f.Start(context.Background())
		var se *client.StartupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "create", se.Stage)
		assert.EqualError(t, err, "client startup failed: create: no worker")
		assert.False(t, f.Running())
		assert.Len(t, obs.Find(client.EventStartupFailed), 1)
	})

	t.Run("start", func(t *testing.T) {
		stub := newStubAgent()
		stub.startErr = errors.New("spawn failed")
		f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))

		err := f.Start(context.Background())
		var se *client.StartupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "start", se.Stage)
		assert.True(t, stub.Terminated())
		assert.False(t, f.Running())
	})

	t.Run("init", func(t *testing.T) {
		stub := newStubAgent()
		stub.sendErr = agent.ErrTerminated
		f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))

		err := f.Start(context.Background())
		var se *client.StartupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "init", se.Stage)
		assert.ErrorIs(t, err, agent.ErrTerminated)
		assert.True(t, stub.Terminated())

		session, err := f.QuerySession(context.Background())
		require.NoError(t, err)
		assert.Empty(t, session)

		f.Shutdown()
		select {
		case <-f.Done():
		case <-time.After(waitFor):
			t.Fatal("done not closed")
		}
	})
}

func TestFacade_StartTwiceAndAfterShutdown(t *testing.T) {
	f, _ := startFacade(t)
	assert.ErrorIs(t, f.Start(context.Background()), client.ErrAlreadyStarted)

	g := client.New(nil, client.WithObserver(observability.NoOpObserver{}))
	g.Shutdown()
	assert.ErrorIs(t, g.Start(context.Background()), client.ErrClosed)
}

func TestFacade_ShutdownIdempotent(t *testing.T) {
	f, obs := startFacade(t)

	f.Shutdown()
	f.Shutdown()

	select {
	case <-f.Done():
	case <-time.After(waitFor):
		t.Fatal("done not closed")
	}

	assert.False(t, f.Running())
	assert.Len(t, obs.Find(client.EventShutdown), 1)

	f.NotifySessionUpdate(memory.Fields{"a": "1"})
	assert.Len(t, obs.Find(client.EventNotifyDropped), 1)
}

func TestFacade_ShutdownBeforeStart(t *testing.T) {
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}))
	f.Shutdown()

	select {
	case <-f.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestFacade_InitSentFirst(t *testing.T) {
	stub := newStubAgent()
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	f.Flush()

	sent := stub.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.TypeInit, sent[0].Type())
	assert.Equal(t, protocol.TypeSaveNow, sent[1].Type())
}

func TestFacade_InboxFullDrops(t *testing.T) {
	stub := newStubAgent()
	obs := &recordingObserver{}
	f := client.New(nil, client.WithObserver(obs), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	stub.trySendErr = agent.ErrInboxFull
	f.NotifyMemoryUpdate(memory.Fields{"a": "1"})

	dropped := obs.Find(client.EventNotifyDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, "inbox_full", dropped[0].Data["reason"])
}

func TestFacade_QueryTimeout(t *testing.T) {
	stub := newStubAgent()
	f := client.New(&client.Config{QueryTimeout: 20 * time.Millisecond},
		client.WithObserver(observability.NoOpObserver{}),
		client.WithAgentFactory(stubFactory(stub)),
	)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	_, err := f.QuerySession(context.Background())
	assert.ErrorIs(t, err, client.ErrQueryTimeout)
}

func TestFacade_QueryCancelled(t *testing.T) {
	stub := newStubAgent()
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.QuerySession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, client.ErrQueryTimeout)
}

func TestFacade_QueryAgentTerminates(t *testing.T) {
	stub := newStubAgent()
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	go func() {
		time.Sleep(20 * time.Millisecond)
		stub.Terminate()
	}()

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Empty(t, session)
}

func TestFacade_QueryAnsweredByReplyTo(t *testing.T) {
	stub := newStubAgent()
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	go func() {
		for len(stub.Sent()) < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		query := stub.Sent()[1]
		stub.events <- protocol.SessionResponse{ReplyTo: "someone-else", Session: memory.Fields{"wrong": true}}
		stub.events <- protocol.SessionResponse{ReplyTo: query.CommandID(), Session: memory.Fields{"caseId": "A1"}}
	}()

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.Fields{"caseId": "A1"}, session)
}

func TestFacade_QueryAnsweredBeforeTermination(t *testing.T) {
	stub := newStubAgent()
	f := client.New(nil, client.WithObserver(observability.NoOpObserver{}), client.WithAgentFactory(stubFactory(stub)))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Shutdown)

	go func() {
		for len(stub.Sent()) < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		query := stub.Sent()[1]
		stub.events <- protocol.SessionResponse{ReplyTo: query.CommandID(), Session: memory.Fields{"caseId": "A1"}}
		stub.Terminate()
	}()

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.Fields{"caseId": "A1"}, session)
}

func TestFacade_Deliver(t *testing.T) {
	f, _ := startFacade(t)

	data := []byte(`{"caseId":"A1"}`)
	require.NoError(t, f.Deliver(context.Background(), protocol.Envelope{Type: protocol.TypeUpdateSession, Data: data}))

	session, err := f.QuerySession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.Fields{"caseId": "A1"}, session)

	err = f.Deliver(context.Background(), protocol.Envelope{Type: "BOGUS"})
	var pe *protocol.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}
