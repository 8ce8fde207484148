package client

import "github.com/tailored-agentic-units/sessiond/observability"

// Client event types.
const (
	EventStarted        observability.EventType = "client.started"
	EventStartupFailed  observability.EventType = "client.startup.failed"
	EventDispatch       observability.EventType = "client.event"
	EventNotifyDropped  observability.EventType = "client.notify.dropped"
	EventHandlerPanic   observability.EventType = "client.handler.panic"
	EventSnapshotFailed observability.EventType = "client.snapshot.failed"
	EventQuery          observability.EventType = "client.query"
	EventShutdown       observability.EventType = "client.shutdown"
)
