package agent

import "github.com/tailored-agentic-units/sessiond/observability"

// Agent event types emitted by the message loop.
const (
	EventStart          observability.EventType = "agent.start"
	EventState          observability.EventType = "agent.state"
	EventCommand        observability.EventType = "agent.command"
	EventCommandDropped observability.EventType = "agent.command.dropped"
	EventSnapshot       observability.EventType = "agent.snapshot"
	EventProtocolError  observability.EventType = "agent.protocol.error"
	EventTerminate      observability.EventType = "agent.terminate"
)
