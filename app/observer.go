package app

import "github.com/tailored-agentic-units/sessiond/observability"

// App event types.
const (
	EventStart       observability.EventType = "app.start"
	EventStartFailed observability.EventType = "app.start.failed"
	EventClose       observability.EventType = "app.close"
)
