package observability

import (
	"context"

	"github.com/tailored-agentic-units/sessiond/metrics"
)

// MetricsObserver translates events into Prometheus collector updates.
// Events it does not recognize are ignored.
type MetricsObserver struct {
	m *metrics.Metrics
}

// NewMetricsObserver creates a MetricsObserver that records into m.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

var agentStates = map[string]float64{
	"uninitialized": 0,
	"running":       1,
	"terminated":    2,
}

func (o *MetricsObserver) OnEvent(_ context.Context, event Event) {
	switch event.Type {
	case "agent.command":
		o.m.CommandsTotal.WithLabelValues(str(event.Data, "type"), "applied").Inc()
		o.m.InboxDepth.Set(num(event.Data, "inbox_depth"))
	case "agent.command.dropped":
		o.m.CommandsTotal.WithLabelValues(str(event.Data, "type"), "dropped").Inc()
	case "agent.protocol.error":
		o.m.CommandsTotal.WithLabelValues(str(event.Data, "type"), "invalid").Inc()
	case "agent.state":
		if v, ok := agentStates[str(event.Data, "to")]; ok {
			o.m.AgentState.Set(v)
		}
	case "agent.snapshot":
		trigger := "timer"
		if b, _ := event.Data["on_demand"].(bool); b {
			trigger = "on_demand"
		}
		o.m.SnapshotsTotal.WithLabelValues(trigger).Inc()
		o.m.Keys.WithLabelValues("session").Set(num(event.Data, "session_keys"))
		o.m.Keys.WithLabelValues("memory").Set(num(event.Data, "memory_keys"))
	case "persist.write":
		o.m.SnapshotWritesTotal.WithLabelValues("written").Inc()
		o.m.SnapshotWriteSeconds.Observe(num(event.Data, "duration_ms") / 1000)
	case "persist.write.skipped":
		o.m.SnapshotWritesTotal.WithLabelValues("skipped").Inc()
	case "persist.write.error":
		if str(event.Data, "stage") == "save" {
			o.m.SnapshotWritesTotal.WithLabelValues("error").Inc()
		}
	case "client.event":
		o.m.EventsTotal.WithLabelValues(str(event.Data, "type")).Inc()
	case "client.notify.dropped":
		o.m.NotificationsDropped.WithLabelValues(str(event.Data, "reason")).Inc()
	case "client.handler.panic":
		o.m.HandlerPanics.Inc()
	case "client.query":
		o.m.QueriesTotal.WithLabelValues(str(event.Data, "outcome")).Inc()
	}
}

func str(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func num(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
