// Package metrics defines the Prometheus collectors for sessiond and exposes
// them in the text exposition format.
//
// Collectors are registered on a private registry owned by each Metrics
// value, so tests and multiple hosts in one process never collide.
package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "sessiond"

// Metrics holds every sessiond collector.
type Metrics struct {
	registry *prometheus.Registry

	// CommandsTotal counts commands seen by the agent.
	// Labels: type (INIT, UPDATE_SESSION, ...), outcome (applied, dropped, invalid)
	CommandsTotal *prometheus.CounterVec

	// EventsTotal counts events delivered to the client facade.
	// Labels: type (SESSION_UPDATE, PERIODIC_SAVE, ...)
	EventsTotal *prometheus.CounterVec

	// SnapshotsTotal counts snapshots taken by the agent.
	// Labels: trigger (timer, on_demand)
	SnapshotsTotal *prometheus.CounterVec

	// SnapshotWritesTotal counts durable writes by outcome.
	// Labels: outcome (written, skipped, error)
	SnapshotWritesTotal *prometheus.CounterVec

	// SnapshotWriteSeconds measures durable write latency.
	SnapshotWriteSeconds prometheus.Histogram

	// AgentState is the lifecycle state of the agent (0 uninitialized,
	// 1 running, 2 terminated).
	AgentState prometheus.Gauge

	// Keys tracks map sizes as of the last snapshot.
	// Labels: map (session, memory)
	Keys *prometheus.GaugeVec

	// NotificationsDropped counts fire-and-forget commands dropped by the
	// facade because the agent was unavailable or its inbox was full.
	// Labels: reason (not_running, inbox_full)
	NotificationsDropped *prometheus.CounterVec

	// InboxDepth is the number of commands queued behind the one the agent
	// last applied.
	InboxDepth prometheus.Gauge

	// HandlerPanics counts recovered panics in subscriber callbacks.
	HandlerPanics prometheus.Counter

	// QueriesTotal counts QuerySession calls by outcome.
	// Labels: outcome (answered, not_running, timeout, cancelled)
	QueriesTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry. Process and
// Go runtime collectors are included when withRuntime is true.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Commands seen by the agent, by type and outcome.",
		}, []string{"type", "outcome"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_total",
			Help:      "Agent events delivered to the client facade, by type.",
		}, []string{"type"}),
		SnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "snapshots_total",
			Help:      "Snapshots taken by the agent, by trigger.",
		}, []string{"trigger"}),
		SnapshotWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "writes_total",
			Help:      "Durable snapshot writes, by outcome.",
		}, []string{"outcome"}),
		SnapshotWriteSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "write_duration_seconds",
			Help:      "Durable snapshot write latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		AgentState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "state",
			Help:      "Agent lifecycle state: 0 uninitialized, 1 running, 2 terminated.",
		}),
		Keys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "keys",
			Help:      "Top-level keys per map as of the last snapshot.",
		}, []string{"map"}),
		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "notifications_dropped_total",
			Help:      "Fire-and-forget commands dropped by the facade, by reason.",
		}, []string{"reason"}),
		InboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "inbox_depth",
			Help:      "Commands queued in the agent inbox when the last command was applied.",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in subscriber callbacks.",
		}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queries_total",
			Help:      "QuerySession calls, by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WritePrometheus writes all metrics to w in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
