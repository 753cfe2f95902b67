// Package metrics exposes Prometheus collectors for the change feed, the reconcilers
// and the viewer hub. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	FeedMessages      *prometheus.CounterVec
	FeedStatus        *prometheus.CounterVec
	EventsApplied     *prometheus.CounterVec
	SnapshotLoads     *prometheus.CounterVec
	ActiveControllers prometheus.Gauge
	Viewers           prometheus.Gauge
	VotesRejected     *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelfeed",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Feed messages by collection and outcome (delivered, filtered, malformed, dropped).",
		}, []string{"collection", "outcome"}),
		FeedStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelfeed",
			Subsystem: "feed",
			Name:      "status_transitions_total",
			Help:      "Subscription status transitions by target status.",
		}, []string{"collection", "status"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelfeed",
			Subsystem: "reconcile",
			Name:      "events_applied_total",
			Help:      "Change events applied by collection and outcome.",
		}, []string{"collection", "outcome"}),
		SnapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelfeed",
			Subsystem: "session",
			Name:      "snapshot_loads_total",
			Help:      "Snapshot loads by result (ok, error, stale).",
		}, []string{"result"}),
		ActiveControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "panelfeed",
			Subsystem: "session",
			Name:      "active_controllers",
			Help:      "Session controllers currently holding a live subscription.",
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "panelfeed",
			Subsystem: "hub",
			Name:      "viewers",
			Help:      "Connected websocket viewers.",
		}),
		VotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelfeed",
			Subsystem: "votes",
			Name:      "rejected_total",
			Help:      "Votes rejected before reaching the store, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FeedMessages, m.FeedStatus, m.EventsApplied, m.SnapshotLoads,
		m.ActiveControllers, m.Viewers, m.VotesRejected,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) FeedMessage(collection, outcome string) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) FeedStatusChanged(collection, status string) {
	if m == nil {
		return
	}
	m.FeedStatus.WithLabelValues(collection, status).Inc()
}

func (m *Metrics) EventApplied(collection, outcome string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) SnapshotLoaded(result string) {
	if m == nil {
		return
	}
	m.SnapshotLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) ControllerActivated(delta float64) {
	if m == nil {
		return
	}
	m.ActiveControllers.Add(delta)
}

func (m *Metrics) ViewerConnected(delta float64) {
	if m == nil {
		return
	}
	m.Viewers.Add(delta)
}

func (m *Metrics) VoteRejected(reason string) {
	if m == nil {
		return
	}
	m.VotesRejected.WithLabelValues(reason).Inc()
}
