package hearthsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional Prometheus instrumentation for the sync core.
// A nil *Metrics disables collection; callers nil-check before use.
type Metrics struct {
	QueuedOps   prometheus.Counter
	ReplayedOps prometheus.Counter
	DroppedOps  prometheus.Counter
	Reconnects  prometheus.Counter
	PollSyncs   prometheus.Counter
	FeedEvents  *prometheus.CounterVec

	queueDepth prometheus.Gauge
}

// NewMetrics creates and registers the sync collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueuedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "queued_operations_total",
			Help:      "Mutations persisted to the durable write queue.",
		}),
		ReplayedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "replayed_operations_total",
			Help:      "Queued mutations successfully replayed.",
		}),
		DroppedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "dropped_operations_total",
			Help:      "Queued mutations dropped as non-retryable.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "reconnects_total",
			Help:      "Connectivity restorations observed.",
		}),
		PollSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "poll_syncs_total",
			Help:      "Full refreshes run by the poll-sync fallback.",
		}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearthsync",
			Name:      "feed_events_total",
			Help:      "Row-change events folded into local state.",
		}, []string{"table", "type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearthsync",
			Name:      "queue_depth",
			Help:      "Operations currently queued for replay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.QueuedOps, m.ReplayedOps, m.DroppedOps,
			m.Reconnects, m.PollSyncs, m.FeedEvents, m.queueDepth,
		)
	}
	return m
}

// SetQueueDepth records the current queue depth. Safe on a nil receiver.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// CountFeedEvent records one folded change event. Safe on a nil receiver.
func (m *Metrics) CountFeedEvent(table string, t ChangeType) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(table, t.String()).Inc()
}
