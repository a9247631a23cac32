package storepg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation exposed by EventStore.
// Registration uses promauto, matching the teacher-adjacent Duragraph
// monitoring package's construction style.
type Metrics struct {
	CommitDuration       prometheus.Histogram
	LoadDuration         prometheus.Histogram
	EventsCommittedTotal prometheus.Counter
	OptimisticLocksTotal prometheus.Counter
	ReplayDispatchedTotal prometheus.Counter
}

// NewMetrics creates and registers the EventStore's Prometheus metrics
// under namespace (defaults to "ges" when empty).
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ges"
	}

	return &Metrics{
		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storepg",
			Name:      "commit_duration_seconds",
			Help:      "Duration of CommitEvents calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		LoadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storepg",
			Name:      "load_duration_seconds",
			Help:      "Duration of LoadEvents calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsCommittedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storepg",
			Name:      "events_committed_total",
			Help:      "Total number of events successfully committed.",
		}),
		OptimisticLocksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storepg",
			Name:      "optimistic_lock_conflicts_total",
			Help:      "Total number of optimistic locking conflicts detected on commit.",
		}),
		ReplayDispatchedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storepg",
			Name:      "replay_dispatched_total",
			Help:      "Total number of events dispatched by replay_events_from_cursor.",
		}),
	}
}
