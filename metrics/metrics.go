// Package metrics defines the prometheus collectors of the journal daemon.
// Collectors are carried by an explicit Counters handle passed into each
// component which records them, rather than registered as package state,
// so tests observe their own isolated instances.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for sapling metrics.
const (
	StreamingDurationSecondsKey  = "sapling_streaming_duration_seconds"
	JournalAppendsTotalKey       = "sapling_journal_appends_total"
	StreamSubscriptionsActiveKey = "sapling_stream_subscriptions_active"
	StreamFailuresTotalKey       = "sapling_stream_failures_total"

	// Label values of StreamFailuresTotal's "reason".
	PositionTooOld    = "position-too-old"
	SubscriberTooSlow = "subscriber-too-slow"
	TreeDiffFailed    = "tree-diff-failed"
)

// Counters is the process-wide observability state of the journal engine.
// It's initialized once at process start and reset only by restart.
type Counters struct {
	// StreamingDurationSeconds is a histogram of the time from the start of
	// a streaming operation to completion of its backlog delivery, keyed by
	// operation name.
	StreamingDurationSeconds *prometheus.HistogramVec
	// JournalAppendsTotal counts batches appended to mount journals.
	JournalAppendsTotal *prometheus.CounterVec
	// StreamSubscriptionsActive gauges currently-served live subscriptions.
	StreamSubscriptionsActive prometheus.Gauge
	// StreamFailuresTotal counts subscriptions terminated by an error,
	// keyed by reason.
	StreamFailuresTotal *prometheus.CounterVec
}

// NewCounters returns an initialized Counters.
func NewCounters() *Counters {
	return &Counters{
		StreamingDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    StreamingDurationSecondsKey,
			Help:    "Duration of streaming operations through backlog delivery, by operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
		JournalAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: JournalAppendsTotalKey,
			Help: "Cumulative number of batches appended to mount journals, by mount.",
		}, []string{"mount"}),
		StreamSubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: StreamSubscriptionsActiveKey,
			Help: "Number of live change-stream subscriptions currently served.",
		}),
		StreamFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StreamFailuresTotalKey,
			Help: "Cumulative number of subscriptions terminated by an error, by reason.",
		}, []string{"reason"}),
	}
}

// Collectors returns all collectors of the Counters, for registration with
// a prometheus.Registerer.
func (c *Counters) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.StreamingDurationSeconds,
		c.JournalAppendsTotal,
		c.StreamSubscriptionsActive,
		c.StreamFailuresTotal,
	}
}
