// Package metrics holds the process-wide Prometheus collectors. Counters are
// registered once at init through promauto; the hot paths only ever call
// Inc/Add/Observe on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestionSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "submitted_total",
		Help:      "Activity records accepted by the ingestion pipeline.",
	})

	IngestionFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "flushed_total",
		Help:      "Activity records durably written to the log store.",
	})

	IngestionBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "buffered_total",
		Help:      "Activity records diverted to the overflow buffer.",
	})

	IngestionDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "dropped_total",
		Help:      "Activity records dropped after exhausting every fallback.",
	})

	OverflowSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "overflow_buffer_size",
		Help:      "Current number of entries held in the overflow buffer.",
	})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apitracker",
		Subsystem: "ingestion",
		Name:      "flush_duration_seconds",
		Help:      "Latency of a single flush cycle, retries included.",
		Buckets:   prometheus.DefBuckets,
	})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions partitioned by outcome and backend.",
	}, []string{"outcome", "backend"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "analytics",
		Name:      "cache_lookups_total",
		Help:      "Analytics cache lookups partitioned by result.",
	}, []string{"result"})

	PrewarmCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "analytics",
		Name:      "prewarm_cycles_total",
		Help:      "Completed pre-warm cycles (startup and scheduled).",
	})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apitracker",
		Subsystem: "events",
		Name:      "live_subscribers",
		Help:      "Currently connected live stream subscribers.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apitracker",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Ingestion events published to the KV pub/sub channel.",
	})
)
