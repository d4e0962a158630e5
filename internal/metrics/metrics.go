package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms. The feed delivers a single
// logical stream, so most series carry no partition labels.

var (
	// Feed listener
	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "killwatch",
		Subsystem: "feed",
		Name:      "connected",
		Help:      "1 while the feed websocket is connected, 0 otherwise",
	})

	FeedFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "feed",
		Name:      "frames_received_total",
		Help:      "Total frames received from the kill feed",
	})

	FeedFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "feed",
		Name:      "frames_dropped_total",
		Help:      "Total malformed frames dropped by the listener",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Total feed reconnect attempts",
	})

	// Pipeline
	PipelineEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "pipeline",
		Name:      "events_received_total",
		Help:      "Total raw kill events accepted into the pipeline",
	})

	PipelineEventsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "pipeline",
		Name:      "events_completed_total",
		Help:      "Total events reaching a terminal state",
	}, []string{"outcome"})

	PipelineEventLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "killwatch",
		Subsystem: "pipeline",
		Name:      "event_duration_seconds",
		Help:      "End-to-end processing duration per kill event",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "killwatch",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Events buffered between the feed listener and the workers",
	})

	PipelineWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "killwatch",
		Subsystem: "pipeline",
		Name:      "workers_busy",
		Help:      "Workers currently processing an event",
	})

	// Validator
	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "validator",
		Name:      "failures_total",
		Help:      "Total events rejected by validation",
	}, []string{"field"})

	// Dedup guard
	DedupClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "dedup",
		Name:      "claims_total",
		Help:      "Total dedup claim attempts",
	}, []string{"result"})

	// Enricher
	EnrichmentLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "enricher",
		Name:      "lookups_total",
		Help:      "Total reference data lookups",
	}, []string{"kind", "result"})

	EnrichmentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "enricher",
		Name:      "cache_hits_total",
		Help:      "Total name resolutions served from the local cache",
	})

	EnrichmentCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "enricher",
		Name:      "cache_misses_total",
		Help:      "Total name resolutions that missed the local cache",
	})

	// Persistence
	PersistUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "persist",
		Name:      "upserts_total",
		Help:      "Total killmail upserts",
	}, []string{"result"})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "persist",
		Name:      "failures_total",
		Help:      "Total persistence failures after retry exhaustion",
	})

	// Notification dispatch
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total notification hand-offs to the dispatcher",
	}, []string{"result"})

	// Tracking registry
	TrackingRegistrySize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "killwatch",
		Subsystem: "tracking",
		Name:      "registry_size",
		Help:      "Tracked entity counts in the current snapshot",
	}, []string{"kind"})

	TrackingRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "tracking",
		Name:      "refresh_errors_total",
		Help:      "Total tracking registry refresh failures",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts sent per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killwatch",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
