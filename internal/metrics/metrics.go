package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	OutcomeAcked   = "acked"
	OutcomeNacked  = "nacked"
	OutcomeRetried = "retried"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

var (
	IngestedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "externalorder_ingested_messages_total",
			Help: "Inbound pending-insertion messages by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "externalorder_ingest_duration_seconds",
			Help:    "Duration of processing one inbound message",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "externalorder_cache_lookups_total",
			Help: "Read cache lookups by result",
		},
		[]string{"result"},
	)

	CacheInvalidationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "externalorder_cache_invalidation_failures_total",
			Help: "Cache invalidations that failed after a committed write",
		},
	)

	PublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "externalorder_publish_failures_total",
			Help: "Inserted notifications that could not be published after commit",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		IngestedMessagesTotal,
		IngestDuration,
		CacheLookupsTotal,
		CacheInvalidationFailuresTotal,
		PublishFailuresTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
