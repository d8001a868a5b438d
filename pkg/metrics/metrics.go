package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Module registry metrics
	RegisteredAMTsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ace_registered_amts_total",
			Help: "Total number of registered analysis module types",
		},
	)

	// Root store metrics
	RootsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ace_roots_tracked",
			Help: "Total number of root analyses currently tracked",
		},
	)

	RootVersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_root_version_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts on update_root",
		},
	)

	RootUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ace_root_update_duration_seconds",
			Help:    "Time taken to persist a root analysis update",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Result cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_cache_hits_total",
			Help: "Total number of result cache hits by analysis module type",
		},
		[]string{"amt"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_cache_misses_total",
			Help: "Total number of result cache misses by analysis module type",
		},
		[]string{"amt"},
	)

	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ace_cache_entries",
			Help: "Current number of cache entries by analysis module type",
		},
		[]string{"amt"},
	)

	// Request tracker metrics
	RequestsTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ace_requests_tracked",
			Help: "Total number of in-flight analysis requests by status",
		},
		[]string{"status"},
	)

	RequestsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_requests_expired_total",
			Help: "Total number of analysis requests that expired while analyzing",
		},
		[]string{"amt"},
	)

	RequestsLinkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_requests_linked_total",
			Help: "Total number of analysis requests deduplicated via request linking",
		},
	)

	// Work queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ace_queue_depth",
			Help: "Current number of queued analysis requests by analysis module type",
		},
		[]string{"amt"},
	)

	QueuePopLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ace_queue_pop_latency_seconds",
			Help:    "Time spent blocked in get_next before a request was returned or it timed out",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"amt"},
	)

	AMTVersionMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_amt_version_mismatch_total",
			Help: "Total number of get_next calls rejected by a version/extended-version mismatch",
		},
		[]string{"amt"},
	)

	// Event bus metrics
	EventsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_events_fired_total",
			Help: "Total number of events fired by event name",
		},
		[]string{"event"},
	)

	EventHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_event_handler_errors_total",
			Help: "Total number of event handler exceptions",
		},
		[]string{"event"},
	)

	// Blob store metrics
	BlobsStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ace_blobs_stored",
			Help: "Total number of distinct content-addressed blobs stored",
		},
	)

	BlobsGarbageCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_blobs_gc_total",
			Help: "Total number of expired, unreferenced blobs garbage collected",
		},
	)

	// Request processor metrics
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ace_processing_duration_seconds",
			Help:    "Time taken to process one analysis request by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	AlertsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_alerts_fired_total",
			Help: "Total number of quiescent roots submitted to alerting",
		},
	)

	// Sweeper metrics
	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_sweep_cycles_total",
			Help: "Total number of periodic sweep cycles run",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ace_sweep_duration_seconds",
			Help:    "Time taken by one periodic sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpiredRequestsSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_expired_requests_swept_total",
			Help: "Total number of expired analysis requests processed by the sweeper",
		},
		[]string{"amt"},
	)
)

func init() {
	// Register registry/store/cache metrics
	prometheus.MustRegister(RegisteredAMTsTotal)
	prometheus.MustRegister(RootsTracked)
	prometheus.MustRegister(RootVersionConflictsTotal)
	prometheus.MustRegister(RootUpdateDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheSize)

	// Register tracker/queue metrics
	prometheus.MustRegister(RequestsTracked)
	prometheus.MustRegister(RequestsExpiredTotal)
	prometheus.MustRegister(RequestsLinkedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueuePopLatency)
	prometheus.MustRegister(AMTVersionMismatchTotal)

	// Register event bus metrics
	prometheus.MustRegister(EventsFiredTotal)
	prometheus.MustRegister(EventHandlerErrorsTotal)

	// Register blob store metrics
	prometheus.MustRegister(BlobsStored)
	prometheus.MustRegister(BlobsGarbageCollectedTotal)

	// Register processor metrics
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(AlertsFiredTotal)

	// Register sweeper metrics
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(ExpiredRequestsSweptTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
