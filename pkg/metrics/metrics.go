package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job Manager metrics
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hither_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to a handler, by handler kind",
		},
		[]string{"handler_kind"},
	)

	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hither_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hither_tick_duration_seconds",
			Help:    "Time taken for one Job Manager tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	TickCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hither_tick_cycles_total",
			Help: "Total number of Job Manager tick cycles completed",
		},
	)

	QueuedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hither_queued_jobs",
			Help: "Number of jobs currently queued in the Job Manager",
		},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hither_running_jobs",
			Help: "Number of jobs currently running in the Job Manager",
		},
	)

	// Job Cache metrics
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hither_cache_lookups_total",
			Help: "Total number of job cache lookups by result",
		},
		[]string{"result"}, // hit_finished | hit_errored | miss
	)

	// Parallel / batch handler metrics
	WorkerPoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hither_worker_pool_utilization",
			Help: "Fraction of a worker pool's slots currently busy, by handler id",
		},
		[]string{"handler_id"},
	)

	WorkerDiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hither_worker_died_total",
			Help: "Total number of worker processes that died without a terminal message",
		},
	)

	AllocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hither_batch_allocations_active",
			Help: "Number of active batch allocations",
		},
	)

	// Remote handler / Compute Resource metrics
	FeedPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hither_feed_poll_duration_seconds",
			Help:    "Time taken per remote-handler feed tail poll",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hither_jobs_deduplicated_total",
			Help: "Total number of ADD_JOB requests a Compute Resource fanned into an already-running job",
		},
	)

	HandlersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hither_resource_handlers_connected",
			Help: "Number of job handlers currently registered with a Compute Resource",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDispatchedTotal,
		JobsTerminalTotal,
		TickDuration,
		TickCyclesTotal,
		QueuedJobs,
		RunningJobs,
		CacheLookupsTotal,
		WorkerPoolUtilization,
		WorkerDiedTotal,
		AllocationsActive,
		FeedPollDuration,
		JobsDeduplicatedTotal,
		HandlersConnected,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to one label of a histogram vec.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, label string) {
	histogram.WithLabelValues(label).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
