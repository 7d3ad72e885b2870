package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietbot_notifications_dispatched_total",
			Help: "Notifications accepted by the dispatcher, by path (immediate, emergency, deferred)",
		},
		[]string{"path"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietbot_deliveries_total",
			Help: "Per-recipient delivery attempts by result",
		},
		[]string{"result"},
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quietbot_delivery_duration_seconds",
			Help:    "Latency of a single per-recipient send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	deferredProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietbot_deferred_processed_total",
			Help: "Deferred notifications processed by outcome (sent, rescheduled, failed)",
		},
		[]string{"outcome"},
	)

	deferredDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quietbot_deferred_delay_seconds",
			Help:    "Time from enqueue to successful redelivery",
			Buckets: []float64{60, 600, 3600, 4 * 3600, 8 * 3600, 12 * 3600, 24 * 3600, 72 * 3600},
		},
	)

	reaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quietbot_deferred_reaped_total",
			Help: "Terminal deferred notifications removed by the reaper",
		},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quietbot_cycle_duration_seconds",
			Help:    "Duration of scheduled processor cycles",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"job"},
	)

	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietbot_storage_errors_total",
			Help: "Failed store operations by operation",
		},
		[]string{"op"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quietbot_deferred_queue",
			Help: "Deferred notifications currently stored, by status",
		},
		[]string{"status"},
	)

	breakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quietbot_delivery_breaker_open",
			Help: "1 while the delivery circuit breaker is open",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records which path the dispatcher took.
func RecordDispatch(path string) {
	dispatched.WithLabelValues(path).Inc()
}

// RecordDelivery records one per-recipient send.
func RecordDelivery(ok bool, took time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	deliveries.WithLabelValues(result).Inc()
	deliveryLatency.Observe(took.Seconds())
}

// RecordDeferredOutcome records the result of one redelivery attempt.
func RecordDeferredOutcome(outcome string) {
	deferredProcessed.WithLabelValues(outcome).Inc()
}

// RecordDeferredDelay records how long a notification waited before delivery.
func RecordDeferredDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	deferredDelay.Observe(d.Seconds())
}

// RecordReaped adds n reaped records.
func RecordReaped(n int) {
	if n > 0 {
		reaped.Add(float64(n))
	}
}

// RecordCycle records the duration of a scheduled job run.
func RecordCycle(job string, took time.Duration) {
	cycleDuration.WithLabelValues(job).Observe(took.Seconds())
}

// RecordStorageError counts a failed store operation.
func RecordStorageError(op string) {
	storageErrors.WithLabelValues(op).Inc()
}

// SetQueueDepth publishes the current per-status record counts.
func SetQueueDepth(pending, sent, failed int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("sent").Set(float64(sent))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetBreakerOpen reflects the delivery breaker state.
func SetBreakerOpen(open bool) {
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.Set(v)
}
