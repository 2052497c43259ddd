package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Relay broker metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	enqueuedTotal     *prometheus.CounterVec
	dequeuedTotal     *prometheus.CounterVec
	acknowledgedTotal *prometheus.CounterVec
	nackedTotal       *prometheus.CounterVec
	requeuedTotal     *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	purgedTotal       *prometheus.CounterVec
	anomaliesTotal    *prometheus.CounterVec

	// Histograms
	dequeueWaitMs    *prometheus.HistogramVec
	processingTimeMs *prometheus.HistogramVec
	reapPassMs       prometheus.Histogram

	// Gauges
	uptime          prometheus.GaugeFunc
	queueDepth      *prometheus.GaugeVec
	queuePaused     *prometheus.GaugeVec
	reaperLockHeld  prometheus.Gauge
	activeConsumers *prometheus.GaugeVec
}

// Default histogram buckets for latency in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		enqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "enqueued_total", Help: "Total messages enqueued"},
			[]string{"queue"},
		),
		dequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "dequeued_total", Help: "Total messages claimed by consumers"},
			[]string{"queue"},
		),
		acknowledgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "acknowledged_total", Help: "Total messages acknowledged"},
			[]string{"queue"},
		),
		nackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "nacked_total", Help: "Total messages explicitly nacked"},
			[]string{"queue"},
		),
		requeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "requeued_total", Help: "Total messages requeued (nack or reap)"},
			[]string{"queue", "reason"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "dead_lettered_total", Help: "Total messages moved to the dead-letter state"},
			[]string{"queue", "reason"},
		),
		purgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "purged_total", Help: "Total messages removed by a queue purge"},
			[]string{"queue"},
		),
		anomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "anomalies_total", Help: "Total anomaly events raised by detector and severity"},
			[]string{"detector", "severity"},
		),

		dequeueWaitMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "dequeue_wait_milliseconds", Help: "Time a long-poll dequeue call waited before returning", Buckets: buckets},
			[]string{"queue"},
		),
		processingTimeMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "processing_duration_milliseconds", Help: "Time between claim and ack", Buckets: buckets},
			[]string{"queue"},
		),
		reapPassMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "reap_pass_milliseconds", Help: "Duration of a single reaper pass", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Current queued-message count by queue and status"},
			[]string{"queue", "status"},
		),
		queuePaused: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "queue_paused", Help: "1 if the queue is paused, else 0"},
			[]string{"queue"},
		),
		reaperLockHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "reaper_advisory_lock_held", Help: "1 if this instance currently holds the reaper advisory lock"},
		),
		activeConsumers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_consumers", Help: "Distinct consumer ids observed dequeuing in the last window, by queue"},
			[]string{"queue"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since the relay daemon started"},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.enqueuedTotal, pm.dequeuedTotal, pm.acknowledgedTotal, pm.nackedTotal,
		pm.requeuedTotal, pm.deadLetteredTotal, pm.purgedTotal, pm.anomaliesTotal,
		pm.dequeueWaitMs, pm.processingTimeMs, pm.reapPassMs,
		pm.uptime, pm.queueDepth, pm.queuePaused, pm.reaperLockHeld, pm.activeConsumers,
	)

	promMetrics = pm
}

// RecordEnqueue records an enqueue for a queue.
func RecordEnqueue(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.enqueuedTotal.WithLabelValues(queue).Inc()
}

// RecordDequeue records a successful claim and its wait latency.
func RecordDequeue(queue string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.dequeuedTotal.WithLabelValues(queue).Inc()
	promMetrics.dequeueWaitMs.WithLabelValues(queue).Observe(float64(waitMs))
}

// RecordAck records an acknowledgement and its processing duration.
func RecordAck(queue string, processingMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.acknowledgedTotal.WithLabelValues(queue).Inc()
	promMetrics.processingTimeMs.WithLabelValues(queue).Observe(float64(processingMs))
}

// RecordNack records an explicit nack and whether it requeued or dead-lettered.
func RecordNack(queue string, deadLettered bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.nackedTotal.WithLabelValues(queue).Inc()
	if deadLettered {
		promMetrics.deadLetteredTotal.WithLabelValues(queue, "nack").Inc()
	} else {
		promMetrics.requeuedTotal.WithLabelValues(queue, "nack").Inc()
	}
}

// RecordReap records one reaped message, either requeued or dead-lettered.
func RecordReap(queue, action string) {
	if promMetrics == nil {
		return
	}
	if action == "dead" {
		promMetrics.deadLetteredTotal.WithLabelValues(queue, "reap").Inc()
	} else {
		promMetrics.requeuedTotal.WithLabelValues(queue, "reap").Inc()
	}
}

// RecordReapPass records the wall-clock duration of one reaper pass.
func RecordReapPass(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.reapPassMs.Observe(float64(durationMs))
}

// RecordPurge records messages removed by a queue purge.
func RecordPurge(queue string, count int) {
	if promMetrics == nil || count <= 0 {
		return
	}
	promMetrics.purgedTotal.WithLabelValues(queue).Add(float64(count))
}

// RecordAnomaly records one anomaly event by detector name and severity.
func RecordAnomaly(detector, severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.anomaliesTotal.WithLabelValues(detector, severity).Inc()
}

// SetQueueDepth sets the current depth gauge for a (queue, status) pair.
func SetQueueDepth(queue, status string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queue, status).Set(float64(depth))
}

// SetQueuePaused sets the paused gauge for a queue.
func SetQueuePaused(queue string, paused bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	promMetrics.queuePaused.WithLabelValues(queue).Set(v)
}

// SetReaperLockHeld reflects whether this instance currently holds the
// reaper's non-blocking advisory lock.
func SetReaperLockHeld(held bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if held {
		v = 1
	}
	promMetrics.reaperLockHeld.Set(v)
}

// SetActiveConsumers sets the distinct-consumer gauge for a queue.
func SetActiveConsumers(queue string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConsumers.WithLabelValues(queue).Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for registering
// additional custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
