// Package metrics collects and exposes Relay broker observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-queue counters + time series) for
//     a lightweight JSON /stats endpoint usable without a scrape target.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets an operator inspect broker health over plain HTTP
// while still supporting a real monitoring stack.
//
// # Concurrency — hot path
//
// RecordDequeue/RecordAck/RecordNack are called from the Dequeue/Ack/Nack
// cores on every operation and must stay cheap. Global and per-queue
// counters use atomic increments; the time-series bucket update is
// dispatched onto a buffered channel so the hot path never blocks on a
// write lock.
//
// # Invariants
//
//   - TotalAcked + TotalNacked <= TotalDequeued. TotalDeadLettered counts
//     dead-lettering nacks (also counted in TotalNacked) and reaper DLQ
//     promotions.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp   time.Time
	Dequeues    int64
	DeadLetters int64
	TotalWaitMs int64
	Count       int64 // for calculating avg wait
}

// Metrics collects and exposes Relay runtime metrics.
type Metrics struct {
	TotalEnqueued     atomic.Int64
	TotalDequeued     atomic.Int64
	TotalAcked        atomic.Int64
	TotalNacked       atomic.Int64
	TotalRequeued     atomic.Int64
	TotalDeadLettered atomic.Int64
	TotalPurged       atomic.Int64
	TotalAnomalies    atomic.Int64

	ConfigCacheHits   atomic.Int64
	ConfigCacheMisses atomic.Int64

	TotalWaitMs atomic.Int64
	MinWaitMs   atomic.Int64
	MaxWaitMs   atomic.Int64

	queueMetrics sync.Map // queue name -> *QueueMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	waitMs       int64
	deadLettered bool
}

// QueueMetrics tracks metrics for a single queue.
type QueueMetrics struct {
	Enqueued     atomic.Int64
	Dequeued     atomic.Int64
	Acked        atomic.Int64
	Nacked       atomic.Int64
	Requeued     atomic.Int64
	DeadLettered atomic.Int64
	TotalWaitMs  atomic.Int64
	MinWaitMs    atomic.Int64
	MaxWaitMs    atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinWaitMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordEnqueue records one (or count, for a batch) enqueue on queueName.
func (m *Metrics) RecordEnqueue(queueName string, count int) {
	m.TotalEnqueued.Add(int64(count))
	m.getQueueMetrics(queueName).Enqueued.Add(int64(count))
	RecordEnqueue(queueName)
}

// RecordDequeue records a successful claim and its long-poll wait latency.
func (m *Metrics) RecordDequeue(queueName string, waitMs int64) {
	m.TotalDequeued.Add(1)
	m.TotalWaitMs.Add(waitMs)
	updateMin(&m.MinWaitMs, waitMs)
	updateMax(&m.MaxWaitMs, waitMs)

	qm := m.getQueueMetrics(queueName)
	qm.Dequeued.Add(1)
	qm.TotalWaitMs.Add(waitMs)
	updateMin(&qm.MinWaitMs, waitMs)
	updateMax(&qm.MaxWaitMs, waitMs)

	m.recordTimeSeries(waitMs, false)
	RecordDequeue(queueName, waitMs)
}

// RecordAck records an acknowledgement and its processing duration.
func (m *Metrics) RecordAck(queueName string, processingMs int64) {
	m.TotalAcked.Add(1)
	m.getQueueMetrics(queueName).Acked.Add(1)
	RecordAck(queueName, processingMs)
}

// RecordNack records an explicit nack, either requeued or dead-lettered.
func (m *Metrics) RecordNack(queueName string, deadLettered bool) {
	m.TotalNacked.Add(1)
	qm := m.getQueueMetrics(queueName)
	qm.Nacked.Add(1)
	if deadLettered {
		m.TotalDeadLettered.Add(1)
		qm.DeadLettered.Add(1)
		m.recordTimeSeries(0, true)
	} else {
		m.TotalRequeued.Add(1)
		qm.Requeued.Add(1)
	}
	RecordNack(queueName, deadLettered)
}

// RecordReap records one reaped message, requeued or dead-lettered.
func (m *Metrics) RecordReap(queueName, action string) {
	qm := m.getQueueMetrics(queueName)
	if action == "dead" {
		m.TotalDeadLettered.Add(1)
		qm.DeadLettered.Add(1)
	} else {
		m.TotalRequeued.Add(1)
		qm.Requeued.Add(1)
	}
	RecordReap(queueName, action)
}

// RecordPurge records count messages removed by a queue purge.
func (m *Metrics) RecordPurge(queueName string, count int) {
	m.TotalPurged.Add(int64(count))
	RecordPurge(queueName, count)
}

// RecordAnomaly records one anomaly event.
func (m *Metrics) RecordAnomaly(detector, severity string) {
	m.TotalAnomalies.Add(1)
	RecordAnomaly(detector, severity)
}

// RecordConfigCacheResult records a hit or miss against the Queue Registry's
// GetConfig cache (spec §4.3).
func (m *Metrics) RecordConfigCacheResult(hit bool) {
	if hit {
		m.ConfigCacheHits.Add(1)
		return
	}
	m.ConfigCacheMisses.Add(1)
}

func (m *Metrics) recordTimeSeries(waitMs int64, deadLettered bool) {
	select {
	case m.tsChan <- timeSeriesEvent{waitMs: waitMs, deadLettered: deadLettered}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.waitMs, evt.deadLettered)
	}
}

func (m *Metrics) applyTimeSeriesEvent(waitMs int64, deadLettered bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Dequeues++
		bucket.TotalWaitMs += waitMs
		bucket.Count++
		if deadLettered {
			bucket.DeadLetters++
		}
	}
}

func (m *Metrics) getQueueMetrics(queueName string) *QueueMetrics {
	if v, ok := m.queueMetrics.Load(queueName); ok {
		return v.(*QueueMetrics)
	}
	qm := &QueueMetrics{}
	qm.MinWaitMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.queueMetrics.LoadOrStore(queueName, qm)
	return actual.(*QueueMetrics)
}

// GetQueueMetrics returns the metrics for a specific queue (or nil if none recorded yet).
func (m *Metrics) GetQueueMetrics(queueName string) *QueueMetrics {
	if v, ok := m.queueMetrics.Load(queueName); ok {
		return v.(*QueueMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalDequeued.Load()
	avgWait := float64(0)
	if total > 0 {
		avgWait = float64(m.TotalWaitMs.Load()) / float64(total)
	}

	minWait := m.MinWaitMs.Load()
	if minWait == int64(^uint64(0)>>1) {
		minWait = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"messages": map[string]interface{}{
			"enqueued":      m.TotalEnqueued.Load(),
			"dequeued":      total,
			"acknowledged":  m.TotalAcked.Load(),
			"nacked":        m.TotalNacked.Load(),
			"requeued":      m.TotalRequeued.Load(),
			"dead_lettered": m.TotalDeadLettered.Load(),
			"purged":        m.TotalPurged.Load(),
		},
		"anomalies_total": m.TotalAnomalies.Load(),
		"config_cache": map[string]interface{}{
			"hits":   m.ConfigCacheHits.Load(),
			"misses": m.ConfigCacheMisses.Load(),
		},
		"dequeue_wait_ms": map[string]interface{}{
			"avg": avgWait,
			"min": minWait,
			"max": m.MaxWaitMs.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// QueueStats returns per-queue metrics.
func (m *Metrics) QueueStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.queueMetrics.Range(func(key, value interface{}) bool {
		name := key.(string)
		qm := value.(*QueueMetrics)

		total := qm.Dequeued.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(qm.TotalWaitMs.Load()) / float64(total)
		}
		minMs := qm.MinWaitMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[name] = map[string]interface{}{
			"enqueued":      qm.Enqueued.Load(),
			"dequeued":      total,
			"acknowledged":  qm.Acked.Load(),
			"nacked":        qm.Nacked.Load(),
			"requeued":      qm.Requeued.Load(),
			"dead_lettered": qm.DeadLettered.Load(),
			"avg_wait_ms":   avgMs,
			"min_wait_ms":   minMs,
			"max_wait_ms":   qm.MaxWaitMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["queues"] = m.QueueStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgWait := float64(0)
		if bucket.Count > 0 {
			avgWait = float64(bucket.TotalWaitMs) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"dequeues":     bucket.Dequeues,
			"dead_letters": bucket.DeadLetters,
			"avg_wait_ms":  avgWait,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
