// Package reaper implements the Reaper: a periodic task that requeues or
// dead-letters processing rows whose lock has expired, with optional
// single-holder mutual exclusion across multiple relayd instances (spec
// §4.6).
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/observability"
	"github.com/relaymq/relay/internal/store"
)

// DefaultInterval and DefaultBatchSize mirror spec §4.6's defaults.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
)

// Reaper runs the periodic reap pass described in spec §4.6.
type Reaper struct {
	store    store.Store
	activity *activitylog.Recorder
	anomaly  *anomaly.Registry

	interval        time.Duration
	batchSize       int
	useAdvisoryLock bool

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Reaper at construction time.
type Option func(*Reaper)

func WithInterval(d time.Duration) Option { return func(r *Reaper) { r.interval = d } }
func WithBatchSize(n int) Option          { return func(r *Reaper) { r.batchSize = n } }

// WithAdvisoryLock enables the single-holder advisory lock around each pass,
// so redundant work is skipped when multiple relayd instances run the
// reaper concurrently (spec §4.6, optional).
func WithAdvisoryLock() Option { return func(r *Reaper) { r.useAdvisoryLock = true } }

// New constructs a Reaper. Call Start to begin the periodic loop.
func New(s store.Store, a *activitylog.Recorder, an *anomaly.Registry, opts ...Option) *Reaper {
	r := &Reaper{
		store:     s,
		activity:  a,
		anomaly:   an,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the periodic reap loop until Stop is called. It is meant to be
// run in its own goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.started.Store(true)
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logging.Op().Warn("reaper pass failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit and blocks until it has. It is a no-op if
// Start was never called, so callers that construct a Reaper without
// running its background loop (e.g. a one-shot CLI command) can still
// unconditionally defer Stop.
func (r *Reaper) Stop() {
	if !r.started.Load() {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

// RunOnce executes a single reap pass and returns the total number of rows
// reaped (requeued + dead-lettered), per spec §4.6.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "reaper.RunOnce")
	defer span.End()

	start := time.Now()
	var total int
	var err error
	if r.useAdvisoryLock {
		var acquired bool
		acquired, err = r.store.WithReaperLock(ctx, func(ctx context.Context) error {
			n, runErr := r.reapPass(ctx)
			total = n
			return runErr
		})
		metrics.SetReaperLockHeld(acquired)
		if err == nil && !acquired {
			total = 0
		}
	} else {
		total, err = r.reapPass(ctx)
	}

	metrics.RecordReapPass(time.Since(start).Milliseconds())
	if err != nil {
		observability.SetSpanError(span, err)
		return 0, err
	}
	observability.SetSpanOK(span)
	return total, nil
}

func (r *Reaper) reapPass(ctx context.Context) (int, error) {
	requeued, deadLettered, overdueMs, err := r.store.ReapOverdue(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(requeued) == 0 && len(deadLettered) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	var entries []*domain.ActivityEntry

	reapOne := func(m *domain.Message, action string) {
		entries = append(entries, &domain.ActivityEntry{
			Action:       action,
			MessageID:    m.ID,
			MessageType:  m.Type,
			QueueName:    m.QueueName,
			AttemptCount: m.AttemptCount,
			CreatedAt:    now,
		})
		reapMetric := "requeue"
		if action == domain.ActionDLQ {
			reapMetric = "dead"
		}
		metrics.Global().RecordReap(m.QueueName, reapMetric)

		if r.anomaly == nil {
			return
		}
		overdue := time.Duration(overdueMs[m.ID]) * time.Millisecond
		expected := time.Duration(m.AckTimeoutSeconds) * time.Second
		r.anomaly.Run(ctx, anomaly.EventReap, anomaly.Context{
			QueueName:       m.QueueName,
			Message:         m,
			ExpectedTimeout: expected,
			OverdueDuration: overdue,
			Now:             now,
		})
	}

	for _, m := range requeued {
		reapOne(m, domain.ActionRequeue)
	}
	for _, m := range deadLettered {
		reapOne(m, domain.ActionDLQ)
	}

	if r.activity != nil && len(entries) > 0 {
		r.activity.LogBatch(ctx, entries)
	}

	return len(requeued) + len(deadLettered), nil
}
