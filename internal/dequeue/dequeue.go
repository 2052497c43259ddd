// Package dequeue implements the Dequeue Core: the atomic claim operation
// with priority + FIFO ordering and a long-poll loop backed by both
// exponential backoff and an in-process wake-up notifier (spec §4.4).
package dequeue

import (
	"context"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/observability"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store"
)

// Backoff parameters for the long-poll retry loop (spec §4.4).
const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 1 * time.Second
)

// DefaultGlobalAckTimeout is used when neither the caller nor the queue
// config specifies one.
const DefaultGlobalAckTimeout = 30 * time.Second

// Options narrows a single dequeue call.
type Options struct {
	TimeoutS    float64
	AckTimeoutS float64
	TypeFilter  string
	ConsumerID  string
}

// Core is the Dequeue Core, wired to storage, the queue registry, the
// activity recorder, the anomaly engine, and an in-process notifier.
type Core struct {
	store         store.MessageStore
	consumerStats store.ConsumerStatsStore
	registry      *registry.Registry
	activity      *activitylog.Recorder
	anomaly       *anomaly.Registry
	notifier      notify.Notifier
}

// New constructs a Dequeue Core. notifier may be notify.NoopNotifier{} when
// low-latency wake-up is not wired (the long-poll loop still works via pure
// backoff).
func New(s store.MessageStore, cs store.ConsumerStatsStore, reg *registry.Registry, a *activitylog.Recorder, an *anomaly.Registry, n notify.Notifier) *Core {
	if n == nil {
		n = notify.NoopNotifier{}
	}
	return &Core{store: s, consumerStats: cs, registry: reg, activity: a, anomaly: an, notifier: n}
}

// Dequeue implements the long-poll contract of spec §4.4: it returns a
// Claim as soon as one is available, or nil once timeoutS elapses, honoring
// the caller's deadline exactly even mid-backoff.
func (c *Core) Dequeue(ctx context.Context, queue string, opts Options) (*domain.Claim, error) {
	ctx, span := observability.StartSpan(ctx, "dequeue.Dequeue", observability.AttrQueueName.String(queue))
	defer span.End()

	start := time.Now()
	claim, err := c.dequeue(ctx, queue, opts)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	observability.SetSpanOK(span)
	if claim != nil {
		metrics.Global().RecordDequeue(queue, time.Since(start).Milliseconds())
	}
	return claim, nil
}

func (c *Core) dequeue(ctx context.Context, queue string, opts Options) (*domain.Claim, error) {
	paused, err := c.registry.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return c.waitOrNil(ctx, queue, opts)
	}

	claim, err := c.tryClaim(ctx, queue, opts)
	if err != nil || claim != nil {
		return claim, err
	}
	if opts.TimeoutS <= 0 {
		return nil, nil
	}
	return c.waitOrNil(ctx, queue, opts)
}

func (c *Core) waitOrNil(ctx context.Context, queue string, opts Options) (*domain.Claim, error) {
	deadline := time.Now().Add(time.Duration(opts.TimeoutS * float64(time.Second)))
	wake, unsubscribe := c.notifier.Subscribe(queue)
	defer unsubscribe()

	backoff := initialBackoff
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}

		paused, err := c.registry.IsPaused(ctx, queue)
		if err != nil {
			return nil, err
		}
		if paused {
			if time.Now().After(deadline) {
				return nil, nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		claim, err := c.tryClaim(ctx, queue, opts)
		if err != nil || claim != nil {
			return claim, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Core) tryClaim(ctx context.Context, queue string, opts Options) (*domain.Claim, error) {
	cfg, err := c.registry.GetConfig(ctx, queue)
	if err != nil {
		return nil, err
	}

	ackTimeout := DefaultGlobalAckTimeout
	switch {
	case opts.AckTimeoutS > 0:
		ackTimeout = time.Duration(opts.AckTimeoutS * float64(time.Second))
	case cfg.AckTimeoutSeconds > 0:
		ackTimeout = time.Duration(cfg.AckTimeoutSeconds) * time.Second
	}

	msg, err := c.store.ClaimMessage(ctx, queue, opts.TypeFilter, opts.ConsumerID, ackTimeout)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	claim := &domain.Claim{
		Message:             msg,
		LockToken:           msg.LockToken,
		AttemptCount:        msg.AttemptCount,
		ProcessingStartedAt: now,
	}

	if c.activity != nil {
		c.activity.Log(ctx, &domain.ActivityEntry{
			Action:       domain.ActionDequeue,
			MessageID:    msg.ID,
			MessageType:  msg.Type,
			ConsumerID:   opts.ConsumerID,
			QueueName:    queue,
			AttemptCount: msg.AttemptCount,
		})
	}

	if c.consumerStats != nil && opts.ConsumerID != "" {
		// Observational write (spec §7): the claim already succeeded, so a
		// failure here must not strand the row in processing.
		if err := c.consumerStats.RecordDequeue(ctx, opts.ConsumerID, now); err != nil {
			logging.Op().Warn("record dequeue stats failed", "consumer", opts.ConsumerID, "error", err)
		}
	}

	if c.anomaly != nil {
		var stats *domain.ConsumerStats
		if c.consumerStats != nil && opts.ConsumerID != "" {
			stats, _ = c.consumerStats.GetConsumerStats(ctx, opts.ConsumerID)
		}
		c.anomaly.Run(ctx, anomaly.EventDequeue, anomaly.Context{
			QueueName:    queue,
			Message:      msg,
			ConsumerID:   opts.ConsumerID,
			TimeInQueue:  now.Sub(msg.CreatedAt),
			AttemptsLeft: msg.AttemptsRemaining(),
			Stats:        stats,
			Now:          now,
		})
	}

	return claim, nil
}
