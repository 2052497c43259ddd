// Package ackcore implements the Ack/Nack/Touch Core: the conditional
// transitions out of processing, with activity logging, consumer stats, and
// anomaly hooks layered over store.MessageStore (spec §4.5).
package ackcore

import (
	"context"
	"errors"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/observability"
	"github.com/relaymq/relay/internal/store"
)

// DefaultGlobalMaxAttemptsCap is the system-wide ceiling effective
// max_attempts is clamped to, per spec §4.5 Nack step 2.
const DefaultGlobalMaxAttemptsCap = 50

// DefaultTouchExtend is used when a touch call does not specify extend_s.
const DefaultTouchExtend = 30 * time.Second

// Core wraps store.MessageStore's Ack/Nack/Touch with the side effects
// spec §4.5 requires.
type Core struct {
	store                store.MessageStore
	consumerStats        store.ConsumerStatsStore
	activity             *activitylog.Recorder
	anomaly              *anomaly.Registry
	globalMaxAttemptsCap int
}

// Option configures a Core at construction time.
type Option func(*Core)

func WithGlobalMaxAttemptsCap(n int) Option { return func(c *Core) { c.globalMaxAttemptsCap = n } }

// New constructs an Ack/Nack/Touch Core.
func New(s store.MessageStore, cs store.ConsumerStatsStore, a *activitylog.Recorder, an *anomaly.Registry, opts ...Option) *Core {
	c := &Core{
		store:                s,
		consumerStats:        cs,
		activity:             a,
		anomaly:              an,
		globalMaxAttemptsCap: DefaultGlobalMaxAttemptsCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ack acknowledges a processing message (spec §4.5 Ack).
func (c *Core) Ack(ctx context.Context, id, lockToken string) (*domain.Message, error) {
	ctx, span := observability.StartSpan(ctx, "ackcore.Ack", observability.AttrMessageID.String(id))
	defer span.End()

	msg, err := c.ack(ctx, id, lockToken)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	observability.SetSpanOK(span)
	return msg, nil
}

func (c *Core) ack(ctx context.Context, id, lockToken string) (*domain.Message, error) {
	if lockToken == "" {
		logging.Op().Warn("ack without lock token accepted for backward compatibility", "message_id", id)
	}
	before, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, err := c.store.AckMessage(ctx, id, lockToken)
	if err != nil {
		if c.anomaly != nil && errors.Is(err, domain.ErrLockLost) {
			c.anomaly.Run(ctx, anomaly.EventAck, anomaly.Context{
				QueueName:      before.QueueName,
				Message:        before,
				PresentedToken: lockToken,
				CurrentToken:   before.LockToken,
				Now:            time.Now().UTC(),
			})
		}
		return nil, err
	}

	now := time.Now().UTC()
	var processingTime time.Duration
	if msg.DequeuedAt != nil && msg.AcknowledgedAt != nil {
		processingTime = msg.AcknowledgedAt.Sub(*msg.DequeuedAt)
	}

	if c.activity != nil {
		c.activity.Log(ctx, &domain.ActivityEntry{
			Action:           domain.ActionAck,
			MessageID:        msg.ID,
			MessageType:      msg.Type,
			ConsumerID:       msg.ConsumerID,
			QueueName:        msg.QueueName,
			ProcessingTimeMs: processingTime.Milliseconds(),
			AttemptCount:     msg.AttemptCount,
			CreatedAt:        now,
		})
	}

	if c.consumerStats != nil && msg.ConsumerID != "" {
		// Observational write (spec §7): the ack already committed, so a
		// stats-recording failure must not be handed back as an Ack error.
		if err := c.consumerStats.RecordAck(ctx, msg.ConsumerID, now); err != nil {
			logging.Op().Warn("record ack stats failed", "consumer", msg.ConsumerID, "error", err)
		}
	}

	if c.anomaly != nil {
		c.anomaly.Run(ctx, anomaly.EventAck, anomaly.Context{
			QueueName:      msg.QueueName,
			Message:        msg,
			ConsumerID:     msg.ConsumerID,
			PresentedToken: lockToken,
			CurrentToken:   before.LockToken,
			ProcessingTime: processingTime,
			Now:            now,
		})
	}

	metrics.Global().RecordAck(msg.QueueName, processingTime.Milliseconds())
	return msg, nil
}

// Nack fails a processing message back toward queued or dead (spec §4.5 Nack).
func (c *Core) Nack(ctx context.Context, id, lockToken, reason string) (*domain.Message, bool, error) {
	ctx, span := observability.StartSpan(ctx, "ackcore.Nack", observability.AttrMessageID.String(id))
	defer span.End()

	msg, wentToDLQ, err := c.nack(ctx, id, lockToken, reason)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, false, err
	}
	observability.SetSpanOK(span)
	return msg, wentToDLQ, nil
}

func (c *Core) nack(ctx context.Context, id, lockToken, reason string) (*domain.Message, bool, error) {
	before, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}

	msg, wentToDLQ, err := c.store.NackMessage(ctx, id, lockToken, reason, c.globalMaxAttemptsCap)
	if err != nil {
		if c.anomaly != nil && errors.Is(err, domain.ErrLockLost) {
			c.anomaly.Run(ctx, anomaly.EventNack, anomaly.Context{
				QueueName:      before.QueueName,
				Message:        before,
				PresentedToken: lockToken,
				CurrentToken:   before.LockToken,
				Now:            time.Now().UTC(),
			})
		}
		return nil, false, err
	}

	now := time.Now().UTC()
	action := domain.ActionNack
	if wentToDLQ {
		action = domain.ActionDLQ
	}

	if c.activity != nil {
		c.activity.Log(ctx, &domain.ActivityEntry{
			Action:       action,
			MessageID:    msg.ID,
			MessageType:  msg.Type,
			ConsumerID:   before.ConsumerID,
			QueueName:    msg.QueueName,
			AttemptCount: msg.AttemptCount,
			CreatedAt:    now,
		})
	}

	if c.consumerStats != nil && before.ConsumerID != "" {
		// Observational write (spec §7): the nack already committed.
		if err := c.consumerStats.RecordFailure(ctx, before.ConsumerID); err != nil {
			logging.Op().Warn("record nack failure stats failed", "consumer", before.ConsumerID, "error", err)
		}
	}

	if c.anomaly != nil {
		c.anomaly.Run(ctx, anomaly.EventNack, anomaly.Context{
			QueueName:      msg.QueueName,
			Message:        msg,
			ConsumerID:     before.ConsumerID,
			PresentedToken: lockToken,
			CurrentToken:   before.LockToken,
			AttemptsLeft:   msg.AttemptsRemaining(),
			Now:            now,
		})
	}

	metrics.Global().RecordNack(msg.QueueName, wentToDLQ)
	return msg, wentToDLQ, nil
}

// Touch extends a processing message's lock without rotating its token
// (spec §4.5 Touch).
func (c *Core) Touch(ctx context.Context, id, lockToken string, extend time.Duration) (time.Time, error) {
	if extend <= 0 {
		extend = DefaultTouchExtend
	}
	newTimeoutAt, err := c.store.TouchMessage(ctx, id, lockToken, extend)
	if err != nil {
		return time.Time{}, err
	}

	if c.activity != nil {
		c.activity.Log(ctx, &domain.ActivityEntry{
			Action:    domain.ActionTouch,
			MessageID: id,
			CreatedAt: time.Now().UTC(),
		})
	}

	return newTimeoutAt, nil
}
