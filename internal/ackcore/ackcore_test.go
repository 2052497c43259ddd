package ackcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store/storetest"
)

func newTestCore(t *testing.T) (*Core, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	act := activitylog.New(s, activitylog.WithFlushInterval(time.Hour))
	an := anomaly.New(s, s)
	return New(s, s, act, an), s
}

func claimOne(t *testing.T, s *storetest.Store, queueName string) *domain.Message {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: queueName, Payload: []byte(`{}`), MaxAttempts: 2}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	msg, err := s.ClaimMessage(ctx, queueName, "", "c1", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimMessage: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected a claimed message")
	}
	return msg
}

func TestCore_AckSucceeds(t *testing.T) {
	c, s := newTestCore(t)
	msg := claimOne(t, s, "orders")
	ctx := context.Background()

	acked, err := c.Ack(ctx, msg.ID, msg.LockToken)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if acked.Status != domain.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}
}

func TestCore_AckWrongTokenReturnsLockLost(t *testing.T) {
	c, s := newTestCore(t)
	msg := claimOne(t, s, "orders")
	ctx := context.Background()

	_, err := c.Ack(ctx, msg.ID, "wrong-token")
	if !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestCore_NackRequeuesUnderMaxAttempts(t *testing.T) {
	c, s := newTestCore(t)
	msg := claimOne(t, s, "orders")
	ctx := context.Background()

	updated, wentToDLQ, err := c.Nack(ctx, msg.ID, msg.LockToken, "boom")
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if wentToDLQ {
		t.Fatalf("expected requeue, not DLQ")
	}
	if updated.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", updated.Status)
	}
}

func TestCore_NackDeadLettersAtMaxAttempts(t *testing.T) {
	c, s := newTestCore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), MaxAttempts: 1}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	msg, err := s.ClaimMessage(ctx, "orders", "", "c1", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimMessage: %v", err)
	}

	updated, wentToDLQ, err := c.Nack(ctx, msg.ID, msg.LockToken, "boom")
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if !wentToDLQ {
		t.Fatalf("expected DLQ at max attempts")
	}
	if updated.Status != domain.StatusDead {
		t.Fatalf("expected dead, got %s", updated.Status)
	}
}

func TestCore_TouchExtendsWithoutRotatingToken(t *testing.T) {
	c, s := newTestCore(t)
	msg := claimOne(t, s, "orders")
	ctx := context.Background()

	newTimeout, err := c.Touch(ctx, msg.ID, msg.LockToken, 10*time.Second)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if newTimeout.Before(time.Now()) {
		t.Fatalf("expected new timeout in the future")
	}

	after, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if after.LockToken != msg.LockToken {
		t.Fatalf("expected lock token to remain stable across touch")
	}
}
