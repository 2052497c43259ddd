package dequeue

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store/storetest"
)

func newTestCore(t *testing.T) (*Core, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	reg := registry.New(s)
	act := activitylog.New(s, activitylog.WithFlushInterval(time.Hour))
	an := anomaly.New(s, s)
	c := New(s, s, reg, act, an, notify.NewChannelNotifier())

	ctx := context.Background()
	if err := reg.Create(ctx, &domain.Queue{Name: "orders", AckTimeoutSeconds: 30, MaxAttempts: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return c, s
}

func TestCore_DequeueReturnsImmediateMatch(t *testing.T) {
	c, s := newTestCore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), MaxAttempts: 3}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	claim, err := c.Dequeue(ctx, "orders", Options{TimeoutS: 1, ConsumerID: "c1"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claim == nil {
		t.Fatalf("expected a claim")
	}
	if claim.LockToken == "" {
		t.Fatalf("expected a lock token")
	}
	if claim.Message.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", claim.Message.Status)
	}
}

func TestCore_DequeueTimesOutWhenEmpty(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	start := time.Now()
	claim, err := c.Dequeue(ctx, "orders", Options{TimeoutS: 0.2})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claim != nil {
		t.Fatalf("expected nil claim on timeout")
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("expected to honor timeout, returned after %v", elapsed)
	}
}

func TestCore_DequeuePriorityOrdering(t *testing.T) {
	c, s := newTestCore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), Priority: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("InsertMessage low: %v", err)
	}
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), Priority: 5, MaxAttempts: 3}); err != nil {
		t.Fatalf("InsertMessage high: %v", err)
	}

	claim, err := c.Dequeue(ctx, "orders", Options{TimeoutS: 1})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claim.Message.Priority != 5 {
		t.Fatalf("expected highest priority claimed first, got %d", claim.Message.Priority)
	}
}

func TestCore_DequeueWakesOnNotify(t *testing.T) {
	c, s := newTestCore(t)
	ctx := context.Background()

	resultCh := make(chan *domain.Claim, 1)
	go func() {
		claim, err := c.Dequeue(ctx, "orders", Options{TimeoutS: 5})
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		resultCh <- claim
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), MaxAttempts: 3}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	c.notifier.Notify("orders")

	select {
	case claim := <-resultCh:
		if claim == nil {
			t.Fatalf("expected a claim after notify")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not wake up after notify")
	}
}
