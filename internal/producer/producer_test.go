package producer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store/storetest"
)

func newTestProducer(t *testing.T) (*Producer, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	reg := registry.New(s)
	act := activitylog.New(s, activitylog.WithFlushInterval(time.Hour))
	an := anomaly.New(s, s)

	ctx := context.Background()
	if err := reg.Create(ctx, &domain.Queue{Name: "orders", MaxAttempts: 3, AckTimeoutSeconds: 30}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return New(s, reg, act, an, notify.NewChannelNotifier()), s
}

func TestProducer_EnqueueSetsDefaults(t *testing.T) {
	p, _ := newTestProducer(t)
	ctx := context.Background()

	msg, err := p.Enqueue(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{"a":1}`), Priority: -5})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.Priority != 0 {
		t.Fatalf("expected clamped priority 0, got %d", msg.Priority)
	}
	if msg.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts from queue config, got %d", msg.MaxAttempts)
	}
	if msg.ID == "" {
		t.Fatalf("expected a generated id")
	}
}

func TestProducer_EnqueueBatchSharedQueue(t *testing.T) {
	p, s := newTestProducer(t)
	ctx := context.Background()

	msgs := []*domain.Message{
		{Payload: json.RawMessage(`{}`)},
		{Payload: json.RawMessage(`{}`)},
		{Payload: json.RawMessage(`{}`)},
	}
	out, err := p.EnqueueBatch(ctx, "orders", msgs)
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}

	list, err := s.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	var found *domain.Queue
	for _, q := range list {
		if q.Name == "orders" {
			found = q
		}
	}
	if found == nil {
		t.Fatalf("expected orders queue")
	}
}

func TestProducer_EnqueueIdempotentReturnsExisting(t *testing.T) {
	p, _ := newTestProducer(t)
	ctx := context.Background()

	first, dup1, err := p.EnqueueIdempotent(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)}, "key-1")
	if err != nil {
		t.Fatalf("EnqueueIdempotent: %v", err)
	}
	if dup1 {
		t.Fatalf("expected first call to not be a duplicate")
	}

	second, dup2, err := p.EnqueueIdempotent(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)}, "key-1")
	if err != nil {
		t.Fatalf("EnqueueIdempotent second: %v", err)
	}
	if !dup2 {
		t.Fatalf("expected second call to be a duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same message id returned, got %s vs %s", second.ID, first.ID)
	}
}

func TestCoalescer_GroupsAndFlushesBySize(t *testing.T) {
	p, _ := newTestProducer(t)
	c := NewCoalescer(p, 2, time.Hour)
	ctx := context.Background()

	resultCh := make(chan error, 2)
	go func() {
		_, err := c.Enqueue(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)})
		resultCh <- err
	}()
	go func() {
		_, err := c.Enqueue(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)})
		resultCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-resultCh:
			if err != nil {
				t.Fatalf("Enqueue via coalescer: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("coalescer did not flush in time")
		}
	}
}
