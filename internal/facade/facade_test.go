package facade

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relaymq/relay/internal/ackcore"
	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/broadcast"
	"github.com/relaymq/relay/internal/dequeue"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/producer"
	"github.com/relaymq/relay/internal/reaper"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store/storetest"
)

func newTestRelay() *Relay {
	s := storetest.New()
	reg := registry.New(s)
	act := activitylog.New(s)
	an := anomaly.New(s, s)
	n := notify.NewChannelNotifier()

	return New(Components{
		Store:     s,
		Registry:  reg,
		Dequeue:   dequeue.New(s, s, reg, act, an, n),
		Ack:       ackcore.New(s, s, act, an),
		Reaper:    reaper.New(s, act, an),
		Producer:  producer.New(s, reg, act, an, n),
		Activity:  act,
		Anomaly:   an,
		Broadcast: broadcast.New(s),
	})
}

func TestRelay_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay()

	if err := r.CreateQueue(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	msg, err := r.Enqueue(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claim, err := r.Dequeue(ctx, "orders", DequeueOptions{})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claim == nil {
		t.Fatal("expected a claim, got nil")
	}
	if claim.Message.ID != msg.ID {
		t.Fatalf("expected claim for %s, got %s", msg.ID, claim.Message.ID)
	}

	if _, err := r.AckMessage(ctx, claim.Message.ID, claim.LockToken); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}
}

func TestRelay_PauseBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay()

	if err := r.CreateQueue(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if _, err := r.Enqueue(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`null`)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.SetQueuePaused(ctx, "orders", true); err != nil {
		t.Fatalf("SetQueuePaused: %v", err)
	}

	claim, err := r.Dequeue(ctx, "orders", DequeueOptions{})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claim != nil {
		t.Fatal("expected no claim while queue is paused")
	}
}

func TestRelay_PurgeAndHealth(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay()
	defer r.Close()

	if err := r.CreateQueue(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if _, err := r.EnqueueBatch(ctx, "orders", []*domain.Message{
		{Payload: json.RawMessage(`1`)},
		{Payload: json.RawMessage(`2`)},
	}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	n, err := r.PurgeQueue(ctx, "orders", domain.StatusQueued)
	if err != nil {
		t.Fatalf("PurgeQueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}

	if err := r.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
