package activitylog

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store"
	"github.com/relaymq/relay/internal/store/storetest"
)

func TestRecorder_FlushesOnMaxSize(t *testing.T) {
	s := storetest.New()
	r := New(s, WithMaxSize(2), WithFlushInterval(time.Hour))
	defer r.Close()
	ctx := context.Background()

	r.Log(ctx, &domain.ActivityEntry{Action: domain.ActionEnqueue, QueueName: "orders"})
	r.Log(ctx, &domain.ActivityEntry{Action: domain.ActionDequeue, QueueName: "orders"})

	time.Sleep(20 * time.Millisecond)

	entries, err := r.List(ctx, nopFilter("orders"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries flushed, got %d", len(entries))
	}
}

func TestRecorder_FlushesOnTimer(t *testing.T) {
	s := storetest.New()
	r := New(s, WithMaxSize(1000), WithFlushInterval(10*time.Millisecond))
	defer r.Close()
	ctx := context.Background()

	r.Log(ctx, &domain.ActivityEntry{Action: domain.ActionAck, QueueName: "orders"})
	time.Sleep(50 * time.Millisecond)

	entries, err := r.List(ctx, nopFilter("orders"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry flushed by timer, got %d", len(entries))
	}
}

func TestRecorder_CloseFlushesRemaining(t *testing.T) {
	s := storetest.New()
	r := New(s, WithMaxSize(1000), WithFlushInterval(time.Hour))
	ctx := context.Background()

	r.Log(ctx, &domain.ActivityEntry{Action: domain.ActionNack, QueueName: "orders"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := r.List(ctx, nopFilter("orders"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected Close to flush remaining entry, got %d", len(entries))
	}
}

func nopFilter(queue string) store.ActivityFilter {
	return store.ActivityFilter{QueueName: queue, Limit: 100}
}
