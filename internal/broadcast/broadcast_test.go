package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store/storetest"
)

func TestBroadcaster_FirstPassIsSilent(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	b := New(s, WithPollInterval(20*time.Millisecond))
	changesCh := make(chan Change, 10)
	unsubscribe := b.Subscribe(ctx, func(c Change) { changesCh <- c })
	defer unsubscribe()

	select {
	case c := <-changesCh:
		t.Fatalf("expected silent first pass, got %+v", c)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestBroadcaster_DetectsAddAfterFirstPass(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := New(s, WithPollInterval(20*time.Millisecond))
	changesCh := make(chan Change, 10)
	unsubscribe := b.Subscribe(ctx, func(c Change) { changesCh <- c })
	defer unsubscribe()

	time.Sleep(30 * time.Millisecond) // let the silent first pass complete
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	select {
	case c := <-changesCh:
		if c.Direction != DirectionAdd || c.Status != domain.StatusQueued {
			t.Fatalf("expected add/queued change, got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an add change to be emitted")
	}
}

func TestBroadcaster_UnsubscribeStopsLoop(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := New(s, WithPollInterval(10*time.Millisecond))
	unsubscribe := b.Subscribe(ctx, func(Change) {})

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		t.Fatalf("expected loop to be running after subscribe")
	}

	unsubscribe()

	b.mu.Lock()
	running = b.running
	b.mu.Unlock()
	if running {
		t.Fatalf("expected loop to stop after last unsubscribe")
	}
}
