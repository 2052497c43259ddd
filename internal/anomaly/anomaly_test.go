package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store/storetest"
)

func TestRegistry_FlashMessageFires(t *testing.T) {
	s := storetest.New()
	r := New(s, s)
	ctx := context.Background()

	found := r.Run(ctx, EventDequeue, Context{
		QueueName:   "orders",
		Message:     &domain.Message{ID: "m1"},
		TimeInQueue: 10 * time.Millisecond,
		Now:         time.Now().UTC(),
	})

	var sawFlash bool
	for _, a := range found {
		if a.Type == domain.AnomalyFlashMessage {
			sawFlash = true
		}
	}
	if !sawFlash {
		t.Fatalf("expected flash_message anomaly, got %+v", found)
	}
}

func TestRegistry_DisabledDetectorDoesNotFire(t *testing.T) {
	s := storetest.New()
	r := New(s, s)
	r.SetEnabled(domain.AnomalyFlashMessage, false)
	ctx := context.Background()

	found := r.Run(ctx, EventDequeue, Context{
		Message:     &domain.Message{ID: "m1"},
		TimeInQueue: 1 * time.Millisecond,
	})
	for _, a := range found {
		if a.Type == domain.AnomalyFlashMessage {
			t.Fatalf("expected flash_message to be disabled")
		}
	}
}

func TestRegistry_LockStolenFiresOnMismatch(t *testing.T) {
	s := storetest.New()
	r := New(s, s)
	ctx := context.Background()

	found := r.Run(ctx, EventAck, Context{
		Message:        &domain.Message{ID: "m1"},
		PresentedToken: "old-token",
		CurrentToken:   "new-token",
	})
	if len(found) != 1 || found[0].Type != domain.AnomalyLockStolen {
		t.Fatalf("expected lock_stolen anomaly, got %+v", found)
	}
}

func TestRegistry_UnregisterRemovesDetector(t *testing.T) {
	s := storetest.New()
	r := New(s, s)
	r.Unregister(domain.AnomalyFlashMessage)
	ctx := context.Background()

	found := r.Run(ctx, EventDequeue, Context{
		Message:     &domain.Message{ID: "m1"},
		TimeInQueue: 1 * time.Millisecond,
	})
	for _, a := range found {
		if a.Type == domain.AnomalyFlashMessage {
			t.Fatalf("expected flash_message detector to be unregistered")
		}
	}
}
