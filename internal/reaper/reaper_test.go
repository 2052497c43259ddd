package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store/storetest"
)

func newTestReaper(t *testing.T, opts ...Option) (*Reaper, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	act := activitylog.New(s, activitylog.WithFlushInterval(time.Hour))
	an := anomaly.New(s, s)
	return New(s, act, an, opts...), s
}

func claimAndExpire(t *testing.T, s *storetest.Store, maxAttempts int) *domain.Message {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`), MaxAttempts: maxAttempts, AckTimeoutSeconds: 1}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	msg, err := s.ClaimMessage(ctx, "orders", "", "c1", -1*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimMessage: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected claimed message")
	}
	return msg
}

func TestReaper_RequeuesUnderMaxAttempts(t *testing.T) {
	r, s := newTestReaper(t)
	claimAndExpire(t, s, 5)

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
}

func TestReaper_DeadLettersAtMaxAttempts(t *testing.T) {
	r, s := newTestReaper(t)
	msg := claimAndExpire(t, s, 1)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	after, err := s.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if after.Status != domain.StatusDead {
		t.Fatalf("expected dead, got %s", after.Status)
	}
}

func TestReaper_AdvisoryLockSkipsWhenHeld(t *testing.T) {
	r, s := newTestReaper(t, WithAdvisoryLock())
	claimAndExpire(t, s, 5)

	acquired, err := s.WithReaperLock(context.Background(), func(context.Context) error {
		n, runErr := r.RunOnce(context.Background())
		if runErr != nil {
			t.Fatalf("RunOnce inside held lock: %v", runErr)
		}
		if n != 0 {
			t.Fatalf("expected reap to be skipped while lock is held, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithReaperLock: %v", err)
	}
	if !acquired {
		t.Fatalf("expected outer lock acquisition to succeed")
	}
}
