package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/cache"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/store/storetest"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := New(storetest.New())
	ctx := context.Background()

	q := &domain.Queue{Name: "orders"}
	if err := r.Create(ctx, q); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.Type != domain.QueueTypeStandard {
		t.Fatalf("expected default type standard, got %s", q.Type)
	}

	got, err := r.Get(ctx, "orders", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "orders" {
		t.Fatalf("expected orders, got %s", got.Name)
	}
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	r := New(storetest.New())
	ctx := context.Background()

	if err := r.Create(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := r.Create(ctx, &domain.Queue{Name: "orders"})
	if !errors.Is(err, domain.ErrQueueExists) {
		t.Fatalf("expected ErrQueueExists, got %v", err)
	}
}

func TestRegistry_GetConfigUsesCache(t *testing.T) {
	s := storetest.New()
	r := New(s, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	if err := r.Create(ctx, &domain.Queue{Name: "orders", MaxAttempts: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg, err := r.GetConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts 3, got %d", cfg.MaxAttempts)
	}

	desc := "updated description"
	if _, err := r.UpdateConfig(ctx, "orders", domain.QueueConfigPatch{Description: &desc}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	cfg2, err := r.GetConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("GetConfig after update: %v", err)
	}
	if cfg2.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts to survive cache invalidation, got %d", cfg2.MaxAttempts)
	}
}

func TestRegistry_RenameInvalidatesBothKeys(t *testing.T) {
	s := storetest.New()
	r := New(s, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	if err := r.Create(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.GetConfig(ctx, "orders"); err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if _, err := r.Rename(ctx, "orders", "orders-v2"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := r.GetConfig(ctx, "orders"); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound for old name, got %v", err)
	}
	if _, err := r.GetConfig(ctx, "orders-v2"); err != nil {
		t.Fatalf("GetConfig for new name: %v", err)
	}
}

func TestRegistry_DeleteRefusesNonEmptyWithoutForce(t *testing.T) {
	s := storetest.New()
	r := New(s)
	ctx := context.Background()

	if err := r.Create(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.InsertMessage(ctx, &domain.Message{QueueName: "orders", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if err := r.Delete(ctx, "orders", false); !errors.Is(err, domain.ErrQueueNotEmpty) {
		t.Fatalf("expected ErrQueueNotEmpty, got %v", err)
	}
	if err := r.Delete(ctx, "orders", true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
}

func TestRegistry_SetPausedAndIsPaused(t *testing.T) {
	r := New(storetest.New())
	ctx := context.Background()

	if err := r.Create(ctx, &domain.Queue{Name: "orders"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.SetPaused(ctx, "orders", true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	paused, err := r.IsPaused(ctx, "orders")
	if err != nil {
		t.Fatalf("IsPaused: %v", err)
	}
	if !paused {
		t.Fatalf("expected paused=true")
	}
}
