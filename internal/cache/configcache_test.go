package cache

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relay/internal/domain"
)

func TestConfigCache_SetAndGet(t *testing.T) {
	backend := NewInMemoryCache()
	defer backend.Close()

	var hits, misses int
	cc := NewConfigCache(backend, time.Minute, func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})
	ctx := context.Background()

	cfg := &domain.QueueConfig{Type: domain.QueueTypeStandard, MaxAttempts: 5, AckTimeoutSeconds: 30}
	if err := cc.Set(ctx, "orders", cfg, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cc.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MaxAttempts != 5 || got.AckTimeoutSeconds != 30 {
		t.Fatalf("unexpected config: %+v", got)
	}
	if hits != 1 || misses != 0 {
		t.Fatalf("expected 1 hit 0 misses, got %d/%d", hits, misses)
	}
}

func TestConfigCache_MissObserved(t *testing.T) {
	backend := NewInMemoryCache()
	defer backend.Close()

	var misses int
	cc := NewConfigCache(backend, time.Minute, func(hit bool) {
		if !hit {
			misses++
		}
	})

	if _, err := cc.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
	if misses != 1 {
		t.Fatalf("expected 1 miss, got %d", misses)
	}
}

func TestConfigCache_Invalidate(t *testing.T) {
	backend := NewInMemoryCache()
	defer backend.Close()
	cc := NewConfigCache(backend, time.Minute, nil)
	ctx := context.Background()

	cfg := &domain.QueueConfig{Type: domain.QueueTypeStandard}
	if err := cc.Set(ctx, "jobs", cfg, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cc.Invalidate(ctx, "jobs"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := cc.Get(ctx, "jobs"); err == nil {
		t.Fatal("expected ErrNotFound after invalidate")
	}
}
