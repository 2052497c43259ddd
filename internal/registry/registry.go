// Package registry implements the Queue Registry: queue lifecycle management
// backed by store.QueueStore, with a TTL cache in front of the hot-path
// GetConfig read (spec §4.3).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/cache"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/store"
)

// DefaultConfigCacheTTL bounds how stale a cached QueueConfig can be after an
// update_config/rename/delete on another instance, in the absence of an
// active cache.CacheInvalidator subscription (spec §4.3).
const DefaultConfigCacheTTL = 60 * time.Second

// Registry is the Queue Registry. It owns queue CRUD and fronts
// GetConfig with a TTL cache, invalidated eagerly by this instance and
// (optionally) by other instances via a cache.CacheInvalidator wired to the
// same cache backend.
type Registry struct {
	store       store.QueueStore
	configCache *cache.ConfigCache
	invalidator *cache.CacheInvalidator
	ttl         time.Duration
	anomaly     *anomaly.Registry
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithCache installs a cache.Cache to front GetConfig reads. Without one,
// GetConfig always reads through to the store.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
		r.configCache = cache.NewConfigCache(c, r.ttl, metrics.Global().RecordConfigCacheResult)
	}
}

// WithInvalidator wires a cache.CacheInvalidator so UpdateConfig/Rename/
// Delete publish cross-instance eviction signals instead of only evicting
// this instance's local entry (spec §4.3's bound on cross-instance
// inconsistency).
func WithInvalidator(inv *cache.CacheInvalidator) Option {
	return func(r *Registry) { r.invalidator = inv }
}

// WithAnomaly wires the Anomaly Engine so Purge can fire queue_cleared
// (spec §4.9).
func WithAnomaly(a *anomaly.Registry) Option {
	return func(r *Registry) { r.anomaly = a }
}

// New constructs a Registry over a store.QueueStore.
func New(s store.QueueStore, opts ...Option) *Registry {
	r := &Registry{store: s, ttl: DefaultConfigCacheTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new queue definition (spec §4.3 create).
func (r *Registry) Create(ctx context.Context, q *domain.Queue) error {
	if q.Name == "" {
		return fmt.Errorf("%w: queue name is required", domain.ErrValidation)
	}
	if q.Type == "" {
		q.Type = domain.QueueTypeStandard
	}
	if q.AckTimeoutSeconds <= 0 {
		q.AckTimeoutSeconds = 30
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if err := r.store.CreateQueue(ctx, q); err != nil {
		return fmt.Errorf("create queue %s: %w", q.Name, err)
	}
	return nil
}

// Get returns a queue's full definition, optionally with denormalized counts.
func (r *Registry) Get(ctx context.Context, name string, withStats bool) (*domain.Queue, error) {
	q, err := r.store.GetQueue(ctx, name, withStats)
	if err != nil {
		return nil, fmt.Errorf("get queue %s: %w", name, err)
	}
	return q, nil
}

// GetConfig returns the hot-path config (type, max_attempts,
// ack_timeout_seconds), served from cache when available (spec §4.3).
func (r *Registry) GetConfig(ctx context.Context, name string) (*domain.QueueConfig, error) {
	if r.configCache != nil {
		if cfg, err := r.configCache.Get(ctx, name); err == nil {
			return cfg, nil
		}
	}

	cfg, err := r.store.GetQueueConfig(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get queue config %s: %w", name, err)
	}

	if r.configCache != nil {
		if err := r.configCache.Set(ctx, name, cfg, 0); err != nil {
			logging.Op().Warn("queue config cache set failed", "queue", name, "error", err)
		}
	}
	return cfg, nil
}

// List returns every queue definition, without denormalized counts.
func (r *Registry) List(ctx context.Context) ([]*domain.Queue, error) {
	qs, err := r.store.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return qs, nil
}

// UpdateConfig patches a queue's mutable fields and invalidates the config
// cache entry for it (spec §4.3 update_config).
func (r *Registry) UpdateConfig(ctx context.Context, name string, patch domain.QueueConfigPatch) (*domain.Queue, error) {
	q, err := r.store.UpdateQueueConfig(ctx, name, patch)
	if err != nil {
		return nil, fmt.Errorf("update queue config %s: %w", name, err)
	}
	r.invalidate(ctx, name)
	return q, nil
}

// Rename changes a queue's name, invalidating both the old and new cache
// keys (spec §4.3 rename).
func (r *Registry) Rename(ctx context.Context, name, newName string) (*domain.Queue, error) {
	q, err := r.store.RenameQueue(ctx, name, newName)
	if err != nil {
		return nil, fmt.Errorf("rename queue %s to %s: %w", name, newName, err)
	}
	r.invalidate(ctx, name)
	r.invalidate(ctx, newName)
	return q, nil
}

// Delete removes a queue definition. Unless force is set, it refuses to
// delete a queue with queued or processing messages (spec §4.3 delete).
func (r *Registry) Delete(ctx context.Context, name string, force bool) error {
	if err := r.store.DeleteQueue(ctx, name, force); err != nil {
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	r.invalidate(ctx, name)
	return nil
}

// Purge drops every message in a given status (or all, if status is empty)
// from a queue without deleting the queue definition itself.
func (r *Registry) Purge(ctx context.Context, name string, status domain.MessageStatus) (int64, error) {
	n, err := r.store.PurgeQueue(ctx, name, status)
	if err != nil {
		return 0, fmt.Errorf("purge queue %s: %w", name, err)
	}
	metrics.Global().RecordPurge(name, int(n))
	if r.anomaly != nil && n > 0 {
		r.anomaly.Run(ctx, anomaly.EventClear, anomaly.Context{
			QueueName:     name,
			AffectedCount: int(n),
		})
	}
	return n, nil
}

// SetPaused toggles whether the Dequeue Core accepts claims against this
// queue, without affecting the Producer Path (spec §4.3).
func (r *Registry) SetPaused(ctx context.Context, name string, paused bool) error {
	if err := r.store.SetQueuePaused(ctx, name, paused); err != nil {
		return fmt.Errorf("set paused %s: %w", name, err)
	}
	r.invalidate(ctx, name)
	metrics.SetQueuePaused(name, paused)
	return nil
}

// IsPaused reports whether the Dequeue Core should reject claims for name.
func (r *Registry) IsPaused(ctx context.Context, name string) (bool, error) {
	paused, err := r.store.IsQueuePaused(ctx, name)
	if err != nil {
		return false, fmt.Errorf("is paused %s: %w", name, err)
	}
	return paused, nil
}

func (r *Registry) invalidate(ctx context.Context, name string) {
	if r.configCache == nil {
		return
	}
	if err := r.configCache.Invalidate(ctx, name); err != nil {
		logging.Op().Warn("queue config cache invalidate failed", "queue", name, "error", err)
	}
	if r.invalidator != nil {
		if err := r.invalidator.PublishInvalidation(ctx, cache.ConfigCacheKey(name)); err != nil {
			logging.Op().Warn("queue config cache invalidation publish failed", "queue", name, "error", err)
		}
	}
}
