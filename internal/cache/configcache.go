package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymq/relay/internal/domain"
)

// ConfigCache is a typed front for the Queue Registry's hot-path GetConfig
// read (spec §4.3). It owns the key namespace and JSON encoding so callers
// never marshal a domain.QueueConfig by hand, and it reports hit/miss
// outcomes through the observer so the registry doesn't need to know the
// cache was even consulted.
type ConfigCache struct {
	backend  Cache
	ttl      time.Duration
	observer func(hit bool)
}

// NewConfigCache wraps backend for domain.QueueConfig storage. observer may
// be nil.
func NewConfigCache(backend Cache, ttl time.Duration, observer func(hit bool)) *ConfigCache {
	if observer == nil {
		observer = func(bool) {}
	}
	return &ConfigCache{backend: backend, ttl: ttl, observer: observer}
}

// ConfigCacheKey returns the cache key a queue's config is stored under, so
// a cross-instance invalidation publisher can name the same key a
// subscriber's local cache holds it at.
func ConfigCacheKey(queueName string) string { return "relay:queue-config:" + queueName }

func configKey(queueName string) string { return ConfigCacheKey(queueName) }

// Get returns the cached QueueConfig for queueName, or ErrNotFound.
func (c *ConfigCache) Get(ctx context.Context, queueName string) (*domain.QueueConfig, error) {
	raw, err := c.backend.Get(ctx, configKey(queueName))
	if err != nil {
		c.observer(false)
		return nil, err
	}
	var cfg domain.QueueConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		c.observer(false)
		return nil, ErrNotFound
	}
	c.observer(true)
	return &cfg, nil
}

// Set stores cfg for queueName under the cache's configured TTL (or ttl, if
// positive, overriding it for this one entry).
func (c *ConfigCache) Set(ctx context.Context, queueName string, cfg *domain.QueueConfig, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, configKey(queueName), raw, ttl)
}

// Invalidate evicts queueName's cached config.
func (c *ConfigCache) Invalidate(ctx context.Context, queueName string) error {
	return c.backend.Delete(ctx, configKey(queueName))
}
