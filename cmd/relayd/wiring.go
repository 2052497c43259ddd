package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/relaymq/relay/internal/ackcore"
	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/blobstore"
	"github.com/relaymq/relay/internal/broadcast"
	"github.com/relaymq/relay/internal/cache"
	"github.com/relaymq/relay/internal/config"
	"github.com/relaymq/relay/internal/dequeue"
	"github.com/relaymq/relay/internal/facade"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/producer"
	"github.com/relaymq/relay/internal/reaper"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store"
)

// buildRelay assembles the full component graph behind the Relay facade,
// in the dependency order the Storage Driver's consumers require: store ->
// cache (optional) -> activity/anomaly -> registry -> dequeue/ack/reaper/
// producer -> broadcast -> facade. startReaper controls whether the
// periodic reap loop is started in the background, which a one-shot CLI
// command has no use for but the daemon always wants.
//
// The returned closer stops the reaper (if started) and closes the store;
// callers must defer it.
func buildRelay(ctx context.Context, cfg *config.Config, startReaper bool) (*facade.Relay, func(), error) {
	pgStore, err := store.NewPostgresStore(ctx, store.Config{
		WriteDSN:         cfg.Postgres.WriteDSN,
		ReadDSN:          cfg.Postgres.ReadDSN,
		WritePoolSize:    int32(cfg.Postgres.WritePoolSize),
		ReadPoolSize:     int32(cfg.Postgres.ReadPoolSize),
		StatementTimeout: cfg.Postgres.StatementTimeout,
		LockTimeout:      cfg.Postgres.LockTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect storage driver: %w", err)
	}

	var invalidator *cache.CacheInvalidator
	var queueCache cache.Cache
	if cfg.Redis.Enabled {
		l1 := cache.NewInMemoryCache()
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		l2 := cache.NewRedisCacheFromClient(redisClient, "relay:cache:")
		queueCache = cache.NewTieredCache(l1, l2, cfg.Cache.ConfigTTL/6)
		invalidator = cache.NewCacheInvalidator(l1, redisClient)
		go invalidator.Start(ctx)
	} else {
		queueCache = cache.NewInMemoryCache()
	}

	activity := activitylog.New(pgStore,
		activitylog.WithMaxSize(cfg.Activity.MaxSize),
		activitylog.WithFlushInterval(cfg.Activity.FlushInterval))
	anomalyEngine := anomaly.New(pgStore, pgStore, anomaly.WithThresholds(anomaly.Thresholds{
		FlashThresholdMs:      cfg.Anomaly.FlashThresholdMs,
		ZombieMultiplier:      cfg.Anomaly.ZombieMultiplier,
		NearDLQThreshold:      cfg.Anomaly.NearDLQThreshold,
		LongProcessMultiplier: cfg.Anomaly.LongProcessMultiplier,
		BurstThresholdCount:   cfg.Anomaly.BurstThresholdCount,
		BurstThresholdSeconds: cfg.Anomaly.BurstThresholdSeconds,
		BulkThreshold:         cfg.Anomaly.BulkThreshold,
		LargePayloadBytes:     cfg.Anomaly.LargePayloadBytes,
	}))
	var registryOpts []registry.Option
	registryOpts = append(registryOpts,
		registry.WithCache(queueCache, cfg.Cache.ConfigTTL),
		registry.WithAnomaly(anomalyEngine))
	if invalidator != nil {
		registryOpts = append(registryOpts, registry.WithInvalidator(invalidator))
	}
	reg := registry.New(pgStore, registryOpts...)
	notifier := notify.NewChannelNotifier()

	dq := dequeue.New(pgStore, pgStore, reg, activity, anomalyEngine, notifier)
	ack := ackcore.New(pgStore, pgStore, activity, anomalyEngine,
		ackcore.WithGlobalMaxAttemptsCap(cfg.Queue.GlobalMaxAttemptsCap))

	var reaperOpts []reaper.Option
	reaperOpts = append(reaperOpts,
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithBatchSize(cfg.Reaper.BatchSize))
	if cfg.Reaper.UseAdvisoryLock {
		reaperOpts = append(reaperOpts, reaper.WithAdvisoryLock())
	}
	rp := reaper.New(pgStore, activity, anomalyEngine, reaperOpts...)

	var producerOpts []producer.Option
	producerOpts = append(producerOpts, producer.WithIdempotencyTTL(cfg.Producer.IdempotencyTTL))
	if cfg.Blobstore.Enabled {
		blob, err := blobstore.New(ctx, blobstore.Config{
			Bucket:   cfg.Blobstore.Bucket,
			Prefix:   cfg.Blobstore.Prefix,
			Endpoint: cfg.Blobstore.Endpoint,
			Region:   cfg.Blobstore.Region,
		})
		if err != nil {
			pgStore.Close()
			return nil, nil, fmt.Errorf("init blobstore: %w", err)
		}
		producerOpts = append(producerOpts, producer.WithBlobstore(blob, cfg.Anomaly.LargePayloadBytes))
	}
	prod := producer.New(pgStore, reg, activity, anomalyEngine, notifier, producerOpts...)
	var coalescer *producer.Coalescer
	if cfg.Producer.CoalesceEnabled {
		coalescer = producer.NewCoalescer(prod, cfg.Producer.CoalesceMaxSize, cfg.Producer.CoalesceMaxWait)
	}

	bc := broadcast.New(pgStore,
		broadcast.WithPollInterval(cfg.Broadcast.PollInterval),
		broadcast.WithLookback(cfg.Broadcast.Lookback),
		broadcast.WithLimit(cfg.Broadcast.Limit))

	rel := facade.New(facade.Components{
		Store:     pgStore,
		Registry:  reg,
		Dequeue:   dq,
		Ack:       ack,
		Reaper:    rp,
		Producer:  prod,
		Coalescer: coalescer,
		Activity:  activity,
		Anomaly:   anomalyEngine,
		Broadcast: bc,
	})

	if startReaper {
		go rp.Start(ctx)
	}

	closer := func() {
		if invalidator != nil {
			invalidator.Close()
		}
		if err := notifier.Close(); err != nil {
			logging.Op().Warn("notifier close failed", "error", err)
		}
		if err := rel.Close(); err != nil {
			logging.Op().Warn("relay close failed", "error", err)
		}
	}
	return rel, closer, nil
}

// loadConfig applies the layered defaults -> file -> env resolution shared
// by every relayd subcommand.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
