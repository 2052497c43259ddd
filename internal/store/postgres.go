// Package store is the Storage Driver (spec §4.1): the only package that
// talks to Postgres directly. It exposes pooled writes, an optional
// separate read pool, transactions, a LISTEN/NOTIFY subscribe/notify
// primitive multiplexed across in-process subscribers, and idempotent
// schema bootstrap. Every other engine package depends on the Store
// interface defined in store.go, never on *PostgresStore directly.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymq/relay/internal/logging"
)

// Config configures pool sizing and timeouts for the Storage Driver
// (spec §6.4 Database options).
type Config struct {
	WriteDSN          string
	ReadDSN           string // empty disables the separate read pool; reads share the write pool
	WritePoolSize     int32
	ReadPoolSize      int32
	StatementTimeout  time.Duration
	LockTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.WritePoolSize <= 0 {
		c.WritePoolSize = 20
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	return c
}

// PostgresStore is the Postgres-backed Storage Driver. It satisfies Store.
type PostgresStore struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool // nil when no read pool was configured; readPool() falls back to writePool

	listenMu  sync.Mutex
	listeners map[string][]chan string // channel name -> in-process subscriber fan-out
	listenCtx context.Context
	listenCancel context.CancelFunc
}

// NewPostgresStore connects the write (and optional read) pool, verifies
// connectivity, and bootstraps the schema. The schema DDL is idempotent
// (CREATE TABLE IF NOT EXISTS), matching the teacher's ensureSchema
// convention, since out-of-band migration tooling is out of scope (spec §1).
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	cfg = cfg.withDefaults()
	if cfg.WriteDSN == "" {
		return nil, fmt.Errorf("postgres write DSN is required")
	}

	writeCfg, err := pgxpool.ParseConfig(applyStatementTimeouts(cfg.WriteDSN, cfg))
	if err != nil {
		return nil, fmt.Errorf("parse write pool config: %w", err)
	}
	writeCfg.MaxConns = cfg.WritePoolSize
	writePool, err := pgxpool.NewWithConfig(ctx, writeCfg)
	if err != nil {
		return nil, fmt.Errorf("create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if cfg.ReadDSN != "" && cfg.ReadPoolSize > 0 {
		readCfg, err := pgxpool.ParseConfig(applyStatementTimeouts(cfg.ReadDSN, cfg))
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("parse read pool config: %w", err)
		}
		readCfg.MaxConns = cfg.ReadPoolSize
		readPool, err = pgxpool.NewWithConfig(ctx, readCfg)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("create read pool: %w", err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		writePool:    writePool,
		readPool:     readPool,
		listeners:    make(map[string][]chan string),
		listenCtx:    listenCtx,
		listenCancel: cancel,
	}

	if err := s.Health(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logging.Op().Info("storage driver ready",
		"read_pool", readPool != nil,
		"write_pool_size", cfg.WritePoolSize)
	return s, nil
}

// applyStatementTimeouts appends statement_timeout/lock_timeout as Postgres
// runtime parameters on the connection string, matching spec §5's hard
// per-statement and per-transaction bounds.
func applyStatementTimeouts(dsn string, cfg Config) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sstatement_timeout=%d&lock_timeout=%d",
		dsn, sep, cfg.StatementTimeout.Milliseconds(), cfg.LockTimeout.Milliseconds())
}

func (s *PostgresStore) Close() error {
	s.listenCancel()
	if s.readPool != nil {
		s.readPool.Close()
	}
	if s.writePool != nil {
		s.writePool.Close()
	}
	return nil
}

// Health pings both pools. A nil error means the driver is usable.
func (s *PostgresStore) Health(ctx context.Context) error {
	if s.writePool == nil {
		return fmt.Errorf("storage driver not initialized")
	}
	if err := s.writePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool ping: %w", err)
	}
	if s.readPool != nil {
		if err := s.readPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool ping: %w", err)
		}
	}
	return nil
}

// readerPool returns the read pool when configured, otherwise the write
// pool. Dashboard/metrics/log-browsing reads go through this; anything
// that mutates state always uses writePool directly (spec §4.1, §5).
func (s *PostgresStore) readerPool() *pgxpool.Pool {
	if s.readPool != nil {
		return s.readPool
	}
	return s.writePool
}
