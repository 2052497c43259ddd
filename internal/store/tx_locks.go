package store

import (
	"context"
	"fmt"
)

// reaperLockKey is the advisory lock key a Reaper pass acquires when the
// operator opts into single-holder semantics across multiple relayd
// instances (spec §4.6, §5). The batched UPDATE's WHERE clause is already
// race-safe on its own; this lock only trims redundant work across
// instances, not correctness.
const reaperLockKey int64 = 0x72656c61795f7270 // "relay_rp"

// WithReaperLock runs fn while holding a session-level advisory lock, using
// a non-blocking try so a losing instance skips the pass entirely rather
// than queuing behind it. acquired is false when another instance already
// holds the lock; fn is not called in that case.
func (s *PostgresStore) WithReaperLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	conn, err := s.writePool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for reaper lock: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, reaperLockKey).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try reaper lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, reaperLockKey)

	return true, fn(ctx)
}
