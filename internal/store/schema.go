package store

import "context"

// ensureSchema bootstraps the persisted state layout (spec §6.2) the first
// time a broker connects. All statements are idempotent, matching the
// teacher's PostgresStore.ensureSchema convention — schema migration
// tooling beyond this is out of scope (spec §1).
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT 'standard',
			description TEXT,
			ack_timeout_seconds INTEGER NOT NULL DEFAULT 30,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			retention_seconds INTEGER,
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL REFERENCES queues(name) ON DELETE CASCADE,
			type TEXT,
			payload JSONB NOT NULL,
			payload_ref TEXT,
			payload_size INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			original_priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'queued',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			ack_timeout_seconds INTEGER NOT NULL,
			lock_token TEXT,
			locked_until TIMESTAMPTZ,
			consumer_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			dequeued_at TIMESTAMPTZ,
			acknowledged_at TIMESTAMPTZ,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dequeue_candidate
			ON messages (queue_name, status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_reaper_scan
			ON messages (status, locked_until)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			message_id TEXT,
			message_type TEXT,
			consumer_id TEXT,
			queue_name TEXT NOT NULL,
			payload_size INTEGER,
			processing_time_ms BIGINT,
			attempt_count INTEGER,
			context JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_message_id ON activity_logs (message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_created_at ON activity_logs (created_at)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message_id TEXT,
			consumer_id TEXT,
			queue_name TEXT NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_created_at ON anomalies (created_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consumer_stats (
			consumer_id TEXT PRIMARY KEY,
			total_dequeued BIGINT NOT NULL DEFAULT 0,
			total_acknowledged BIGINT NOT NULL DEFAULT 0,
			total_failed BIGINT NOT NULL DEFAULT 0,
			last_dequeue_at TIMESTAMPTZ,
			last_ack_at TIMESTAMPTZ,
			recent_dequeues JSONB NOT NULL DEFAULT '[]'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.writePool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
