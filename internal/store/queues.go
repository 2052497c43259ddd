package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaymq/relay/internal/domain"
)

func (s *PostgresStore) CreateQueue(ctx context.Context, q *domain.Queue) error {
	now := nowUTC()
	q.CreatedAt, q.UpdatedAt = now, now
	_, err := s.writePool.Exec(ctx, `
		INSERT INTO queues (name, type, description, ack_timeout_seconds, max_attempts, retention_seconds, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, q.Name, q.Type, nullIfEmpty(q.Description), q.AckTimeoutSeconds, q.MaxAttempts, nullIfZero(q.RetentionSeconds), q.Paused, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrQueueExists, q.Name)
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, name string, withStats bool) (*domain.Queue, error) {
	q, err := scanQueue(s.readerPool().QueryRow(ctx, `
		SELECT name, type, description, ack_timeout_seconds, max_attempts, retention_seconds, paused, created_at, updated_at
		FROM queues WHERE name = $1
	`, name))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	if withStats {
		if err := s.fillQueueCounts(ctx, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (s *PostgresStore) fillQueueCounts(ctx context.Context, q *domain.Queue) error {
	return s.readerPool().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('queued', 'processing'))::bigint,
			COUNT(*) FILTER (WHERE status = 'processing')::bigint,
			COUNT(*) FILTER (WHERE status = 'dead')::bigint
		FROM messages WHERE queue_name = $1
	`, q.Name).Scan(&q.MessageCount, &q.ProcessingCount, &q.DeadCount)
}

// GetQueueConfig is the hot-path lookup (spec §4.3): only the three fields
// cached on the enqueue/dequeue path, never the full definition.
func (s *PostgresStore) GetQueueConfig(ctx context.Context, name string) (*domain.QueueConfig, error) {
	cfg := &domain.QueueConfig{Name: name}
	err := s.readerPool().QueryRow(ctx, `
		SELECT type, max_attempts, ack_timeout_seconds FROM queues WHERE name = $1
	`, name).Scan(&cfg.Type, &cfg.MaxAttempts, &cfg.AckTimeoutSeconds)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	rows, err := s.readerPool().Query(ctx, `
		SELECT name, type, description, ack_timeout_seconds, max_attempts, retention_seconds, paused, created_at, updated_at
		FROM queues ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []*domain.Queue
	for rows.Next() {
		q, err := scanQueueRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateQueueConfig(ctx context.Context, name string, patch domain.QueueConfigPatch) (*domain.Queue, error) {
	now := nowUTC()
	ct, err := s.writePool.Exec(ctx, `
		UPDATE queues SET
			description = COALESCE($2, description),
			ack_timeout_seconds = COALESCE($3, ack_timeout_seconds),
			max_attempts = COALESCE($4, max_attempts),
			retention_seconds = COALESCE($5, retention_seconds),
			updated_at = $6
		WHERE name = $1
	`, name, patch.Description, patch.AckTimeoutSeconds, patch.MaxAttempts, patch.RetentionSeconds, now)
	if err != nil {
		return nil, fmt.Errorf("update queue config: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	return s.GetQueue(ctx, name, false)
}

func (s *PostgresStore) RenameQueue(ctx context.Context, name, newName string) (*domain.Queue, error) {
	tx, err := s.writePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rename: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `UPDATE queues SET name = $2, updated_at = $3 WHERE name = $1`, name, newName, nowUTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrQueueExists, newName)
		}
		return nil, fmt.Errorf("rename queue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET queue_name = $2 WHERE queue_name = $1`, name, newName); err != nil {
		return nil, fmt.Errorf("rename queue messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rename: %w", err)
	}
	return s.GetQueue(ctx, newName, false)
}

func (s *PostgresStore) DeleteQueue(ctx context.Context, name string, force bool) error {
	if !force {
		var nonTerminal int64
		if err := s.writePool.QueryRow(ctx, `
			SELECT COUNT(*) FROM messages WHERE queue_name = $1 AND status IN ('queued', 'processing')
		`, name).Scan(&nonTerminal); err != nil {
			return fmt.Errorf("check queue emptiness: %w", err)
		}
		if nonTerminal > 0 {
			return fmt.Errorf("%w: %s", domain.ErrQueueNotEmpty, name)
		}
	}
	ct, err := s.writePool.Exec(ctx, `DELETE FROM queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	return nil
}

func (s *PostgresStore) PurgeQueue(ctx context.Context, name string, status domain.MessageStatus) (int64, error) {
	var ct pgconn.CommandTag
	var err error
	if status == "" {
		ct, err = s.writePool.Exec(ctx, `DELETE FROM messages WHERE queue_name = $1`, name)
	} else {
		ct, err = s.writePool.Exec(ctx, `DELETE FROM messages WHERE queue_name = $1 AND status = $2`, name, status)
	}
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresStore) SetQueuePaused(ctx context.Context, name string, paused bool) error {
	ct, err := s.writePool.Exec(ctx, `UPDATE queues SET paused = $2, updated_at = $3 WHERE name = $1`, name, paused, nowUTC())
	if err != nil {
		return fmt.Errorf("set queue paused: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	return nil
}

func (s *PostgresStore) IsQueuePaused(ctx context.Context, name string) (bool, error) {
	var paused bool
	err := s.readerPool().QueryRow(ctx, `SELECT paused FROM queues WHERE name = $1`, name).Scan(&paused)
	if err == pgx.ErrNoRows {
		return false, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if err != nil {
		return false, fmt.Errorf("check queue paused: %w", err)
	}
	return paused, nil
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query),
// letting scanQueue/scanQueueRows share a scan body.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (*domain.Queue, error) {
	q := &domain.Queue{}
	var description *string
	var retention *int
	if err := row.Scan(&q.Name, &q.Type, &description, &q.AckTimeoutSeconds, &q.MaxAttempts, &retention, &q.Paused, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	if description != nil {
		q.Description = *description
	}
	if retention != nil {
		q.RetentionSeconds = *retention
	}
	return q, nil
}

func scanQueueRows(rows rowScanner) (*domain.Queue, error) {
	return scanQueue(rows)
}
