package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/idgen"
)

const messageColumns = `id, queue_name, type, payload, payload_ref, payload_size, priority, original_priority,
	status, attempt_count, max_attempts, ack_timeout_seconds, lock_token, locked_until, consumer_id,
	created_at, dequeued_at, acknowledged_at, last_error`

func (s *PostgresStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = idgen.MessageID()
	}
	m.CreatedAt = nowUTC()
	m.PayloadSize = len(m.Payload)
	m.OriginalPriority = m.Priority
	m.Status = domain.StatusQueued

	_, err := s.writePool.Exec(ctx, `
		INSERT INTO messages (id, queue_name, type, payload, payload_ref, payload_size, priority, original_priority,
			status, attempt_count, max_attempts, ack_timeout_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 'queued', 0, $8, $9, $10)
	`, m.ID, m.QueueName, nullIfEmpty(m.Type), jsonbOrEmpty(m.Payload, "{}"), nullIfEmpty(m.PayloadRef),
		m.PayloadSize, m.Priority, m.MaxAttempts, m.AckTimeoutSeconds, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// InsertMessages performs the single N-value-tuple batch insert required by
// spec §4.7 Batch enqueue — never N round trips.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := nowUTC()

	const argsPerRow = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO messages (id, queue_name, type, payload, payload_ref, payload_size, priority, original_priority,
		status, attempt_count, max_attempts, ack_timeout_seconds, created_at) VALUES `)
	args := make([]any, 0, len(msgs)*argsPerRow)
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = idgen.MessageID()
		}
		m.CreatedAt = now
		m.PayloadSize = len(m.Payload)
		m.OriginalPriority = m.Priority
		m.Status = domain.StatusQueued

		base := i * argsPerRow
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, 'queued', 0, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		args = append(args,
			m.ID, m.QueueName, nullIfEmpty(m.Type), jsonbOrEmpty(m.Payload, "{}"), nullIfEmpty(m.PayloadRef),
			m.PayloadSize, m.Priority, m.Priority, m.MaxAttempts, m.AckTimeoutSeconds, now)
	}

	if _, err := s.writePool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert messages batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(s.readerPool().QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ClaimMessage is the single atomic selection+update from spec §4.4: pick
// the highest-priority, oldest-eligible queued row in this queue (and
// matching type filter, if any), taking a SKIP LOCKED row lock, and mark it
// processing in the same statement. No second round trip between selection
// and claim. Grounded on PostgresStore.AcquireDueAsyncInvocation's
// UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP LOCKED) shape.
func (s *PostgresStore) ClaimMessage(ctx context.Context, queue, typeFilter, consumerID string, ackTimeout time.Duration) (*domain.Message, error) {
	now := nowUTC()
	lockedUntil := now.Add(ackTimeout)
	token := idgen.LockToken()

	var typeClause string
	args := []any{queue, token, lockedUntil, now, consumerID}
	if typeFilter != "" {
		typeClause = "AND type = $6"
		args = append(args, typeFilter)
	}

	query := fmt.Sprintf(`
		UPDATE messages SET
			status = 'processing',
			lock_token = $2,
			locked_until = $3,
			consumer_id = $5,
			dequeued_at = $4,
			attempt_count = attempt_count + 1
		WHERE id = (
			SELECT id FROM messages
			WHERE queue_name = $1 AND status = 'queued' %s
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+messageColumns, typeClause)

	m, err := scanMessage(s.writePool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return m, nil
}

// AckMessage implements spec §4.5 Ack steps 1-4 as a single conditional
// UPDATE; if lockToken is non-empty the row must still carry it for the
// transition to apply (open question 1: empty lockToken is accepted for
// backward compatibility and the caller logs a warning).
func (s *PostgresStore) AckMessage(ctx context.Context, id, lockToken string) (*domain.Message, error) {
	existing, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != domain.StatusProcessing {
		return nil, fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, id, existing.Status)
	}
	if lockToken != "" && existing.LockToken != lockToken {
		return nil, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}

	now := nowUTC()
	query := `
		UPDATE messages SET
			status = 'acknowledged',
			acknowledged_at = $2,
			lock_token = NULL,
			locked_until = NULL
		WHERE id = $1 AND status = 'processing'`
	args := []any{id, now}
	if lockToken != "" {
		query += " AND lock_token = $3"
		args = append(args, lockToken)
	}
	query += " RETURNING " + messageColumns

	m, err := scanMessage(s.writePool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: message %s", domain.ErrUpdateFailed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ack message: %w", err)
	}
	return m, nil
}

// NackMessage implements spec §4.5 Nack: either dead-letters the row
// (attempt_count already at the effective cap) or requeues it at its
// original priority, clearing lock fields either way.
func (s *PostgresStore) NackMessage(ctx context.Context, id, lockToken, reason string, globalMaxAttemptsCap int) (*domain.Message, bool, error) {
	existing, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if existing.Status != domain.StatusProcessing {
		return nil, false, fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, id, existing.Status)
	}
	if lockToken != "" && existing.LockToken != lockToken {
		return nil, false, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}

	effectiveMax := existing.MaxAttempts
	if globalMaxAttemptsCap > 0 && globalMaxAttemptsCap < effectiveMax {
		effectiveMax = globalMaxAttemptsCap
	}
	now := nowUTC()
	dead := existing.AttemptCount >= effectiveMax

	var query string
	if dead {
		query = `
			UPDATE messages SET
				status = 'dead', last_error = $2, lock_token = NULL, locked_until = NULL,
				consumer_id = NULL
			WHERE id = $1 AND status = 'processing'`
	} else {
		query = `
			UPDATE messages SET
				status = 'queued', priority = COALESCE(original_priority, priority),
				last_error = $2, lock_token = NULL, locked_until = NULL,
				consumer_id = NULL, dequeued_at = NULL
			WHERE id = $1 AND status = 'processing'`
	}
	args := []any{id, nullIfEmpty(reason)}
	if lockToken != "" {
		query += " AND lock_token = $3"
		args = append(args, lockToken)
	}
	query += " RETURNING " + messageColumns

	m, err := scanMessage(s.writePool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, false, fmt.Errorf("%w: message %s", domain.ErrUpdateFailed, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("nack message: %w", err)
	}
	_ = now
	return m, dead, nil
}

// TouchMessage implements spec §4.5 Touch: extend locked_until without
// rotating lock_token.
func (s *PostgresStore) TouchMessage(ctx context.Context, id, lockToken string, extend time.Duration) (time.Time, error) {
	newTimeout := nowUTC().Add(extend)
	ct, err := s.writePool.Exec(ctx, `
		UPDATE messages SET locked_until = $3
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
	`, id, lockToken, newTimeout)
	if err != nil {
		return time.Time{}, fmt.Errorf("touch message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}
	return newTimeout, nil
}

// ReapOverdue implements spec §4.6: one query to find the batch, then one
// batched update per partition (requeue vs DLQ). The WHERE clause on each
// UPDATE re-checks status/locked_until so two concurrent reapers can never
// double-reap the same row (spec §4.6 "Concurrency safety of the reaper").
// overdueMs is captured from the pre-update locked_until (by message id),
// since the UPDATE clears locked_until as required by invariant 2 and the
// RETURNING clause can no longer see the pre-reap value.
func (s *PostgresStore) ReapOverdue(ctx context.Context, batchSize int) (requeued, deadLettered []*domain.Message, overdueMs map[string]int64, err error) {
	now := nowUTC()
	rows, err := s.writePool.Query(ctx, `
		SELECT id, attempt_count, max_attempts, locked_until FROM messages
		WHERE status = 'processing' AND locked_until < $1
		ORDER BY locked_until ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, batchSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scan overdue: %w", err)
	}
	var requeueIDs, deadIDs []string
	overdueMs = make(map[string]int64)
	for rows.Next() {
		var id string
		var attempt, maxAttempts int
		var lockedUntil time.Time
		if err := rows.Scan(&id, &attempt, &maxAttempts, &lockedUntil); err != nil {
			rows.Close()
			return nil, nil, nil, fmt.Errorf("scan overdue row: %w", err)
		}
		overdueMs[id] = now.Sub(lockedUntil).Milliseconds()
		if attempt >= maxAttempts {
			deadIDs = append(deadIDs, id)
		} else {
			requeueIDs = append(requeueIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, nil, fmt.Errorf("iterate overdue: %w", err)
	}
	rows.Close()

	if len(requeueIDs) > 0 {
		requeued, err = s.batchReap(ctx, requeueIDs, domain.StatusQueued, "Timeout - requeued", now)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if len(deadIDs) > 0 {
		deadLettered, err = s.batchReap(ctx, deadIDs, domain.StatusDead, "Timeout after max attempts", now)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return requeued, deadLettered, overdueMs, nil
}

func (s *PostgresStore) batchReap(ctx context.Context, ids []string, to domain.MessageStatus, lastError string, now time.Time) ([]*domain.Message, error) {
	var query string
	switch to {
	case domain.StatusQueued:
		query = `
			UPDATE messages SET
				status = 'queued', priority = COALESCE(original_priority, priority),
				lock_token = NULL, locked_until = NULL, consumer_id = NULL, dequeued_at = NULL,
				last_error = $2
			WHERE id = ANY($1) AND status = 'processing' AND locked_until < $3
			RETURNING ` + messageColumns
	case domain.StatusDead:
		query = `
			UPDATE messages SET
				status = 'dead', lock_token = NULL, locked_until = NULL, consumer_id = NULL,
				last_error = $2
			WHERE id = ANY($1) AND status = 'processing' AND locked_until < $3
			RETURNING ` + messageColumns
	default:
		return nil, fmt.Errorf("batchReap: unsupported target status %s", to)
	}

	rows, err := s.writePool.Query(ctx, query, ids, lastError, now)
	if err != nil {
		return nil, fmt.Errorf("batch reap to %s: %w", to, err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaped row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MoveMessages(ctx context.Context, ids []string, fromStatus, toStatus domain.MessageStatus) (int64, error) {
	now := nowUTC()

	switch toStatus {
	case domain.StatusProcessing:
		// Open question 2: administrative move to processing generates a
		// lock token and assigns consumer_id = "admin:manual". The reaper
		// will reclaim it like any stale lock since it is never heartbeated
		// — intentional, not an oversight.
		ct, err := s.writePool.Exec(ctx, `
			UPDATE messages SET
				status = 'processing', lock_token = $4, locked_until = $5,
				consumer_id = 'admin:manual', dequeued_at = $3
			WHERE id = ANY($1) AND status = $2
		`, ids, fromStatus, now, idgen.LockToken(), now.Add(30*time.Second))
		if err != nil {
			return 0, fmt.Errorf("move messages to processing: %w", err)
		}
		return ct.RowsAffected(), nil
	case domain.StatusQueued:
		ct, err := s.writePool.Exec(ctx, `
			UPDATE messages SET
				status = 'queued', lock_token = NULL, locked_until = NULL,
				consumer_id = NULL, dequeued_at = NULL
			WHERE id = ANY($1) AND status = $2
		`, ids, fromStatus)
		if err != nil {
			return 0, fmt.Errorf("move messages to queued: %w", err)
		}
		return ct.RowsAffected(), nil
	case domain.StatusArchived:
		// Open question 3: archived is administrative-only; no engine path
		// (dequeue/ack/nack/reaper) produces it.
		ct, err := s.writePool.Exec(ctx, `
			UPDATE messages SET status = 'archived', lock_token = NULL, locked_until = NULL
			WHERE id = ANY($1) AND status = $2
		`, ids, fromStatus)
		if err != nil {
			return 0, fmt.Errorf("move messages to archived: %w", err)
		}
		return ct.RowsAffected(), nil
	default:
		ct, err := s.writePool.Exec(ctx, `
			UPDATE messages SET status = $3, lock_token = NULL, locked_until = NULL
			WHERE id = ANY($1) AND status = $2
		`, ids, fromStatus, toStatus)
		if err != nil {
			return 0, fmt.Errorf("move messages: %w", err)
		}
		return ct.RowsAffected(), nil
	}
}

func (s *PostgresStore) RecentMessages(ctx context.Context, since time.Time, limit int) ([]*domain.Message, error) {
	rows, err := s.readerPool().Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindIdempotentMessage(ctx context.Context, idempotencyKey string) (*domain.Message, error) {
	var messageID string
	err := s.writePool.QueryRow(ctx, `
		SELECT message_id FROM idempotency_keys WHERE key = $1 AND expires_at > $2
	`, idempotencyKey, nowUTC()).Scan(&messageID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) RecordIdempotencyKey(ctx context.Context, idempotencyKey, messageID string, ttl time.Duration) error {
	_, err := s.writePool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, message_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, idempotencyKey, messageID, nowUTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var typ, payloadRef, consumerID, lockToken, lastError *string
	var payload json.RawMessage
	err := row.Scan(
		&m.ID, &m.QueueName, &typ, &payload, &payloadRef, &m.PayloadSize, &m.Priority, &m.OriginalPriority,
		&m.Status, &m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSeconds, &lockToken, &m.LockedUntil, &consumerID,
		&m.CreatedAt, &m.DequeuedAt, &m.AcknowledgedAt, &lastError,
	)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	if typ != nil {
		m.Type = *typ
	}
	if payloadRef != nil {
		m.PayloadRef = *payloadRef
	}
	if consumerID != nil {
		m.ConsumerID = *consumerID
	}
	if lockToken != nil {
		m.LockToken = *lockToken
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	return m, nil
}
