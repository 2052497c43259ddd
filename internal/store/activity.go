package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymq/relay/internal/domain"
)

// InsertActivityEntries performs the single multi-values insert the
// Activity Recorder's buffer flush requires (spec §4.8): failures here are
// logged and dropped by the caller, never raised into the hot path.
func (s *PostgresStore) InsertActivityEntries(ctx context.Context, entries []*domain.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const argsPerRow = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO activity_logs (action, message_id, message_type, consumer_id, queue_name, payload_size, processing_time_ms, attempt_count, context) VALUES `)
	args := make([]any, 0, len(entries)*argsPerRow)
	for i, e := range entries {
		base := i * argsPerRow
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		ctxJSON, _ := json.Marshal(e.Context)
		args = append(args,
			e.Action, nullIfEmpty(e.MessageID), nullIfEmpty(e.MessageType), nullIfEmpty(e.ConsumerID),
			e.QueueName, e.PayloadSize, e.ProcessingTimeMs, e.AttemptCount, jsonbOrEmpty(ctxJSON, "{}"))
	}

	if _, err := s.writePool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert activity entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, f ActivityFilter) ([]*domain.ActivityEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.QueueName != "" {
		conds = append(conds, "queue_name = "+arg(f.QueueName))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(f.Action))
	}
	if f.MessageID != "" {
		conds = append(conds, "message_id = "+arg(f.MessageID))
	}
	if f.ConsumerID != "" {
		conds = append(conds, "consumer_id = "+arg(f.ConsumerID))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.Until))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`
		SELECT id, action, message_id, message_type, consumer_id, queue_name, payload_size,
			processing_time_ms, attempt_count, context, created_at
		FROM activity_logs %s
		ORDER BY id DESC
		LIMIT %s OFFSET %s
	`, where, arg(f.Limit), arg(f.Offset))

	rows, err := s.readerPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*domain.ActivityEntry
	for rows.Next() {
		e := &domain.ActivityEntry{}
		var messageID, messageType, consumerID *string
		var payloadSize, attemptCount *int
		var processingTimeMs *int64
		var contextJSON []byte
		if err := rows.Scan(&e.ID, &e.Action, &messageID, &messageType, &consumerID, &e.QueueName,
			&payloadSize, &processingTimeMs, &attemptCount, &contextJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		if messageID != nil {
			e.MessageID = *messageID
		}
		if messageType != nil {
			e.MessageType = *messageType
		}
		if consumerID != nil {
			e.ConsumerID = *consumerID
		}
		if payloadSize != nil {
			e.PayloadSize = *payloadSize
		}
		if processingTimeMs != nil {
			e.ProcessingTimeMs = *processingTimeMs
		}
		if attemptCount != nil {
			e.AttemptCount = *attemptCount
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
