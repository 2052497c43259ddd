package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaymq/relay/internal/domain"
)

// InsertAnomalies performs the single batched insert spec §4.9 requires
// ("multiple detectors may fire per event; all are persisted in one
// batched insert").
func (s *PostgresStore) InsertAnomalies(ctx context.Context, anomalies []*domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	const argsPerRow = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO anomalies (type, severity, message_id, consumer_id, queue_name, details) VALUES `)
	args := make([]any, 0, len(anomalies)*argsPerRow)
	for i, a := range anomalies {
		base := i * argsPerRow
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)

		detailsJSON, _ := json.Marshal(a.Details)
		args = append(args, a.Type, a.Severity, nullIfEmpty(a.MessageID), nullIfEmpty(a.ConsumerID),
			a.QueueName, jsonbOrEmpty(detailsJSON, "{}"))
	}

	if _, err := s.writePool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert anomalies: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, queueName string, since time.Time, limit int) ([]*domain.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, type, severity, message_id, consumer_id, queue_name, details, created_at
		FROM anomalies WHERE created_at >= $1`
	args := []any{since}
	if queueName != "" {
		query += " AND queue_name = $2 ORDER BY id DESC LIMIT $3"
		args = append(args, queueName, limit)
	} else {
		query += " ORDER BY id DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.readerPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Anomaly
	for rows.Next() {
		a := &domain.Anomaly{}
		var messageID, consumerID *string
		var detailsJSON []byte
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &messageID, &consumerID, &a.QueueName, &detailsJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if messageID != nil {
			a.MessageID = *messageID
		}
		if consumerID != nil {
			a.ConsumerID = *consumerID
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentAnomalyExists backs the burst_dequeue dedup rule in spec §4.9
// ("if over threshold AND no identical anomaly recorded for this consumer
// within the window, record one").
func (s *PostgresStore) RecentAnomalyExists(ctx context.Context, anomalyType, consumerID string, since time.Time) (bool, error) {
	var exists bool
	err := s.readerPool().QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM anomalies
			WHERE type = $1 AND consumer_id = $2 AND created_at >= $3
		)
	`, anomalyType, consumerID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent anomaly: %w", err)
	}
	return exists, nil
}
