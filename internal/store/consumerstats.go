package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaymq/relay/internal/domain"
)

func (s *PostgresStore) GetConsumerStats(ctx context.Context, consumerID string) (*domain.ConsumerStats, error) {
	cs := &domain.ConsumerStats{ConsumerID: consumerID}
	var recentJSON []byte
	err := s.readerPool().QueryRow(ctx, `
		SELECT total_dequeued, total_acknowledged, total_failed, last_dequeue_at, last_ack_at, recent_dequeues
		FROM consumer_stats WHERE consumer_id = $1
	`, consumerID).Scan(&cs.TotalDequeued, &cs.TotalAcked, &cs.TotalFailed, &cs.LastDequeueAt, &cs.LastAckAt, &recentJSON)
	if err == pgx.ErrNoRows {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consumer stats: %w", err)
	}
	_ = json.Unmarshal(recentJSON, &cs.RecentDequeues)
	return cs, nil
}

// RecordDequeue upserts the consumer row, pushing `at` into the
// RecentDequeueWindow-bounded ring (spec §3.5, §4.9 "Consumer stats
// update"). The ring is trimmed in Go, not SQL, since JSONB has no native
// bounded-array append.
func (s *PostgresStore) RecordDequeue(ctx context.Context, consumerID string, at time.Time) error {
	stats, err := s.GetConsumerStats(ctx, consumerID)
	if err != nil {
		return err
	}
	stats.PushDequeue(at)
	recentJSON, _ := json.Marshal(stats.RecentDequeues)

	_, err = s.writePool.Exec(ctx, `
		INSERT INTO consumer_stats (consumer_id, total_dequeued, last_dequeue_at, recent_dequeues)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (consumer_id) DO UPDATE SET
			total_dequeued = consumer_stats.total_dequeued + 1,
			last_dequeue_at = $2,
			recent_dequeues = $3
	`, consumerID, at, recentJSON)
	if err != nil {
		return fmt.Errorf("record dequeue stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAck(ctx context.Context, consumerID string, at time.Time) error {
	_, err := s.writePool.Exec(ctx, `
		INSERT INTO consumer_stats (consumer_id, total_acknowledged, last_ack_at, recent_dequeues)
		VALUES ($1, 1, $2, '[]')
		ON CONFLICT (consumer_id) DO UPDATE SET
			total_acknowledged = consumer_stats.total_acknowledged + 1,
			last_ack_at = $2
	`, consumerID, at)
	if err != nil {
		return fmt.Errorf("record ack stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, consumerID string) error {
	_, err := s.writePool.Exec(ctx, `
		INSERT INTO consumer_stats (consumer_id, total_failed, recent_dequeues)
		VALUES ($1, 1, '[]')
		ON CONFLICT (consumer_id) DO UPDATE SET
			total_failed = consumer_stats.total_failed + 1
	`, consumerID)
	if err != nil {
		return fmt.Errorf("record failure stats: %w", err)
	}
	return nil
}
