package store

import (
	"context"
	"time"

	"github.com/relaymq/relay/internal/domain"
)

// Store is the Relay-scoped Storage Driver contract (spec §4.1). Every
// engine package (registry, dequeue, ackcore, reaper, producer,
// activitylog, anomaly) depends on this interface, never on *PostgresStore
// directly, so an in-memory fake can stand in for tests (spec §10.4).
type Store interface {
	Health(ctx context.Context) error
	Close() error

	// Subscribe multiplexes LISTEN on a single dedicated connection across
	// all in-process subscribers for the same channel (spec §4.1, §5).
	Subscribe(ctx context.Context, channel string) (ch <-chan string, unsubscribe func(), err error)
	Notify(ctx context.Context, channel, payload string) error

	// WithReaperLock runs fn only while holding the single-holder reaper
	// advisory lock (spec §4.6, §5); acquired is false if another instance
	// already holds it, in which case fn does not run.
	WithReaperLock(ctx context.Context, fn func(ctx context.Context) error) (acquired bool, err error)

	QueueStore
	MessageStore
	ActivityStore
	AnomalyStore
	ConsumerStatsStore
}

// QueueStore backs the Queue Registry (spec §4.3).
type QueueStore interface {
	CreateQueue(ctx context.Context, q *domain.Queue) error
	GetQueue(ctx context.Context, name string, withStats bool) (*domain.Queue, error)
	GetQueueConfig(ctx context.Context, name string) (*domain.QueueConfig, error)
	ListQueues(ctx context.Context) ([]*domain.Queue, error)
	UpdateQueueConfig(ctx context.Context, name string, patch domain.QueueConfigPatch) (*domain.Queue, error)
	RenameQueue(ctx context.Context, name, newName string) (*domain.Queue, error)
	DeleteQueue(ctx context.Context, name string, force bool) error
	PurgeQueue(ctx context.Context, name string, status domain.MessageStatus) (int64, error)
	SetQueuePaused(ctx context.Context, name string, paused bool) error
	IsQueuePaused(ctx context.Context, name string) (bool, error)
}

// MessageStore backs the Producer Path, Dequeue Core, Ack/Nack/Touch Core,
// and Reaper (spec §4.4–§4.7).
type MessageStore interface {
	InsertMessage(ctx context.Context, m *domain.Message) error
	InsertMessages(ctx context.Context, msgs []*domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// ClaimMessage performs the single atomic selection+update described in
	// spec §4.4: pick the highest-priority, oldest-eligible queued row,
	// taking a SKIP LOCKED exclusive lock, and mark it processing in the
	// same statement. Returns nil, nil when nothing is eligible.
	ClaimMessage(ctx context.Context, queue, typeFilter, consumerID string, ackTimeout time.Duration) (*domain.Message, error)

	// AckMessage implements the conditional transition in spec §4.5 Ack.
	// Returns the acknowledged row (for processing_time_ms) or a sentinel
	// domain error (NOT_FOUND, INVALID_STATE, LOCK_LOST, UPDATE_FAILED).
	AckMessage(ctx context.Context, id, lockToken string) (*domain.Message, error)

	// NackMessage implements spec §4.5 Nack, returning the message's new
	// status (queued or dead) and whether it moved to the dead-letter set.
	NackMessage(ctx context.Context, id, lockToken, reason string, globalMaxAttemptsCap int) (msg *domain.Message, wentToDLQ bool, err error)

	// TouchMessage implements spec §4.5 Touch: extend locked_until without
	// rotating lock_token.
	TouchMessage(ctx context.Context, id, lockToken string, extend time.Duration) (newTimeoutAt time.Time, err error)

	// ReapOverdue implements spec §4.6: one batched requeue + one batched
	// DLQ promotion per pass, returning every row that moved plus its
	// pre-reap overdue duration (by message id) so the caller can emit
	// zombie_message anomalies.
	ReapOverdue(ctx context.Context, batchSize int) (requeued, deadLettered []*domain.Message, overdueMs map[string]int64, err error)

	MoveMessages(ctx context.Context, ids []string, fromStatus, toStatus domain.MessageStatus) (int64, error)
	RecentMessages(ctx context.Context, since time.Time, limit int) ([]*domain.Message, error)

	// FindIdempotentMessage looks up a prior enqueue by idempotency key,
	// backing Producer.EnqueueIdempotent (spec §12 supplement).
	FindIdempotentMessage(ctx context.Context, idempotencyKey string) (*domain.Message, error)
	RecordIdempotencyKey(ctx context.Context, idempotencyKey, messageID string, ttl time.Duration) error
}

// ActivityFilter narrows a paginated activity_logs read (spec §4.8).
type ActivityFilter struct {
	QueueName  string
	Action     string
	MessageID  string
	ConsumerID string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// ActivityStore backs the Activity Recorder's read side (spec §4.8).
type ActivityStore interface {
	InsertActivityEntries(ctx context.Context, entries []*domain.ActivityEntry) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]*domain.ActivityEntry, error)
}

// AnomalyStore backs the Anomaly Engine's persistence (spec §4.9).
type AnomalyStore interface {
	InsertAnomalies(ctx context.Context, anomalies []*domain.Anomaly) error
	ListAnomalies(ctx context.Context, queueName string, since time.Time, limit int) ([]*domain.Anomaly, error)
	RecentAnomalyExists(ctx context.Context, anomalyType, consumerID string, since time.Time) (bool, error)
}

// ConsumerStatsStore backs spec §3.5 / §4.9 consumer-stats tracking.
type ConsumerStatsStore interface {
	GetConsumerStats(ctx context.Context, consumerID string) (*domain.ConsumerStats, error)
	RecordDequeue(ctx context.Context, consumerID string, at time.Time) error
	RecordAck(ctx context.Context, consumerID string, at time.Time) error
	RecordFailure(ctx context.Context, consumerID string) error
}
