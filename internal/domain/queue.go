package domain

import "time"

// QueueType distinguishes the durability/partitioning tier a queue's rows
// live in. "standard" and "unlogged" share the messages table in this
// implementation; partitioned queues additionally carry a retention window.
type QueueType string

const (
	QueueTypeStandard    QueueType = "standard"
	QueueTypeUnlogged    QueueType = "unlogged"
	QueueTypePartitioned QueueType = "partitioned"
)

// QueueConfig is the subset of a queue's definition needed on the hot
// enqueue/dequeue path. Besides the queue name, only type, max_attempts and
// ack_timeout_seconds are ever cached (spec §4.3).
type QueueConfig struct {
	Name              string
	Type              QueueType
	MaxAttempts       int
	AckTimeoutSeconds int
}

// Queue is the full queue definition (spec §3.2). Denormalized counts are
// refreshed lazily and must never be read from the hot-path cache.
type Queue struct {
	Name              string        `json:"name"`
	Type              QueueType     `json:"type"`
	Description       string        `json:"description,omitempty"`
	AckTimeoutSeconds int           `json:"ack_timeout_seconds"`
	MaxAttempts       int           `json:"max_attempts"`
	RetentionSeconds  int           `json:"retention_seconds,omitempty"`
	Paused            bool          `json:"paused"`
	MessageCount      int64         `json:"message_count"`
	ProcessingCount   int64         `json:"processing_count"`
	DeadCount         int64         `json:"dead_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Config projects the full definition down to the hot-path cacheable fields.
func (q *Queue) Config() QueueConfig {
	return QueueConfig{
		Name:              q.Name,
		Type:              q.Type,
		MaxAttempts:       q.MaxAttempts,
		AckTimeoutSeconds: q.AckTimeoutSeconds,
	}
}

// QueueConfigPatch carries the optional fields accepted by update_config;
// nil fields are left unchanged.
type QueueConfigPatch struct {
	Description       *string
	AckTimeoutSeconds *int
	MaxAttempts       *int
	RetentionSeconds  *int
}
