package domain

import "time"

// ActivityEntry is one append-only row in the activity trail (spec §3.3).
type ActivityEntry struct {
	ID               int64             `json:"id"`
	Action           string            `json:"action"`
	MessageID        string            `json:"message_id,omitempty"`
	MessageType      string            `json:"message_type,omitempty"`
	ConsumerID       string            `json:"consumer_id,omitempty"`
	QueueName        string            `json:"queue_name"`
	PayloadSize      int               `json:"payload_size,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms,omitempty"`
	AttemptCount     int               `json:"attempt_count,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Activity actions recorded by the engine. Kept as an open set of strings
// (not an enum) because anomaly detectors and admin tooling extend it.
const (
	ActionEnqueue      = "enqueue"
	ActionEnqueueBatch = "enqueue_batch"
	ActionDequeue      = "dequeue"
	ActionAck          = "ack"
	ActionNack         = "nack"
	ActionTouch        = "touch"
	ActionRequeue      = "requeue"
	ActionDLQ          = "dlq_movement"
	ActionMove         = "move"
	ActionPurge        = "purge"
	ActionClear        = "clear"
)
