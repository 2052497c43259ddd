// Package domain holds the data types shared across the Relay engine
// components. Nothing in this package touches Postgres or HTTP directly.
package domain

import (
	"encoding/json"
	"time"
)

// MessageStatus is the lifecycle state of a message row.
type MessageStatus string

const (
	StatusQueued       MessageStatus = "queued"
	StatusProcessing   MessageStatus = "processing"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusDead         MessageStatus = "dead"
	StatusArchived     MessageStatus = "archived"
)

// IsTerminal reports whether the engine will never move a row out of this
// status on its own (only an explicit administrative move operation can).
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusAcknowledged, StatusDead, StatusArchived:
		return true
	}
	return false
}

// Message is a single durable queue row (spec §3.1).
type Message struct {
	ID                string          `json:"id"`
	QueueName         string          `json:"queue_name"`
	Type              string          `json:"type,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	PayloadRef        string          `json:"payload_ref,omitempty"` // set when payload was offloaded to blob storage
	PayloadSize       int             `json:"payload_size"`
	Priority          int             `json:"priority"`
	OriginalPriority  int             `json:"original_priority"`
	Status            MessageStatus   `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	AckTimeoutSeconds int             `json:"ack_timeout_seconds"`
	LockToken         string          `json:"lock_token,omitempty"`
	LockedUntil       *time.Time      `json:"locked_until,omitempty"`
	ConsumerID        string          `json:"consumer_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	DequeuedAt        *time.Time      `json:"dequeued_at,omitempty"`
	AcknowledgedAt    *time.Time      `json:"acknowledged_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
}

// AttemptsRemaining returns how many more claims this message may survive
// before it is eligible for the dead-letter partition.
func (m *Message) AttemptsRemaining() int {
	remaining := m.MaxAttempts - m.AttemptCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Claim is the result of a successful Dequeue Core selection. LockToken is
// the fencing token the consumer must present on ack/nack/touch.
type Claim struct {
	Message              *Message  `json:"message"`
	LockToken            string    `json:"lock_token"`
	AttemptCount         int       `json:"attempt_count"`
	ProcessingStartedAt  time.Time `json:"processing_started_at"`
}
