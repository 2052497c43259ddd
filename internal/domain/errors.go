package domain

import "errors"

// Failure codes are stable strings consumed by transport to map to HTTP
// status (spec §6.1, §7). Defined as sentinel errors so callers can use
// errors.Is while the facade still exposes the bare code string.
var (
	ErrQueueNotFound    = errors.New("QUEUE_NOT_FOUND")
	ErrQueueNotEmpty    = errors.New("QUEUE_NOT_EMPTY")
	ErrQueueExists      = errors.New("QUEUE_ALREADY_EXISTS")
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrInvalidState     = errors.New("INVALID_STATE")
	ErrLockLost         = errors.New("LOCK_LOST")
	ErrUpdateFailed     = errors.New("UPDATE_FAILED")
	ErrValidation       = errors.New("VALIDATION")
	ErrIdempotencyReuse = errors.New("IDEMPOTENCY_KEY_REUSED")
)

// Code extracts the stable failure code from an error returned by the
// engine: "" if err is nil, "INTERNAL" if it is not one of the sentinel
// codes above.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQueueNotFound):
		return "QUEUE_NOT_FOUND"
	case errors.Is(err, ErrQueueNotEmpty):
		return "QUEUE_NOT_EMPTY"
	case errors.Is(err, ErrQueueExists):
		return "QUEUE_ALREADY_EXISTS"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrLockLost):
		return "LOCK_LOST"
	case errors.Is(err, ErrUpdateFailed):
		return "UPDATE_FAILED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrIdempotencyReuse):
		return "IDEMPOTENCY_KEY_REUSED"
	default:
		return "INTERNAL"
	}
}
