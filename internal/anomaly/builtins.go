package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymq/relay/internal/domain"
)

// Thresholds configure the built-in detectors (spec §4.9). Registry.New
// seeds DefaultThresholds unless overridden via WithThresholds.
type Thresholds struct {
	FlashThresholdMs      int64
	ZombieMultiplier      float64
	NearDLQThreshold      int
	LongProcessMultiplier float64
	BurstThresholdCount   int
	BurstThresholdSeconds int64
	BulkThreshold         int
	LargePayloadBytes     int
}

// DefaultThresholds mirror the defaults named throughout spec §4.9.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FlashThresholdMs:      1000,
		ZombieMultiplier:      2,
		NearDLQThreshold:      1,
		LongProcessMultiplier: 1,
		BurstThresholdCount:   50,
		BurstThresholdSeconds: 10,
		BulkThreshold:         100,
		LargePayloadBytes:     1 << 20,
	}
}

func builtins(r *Registry) []Detector {
	t := r.thresholds
	return []Detector{
		flashMessageDetector{t},
		zombieMessageDetector{t},
		nearDLQDetector{t},
		dlqMovementDetector{},
		longProcessingDetector{t},
		lockStolenDetector{},
		burstDequeueDetector{t, r},
		bulkOpDetector{t},
		largePayloadDetector{t},
		queueClearedDetector{},
	}
}

type flashMessageDetector struct{ t Thresholds }

func (flashMessageDetector) Name() string          { return domain.AnomalyFlashMessage }
func (flashMessageDetector) Description() string    { return "message claimed almost immediately after enqueue" }
func (flashMessageDetector) Events() []Event        { return []Event{EventDequeue} }
func (flashMessageDetector) EnabledByDefault() bool { return true }
func (d flashMessageDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.TimeInQueue.Milliseconds() >= d.t.FlashThresholdMs {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:       domain.AnomalyFlashMessage,
		Severity:   domain.SeverityInfo,
		MessageID:  messageID(c.Message),
		ConsumerID: c.ConsumerID,
		Details:    map[string]any{"time_in_queue_ms": c.TimeInQueue.Milliseconds()},
	}, nil
}

type zombieMessageDetector struct{ t Thresholds }

func (zombieMessageDetector) Name() string          { return domain.AnomalyZombie }
func (zombieMessageDetector) Description() string    { return "reaped message overdue far past its expected timeout" }
func (zombieMessageDetector) Events() []Event        { return []Event{EventReap} }
func (zombieMessageDetector) EnabledByDefault() bool { return true }
func (d zombieMessageDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	threshold := time.Duration(float64(c.ExpectedTimeout) * d.t.ZombieMultiplier)
	if c.OverdueDuration <= threshold {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:      domain.AnomalyZombie,
		Severity:  domain.SeverityCritical,
		MessageID: messageID(c.Message),
		Details:   map[string]any{"overdue_ms": c.OverdueDuration.Milliseconds()},
	}, nil
}

type nearDLQDetector struct{ t Thresholds }

func (nearDLQDetector) Name() string          { return domain.AnomalyNearDLQ }
func (nearDLQDetector) Description() string    { return "message is within threshold attempts of dead-lettering" }
func (nearDLQDetector) Events() []Event        { return []Event{EventNack, EventDequeue} }
func (nearDLQDetector) EnabledByDefault() bool { return true }
func (d nearDLQDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.AttemptsLeft > d.t.NearDLQThreshold {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:       domain.AnomalyNearDLQ,
		Severity:   domain.SeverityWarning,
		MessageID:  messageID(c.Message),
		ConsumerID: c.ConsumerID,
		Details:    map[string]any{"attempts_remaining": c.AttemptsLeft},
	}, nil
}

type dlqMovementDetector struct{}

func (dlqMovementDetector) Name() string          { return domain.AnomalyDLQMovement }
func (dlqMovementDetector) Description() string    { return "message transitioned to dead" }
func (dlqMovementDetector) Events() []Event        { return []Event{EventNack} }
func (dlqMovementDetector) EnabledByDefault() bool { return true }
func (dlqMovementDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.Message == nil || c.Message.Status != domain.StatusDead {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:      domain.AnomalyDLQMovement,
		Severity:  domain.SeverityWarning,
		MessageID: messageID(c.Message),
	}, nil
}

type longProcessingDetector struct{ t Thresholds }

func (longProcessingDetector) Name() string          { return domain.AnomalyLongProcess }
func (longProcessingDetector) Description() string    { return "ack took unusually long relative to the ack timeout" }
func (longProcessingDetector) Events() []Event        { return []Event{EventAck} }
func (longProcessingDetector) EnabledByDefault() bool { return true }
func (d longProcessingDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.Message == nil {
		return nil, nil
	}
	threshold := time.Duration(d.t.LongProcessMultiplier * float64(c.Message.AckTimeoutSeconds) * 500 * float64(time.Millisecond))
	if c.ProcessingTime <= threshold {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:      domain.AnomalyLongProcess,
		Severity:  domain.SeverityWarning,
		MessageID: messageID(c.Message),
		Details:   map[string]any{"processing_time_ms": c.ProcessingTime.Milliseconds()},
	}, nil
}

type lockStolenDetector struct{}

func (lockStolenDetector) Name() string          { return domain.AnomalyLockStolen }
func (lockStolenDetector) Description() string    { return "presented fencing token did not match the row's current token" }
func (lockStolenDetector) Events() []Event        { return []Event{EventAck, EventNack} }
func (lockStolenDetector) EnabledByDefault() bool { return true }
func (lockStolenDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.PresentedToken == "" || c.PresentedToken == c.CurrentToken {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:       domain.AnomalyLockStolen,
		Severity:   domain.SeverityCritical,
		MessageID:  messageID(c.Message),
		ConsumerID: c.ConsumerID,
	}, nil
}

type burstDequeueDetector struct {
	t Thresholds
	r *Registry
}

func (burstDequeueDetector) Name() string          { return domain.AnomalyBurstDequeue }
func (burstDequeueDetector) Description() string    { return "consumer claimed an unusually high number of messages in a short window" }
func (burstDequeueDetector) Events() []Event        { return []Event{EventDequeue} }
func (burstDequeueDetector) EnabledByDefault() bool { return true }
func (d burstDequeueDetector) Detect(ctx context.Context, c Context) (*domain.Anomaly, error) {
	if c.Stats == nil {
		return nil, nil
	}
	since := c.Now.Add(-time.Duration(d.t.BurstThresholdSeconds) * time.Second)
	count := c.Stats.CountSince(since)
	if count < d.t.BurstThresholdCount {
		return nil, nil
	}
	if d.r.store != nil {
		if exists, err := d.r.statsDedup(ctx, c.ConsumerID, since); err == nil && exists {
			return nil, nil
		}
	}
	return &domain.Anomaly{
		Type:       domain.AnomalyBurstDequeue,
		Severity:   domain.SeverityWarning,
		ConsumerID: c.ConsumerID,
		Details:    map[string]any{"count": count, "window_seconds": d.t.BurstThresholdSeconds},
	}, nil
}

func (r *Registry) statsDedup(ctx context.Context, consumerID string, since time.Time) (bool, error) {
	return r.store.RecentAnomalyExists(ctx, domain.AnomalyBurstDequeue, consumerID, since)
}

type bulkOpDetector struct{ t Thresholds }

func (bulkOpDetector) Name() string          { return "bulk_op" }
func (bulkOpDetector) Description() string    { return "bulk delete/move/enqueue affected an unusually large number of rows" }
func (bulkOpDetector) Events() []Event        { return []Event{EventBulkOp} }
func (bulkOpDetector) EnabledByDefault() bool { return true }
func (d bulkOpDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.AffectedCount <= d.t.BulkThreshold {
		return nil, nil
	}
	anomalyType := fmt.Sprintf("bulk_%s", c.BulkOp)
	severity := domain.SeverityWarning
	if c.BulkOp == "enqueue" {
		severity = domain.SeverityInfo
	}
	return &domain.Anomaly{
		Type:     anomalyType,
		Severity: severity,
		Details:  map[string]any{"affected_count": c.AffectedCount},
	}, nil
}

type largePayloadDetector struct{ t Thresholds }

func (largePayloadDetector) Name() string          { return domain.AnomalyLargePayload }
func (largePayloadDetector) Description() string    { return "enqueued payload exceeds the configured size threshold" }
func (largePayloadDetector) Events() []Event        { return []Event{EventEnqueue} }
func (largePayloadDetector) EnabledByDefault() bool { return true }
func (d largePayloadDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	if c.Message == nil || c.Message.PayloadSize <= d.t.LargePayloadBytes {
		return nil, nil
	}
	return &domain.Anomaly{
		Type:      domain.AnomalyLargePayload,
		Severity:  domain.SeverityWarning,
		MessageID: messageID(c.Message),
		Details:   map[string]any{"payload_size": c.Message.PayloadSize},
	}, nil
}

type queueClearedDetector struct{}

func (queueClearedDetector) Name() string          { return domain.AnomalyQueueCleared }
func (queueClearedDetector) Description() string    { return "a queue clear operation ran" }
func (queueClearedDetector) Events() []Event        { return []Event{EventClear} }
func (queueClearedDetector) EnabledByDefault() bool { return true }
func (queueClearedDetector) Detect(_ context.Context, c Context) (*domain.Anomaly, error) {
	return &domain.Anomaly{
		Type:     domain.AnomalyQueueCleared,
		Severity: domain.SeverityCritical,
		Details:  map[string]any{"affected_count": c.AffectedCount},
	}, nil
}

func messageID(m *domain.Message) string {
	if m == nil {
		return ""
	}
	return m.ID
}
