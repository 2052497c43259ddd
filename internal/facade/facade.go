// Package facade wires the Queue Registry, Dequeue/Ack/Nack Cores, Reaper,
// Producer Path, Activity Recorder, Anomaly Engine, and Change Broadcaster
// into one cohesive API surface (spec §6.1's typed operation table), the way
// the teacher's service package presents a single entry point over its
// lower-level managers.
package facade

import (
	"context"
	"time"

	"github.com/relaymq/relay/internal/ackcore"
	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/broadcast"
	"github.com/relaymq/relay/internal/dequeue"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/producer"
	"github.com/relaymq/relay/internal/reaper"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store"
)

// Relay is the single entry point an API/CLI layer drives.
type Relay struct {
	Registry  *registry.Registry
	Dequeue   *dequeue.Core
	Ack       *ackcore.Core
	Reaper    *reaper.Reaper
	Producer  *producer.Producer
	Coalescer *producer.Coalescer
	Activity  *activitylog.Recorder
	Anomaly   *anomaly.Registry
	Broadcast *broadcast.Broadcaster

	store store.Store
}

// Components bundles the already-constructed engine pieces. Wiring order
// (store -> activity/anomaly -> registry -> dequeue/ack/reaper/producer ->
// broadcast) lives in cmd/relayd, not here.
type Components struct {
	Store     store.Store
	Registry  *registry.Registry
	Dequeue   *dequeue.Core
	Ack       *ackcore.Core
	Reaper    *reaper.Reaper
	Producer  *producer.Producer
	Coalescer *producer.Coalescer
	Activity  *activitylog.Recorder
	Anomaly   *anomaly.Registry
	Broadcast *broadcast.Broadcaster
}

// New assembles a Relay facade from already-constructed components.
func New(c Components) *Relay {
	return &Relay{
		Registry:  c.Registry,
		Dequeue:   c.Dequeue,
		Ack:       c.Ack,
		Reaper:    c.Reaper,
		Producer:  c.Producer,
		Coalescer: c.Coalescer,
		Activity:  c.Activity,
		Anomaly:   c.Anomaly,
		Broadcast: c.Broadcast,
		store:     c.Store,
	}
}

// CreateQueue implements spec §6.1's create_queue operation.
func (r *Relay) CreateQueue(ctx context.Context, q *domain.Queue) error {
	return r.Registry.Create(ctx, q)
}

// GetQueue implements get_queue.
func (r *Relay) GetQueue(ctx context.Context, name string, withStats bool) (*domain.Queue, error) {
	return r.Registry.Get(ctx, name, withStats)
}

// ListQueues implements list_queues.
func (r *Relay) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	return r.Registry.List(ctx)
}

// UpdateQueueConfig implements update_config.
func (r *Relay) UpdateQueueConfig(ctx context.Context, name string, patch domain.QueueConfigPatch) (*domain.Queue, error) {
	return r.Registry.UpdateConfig(ctx, name, patch)
}

// RenameQueue implements rename_queue.
func (r *Relay) RenameQueue(ctx context.Context, name, newName string) (*domain.Queue, error) {
	return r.Registry.Rename(ctx, name, newName)
}

// DeleteQueue implements delete_queue.
func (r *Relay) DeleteQueue(ctx context.Context, name string, force bool) error {
	return r.Registry.Delete(ctx, name, force)
}

// PurgeQueue implements purge_queue.
func (r *Relay) PurgeQueue(ctx context.Context, name string, status domain.MessageStatus) (int64, error) {
	return r.Registry.Purge(ctx, name, status)
}

// SetQueuePaused implements pause_queue/resume_queue.
func (r *Relay) SetQueuePaused(ctx context.Context, name string, paused bool) error {
	return r.Registry.SetPaused(ctx, name, paused)
}

// Enqueue implements enqueue. When the Producer Coalescing Buffer (spec
// §4.7) is configured, single enqueues are routed through it instead of
// hitting the store directly.
func (r *Relay) Enqueue(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	if r.Coalescer != nil {
		return r.Coalescer.Enqueue(ctx, m)
	}
	return r.Producer.Enqueue(ctx, m)
}

// EnqueueIdempotent implements enqueue with an idempotency key.
func (r *Relay) EnqueueIdempotent(ctx context.Context, m *domain.Message, idempotencyKey string) (*domain.Message, bool, error) {
	return r.Producer.EnqueueIdempotent(ctx, m, idempotencyKey)
}

// EnqueueBatch implements enqueue_batch.
func (r *Relay) EnqueueBatch(ctx context.Context, queueName string, msgs []*domain.Message) ([]*domain.Message, error) {
	return r.Producer.EnqueueBatch(ctx, queueName, msgs)
}

// DequeueOptions narrows a single dequeue call (spec §6.1 dequeue).
type DequeueOptions = dequeue.Options

// Dequeue implements dequeue.
func (r *Relay) Dequeue(ctx context.Context, queue string, opts DequeueOptions) (*domain.Claim, error) {
	return r.Dequeue.Dequeue(ctx, queue, opts)
}

// AckMessage implements ack.
func (r *Relay) AckMessage(ctx context.Context, id, lockToken string) (*domain.Message, error) {
	return r.Ack.Ack(ctx, id, lockToken)
}

// NackMessage implements nack.
func (r *Relay) NackMessage(ctx context.Context, id, lockToken, reason string) (*domain.Message, bool, error) {
	return r.Ack.Nack(ctx, id, lockToken, reason)
}

// TouchMessage implements touch.
func (r *Relay) TouchMessage(ctx context.Context, id, lockToken string, extend time.Duration) (time.Time, error) {
	return r.Ack.Touch(ctx, id, lockToken, extend)
}

// MoveMessages implements move_messages (e.g. replaying dead-lettered rows
// back to queued, or bulk-moving rows into dead/archived). Moving into a
// terminal status (dead, archived) counts as a bulk delete for anomaly
// purposes (spec §4.9); anything else counts as a bulk move.
func (r *Relay) MoveMessages(ctx context.Context, ids []string, fromStatus, toStatus domain.MessageStatus) (int64, error) {
	n, err := r.store.MoveMessages(ctx, ids, fromStatus, toStatus)
	if err != nil {
		return 0, err
	}
	if r.Anomaly != nil && n > 0 {
		bulkOp := "move"
		if toStatus == domain.StatusDead || toStatus == domain.StatusArchived {
			bulkOp = "delete"
		}
		r.Anomaly.Run(ctx, anomaly.EventBulkOp, anomaly.Context{
			BulkOp:        bulkOp,
			AffectedCount: int(n),
		})
	}
	return n, nil
}

// RecentActivity implements list_activity.
func (r *Relay) RecentActivity(ctx context.Context, f store.ActivityFilter) ([]*domain.ActivityEntry, error) {
	return r.Activity.List(ctx, f)
}

// RecentAnomalies implements list_anomalies.
func (r *Relay) RecentAnomalies(ctx context.Context, queueName string, since time.Time, limit int) ([]*domain.Anomaly, error) {
	return r.Anomaly.List(ctx, queueName, since, limit)
}

// SubscribeChanges implements subscribe_changes, exposing the Change
// Broadcaster to a transport layer (SSE/WebSocket handler, CLI watch, etc).
func (r *Relay) SubscribeChanges(ctx context.Context, callback func(broadcast.Change)) (unsubscribe func()) {
	return r.Broadcast.Subscribe(ctx, callback)
}

// Health reports storage connectivity for a readiness probe.
func (r *Relay) Health(ctx context.Context) error {
	return r.store.Health(ctx)
}

// Close releases the facade's owned background loops and storage handle.
func (r *Relay) Close() error {
	if r.Coalescer != nil {
		r.Coalescer.FlushAll(context.Background())
	}
	r.Reaper.Stop()
	if r.Activity != nil {
		r.Activity.Close()
	}
	return r.store.Close()
}
