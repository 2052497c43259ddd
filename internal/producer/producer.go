// Package producer implements the Producer Path: single and batch enqueue,
// an optional per-queue coalescing buffer, idempotent enqueue, and optional
// large-payload offload to blob storage (spec §4.7, §12).
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaymq/relay/internal/activitylog"
	"github.com/relaymq/relay/internal/anomaly"
	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/idgen"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/notify"
	"github.com/relaymq/relay/internal/observability"
	"github.com/relaymq/relay/internal/registry"
	"github.com/relaymq/relay/internal/store"
)

// Blobstore offloads oversized payloads out of the messages row, per the
// S3 wiring in spec §11/§12. Implemented by internal/blobstore.Store.
type Blobstore interface {
	Put(ctx context.Context, payload []byte) (ref string, err error)
}

// DefaultIdempotencyTTL bounds how long an idempotency key suppresses a
// duplicate enqueue.
const DefaultIdempotencyTTL = 24 * time.Hour

// Producer is the Producer Path.
type Producer struct {
	store    store.MessageStore
	registry *registry.Registry
	activity *activitylog.Recorder
	anomaly  *anomaly.Registry
	notifier notify.Notifier
	blob     Blobstore

	idempotencyTTL    time.Duration
	largePayloadBytes int
}

// Option configures a Producer at construction time.
type Option func(*Producer)

func WithBlobstore(b Blobstore, largePayloadBytes int) Option {
	return func(p *Producer) {
		p.blob = b
		p.largePayloadBytes = largePayloadBytes
	}
}

func WithIdempotencyTTL(d time.Duration) Option { return func(p *Producer) { p.idempotencyTTL = d } }

// New constructs a Producer.
func New(s store.MessageStore, reg *registry.Registry, a *activitylog.Recorder, an *anomaly.Registry, n notify.Notifier, opts ...Option) *Producer {
	if n == nil {
		n = notify.NoopNotifier{}
	}
	p := &Producer{
		store:          s,
		registry:       reg,
		activity:       a,
		anomaly:        an,
		notifier:       n,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue implements spec §4.7's single enqueue.
func (p *Producer) Enqueue(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	ctx, span := observability.StartSpan(ctx, "producer.Enqueue", observability.AttrQueueName.String(m.QueueName))
	defer span.End()

	out, err := p.enqueue(ctx, m)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	observability.SetSpanOK(span)
	return out, nil
}

func (p *Producer) enqueue(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	cfg, err := p.registry.GetConfig(ctx, m.QueueName)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = idgen.MessageID()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = cfg.MaxAttempts
	}
	if m.AckTimeoutSeconds <= 0 {
		m.AckTimeoutSeconds = cfg.AckTimeoutSeconds
	}
	clampPriority(m)

	if err := p.maybeOffload(ctx, m); err != nil {
		return nil, err
	}

	if err := p.store.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", m.QueueName, err)
	}

	p.afterEnqueue(ctx, []*domain.Message{m}, domain.ActionEnqueue)
	return m, nil
}

// EnqueueIdempotent enqueues m unless idempotencyKey was already used
// within the TTL window, in which case it returns the prior message
// (spec §12 supplement, mirroring EnqueueAsyncInvocationWithIdempotency).
func (p *Producer) EnqueueIdempotent(ctx context.Context, m *domain.Message, idempotencyKey string) (*domain.Message, bool, error) {
	if idempotencyKey == "" {
		msg, err := p.Enqueue(ctx, m)
		return msg, false, err
	}

	if existing, err := p.store.FindIdempotentMessage(ctx, idempotencyKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, true, nil
	}

	msg, err := p.Enqueue(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if err := p.store.RecordIdempotencyKey(ctx, idempotencyKey, msg.ID, p.idempotencyTTL); err != nil {
		return nil, false, err
	}
	return msg, false, nil
}

// EnqueueBatch implements spec §4.7's batch enqueue: all messages share a
// queue name and go in with a single multi-values insert.
func (p *Producer) EnqueueBatch(ctx context.Context, queueName string, msgs []*domain.Message) ([]*domain.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	cfg, err := p.registry.GetConfig(ctx, queueName)
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		m.QueueName = queueName
		if m.ID == "" {
			m.ID = idgen.MessageID()
		}
		if m.MaxAttempts <= 0 {
			m.MaxAttempts = cfg.MaxAttempts
		}
		if m.AckTimeoutSeconds <= 0 {
			m.AckTimeoutSeconds = cfg.AckTimeoutSeconds
		}
		clampPriority(m)
		if err := p.maybeOffload(ctx, m); err != nil {
			return nil, err
		}
	}

	if err := p.store.InsertMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("enqueue batch %s: %w", queueName, err)
	}

	p.afterEnqueue(ctx, msgs, domain.ActionEnqueueBatch)
	return msgs, nil
}

func (p *Producer) maybeOffload(ctx context.Context, m *domain.Message) error {
	if p.blob == nil || p.largePayloadBytes <= 0 || len(m.Payload) <= p.largePayloadBytes {
		m.PayloadSize = len(m.Payload)
		return nil
	}
	ref, err := p.blob.Put(ctx, m.Payload)
	if err != nil {
		return fmt.Errorf("offload payload for %s: %w", m.ID, err)
	}
	m.PayloadSize = len(m.Payload)
	m.PayloadRef = ref
	m.Payload = json.RawMessage(`null`)
	return nil
}

func (p *Producer) afterEnqueue(ctx context.Context, msgs []*domain.Message, action string) {
	now := time.Now().UTC()
	metrics.Global().RecordEnqueue(msgs[0].QueueName, len(msgs))

	if len(msgs) == 1 {
		m := msgs[0]
		if p.activity != nil {
			p.activity.Log(ctx, &domain.ActivityEntry{
				Action:      action,
				MessageID:   m.ID,
				MessageType: m.Type,
				QueueName:   m.QueueName,
				PayloadSize: m.PayloadSize,
				CreatedAt:   now,
			})
		}
	} else if p.activity != nil {
		p.activity.Log(ctx, &domain.ActivityEntry{
			Action:    action,
			QueueName: msgs[0].QueueName,
			CreatedAt: now,
			Context:   map[string]string{"count": fmt.Sprint(len(msgs))},
		})
	}

	if p.anomaly != nil {
		for _, m := range msgs {
			p.anomaly.Run(ctx, anomaly.EventEnqueue, anomaly.Context{
				QueueName: m.QueueName,
				Message:   m,
				Now:       now,
			})
		}
		if len(msgs) > 1 {
			p.anomaly.Run(ctx, anomaly.EventBulkOp, anomaly.Context{
				QueueName:     msgs[0].QueueName,
				BulkOp:        "enqueue",
				AffectedCount: len(msgs),
				Now:           now,
			})
		}
	}

	p.notifier.Notify(msgs[0].QueueName)
}

func clampPriority(m *domain.Message) {
	if m.Priority < 0 {
		m.Priority = 0
	}
	m.OriginalPriority = m.Priority
}

// Coalescer buffers single-enqueue requests per queue and flushes them as
// priority-grouped batch inserts (spec §4.7's optional coalescing buffer).
type Coalescer struct {
	producer *Producer
	maxSize  int
	maxWait  time.Duration

	mu      sync.Mutex
	buffers map[string]*queueBuffer
}

type pendingEnqueue struct {
	msg    *domain.Message
	result chan<- enqueueResult
}

type enqueueResult struct {
	msg *domain.Message
	err error
}

type queueBuffer struct {
	entries    []pendingEnqueue
	firstAdded time.Time
	flushing   bool
	rerun      bool
}

// NewCoalescer constructs a Coalescer over an existing Producer.
func NewCoalescer(p *Producer, maxSize int, maxWait time.Duration) *Coalescer {
	return &Coalescer{producer: p, maxSize: maxSize, maxWait: maxWait, buffers: make(map[string]*queueBuffer)}
}

// Enqueue adds m to its queue's buffer and blocks until it is flushed (or
// the context is cancelled), returning its individually resolved result.
// Per spec §4.7 invariant 1, once added it is guaranteed to eventually
// flush or error — it never leaks un-flushed.
func (c *Coalescer) Enqueue(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	resultCh := make(chan enqueueResult, 1)

	c.mu.Lock()
	buf, ok := c.buffers[m.QueueName]
	if !ok {
		buf = &queueBuffer{}
		c.buffers[m.QueueName] = buf
	}
	if len(buf.entries) == 0 {
		buf.firstAdded = time.Now()
	}
	buf.entries = append(buf.entries, pendingEnqueue{msg: m, result: resultCh})
	shouldFlush := len(buf.entries) >= c.maxSize && !buf.flushing
	c.mu.Unlock()

	if shouldFlush {
		go c.flush(context.WithoutCancel(ctx), m.QueueName)
	} else {
		go c.scheduleTimedFlush(m.QueueName, c.maxWait)
	}

	select {
	case res := <-resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coalescer) scheduleTimedFlush(queueName string, after time.Duration) {
	time.Sleep(after)
	c.flush(context.Background(), queueName)
}

// FlushAll forces an immediate flush of every queue's buffer.
func (c *Coalescer) FlushAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.buffers))
	for name := range c.buffers {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.flush(ctx, name)
	}
}

func (c *Coalescer) flush(ctx context.Context, queueName string) {
	c.mu.Lock()
	buf, ok := c.buffers[queueName]
	if !ok || len(buf.entries) == 0 {
		c.mu.Unlock()
		return
	}
	if buf.flushing {
		buf.rerun = true
		c.mu.Unlock()
		return
	}
	buf.flushing = true
	entries := buf.entries
	buf.entries = nil
	c.mu.Unlock()

	byPriority := make(map[int][]pendingEnqueue)
	for _, e := range entries {
		byPriority[e.msg.Priority] = append(byPriority[e.msg.Priority], e)
	}

	for _, group := range byPriority {
		msgs := make([]*domain.Message, len(group))
		for i, e := range group {
			msgs[i] = e.msg
		}
		_, err := c.producer.EnqueueBatch(ctx, queueName, msgs)
		for i, e := range group {
			e.result <- enqueueResult{msg: msgs[i], err: err}
		}
	}

	c.mu.Lock()
	buf.flushing = false
	rerun := buf.rerun
	buf.rerun = false
	c.mu.Unlock()

	if rerun {
		c.flush(ctx, queueName)
	}
}
