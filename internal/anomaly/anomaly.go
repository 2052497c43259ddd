// Package anomaly implements the Anomaly Engine: a pluggable detector
// registry invoked from every state-changing engine path, persisting
// results through store.AnomalyStore in one batched insert per event
// (spec §4.9).
package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/store"
)

// Event names a point in the engine where detectors may fire.
type Event string

const (
	EventDequeue Event = "dequeue"
	EventAck     Event = "ack"
	EventNack    Event = "nack"
	EventReap    Event = "reap"
	EventEnqueue Event = "enqueue"
	EventBulkOp  Event = "bulk_op"
	EventClear   Event = "clear"
)

// Context carries everything a detector might need; most fields are unused
// by any single detector.
type Context struct {
	QueueName        string
	Message          *domain.Message
	ConsumerID       string
	PresentedToken   string
	CurrentToken     string
	TimeInQueue      time.Duration
	ProcessingTime   time.Duration
	OverdueDuration  time.Duration
	ExpectedTimeout  time.Duration
	AttemptsLeft     int
	AffectedCount    int
	BulkOp           string
	Stats            *domain.ConsumerStats
	Now              time.Time
}

// Detector is a pluggable anomaly check.
type Detector interface {
	Name() string
	Description() string
	Events() []Event
	EnabledByDefault() bool
	Detect(ctx context.Context, c Context) (*domain.Anomaly, error)
}

type registration struct {
	detector Detector
	enabled  bool
}

// Registry holds the {name -> detector} table and an event -> []name
// inverted index, per spec §4.9.
type Registry struct {
	mu         sync.RWMutex
	detectors  map[string]*registration
	byEvent    map[Event][]string
	store      store.AnomalyStore
	statsStore store.ConsumerStatsStore
	thresholds Thresholds
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithThresholds overrides the built-in detectors' thresholds (spec §6.4's
// anomaly options). Without it, DefaultThresholds applies.
func WithThresholds(t Thresholds) Option {
	return func(r *Registry) { r.thresholds = t }
}

// New constructs a Registry with every built-in detector registered and
// enabled per its EnabledByDefault.
func New(anomalyStore store.AnomalyStore, statsStore store.ConsumerStatsStore, opts ...Option) *Registry {
	r := &Registry{
		detectors:  make(map[string]*registration),
		byEvent:    make(map[Event][]string),
		store:      anomalyStore,
		statsStore: statsStore,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, d := range builtins(r) {
		r.Register(d)
	}
	return r
}

// Register adds (or replaces) a detector, enabled according to its
// EnabledByDefault.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.Name()] = &registration{detector: d, enabled: d.EnabledByDefault()}
	for _, e := range d.Events() {
		r.byEvent[e] = append(r.byEvent[e], d.Name())
	}
}

// Unregister removes a detector entirely.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.detectors, name)
	for e, names := range r.byEvent {
		out := names[:0]
		for _, n := range names {
			if n != name {
				out = append(out, n)
			}
		}
		r.byEvent[e] = out
	}
}

// SetEnabled toggles a registered detector without removing it.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.detectors[name]; ok {
		reg.enabled = enabled
	}
}

// Run invokes every enabled detector registered for event, batching all
// resulting anomalies into a single insert. A per-detector failure is
// logged and skipped so one buggy detector cannot poison the pipeline.
func (r *Registry) Run(ctx context.Context, event Event, c Context) []*domain.Anomaly {
	if c.Now.IsZero() {
		c.Now = time.Now().UTC()
	}

	r.mu.RLock()
	names := append([]string(nil), r.byEvent[event]...)
	regs := make(map[string]*registration, len(names))
	for _, n := range names {
		regs[n] = r.detectors[n]
	}
	r.mu.RUnlock()

	var found []*domain.Anomaly
	for _, n := range names {
		reg, ok := regs[n]
		if !ok || !reg.enabled {
			continue
		}
		a, err := reg.detector.Detect(ctx, c)
		if err != nil {
			logging.Op().Warn("anomaly detector failed", "detector", n, "event", event, "error", err)
			continue
		}
		if a == nil {
			continue
		}
		a.QueueName = c.QueueName
		found = append(found, a)
		metrics.Global().RecordAnomaly(a.Type, string(a.Severity))
	}

	if len(found) > 0 && r.store != nil {
		if err := r.store.InsertAnomalies(ctx, found); err != nil {
			logging.Op().Warn("anomaly batch insert failed", "event", event, "count", len(found), "error", err)
		}
	}
	return found
}

// List returns recent anomalies, optionally scoped to a queue.
func (r *Registry) List(ctx context.Context, queueName string, since time.Time, limit int) ([]*domain.Anomaly, error) {
	return r.store.ListAnomalies(ctx, queueName, since, limit)
}
