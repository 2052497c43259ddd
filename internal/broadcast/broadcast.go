// Package broadcast implements the Change Broadcaster: a poll-based,
// in-memory snapshot-diff loop that pushes incremental add/remove events to
// subscribers without relying on database triggers (spec §4.10).
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/store"
)

// DefaultPollInterval and DefaultLookback mirror spec §4.10's defaults.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultLookback     = 5 * time.Minute
	DefaultLimit        = 500
)

// Direction distinguishes an add from a remove event for a (queue, status) key.
type Direction string

const (
	DirectionAdd    Direction = "add"
	DirectionRemove Direction = "remove"
)

// eventTypeForAdd maps a status to its add-direction event type (spec §4.10 step 4).
var eventTypeForAdd = map[domain.MessageStatus]string{
	domain.StatusQueued:       "enqueue",
	domain.StatusProcessing:   "dequeue",
	domain.StatusAcknowledged: "acknowledge",
	domain.StatusDead:         "move_to_dlq",
	domain.StatusArchived:     "archive",
}

// eventTypeForRemove is the symmetric mapping for the remove direction.
var eventTypeForRemove = map[domain.MessageStatus]string{
	domain.StatusQueued:       "dequeue_from_queued",
	domain.StatusProcessing:   "leave_processing",
	domain.StatusAcknowledged: "purge_acknowledged",
	domain.StatusDead:         "purge_dead",
	domain.StatusArchived:     "purge_archived",
}

// Change is one diffed event emitted to subscribers.
type Change struct {
	QueueName string
	Status    domain.MessageStatus
	Direction Direction
	EventType string
	Count     int
	IDs       []string
	Summaries []MessageSummary
}

// MessageSummary is the compact per-message payload carried with add events.
type MessageSummary struct {
	ID        string
	Type      string
	Priority  int
	QueueName string
	Status    domain.MessageStatus
}

type snapshotKey struct {
	queue  string
	status domain.MessageStatus
}

type snapshot struct {
	ids  map[string]struct{}
	rows map[string]*domain.Message
}

// Broadcaster runs the single shared poll loop while any subscriber exists.
type Broadcaster struct {
	store        store.MessageStore
	pollInterval time.Duration
	lookback     time.Duration
	limit        int

	mu          sync.Mutex
	subscribers map[int]func(Change)
	nextID      int
	running     bool
	firstPass   bool
	prev        map[snapshotKey]snapshot
	stopCh      chan struct{}
	polling     bool // re-entry guard
}

// Option configures a Broadcaster at construction time.
type Option func(*Broadcaster)

func WithPollInterval(d time.Duration) Option { return func(b *Broadcaster) { b.pollInterval = d } }
func WithLookback(d time.Duration) Option     { return func(b *Broadcaster) { b.lookback = d } }
func WithLimit(n int) Option                  { return func(b *Broadcaster) { b.limit = n } }

// New constructs a Broadcaster. The poll loop does not start until the
// first Subscribe call.
func New(s store.MessageStore, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:        s,
		pollInterval: DefaultPollInterval,
		lookback:     DefaultLookback,
		limit:        DefaultLimit,
		subscribers:  make(map[int]func(Change)),
		prev:         make(map[snapshotKey]snapshot),
	}
	return b
}

// Subscribe registers callback to receive every diffed Change. The first
// subscription starts the poll loop; the returned unsubscribe stops it once
// the last subscriber leaves and clears the stored snapshot (spec §4.10).
func (b *Broadcaster) Subscribe(ctx context.Context, callback func(Change)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = callback
	startLoop := !b.running
	if startLoop {
		b.running = true
		b.firstPass = true
		b.stopCh = make(chan struct{})
	}
	stopCh := b.stopCh
	b.mu.Unlock()

	if startLoop {
		go b.loop(ctx, stopCh)
	}

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		empty := len(b.subscribers) == 0
		if empty && b.running {
			b.running = false
			close(b.stopCh)
			b.prev = make(map[snapshotKey]snapshot)
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.poll(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) poll(ctx context.Context) {
	b.mu.Lock()
	if b.polling {
		b.mu.Unlock()
		return
	}
	b.polling = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.polling = false
		b.mu.Unlock()
	}()

	since := time.Now().Add(-b.lookback)
	rows, err := b.store.RecentMessages(ctx, since, b.limit)
	if err != nil {
		logging.Op().Warn("broadcaster poll failed", "error", err)
		return
	}

	current := make(map[snapshotKey]snapshot)
	for _, m := range rows {
		key := snapshotKey{queue: m.QueueName, status: m.Status}
		snap, ok := current[key]
		if !ok {
			snap = snapshot{ids: make(map[string]struct{}), rows: make(map[string]*domain.Message)}
			current[key] = snap
		}
		snap.ids[m.ID] = struct{}{}
		snap.rows[m.ID] = m
	}

	b.mu.Lock()
	prev := b.prev
	firstPass := b.firstPass
	b.firstPass = false
	b.prev = current
	subs := make([]func(Change), 0, len(b.subscribers))
	for _, cb := range b.subscribers {
		subs = append(subs, cb)
	}
	b.mu.Unlock()

	if firstPass {
		return
	}

	changes := diff(prev, current)
	for _, c := range changes {
		for _, cb := range subs {
			cb(c)
		}
	}
}

func diff(prev, current map[snapshotKey]snapshot) []Change {
	var changes []Change

	keys := make(map[snapshotKey]struct{})
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range current {
		keys[k] = struct{}{}
	}

	for key := range keys {
		prevSnap := prev[key]
		curSnap := current[key]

		var added, removed []string
		for id := range curSnap.ids {
			if _, ok := prevSnap.ids[id]; !ok {
				added = append(added, id)
			}
		}
		for id := range prevSnap.ids {
			if _, ok := curSnap.ids[id]; !ok {
				removed = append(removed, id)
			}
		}

		if len(added) > 0 {
			var summaries []MessageSummary
			for _, id := range added {
				if m := curSnap.rows[id]; m != nil {
					summaries = append(summaries, MessageSummary{ID: m.ID, Type: m.Type, Priority: m.Priority, QueueName: m.QueueName, Status: m.Status})
				}
			}
			changes = append(changes, Change{
				QueueName: key.queue, Status: key.status, Direction: DirectionAdd,
				EventType: eventTypeForAdd[key.status], Count: len(added), IDs: added, Summaries: summaries,
			})
		}
		if len(removed) > 0 {
			changes = append(changes, Change{
				QueueName: key.queue, Status: key.status, Direction: DirectionRemove,
				EventType: eventTypeForRemove[key.status], Count: len(removed), IDs: removed,
			})
		}
	}

	return changes
}
