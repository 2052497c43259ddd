// Package activitylog implements the Activity Recorder: a buffered,
// append-only trail of state-changing operations, flushed as a single
// multi-values insert (spec §4.8).
package activitylog

import (
	"context"
	"sync"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/store"
)

// DefaultMaxSize and DefaultFlushInterval mirror spec §4.8's defaults.
const (
	DefaultMaxSize       = 500
	DefaultFlushInterval = 100 * time.Millisecond
)

// Recorder buffers activity entries in-process and flushes them on size or
// timer triggers. Flush failures are logged and dropped; they never
// propagate into the caller's request path.
type Recorder struct {
	store store.ActivityStore

	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	buf    []*domain.ActivityEntry
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Recorder at construction time.
type Option func(*Recorder)

func WithMaxSize(n int) Option { return func(r *Recorder) { r.maxSize = n } }

func WithFlushInterval(d time.Duration) Option { return func(r *Recorder) { r.flushInterval = d } }

// New constructs a Recorder and starts its background flush timer.
func New(s store.ActivityStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:         s,
		maxSize:       DefaultMaxSize,
		flushInterval: DefaultFlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Log appends one entry to the buffer, flushing inline if the buffer has
// reached maxSize.
func (r *Recorder) Log(ctx context.Context, entry *domain.ActivityEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.buf = append(r.buf, entry)
	full := len(r.buf) >= r.maxSize
	r.mu.Unlock()

	if full {
		r.flush(ctx)
	}
}

// LogBatch appends multiple entries at once, as spec §4.8's log_batch.
func (r *Recorder) LogBatch(ctx context.Context, entries []*domain.ActivityEntry) {
	now := time.Now().UTC()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}

	r.mu.Lock()
	r.buf = append(r.buf, entries...)
	full := len(r.buf) >= r.maxSize
	r.mu.Unlock()

	if full {
		r.flush(ctx)
	}
}

func (r *Recorder) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush(context.Background())
		case <-r.stopCh:
			r.flush(context.Background())
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if err := r.store.InsertActivityEntries(ctx, batch); err != nil {
		logging.Op().Warn("activity flush failed, entries dropped", "count", len(batch), "error", err)
	}
}

// Close stops the background flush loop and flushes any remaining entries.
// Per spec §4.8, shutdown must flush the buffer before exit.
func (r *Recorder) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

// List reads activity entries with filters, per spec §4.8's read side.
func (r *Recorder) List(ctx context.Context, f store.ActivityFilter) ([]*domain.ActivityEntry, error) {
	return r.store.ListActivity(ctx, f)
}
