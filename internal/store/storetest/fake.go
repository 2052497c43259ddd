// Package storetest provides an in-memory implementation of store.Store
// for testing the engine packages without a live Postgres instance,
// matching the teacher's convention of testing asyncqueue/cache/queue
// against lightweight in-process fakes rather than live backends.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaymq/relay/internal/domain"
	"github.com/relaymq/relay/internal/idgen"
	"github.com/relaymq/relay/internal/store"
)

// Store is a goroutine-safe, in-memory stand-in for store.Store.
type Store struct {
	mu sync.Mutex

	queues         map[string]*domain.Queue
	messages       map[string]*domain.Message
	activity       []*domain.ActivityEntry
	anomalies      []*domain.Anomaly
	consumerStats  map[string]*domain.ConsumerStats
	idempotency    map[string]idempotencyEntry
	reaperLockHeld bool

	listeners map[string][]chan string
}

type idempotencyEntry struct {
	messageID string
	expiresAt time.Time
}

func New() *Store {
	return &Store{
		queues:        make(map[string]*domain.Queue),
		messages:      make(map[string]*domain.Message),
		consumerStats: make(map[string]*domain.ConsumerStats),
		idempotency:   make(map[string]idempotencyEntry),
		listeners:     make(map[string][]chan string),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Health(context.Context) error { return nil }
func (s *Store) Close() error                 { return nil }

func (s *Store) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, 16)
	s.listeners[channel] = append(s.listeners[channel], ch)
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.listeners[channel]
		for i, c := range subs {
			if c == ch {
				s.listeners[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

func (s *Store) Notify(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	subs := append([]chan string(nil), s.listeners[channel]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *Store) WithReaperLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	s.mu.Lock()
	if s.reaperLockHeld {
		s.mu.Unlock()
		return false, nil
	}
	s.reaperLockHeld = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reaperLockHeld = false
		s.mu.Unlock()
	}()
	return true, fn(ctx)
}

// --- Queue Registry ---

func (s *Store) CreateQueue(_ context.Context, q *domain.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[q.Name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrQueueExists, q.Name)
	}
	now := time.Now().UTC()
	cp := *q
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.queues[q.Name] = &cp
	return nil
}

func (s *Store) GetQueue(_ context.Context, name string, withStats bool) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	cp := *q
	if withStats {
		s.fillCountsLocked(&cp)
	}
	return &cp, nil
}

func (s *Store) fillCountsLocked(q *domain.Queue) {
	var msgCount, processing, dead int64
	for _, m := range s.messages {
		if m.QueueName != q.Name {
			continue
		}
		switch m.Status {
		case domain.StatusQueued, domain.StatusProcessing:
			msgCount++
		}
		if m.Status == domain.StatusProcessing {
			processing++
		}
		if m.Status == domain.StatusDead {
			dead++
		}
	}
	q.MessageCount, q.ProcessingCount, q.DeadCount = msgCount, processing, dead
}

func (s *Store) GetQueueConfig(_ context.Context, name string) (*domain.QueueConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	cfg := q.Config()
	return &cfg, nil
}

func (s *Store) ListQueues(context.Context) ([]*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateQueueConfig(_ context.Context, name string, patch domain.QueueConfigPatch) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if patch.Description != nil {
		q.Description = *patch.Description
	}
	if patch.AckTimeoutSeconds != nil {
		q.AckTimeoutSeconds = *patch.AckTimeoutSeconds
	}
	if patch.MaxAttempts != nil {
		q.MaxAttempts = *patch.MaxAttempts
	}
	if patch.RetentionSeconds != nil {
		q.RetentionSeconds = *patch.RetentionSeconds
	}
	q.UpdatedAt = time.Now().UTC()
	cp := *q
	return &cp, nil
}

func (s *Store) RenameQueue(_ context.Context, name, newName string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if _, exists := s.queues[newName]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueExists, newName)
	}
	q.Name = newName
	q.UpdatedAt = time.Now().UTC()
	delete(s.queues, name)
	s.queues[newName] = q
	for _, m := range s.messages {
		if m.QueueName == name {
			m.QueueName = newName
		}
	}
	cp := *q
	return &cp, nil
}

func (s *Store) DeleteQueue(_ context.Context, name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	if !force {
		for _, m := range s.messages {
			if m.QueueName == name && (m.Status == domain.StatusQueued || m.Status == domain.StatusProcessing) {
				return fmt.Errorf("%w: %s", domain.ErrQueueNotEmpty, name)
			}
		}
	}
	delete(s.queues, name)
	for id, m := range s.messages {
		if m.QueueName == name {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *Store) PurgeQueue(_ context.Context, name string, status domain.MessageStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.QueueName != name {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		delete(s.messages, id)
		n++
	}
	return n, nil
}

func (s *Store) SetQueuePaused(_ context.Context, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	q.Paused = paused
	return nil
}

func (s *Store) IsQueuePaused(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrQueueNotFound, name)
	}
	return q.Paused, nil
}

// --- Messages ---

func (s *Store) InsertMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = idgen.MessageID()
	}
	m.CreatedAt = time.Now().UTC()
	m.PayloadSize = len(m.Payload)
	m.OriginalPriority = m.Priority
	m.Status = domain.StatusQueued
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) InsertMessages(ctx context.Context, msgs []*domain.Message) error {
	for _, m := range msgs {
		if err := s.InsertMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ClaimMessage(_ context.Context, queue, typeFilter, consumerID string, ackTimeout time.Duration) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Message
	for _, m := range s.messages {
		if m.QueueName != queue || m.Status != domain.StatusQueued {
			continue
		}
		if typeFilter != "" && m.Type != typeFilter {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	m := candidates[0]
	now := time.Now().UTC()
	m.Status = domain.StatusProcessing
	m.LockToken = idgen.LockToken()
	until := now.Add(ackTimeout)
	m.LockedUntil = &until
	m.ConsumerID = consumerID
	m.DequeuedAt = &now
	m.AttemptCount++
	cp := *m
	return &cp, nil
}

func (s *Store) AckMessage(_ context.Context, id, lockToken string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if m.Status != domain.StatusProcessing {
		return nil, fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, id, m.Status)
	}
	if lockToken != "" && m.LockToken != lockToken {
		return nil, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}
	now := time.Now().UTC()
	m.Status = domain.StatusAcknowledged
	m.AcknowledgedAt = &now
	m.LockToken = ""
	m.LockedUntil = nil
	cp := *m
	return &cp, nil
}

func (s *Store) NackMessage(_ context.Context, id, lockToken, reason string, globalMaxAttemptsCap int) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if m.Status != domain.StatusProcessing {
		return nil, false, fmt.Errorf("%w: message %s is %s", domain.ErrInvalidState, id, m.Status)
	}
	if lockToken != "" && m.LockToken != lockToken {
		return nil, false, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}

	effectiveMax := m.MaxAttempts
	if globalMaxAttemptsCap > 0 && globalMaxAttemptsCap < effectiveMax {
		effectiveMax = globalMaxAttemptsCap
	}
	m.LastError = reason
	m.LockToken = ""
	m.LockedUntil = nil
	m.ConsumerID = ""

	dead := m.AttemptCount >= effectiveMax
	if dead {
		m.Status = domain.StatusDead
	} else {
		m.Status = domain.StatusQueued
		m.Priority = m.OriginalPriority
		m.DequeuedAt = nil
	}
	cp := *m
	return &cp, dead, nil
}

func (s *Store) TouchMessage(_ context.Context, id, lockToken string, extend time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if m.Status != domain.StatusProcessing || m.LockToken != lockToken {
		return time.Time{}, fmt.Errorf("%w: message %s", domain.ErrLockLost, id)
	}
	until := time.Now().UTC().Add(extend)
	m.LockedUntil = &until
	return until, nil
}

func (s *Store) ReapOverdue(_ context.Context, batchSize int) ([]*domain.Message, []*domain.Message, map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	var overdue []*domain.Message
	for _, m := range s.messages {
		if m.Status == domain.StatusProcessing && m.LockedUntil != nil && m.LockedUntil.Before(now) {
			overdue = append(overdue, m)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].LockedUntil.Before(*overdue[j].LockedUntil) })
	if len(overdue) > batchSize {
		overdue = overdue[:batchSize]
	}

	overdueMs := make(map[string]int64, len(overdue))
	var requeued, deadLettered []*domain.Message
	for _, m := range overdue {
		overdueMs[m.ID] = now.Sub(*m.LockedUntil).Milliseconds()
		if m.AttemptCount >= m.MaxAttempts {
			m.Status = domain.StatusDead
			m.LastError = "Timeout after max attempts"
			m.LockToken = ""
			m.LockedUntil = nil
			m.ConsumerID = ""
			cp := *m
			deadLettered = append(deadLettered, &cp)
		} else {
			m.Status = domain.StatusQueued
			m.Priority = m.OriginalPriority
			m.LastError = "Timeout - requeued"
			m.LockToken = ""
			m.LockedUntil = nil
			m.ConsumerID = ""
			m.DequeuedAt = nil
			cp := *m
			requeued = append(requeued, &cp)
		}
	}
	return requeued, deadLettered, overdueMs, nil
}

func (s *Store) MoveMessages(_ context.Context, ids []string, fromStatus, toStatus domain.MessageStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Status != fromStatus {
			continue
		}
		switch toStatus {
		case domain.StatusProcessing:
			m.LockToken = idgen.LockToken()
			until := now.Add(30 * time.Second)
			m.LockedUntil = &until
			m.ConsumerID = "admin:manual"
			m.DequeuedAt = &now
		default:
			m.LockToken = ""
			m.LockedUntil = nil
		}
		m.Status = toStatus
		n++
	}
	return n, nil
}

func (s *Store) RecentMessages(_ context.Context, since time.Time, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.CreatedAt.Before(since) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindIdempotentMessage(_ context.Context, idempotencyKey string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.idempotency[idempotencyKey]
	if !ok || entry.expiresAt.Before(time.Now().UTC()) {
		return nil, nil
	}
	m, ok := s.messages[entry.messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) RecordIdempotencyKey(_ context.Context, idempotencyKey, messageID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.idempotency[idempotencyKey]; exists {
		return nil
	}
	s.idempotency[idempotencyKey] = idempotencyEntry{messageID: messageID, expiresAt: time.Now().UTC().Add(ttl)}
	return nil
}

// --- Activity ---

func (s *Store) InsertActivityEntries(_ context.Context, entries []*domain.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		cp.ID = int64(len(s.activity) + 1)
		s.activity = append(s.activity, &cp)
	}
	return nil
}

func (s *Store) ListActivity(_ context.Context, f store.ActivityFilter) ([]*domain.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ActivityEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if f.QueueName != "" && e.QueueName != f.QueueName {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.MessageID != "" && e.MessageID != f.MessageID {
			continue
		}
		if f.ConsumerID != "" && e.ConsumerID != f.ConsumerID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Anomalies ---

func (s *Store) InsertAnomalies(_ context.Context, anomalies []*domain.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, a := range anomalies {
		cp := *a
		cp.ID = int64(len(s.anomalies) + 1)
		cp.CreatedAt = now
		s.anomalies = append(s.anomalies, &cp)
	}
	return nil
}

func (s *Store) ListAnomalies(_ context.Context, queueName string, since time.Time, limit int) ([]*domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Anomaly
	for i := len(s.anomalies) - 1; i >= 0; i-- {
		a := s.anomalies[i]
		if a.CreatedAt.Before(since) {
			continue
		}
		if queueName != "" && a.QueueName != queueName {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RecentAnomalyExists(_ context.Context, anomalyType, consumerID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anomalies {
		if a.Type == anomalyType && a.ConsumerID == consumerID && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// --- Consumer stats ---

func (s *Store) GetConsumerStats(_ context.Context, consumerID string) (*domain.ConsumerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.consumerStats[consumerID]
	if !ok {
		return &domain.ConsumerStats{ConsumerID: consumerID}, nil
	}
	cp := *cs
	cp.RecentDequeues = append([]time.Time(nil), cs.RecentDequeues...)
	return &cp, nil
}

func (s *Store) statsLocked(consumerID string) *domain.ConsumerStats {
	cs, ok := s.consumerStats[consumerID]
	if !ok {
		cs = &domain.ConsumerStats{ConsumerID: consumerID}
		s.consumerStats[consumerID] = cs
	}
	return cs
}

func (s *Store) RecordDequeue(_ context.Context, consumerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(consumerID).PushDequeue(at)
	return nil
}

func (s *Store) RecordAck(_ context.Context, consumerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.statsLocked(consumerID)
	cs.TotalAcked++
	cs.LastAckAt = &at
	return nil
}

func (s *Store) RecordFailure(_ context.Context, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(consumerID).TotalFailed++
	return nil
}
