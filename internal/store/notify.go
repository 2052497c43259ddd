package store

import (
	"context"
	"fmt"

	"github.com/relaymq/relay/internal/logging"
)

// Subscribe multiplexes a single dedicated connection's LISTEN across every
// in-process subscriber for a channel, per spec §4.1 and §5. The first
// subscriber for a channel starts a listen loop on a connection acquired
// from the write pool and held until the store closes or the loop hits a
// notification error; subsequent subscribers for the same channel reuse it.
// A loop that stopped on an error is not restarted.
func (s *PostgresStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)

	s.listenMu.Lock()
	_, alreadyListening := s.listeners[channel]
	s.listeners[channel] = append(s.listeners[channel], ch)
	s.listenMu.Unlock()

	if !alreadyListening {
		if err := s.startListenLoop(channel); err != nil {
			s.listenMu.Lock()
			delete(s.listeners, channel)
			s.listenMu.Unlock()
			return nil, nil, err
		}
	}

	unsubscribe := func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
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

func (s *PostgresStore) startListenLoop(channel string) error {
	conn, err := s.writePool.Acquire(s.listenCtx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(s.listenCtx, "LISTEN "+pgIdentifier(channel)); err != nil {
		conn.Release()
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(s.listenCtx)
			if err != nil {
				if s.listenCtx.Err() != nil {
					return
				}
				logging.Op().Warn("listen loop error, stopping", "channel", channel, "error", err)
				return
			}
			s.fanOut(channel, n.Payload)
		}
	}()
	return nil
}

func (s *PostgresStore) fanOut(channel, payload string) {
	s.listenMu.Lock()
	subs := append([]chan string(nil), s.listeners[channel]...)
	s.listenMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber drops the event; broadcaster/notify consumers
			// re-derive state by polling or by their next successful read,
			// matching spec §4.10's poll-based design tolerance for misses.
		}
	}
}

// Notify publishes payload on channel via pg_notify, observable by every
// LISTEN-ing connection including other broker instances (spec §6.3).
func (s *PostgresStore) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.writePool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// pgIdentifier wraps a channel name in double quotes as a SQL identifier.
// LISTEN/UNLISTEN do not support bind parameters, and the name is not
// validated or escaped here; channel names in this system are fixed
// constants (see internal/broadcast), never user input.
func pgIdentifier(name string) string {
	return `"` + name + `"`
}
