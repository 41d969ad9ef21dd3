package telemetry

import (
	"context"
	"sync/atomic"

	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/id"
)

// Subscription is one viewer of a session stream. It is bound to a single
// connection and must be closed when that connection goes away. Next must
// not be called concurrently.
type Subscription struct {
	ID        id.SubscriberID
	SessionID string

	backlog       []Entry
	ch            chan Entry
	lastDelivered uint64
	dropped       atomic.Uint64

	hub    *Hub
	stream *stream
	closed bool // guarded by stream.mu
}

// Replay returns how many buffered entries are still waiting to be read.
func (s *Subscription) Replay() int { return len(s.backlog) }

// LastDelivered is the sequence of the last entry Next returned.
func (s *Subscription) LastDelivered() uint64 { return s.lastDelivered }

// Dropped counts entries discarded because this viewer fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Next returns the next entry in sequence order: the replay first, then
// live entries. It returns ErrSubscriptionClosed once the subscription or
// its session is gone.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	for len(s.backlog) > 0 {
		e := s.backlog[0]
		s.backlog = s.backlog[1:]
		if e.Sequence > s.lastDelivered {
			s.lastDelivered = e.Sequence
			return e, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case e, ok := <-s.ch:
			if !ok {
				return Entry{}, ErrSubscriptionClosed
			}
			if e.Sequence <= s.lastDelivered {
				continue
			}
			s.lastDelivered = e.Sequence
			return e, nil
		}
	}
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	st := s.stream
	st.mu.Lock()
	wasOpen := !s.closed
	if wasOpen {
		delete(st.subs, s)
		s.closeLocked()
	}
	// A stream nobody published to and nobody watches holds nothing worth
	// keeping.
	idle := wasOpen && !st.closed && len(st.subs) == 0 && st.ring.len() == 0
	if idle {
		st.closed = true
	}
	st.mu.Unlock()

	if wasOpen {
		s.hub.metrics.AddSubscribers(-1)
	}
	if idle {
		s.hub.forget(s.SessionID, st)
	}
}

// offer enqueues e without blocking. When the queue is full the oldest
// queued entry makes room. It reports false when something was dropped.
// Called with stream.mu held.
func (s *Subscription) offer(e Entry) bool {
	select {
	case s.ch <- e:
		return true
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return false
}

// closeLocked is called with stream.mu held.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
