package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/id"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize = 1000
	DefaultQueueSize  = 256
)

var (
	ErrHubClosed          = errors.New("telemetry hub closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrEmptySession       = errors.New("session id is required")
)

// Publisher accepts log entries for a session. Implementations never fail
// the caller: the agent must keep running when nobody is watching.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, e Entry)
	Available() bool
}

// ChannelState describes whether a session currently has viewers.
type ChannelState string

const (
	StateNoSubscribers ChannelState = "no_subscribers"
	StateStreaming     ChannelState = "streaming"
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records hub activity on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// stream is one session's buffer and viewers. mu serializes appends,
// snapshots and subscriber changes, which is what keeps replay and live
// delivery gap-free.
type stream struct {
	mu      sync.Mutex
	ring    *ring
	nextSeq uint64
	subs    map[*Subscription]struct{}
	closed  bool
}

// Hub buffers log entries per session and fans them out to live viewers.
type Hub struct {
	bufferSize int
	queueSize  int
	logger     *zap.Logger
	metrics    *monitoring.Metrics
	now        func() time.Time

	mu        sync.RWMutex
	streams   map[string]*stream
	published uint64
	dropped   uint64
	closed    bool
}

// NewHub creates a hub. bufferSize is the replay depth per session and
// queueSize the per-subscriber backlog before old entries are dropped.
func NewHub(bufferSize, queueSize int, opts ...Option) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{
		bufferSize: bufferSize,
		queueSize:  queueSize,
		logger:     zap.NewNop(),
		now:        time.Now,
		streams:    make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Available implements Publisher.
func (h *Hub) Available() bool { return true }

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, sessionID string, e Entry) {
	_, _ = h.Append(sessionID, e)
}

// Append stores e and delivers it to the session's subscribers. It returns
// the entry as stored, with its sequence and timestamp filled in. Append
// never blocks on a slow subscriber.
func (h *Hub) Append(sessionID string, e Entry) (Entry, error) {
	if sessionID == "" {
		return Entry{}, ErrEmptySession
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	e.SessionID = sessionID

	for {
		s, err := h.stream(sessionID, true)
		if err != nil {
			return Entry{}, err
		}

		s.mu.Lock()
		if s.closed {
			// Dropped between lookup and lock; the next lookup makes a fresh one.
			s.mu.Unlock()
			continue
		}
		s.nextSeq++
		e.Sequence = s.nextSeq
		s.ring.push(e)

		dropped := 0
		for sub := range s.subs {
			if !sub.offer(e) {
				dropped++
			}
		}
		s.mu.Unlock()

		h.mu.Lock()
		h.published++
		h.dropped += uint64(dropped)
		h.mu.Unlock()

		h.metrics.IncPublished()
		h.metrics.AddDropped(dropped)
		return e, nil
	}
}

// Subscribe registers a viewer that first receives the buffered entries
// and then live ones.
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	return h.SubscribeSince(sessionID, 0)
}

// SubscribeSince is Subscribe for a viewer that has already seen every
// entry up to sequence since.
func (h *Hub) SubscribeSince(sessionID string, since uint64) (*Subscription, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}

	for {
		s, err := h.stream(sessionID, true)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		sub := &Subscription{
			ID:            id.NewSubscriberID(),
			SessionID:     sessionID,
			backlog:       s.ring.since(since, 0),
			ch:            make(chan Entry, h.queueSize),
			lastDelivered: since,
			hub:           h,
			stream:        s,
		}
		s.subs[sub] = struct{}{}
		s.mu.Unlock()

		h.metrics.AddSubscribers(1)
		h.logger.Debug("subscriber joined",
			zap.String("session_id", sessionID),
			zap.String("subscriber_id", sub.ID.String()),
			zap.Int("replay", len(sub.backlog)),
		)
		return sub, nil
	}
}

// History returns up to limit of the newest buffered entries after
// sequence since, oldest first.
func (h *Hub) History(sessionID string, limit int, since uint64) []Entry {
	s, _ := h.stream(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.since(since, limit)
}

// Len returns the number of buffered entries for a session.
func (h *Hub) Len(sessionID string) int {
	s, _ := h.stream(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len()
}

// State reports whether a session has live viewers.
func (h *Hub) State(sessionID string) ChannelState {
	s, _ := h.stream(sessionID, false)
	if s == nil {
		return StateNoSubscribers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return StateNoSubscribers
	}
	return StateStreaming
}

// Drop discards a session's buffer and closes its subscriptions.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	sessions := len(h.streams)
	h.mu.Unlock()

	if !ok {
		return
	}
	n := s.shutdown()
	h.metrics.SetTelemetrySessions(sessions)
	h.metrics.AddSubscribers(-n)
	h.logger.Debug("session stream dropped", zap.String("session_id", sessionID), zap.Int("subscribers", n))
}

// Sessions returns the ids of sessions with a buffer.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.streams))
	for sid := range h.streams {
		ids = append(ids, sid)
	}
	return ids
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	streams := make([]*stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	stats := Stats{
		Sessions:  len(h.streams),
		Published: h.published,
		Dropped:   h.dropped,
	}
	h.mu.RUnlock()

	for _, s := range streams {
		s.mu.Lock()
		stats.Subscribers += len(s.subs)
		s.mu.Unlock()
	}
	return stats
}

// Close drops every session. Later calls to Append and Subscribe fail with
// ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*stream)
	h.closed = true
	h.mu.Unlock()

	total := 0
	for _, s := range streams {
		total += s.shutdown()
	}
	h.metrics.SetTelemetrySessions(0)
	h.metrics.AddSubscribers(-total)
}

func (h *Hub) stream(sessionID string, create bool) (*stream, error) {
	h.mu.RLock()
	s, ok := h.streams[sessionID]
	closed := h.closed
	h.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrHubClosed
	}
	if !create {
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if s, ok := h.streams[sessionID]; ok {
		return s, nil
	}
	s = &stream{
		ring: newRing(h.bufferSize),
		subs: make(map[*Subscription]struct{}),
	}
	h.streams[sessionID] = s
	h.metrics.SetTelemetrySessions(len(h.streams))
	return s, nil
}

// forget removes s from the index if it is still the session's stream.
func (h *Hub) forget(sessionID string, s *stream) {
	h.mu.Lock()
	if h.streams[sessionID] != s {
		h.mu.Unlock()
		return
	}
	delete(h.streams, sessionID)
	sessions := len(h.streams)
	h.mu.Unlock()

	h.metrics.SetTelemetrySessions(sessions)
}

// shutdown closes every subscription and marks the stream dead. It returns
// how many subscriptions it closed.
func (s *stream) shutdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	n := len(s.subs)
	for sub := range s.subs {
		sub.closeLocked()
	}
	s.subs = nil
	return n
}
