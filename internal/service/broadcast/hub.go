// Package broadcast provides the per-session live fan-out of transcript
// fragments and risk flags to attached viewers.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("broadcast hub closed")

// DefaultBuffer is the per-subscriber buffer size used when none is given.
const DefaultBuffer = 64

// Subscription is one viewer's attachment to a hub. Events are delivered
// on Events() in publish order; the channel is closed on Unsubscribe or
// when the hub closes.
type Subscription struct {
	id      uint64
	ch      chan models.LiveEvent
	hub     *Hub
	dropped atomic.Uint64
	lagging atomic.Bool
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan models.LiveEvent { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Lagging reports whether the subscriber has ever overflowed its buffer.
func (s *Subscription) Lagging() bool { return s.lagging.Load() }

// Close detaches the subscription from its hub. Idempotent.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// Hub fans events out from a single producer to many subscribers. Publish
// never blocks: when a subscriber's buffer is full the oldest buffered
// event is dropped and the subscriber is marked lagging.
type Hub struct {
	sessionID string
	buffer    int
	metrics   *metrics.Metrics

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub for one session.
func NewHub(sessionID string, buffer int, opts ...Option) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h := &Hub{
		sessionID: sessionID,
		buffer:    buffer,
		metrics:   metrics.DefaultMetrics,
		subs:      make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a new subscriber. It receives only events published
// after it attached.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	s := &Subscription{
		id:  h.nextID,
		ch:  make(chan models.LiveEvent, h.buffer),
		hub: h,
	}
	h.subs[s.id] = s
	h.metrics.RecordSubscriberDelta(1)
	return s, nil
}

// Unsubscribe detaches s and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
	h.metrics.RecordSubscriberDelta(-1)
}

// Publish stamps ev with the session id and the next sequence number and
// delivers it to every attached subscriber. It returns the sequence
// number, or 0 if the hub is closed.
func (h *Hub) Publish(ev models.LiveEvent) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.seq++
	ev.Seq = h.seq
	ev.SessionID = h.sessionID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	for _, s := range h.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Buffer full: drop the oldest event to make room.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			h.metrics.RecordBroadcastDrop()
		default:
		}
		s.lagging.Store(true)
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.metrics.RecordBroadcastDrop()
		}
	}
	return ev.Seq
}

// PublishFragment publishes a transcript fragment, interim or final.
func (h *Hub) PublishFragment(f models.TranscriptFragment) uint64 {
	return h.Publish(models.LiveEvent{Kind: models.EventKindFragment, Fragment: &f})
}

// PublishFlag publishes a risk flag.
func (h *Hub) PublishFlag(f models.RiskFlag) uint64 {
	return h.Publish(models.LiveEvent{Kind: models.EventKindFlag, Flag: &f})
}

// PublishState publishes a session state change.
func (h *Hub) PublishState(state string) uint64 {
	return h.Publish(models.LiveEvent{Kind: models.EventKindState, State: state})
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
		h.metrics.RecordSubscriberDelta(-1)
	}
}
