package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/observability/statsd"
)

var (
	// ErrSlowSubscriber is reported by a subscription evicted for falling behind.
	ErrSlowSubscriber = errors.New("subscriber evicted: event queue overflowed")
	// ErrHubClosed is returned when subscribing to a closed hub.
	ErrHubClosed = errors.New("notification hub closed")
)

const (
	defaultSubscriberBuffer = 64
	defaultMaxOverflow      = 32
)

// HubOptions configure the notification hub.
type HubOptions struct {
	// Buffer is the per-subscriber queue depth.
	Buffer int
	// MaxOverflow is the number of consecutive publishes that may find a
	// subscriber's queue full before the subscriber is evicted.
	MaxOverflow int
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// Subscription is one live observer of job events. Events are delivered on
// Events until the subscription is removed, at which point the channel closes.
type Subscription struct {
	id string
	ch chan model.NotificationEvent

	// guarded by Hub.mu
	overflow int

	errMu sync.Mutex
	err   error
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive side of the subscriber queue.
func (s *Subscription) Events() <-chan model.NotificationEvent { return s.ch }

// Err reports why the subscription was closed by the hub, if it was evicted.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Hub fans job events out to every subscriber registered at publish time.
// Delivery is at most once per subscriber and never blocks the publisher.
type Hub struct {
	buffer      int
	maxOverflow int
	logger      *slog.Logger
	metrics     statsd.Sink

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub constructs a notification hub.
func NewHub(opts HubOptions) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	maxOverflow := opts.MaxOverflow
	if maxOverflow <= 0 {
		maxOverflow = defaultMaxOverflow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		buffer:      buffer,
		maxOverflow: maxOverflow,
		logger:      logger.With("component", "notification_hub"),
		metrics:     opts.Metrics,
		subs:        make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber. It only receives events published after it returns.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan model.NotificationEvent, h.buffer),
	}
	h.subs[sub.id] = sub
	h.gauge()
	return sub, nil
}

// Unsubscribe removes the subscriber. It is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	drainAndClose(sub.ch)
	h.gauge()
}

// Publish offers ev to every current subscriber without blocking. A full
// queue drops its oldest event to make room; a subscriber that stays full for
// more than MaxOverflow consecutive publishes is evicted.
func (h *Hub) Publish(_ context.Context, ev model.NotificationEvent) error {
	h.Broadcast(ev)
	return nil
}

// Broadcast delivers ev and returns how many subscribers accepted it.
func (h *Hub) Broadcast(ev model.NotificationEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	delivered := 0
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
			sub.overflow = 0
			delivered++
			continue
		default:
		}

		// Queue full: discard the oldest pending event and retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
		sub.overflow++
		h.count("hub.event_dropped")

		if sub.overflow > h.maxOverflow {
			delete(h.subs, id)
			sub.setErr(ErrSlowSubscriber)
			drainAndClose(sub.ch)
			h.count("hub.subscriber_evicted")
			h.logger.Warn("evicted slow subscriber",
				"subscription_id", id,
				"consecutive_overflow", sub.overflow,
			)
		}
	}

	h.gauge()
	return delivered
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		drainAndClose(sub.ch)
		delete(h.subs, id)
	}
	h.gauge()
}

func (h *Hub) count(name string) {
	if h.metrics != nil {
		h.metrics.Count(name, 1, nil)
	}
}

// gauge must be called with h.mu held.
func (h *Hub) gauge() {
	if h.metrics != nil {
		h.metrics.Gauge("hub.subscribers", float64(len(h.subs)), nil)
	}
}

// drainAndClose removes any buffered events before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan model.NotificationEvent) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}
