// Package broadcast fans pipeline output out to live subscribers.
//
// Every subscriber owns a bounded queue drained by its own goroutine, so a
// slow or stuck subscriber loses events instead of stalling Publish.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vesaa/cloudmetrics/internal/models"
)

// Kind names an event on the real-time channel.
type Kind string

const (
	KindMetrics Kind = "metrics:update"
	KindAlerts  Kind = "alerts:new"
)

// Event is one message delivered to subscribers.
type Event struct {
	Kind Kind `json:"event"`
	Data any  `json:"data"`
}

// Handler receives events. Handle is called from the subscriber's own
// goroutine, one event at a time, in publish order.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(ev Event) { f(ev) }

// Token identifies a subscription.
type Token string

type subscriber struct {
	token   Token
	handler Handler
	queue   chan Event
	done    chan struct{}
}

// Hub is the set of live subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Token]*subscriber
	buffer int
	closed bool
	log    *slog.Logger
}

// NewHub returns a hub whose subscribers queue up to buffer events each.
func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:   make(map[Token]*subscriber),
		buffer: buffer,
		log:    log.With("module", "broadcast"),
	}
}

// Subscribe registers handler for every event published from now on.
// Earlier events are not replayed.
func (h *Hub) Subscribe(handler Handler) Token {
	s := &subscriber{
		token:   Token(uuid.NewString()),
		handler: handler,
		queue:   make(chan Event, h.buffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.done)
		return s.token
	}
	h.subs[s.token] = s
	n := len(h.subs)
	h.mu.Unlock()

	subscribers.Set(float64(n))
	go h.drain(s)
	h.log.Debug("subscriber added", "token", s.token, "subscribers", n)
	return s.token
}

// Unsubscribe removes the subscription. Queued events not yet handled are
// discarded. It reports whether tok was subscribed.
func (h *Hub) Unsubscribe(tok Token) bool {
	h.mu.Lock()
	s, ok := h.subs[tok]
	if ok {
		delete(h.subs, tok)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	close(s.done)
	subscribers.Set(float64(n))
	h.log.Debug("subscriber removed", "token", tok, "subscribers", n)
	return true
}

// Publish queues ev for every subscriber without blocking. Subscribers whose
// queue is full miss the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.queue <- ev:
		default:
			dropped.WithLabelValues(string(ev.Kind)).Inc()
			h.log.Warn("subscriber queue full, event dropped", "token", s.token, "event", ev.Kind)
		}
	}
	published.WithLabelValues(string(ev.Kind)).Inc()
}

// BroadcastMetrics publishes one metrics:update for the whole batch.
func (h *Hub) BroadcastMetrics(batch []models.Metric) {
	updates := make([]models.MetricUpdate, 0, len(batch))
	for i := range batch {
		updates = append(updates, batch[i].Update())
	}
	h.Publish(Event{Kind: KindMetrics, Data: updates})
}

// BroadcastAlerts publishes one alerts:new event. Empty batches are skipped.
func (h *Hub) BroadcastAlerts(batch []models.Alert) {
	if len(batch) == 0 {
		return
	}
	h.Publish(Event{Kind: KindAlerts, Data: batch})
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscriber. Later Subscribe calls get a dead token.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[Token]*subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	subscribers.Set(0)
}

func (h *Hub) drain(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			h.deliver(s, ev)
		}
	}
}

func (h *Hub) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscriber handler panicked", "token", s.token, "event", ev.Kind, "panic", r)
		}
	}()
	s.handler.Handle(ev)
}
