// Package push fans queue lifecycle events out to connected clients over
// websockets.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/wolfeidau/title-cache/queue"
	"github.com/wolfeidau/title-cache/telemetry"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber event backlog.
	DefaultSubscriberBuffer = 64

	writeTimeout = 10 * time.Second
)

// Message is the websocket frame sent for every event.
type Message struct {
	Event queue.EventKind `json:"event"`
	Data  queue.Event     `json:"data"`
}

// Filter narrows the events a subscriber receives. Empty fields match all.
type Filter struct {
	JobID string
}

func (f Filter) match(ev queue.Event) bool {
	return f.JobID == "" || f.JobID == ev.JobID
}

// Subscriber receives events matching its filter.
type Subscriber struct {
	ch     chan queue.Event
	filter Filter
}

// C returns the subscriber's event channel. It is closed when the
// subscriber is removed or the hub stops.
func (s *Subscriber) C() <-chan queue.Event {
	return s.ch
}

// Hub distributes events to subscribers. Slow subscribers lose events
// rather than holding up the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
	buffer int
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithSubscriberBuffer sets the per-subscriber backlog.
func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: DefaultSubscriberBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "push")
	return h
}

// Run publishes every event from events until the channel is closed or ctx
// is done, then closes all subscribers.
func (h *Hub) Run(ctx context.Context, events <-chan queue.Event) {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev queue.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			telemetry.RecordEventDropped(context.Background(), string(ev.Kind), "push")
		}
	}
}

// Subscribe registers a subscriber. The returned subscriber's channel is
// already closed if the hub has stopped.
func (h *Hub) Subscribe(filter Filter) *Subscriber {
	s := &Subscriber{ch: make(chan queue.Event, h.buffer), filter: filter}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// Messages. The optional "job" query parameter limits the stream to one job.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sub := h.Subscribe(Filter{JobID: r.URL.Query().Get("job")})
	defer h.Unsubscribe(sub)

	// clients only listen; CloseRead handles control frames and reports disconnects
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("subscriber connected", "remote", r.RemoteAddr, "subscribers", h.Count())

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			msg, err := json.Marshal(Message{Event: ev.Kind, Data: ev})
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("subscriber write failed", "error", err)
				return
			}
		}
	}
}
