package status

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var _ Publisher = (*Hub)(nil)

// DefaultSubscriberBuffer is the per-subscriber event buffer of a [Hub].
const DefaultSubscriberBuffer = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithSubscriberBuffer overrides [DefaultSubscriberBuffer].
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows websocket connections from the given origins in
// addition to same-origin requests.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans events out to in-process subscribers. Delivery never blocks: an
// event is dropped for a subscriber whose buffer is full.
//
// Hub is safe for concurrent use.
type Hub struct {
	buffer  int
	origins []string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest map[string]Event
	closed bool

	dropped atomic.Int64
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer: DefaultSubscriberBuffer,
		subs:   make(map[*Subscription]struct{}),
		latest: make(map[string]Event),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription receives events from a [Hub].
type Subscription struct {
	hub     *Hub
	session string
	ch      chan Event
	once    sync.Once
}

// C returns the event channel. It is closed by [Subscription.Unsubscribe]
// and when the hub closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe detaches the subscription. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.hub.subs, s)
		close(s.ch)
	})
}

// Subscribe returns a subscription to events of session, or of every
// session when session is empty. The latest known state event of each
// matching session is delivered first.
func (h *Hub) Subscribe(session string) *Subscription {
	s := &Subscription{hub: h, session: session, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	for id, e := range h.latest {
		if session == "" || id == session {
			s.ch <- e
			if len(s.ch) == cap(s.ch) {
				break
			}
		}
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish implements [Publisher]. It never blocks.
func (h *Hub) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if e.Type == TypeState {
		h.latest[e.Session] = e
	}
	for s := range h.subs {
		if s.session != "" && s.session != e.Session {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Latest returns the most recent state event of session.
func (h *Hub) Latest(session string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.latest[session]
	return e, ok
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of events dropped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.closeLocked()
	}
}

// ServeWS upgrades the request to a websocket and streams events as JSON
// text messages until the client goes away or the hub closes. The optional
// "session" query parameter restricts the stream to one session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("status: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := h.Subscribe(r.URL.Query().Get("session"))
	defer sub.Unsubscribe()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				slog.Debug("status: websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
