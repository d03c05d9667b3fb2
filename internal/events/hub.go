package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecoach/internal/session"
)

var _ session.Observer = (*Hub)(nil)

const (
	subscriberBuffer  = 32
	defaultWriteLimit = 5 * time.Second
)

// Hub broadcasts events to websocket subscribers. A subscriber that falls
// behind by more than its buffer loses the oldest pending events rather than
// stalling the controller.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
	last *Event
}

// NewHub creates an empty hub. A nil logger means slog.Default().
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[chan Event]struct{})}
}

// OnStateChange implements [session.Observer].
func (h *Hub) OnStateChange(c session.Change) {
	h.Publish(FromChange(c))
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &e
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Full: discard the oldest. Only Publish sends, and it holds
			// h.mu, so the retry finds room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber. The most recent event, if any, is
// delivered first. Call the returned function to unsubscribe; it closes the
// channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades to a websocket and streams events as JSON text messages
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("events: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error("events: marshal", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, defaultWriteLimit)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug("events: subscriber write failed", "err", err)
				return
			}
		}
	}
}
