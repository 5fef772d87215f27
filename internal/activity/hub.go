package activity

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stashpool/stashpool/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans audit entries out to WebSocket subscribers. Slow subscribers
// are dropped rather than blocked on; the feed is a convenience view, the
// table is the record.
type Hub struct {
	mu   sync.Mutex
	subs map[chan *storage.ActivityEntry]struct{}
	log  *logrus.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		subs: make(map[chan *storage.ActivityEntry]struct{}),
		log:  log,
	}
}

// Broadcast delivers an entry to every subscriber that can take it now.
func (h *Hub) Broadcast(e *storage.ActivityEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *Hub) subscribe() chan *storage.ActivityEntry {
	ch := make(chan *storage.ActivityEntry, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan *storage.ActivityEntry) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams entries as JSON messages
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("activity feed upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Warnf("activity feed write: %v", err)
				}
				return
			}
		}
	}
}
