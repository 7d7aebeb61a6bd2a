package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 5 * time.Second

type event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// eventHub fans controller events out to websocket subscribers. A slow or
// dead subscriber is dropped rather than blocking the loop.
type eventHub struct {
	logger *log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newEventHub(logger *log.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *eventHub) broadcast(kind string, payload any) {
	msg, err := json.Marshal(event{Type: kind, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		h.logger.Printf("events: marshal %s: %v", kind, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

func (h *eventHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (s *Server) handleEventsWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.hub.add(conn)
	defer s.hub.remove(conn)

	// Inbound messages are ignored; the read loop only notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
