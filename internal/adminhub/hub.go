// Package adminhub broadcasts live StatsSnapshot updates to connected
// WebSocket clients, for an operator dashboard watching tree/session
// load in real time. Grounded on the teacher's chat-stream hub pattern
// in internal/streaming/chat_stream_hub.go (a per-subscriber send
// channel drained by its own goroutine, unregistered on write failure
// or context cancellation), simplified from "one hub per chat
// replaying an event log" down to "one hub broadcasting the same
// snapshot to every subscriber" since there is no per-chat stream here,
// only a single process-wide load signal.
package adminhub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/messaging"
)

// Hub fans a StatsSnapshot out to every connected WebSocket client.
type Hub struct {
	log *logger.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
}

type subscriber struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

// New builds an empty Hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		log:         log.WithComponent("adminhub"),
		subscribers: make(map[string]*subscriber),
	}
}

// Upgrader is the default websocket.Upgrader for the /admin/ws endpoint,
// permissive on origin since this is an internal operator surface.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register adds conn as a subscriber under id and starts its write pump.
// The caller owns reading conn (typically just to detect close).
func (h *Hub) Register(id string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn, sendCh: make(chan []byte, 16)}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	go h.writePump(id, sub)
	h.log.Info("adminhub: subscriber connected", "id", id)
}

// Unregister drops id, closing its send channel so writePump exits.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.sendCh)
	}
}

func (h *Hub) writePump(id string, sub *subscriber) {
	defer sub.conn.Close()
	for payload := range sub.sendCh {
		sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn("adminhub: write failed, dropping subscriber", "id", id, "error", err.Error())
			h.Unregister(id)
			return
		}
	}
}

// Broadcast encodes snap and enqueues it on every connected subscriber's
// send channel, dropping it for any subscriber whose channel is full
// rather than blocking the broadcaster on a slow client.
func (h *Hub) Broadcast(snap messaging.StatsSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		select {
		case sub.sendCh <- payload:
		default:
			h.log.Warn("adminhub: subscriber backlogged, dropping update", "id", id)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
