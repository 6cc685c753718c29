// Package events streams scan state transitions to WebSocket subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one scan state transition.
type Event struct {
	RunID  string    `json:"runId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
	// Final marks the last event of a run; subscribers are closed after it.
	Final bool `json:"final"`
}

// sendBuffer bounds the events queued for one subscriber. A subscriber
// that falls this far behind is dropped.
const sendBuffer = 16

const writeWait = 2 * time.Second

// subscriber owns one connection. Only its write loop writes to ws.
type subscriber struct {
	ws   *websocket.Conn
	send chan []byte
	// closed is set under Hub.mu once send has been closed.
	closed bool
}

func newSubscriber(ws *websocket.Conn) *subscriber {
	return &subscriber{ws: ws, send: make(chan []byte, sendBuffer)}
}

// writeLoop drains send onto the socket. When send is closed it writes a
// close frame and closes the connection.
func (s *subscriber) writeLoop(logger *slog.Logger) {
	for b := range s.send {
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			logger.Debug("event write failed", "error", err)
			_ = s.ws.Close()
			for range s.send {
			}
			return
		}
	}
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = s.ws.Close()
}

// Hub fans events out to the subscribers of each run. Publish only queues
// under the lock; socket writes happen on each subscriber's own goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*websocket.Conn]*subscriber
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*websocket.Conn]*subscriber),
		logger: logger,
	}
}

func (h *Hub) subscribeLocked(runID string, sub *subscriber) {
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*websocket.Conn]*subscriber)
		h.subs[runID] = set
	}
	set[sub.ws] = sub
}

// attach queues the current state and subscribes ws in one step, so no
// transition published in between is lost. It reports false when the run
// is unknown. A finished run gets its final event and is then closed.
func (h *Hub) attach(runID string, ws *websocket.Conn, snapshot Snapshot) bool {
	h.mu.Lock()
	current, ok := snapshot(runID)
	if !ok {
		h.mu.Unlock()
		return false
	}
	b, err := json.Marshal(current)
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("failed to marshal event", "run_id", runID, "error", err)
		return false
	}
	sub := newSubscriber(ws)
	sub.send <- b
	if current.Final {
		sub.closed = true
		close(sub.send)
	} else {
		h.subscribeLocked(runID, sub)
	}
	h.mu.Unlock()

	go sub.writeLoop(h.logger)
	return true
}

func (h *Hub) Unsubscribe(runID string, ws *websocket.Conn) {
	h.mu.Lock()
	if sub, ok := h.subs[runID][ws]; ok {
		h.removeLocked(runID, sub)
	}
	h.mu.Unlock()
}

// removeLocked forgets sub and closes its queue; the write loop then
// closes the socket.
func (h *Hub) removeLocked(runID string, sub *subscriber) {
	set := h.subs[runID]
	delete(set, sub.ws)
	if len(set) == 0 {
		delete(h.subs, runID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.send)
	}
}

// Publish queues ev for every subscriber of ev.RunID without blocking.
// Subscribers whose queue is full are dropped, and all of them are
// released after a final event.
func (h *Hub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "run_id", ev.RunID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[ev.RunID] {
		select {
		case sub.send <- b:
			if ev.Final {
				h.removeLocked(ev.RunID, sub)
			}
		default:
			h.logger.Warn("dropping slow event subscriber", "run_id", ev.RunID)
			h.removeLocked(ev.RunID, sub)
		}
	}
}

// Count reports the subscribers of runID.
func (h *Hub) Count(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
