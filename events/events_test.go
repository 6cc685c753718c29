package events

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type runStates struct {
	mu     sync.Mutex
	states map[string]Event
}

func (r *runStates) get(id string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.states[id]
	return ev, ok
}

func newTestServer(t *testing.T, hub *Hub, states *runStates) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/scan/:id/events", WSHandler(hub, states.get))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/scan/" + runID + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForSubscribers(t *testing.T, hub *Hub, runID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count(runID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d subscribers, have %d", n, hub.Count(runID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

func TestStreamDeliversTransitions(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	states := &runStates{states: map[string]Event{
		"run-1": {RunID: "run-1", Status: "rendering"},
	}}
	srv := newTestServer(t, hub, states)

	ws := dial(t, srv, "run-1")
	if ev := readEvent(t, ws); ev.Status != "rendering" {
		t.Fatalf("Expected snapshot first, got %+v", ev)
	}
	waitForSubscribers(t, hub, "run-1", 1)

	hub.Publish(Event{RunID: "other", Status: "scoring"})
	hub.Publish(Event{RunID: "run-1", Status: "scoring"})
	hub.Publish(Event{RunID: "run-1", Status: "complete", Final: true})

	if ev := readEvent(t, ws); ev.Status != "scoring" {
		t.Errorf("Expected scoring, got %+v", ev)
	}
	if ev := readEvent(t, ws); ev.Status != "complete" || !ev.Final {
		t.Errorf("Expected final complete event, got %+v", ev)
	}
	if hub.Count("run-1") != 0 {
		t.Errorf("Subscribers should be released after the final event")
	}
}

func TestStreamFinishedRun(t *testing.T) {
	hub := NewHub(nil)
	states := &runStates{states: map[string]Event{
		"done": {RunID: "done", Status: "failed", Error: "blocked", Final: true},
	}}
	srv := newTestServer(t, hub, states)

	ws := dial(t, srv, "done")
	if ev := readEvent(t, ws); ev.Status != "failed" || ev.Error != "blocked" {
		t.Errorf("Unexpected snapshot %+v", ev)
	}
	if hub.Count("done") != 0 {
		t.Error("Finished runs should not keep subscribers")
	}
}

func TestStreamUnknownRun(t *testing.T) {
	srv := newTestServer(t, NewHub(nil), &runStates{states: map[string]Event{}})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/scan/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("Expected 404, got %v", resp)
	}
}

func TestPublishSkipsStalledSubscriber(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	states := &runStates{states: map[string]Event{
		"run-1": {RunID: "run-1", Status: "rendering"},
	}}
	srv := newTestServer(t, hub, states)

	ws := dial(t, srv, "run-1")
	readEvent(t, ws)
	waitForSubscribers(t, hub, "run-1", 1)

	// A subscriber whose writer is stuck: its queue is full and nothing
	// drains it.
	stalled := newSubscriber(&websocket.Conn{})
	for range sendBuffer {
		stalled.send <- []byte(`{}`)
	}
	hub.mu.Lock()
	hub.subscribeLocked("run-1", stalled)
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.Publish(Event{RunID: "run-1", Status: "scoring"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}

	if ev := readEvent(t, ws); ev.Status != "scoring" {
		t.Errorf("Expected scoring for the healthy subscriber, got %+v", ev)
	}
	if n := hub.Count("run-1"); n != 1 {
		t.Errorf("Expected the stalled subscriber to be dropped, have %d", n)
	}
	hub.mu.Lock()
	closed := stalled.closed
	hub.mu.Unlock()
	if !closed {
		t.Error("Expected the stalled subscriber's queue to be closed")
	}
}
