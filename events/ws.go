package events

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream carries no credentials and is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Snapshot returns the latest known event for a run.
type Snapshot func(runID string) (Event, bool)

// WSHandler upgrades GET /api/scan/:id/events. The current state is sent
// first so late subscribers do not miss a finished run.
func WSHandler(hub *Hub, snapshot Snapshot) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		if _, ok := snapshot(runID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Debug("websocket upgrade failed", "run_id", runID, "error", err)
			return
		}

		if !hub.attach(runID, ws, snapshot) {
			_ = ws.Close()
			return
		}
		hub.logger.Debug("event subscriber connected", "run_id", runID)

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.Unsubscribe(runID, ws)
		hub.logger.Debug("event subscriber disconnected", "run_id", runID)
	}
}
