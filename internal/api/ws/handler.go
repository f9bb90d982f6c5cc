package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type inbound struct {
	Type string `json:"type"`
}

// HandleConnection upgrades the request and streams events until the
// client disconnects or falls behind.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cl := h.register()
	defer h.unregister(cl)

	if err := h.write(conn, Event{
		Type:      TypeSystem,
		Message:   "Connected to bundle manager events",
		Timestamp: time.Now().Unix(),
	}); err != nil {
		return
	}

	readDone := make(chan struct{})
	go h.readLoop(conn, cl, readDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-cl.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.write(conn, ev); err != nil {
				h.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readLoop answers pings through the client's queue so only the handler
// goroutine writes messages.
func (h *Hub) readLoop(conn *websocket.Conn, cl *client, done chan<- struct{}) {
	defer close(done)
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			h.deliver(cl, Event{Type: TypePong, Timestamp: time.Now().Unix()})
		default:
			h.deliver(cl, Event{Type: TypeError, Message: "unknown message type", Timestamp: time.Now().Unix()})
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
