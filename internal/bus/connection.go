// Package bus is the WebSocket front of ArqonBus: it accepts
// connections, runs the per-frame pipeline (decode, infra gate,
// validation, policy, dispatch by type), and owns the lifecycle of
// every connected client.
package bus

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	sendBuffer = 256              // Per-connection outbound channel buffer
)

// buildCheckOrigin returns the upgrader origin policy. Outside local
// environments only origins listed in ARQONBUS_ALLOWED_ORIGINS are
// accepted; locally everything is allowed.
func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("ARQONBUS_ALLOWED_ORIGINS")
	if allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			// Non-browser clients send no Origin header.
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			slog.Warn("rejected connection from origin", "origin", origin)
			return false
		}
	}
	return func(r *http.Request) bool { return true }
}

// connection is one active WebSocket client. All writes to the
// underlying socket go through the Send channel into writePump; all
// reads happen in readPump. No other goroutine touches the conn.
type connection struct {
	server *Server
	id     string
	conn   *websocket.Conn

	Send chan []byte
	done chan struct{}
	once sync.Once
}

func newConnection(server *Server, id string, conn *websocket.Conn) *connection {
	return &connection{
		server: server,
		id:     id,
		conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. A full
// buffer drops the frame and reports failure to the caller.
func (c *connection) enqueue(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	case <-c.done:
		return false
	default:
		slog.Warn("send buffer full, dropping frame", "client_id", c.id)
		return false
	}
}

// close shuts the connection down exactly once and runs the server's
// disconnect cleanup.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.server.disconnect(c.id)
	})
}

// writePump serializes all writes to the socket. JSON frames go out as
// text messages, binary wire frames as binary messages.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeFrame(message); err != nil {
				slog.Warn("write failed", "client_id", c.id, "error", err)
				return
			}

			// Drain queued frames while we hold the write deadline.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.writeFrame(<-c.Send); err != nil {
					slog.Warn("batch write failed", "client_id", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *connection) writeFrame(data []byte) error {
	messageType := websocket.BinaryMessage
	if len(data) > 0 && data[0] == '{' {
		messageType = websocket.TextMessage
	}
	return c.conn.WriteMessage(messageType, data)
}

// readPump reads frames and feeds them through the server pipeline.
// A recoverable per-frame error never terminates the connection; only
// transport failures do.
func (c *connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.server.cfg.Server.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		c.server.handleFrame(c, payload)
	}
}
