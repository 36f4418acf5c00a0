// Package realtime implements the Realtime Endpoints (C9): long-lived
// bidirectional WebSocket attachments for a call session, a user's
// notification stream, and a read-only conversation-list projection,
// grounded on the goroutine-per-connection, mutex-guarded-conn, done-channel
// structuring idiom of the corpus's one gorilla/websocket user (a
// client-side market-data stream) adapted here to a server-side Upgrader.
package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn wraps a *websocket.Conn with the mutex gorilla requires around
// concurrent writers: the read pump and the fabric-forwarding writer both
// write to the same socket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{ws: ws}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

// heartbeat sends a protocol-level ping on pingPeriod until done fires or a
// write fails, so a peer that stops answering pongs gets its read deadline
// tripped by newConn's pong handler rather than hanging the read pump
// forever on a dead socket.
func (c *conn) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// closeWithCode sends a WebSocket close frame carrying one of spec
// §4.5's application close codes, then tears down the connection.
func (c *conn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	_ = c.ws.Close()
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.Close()
}
