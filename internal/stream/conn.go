package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// ndjsonConn streams newline-delimited JSON over a plain HTTP response.
// Pings are protocol comments the client discards.
type ndjsonConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newNDJSONConn(w http.ResponseWriter, flusher http.Flusher) *ndjsonConn {
	return &ndjsonConn{w: w, flusher: flusher}
}

func (c *ndjsonConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.w.Write(append(msg, '\n')); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *ndjsonConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.w.Write([]byte(": ping\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close only marks the conn; the response itself ends when the handler
// returns.
func (c *ndjsonConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// wsConn adapts a gorilla websocket connection. The manager is the only
// writer, so a mutex around writes is enough.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
