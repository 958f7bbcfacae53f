package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/protocol"
)

var errTransportClosed = errors.New("websocket closed")

// conn adapts a gorilla connection to session.Transport. gorilla allows one
// concurrent writer, so data frames are serialized; control frames are safe
// to send from any goroutine.
type conn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) Send(msg protocol.Outbound) error {
	if c.closed.Load() {
		return errTransportClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *conn) Ping() error {
	if c.closed.Load() {
		return errTransportClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with code and reason and drops the connection.
// Only the first call has any effect.
func (c *conn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}

func (c *conn) Open() bool { return !c.closed.Load() }

// drop marks the connection gone after the peer disappeared.
func (c *conn) drop() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}
