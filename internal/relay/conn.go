package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one relay client connection.
//
// Writes are serialized through a mutex because both the reader goroutine
// (acks) and other members' reader goroutines (forwarded events) write to the
// same socket.
type Conn struct {
	id string

	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	userID string
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// ID is the broker-assigned connection id, unique per process.
func (c *Conn) ID() string {
	return c.id
}

// UserID is the client-chosen identity from the joinRoom payload. Empty for
// connections that joined without one.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// WriteEvent forwards a topic/payload pair to this connection.
func (c *Conn) WriteEvent(topic string, payload json.RawMessage) error {
	return c.writeJSON(Event{Topic: topic, Payload: payload})
}

func (c *Conn) writeAck(status int, msg string) error {
	return c.writeJSON(Ack{Status: status, Msg: msg})
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *Conn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
