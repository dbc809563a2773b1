package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established transport connection carrying JSON frames.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read() ([]byte, error)
	// Write sends one frame. Safe for concurrent use.
	Write(data []byte) error
	Close() error
}

// Dialer opens transport connections. The production dialer speaks
// websocket; tests substitute an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

// NewWebsocketDialer returns the gorilla/websocket-backed dialer.
func NewWebsocketDialer() Dialer {
	return &wsDialer{handshakeTimeout: 10 * time.Second}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	// writeMu protects concurrent writes to the websocket connection.
	writeMu sync.Mutex
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
