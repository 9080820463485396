package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single established session connection. Implementations must
// allow ReadMessage and WriteMessage to be called from different goroutines.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives or the
	// connection fails.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes session connections. Abstracted so tests can hand the
// engine scripted connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// WebSocketDialer is the production Dialer, backed by gorilla/websocket.
type WebSocketDialer struct{}

var _ Dialer = WebSocketDialer{}

func (WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Binary frames are not part of the protocol; skip them.
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}
