package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established socket. ReadMessage blocks until a message or an error;
// WriteMessage may be called concurrently with ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ErrClosed is returned by WriteMessage after Close.
var ErrClosed = errors.New("realtime: connection closed")

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between inbound messages; zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64
}

// NewWSDialer returns a dialer with the given read and write timeouts.
func NewWSDialer(readTimeout, writeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 15 * time.Second,
		ReadTimeout:      readTimeout,
		WriteTimeout:     writeTimeout,
		ReadLimit:        1 << 20,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{ws: ws, readTimeout: d.ReadTimeout, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame, best effort, then drops the connection.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// IsNormalClose reports whether err is the peer closing the socket cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
