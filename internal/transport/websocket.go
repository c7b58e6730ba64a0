package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/signalbox/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 16 << 20
	recvBuffer     = 64
)

// WebSocketDialer dials gateway servers over WebSocket text frames.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration // defaults to 10s
	WriteTimeout     time.Duration // defaults to 10s
	Header           http.Header   // extra handshake headers
}

// Dial opens a WebSocket to ep.Address. The credential, if any, is sent as
// an Authorization header; a 401/403 handshake response is an auth rejection.
func (d *WebSocketDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	hsTimeout := d.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = defaultHandshakeTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	header := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	token, err := AccessToken(ep.Credential)
	if err != nil {
		return nil, &protocol.ConnectError{Address: ep.Address, AuthRejected: true, Err: err}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hsTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, ep.Address, header)
	if err != nil {
		ce := &protocol.ConnectError{Address: ep.Address, Err: err}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			ce.AuthRejected = true
		}
		return nil, ce
	}
	ws.SetReadLimit(maxMessageSize)

	c := &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		recv:         make(chan []byte, recvBuffer),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// wsConn implements Conn over a gorilla/websocket connection.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	err     error
	closed  bool
	closing chan struct{}

	recv chan []byte
	done chan struct{}
}

func (c *wsConn) readLoop() {
	defer func() {
		close(c.recv)
		close(c.done)
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("transport: read: %w", err)
			}
			c.mu.Unlock()
			return
		}
		select {
		case c.recv <- msg:
		case <-c.closing:
			c.mu.Lock()
			c.err = ErrClosed
			c.mu.Unlock()
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrNotConnected
	}
	select {
	case <-c.done:
		return protocol.ErrNotConnected
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// A failed write leaves the socket unusable; the read loop will notice.
		c.ws.Close()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv() <-chan []byte  { return c.recv }
func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	c.mu.Unlock()

	// WriteControl may run concurrently with WriteMessage.
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
