package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/signalbox/internal/protocol"
)

// MockDialer implements Dialer for tests. Each successful Dial creates a
// MockConn; queued failures are returned first.
type MockDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*MockConn
	dialed   []Endpoint
	dialCh   chan *MockConn

	// OnSend, when set, is installed on every new MockConn.
	OnSend func(c *MockConn, data []byte)
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{dialCh: make(chan *MockConn, 100)}
}

// FailNext queues errors returned by the next Dial calls, in order.
func (d *MockDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dial returns the next queued failure or a new MockConn.
func (d *MockDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dialed = append(d.dialed, ep)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := NewMockConn()
	c.onSend = d.OnSend
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialCh <- c:
	default:
	}
	return c, nil
}

// Dialed returns a copy of every endpoint passed to Dial.
func (d *MockDialer) Dialed() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]Endpoint, len(d.dialed))
	copy(cp, d.dialed)
	return cp
}

// Conns returns every connection created so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]*MockConn, len(d.conns))
	copy(cp, d.conns)
	return cp
}

// Last returns the most recent connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Dials delivers each new connection as it is created.
func (d *MockDialer) Dials() <-chan *MockConn { return d.dialCh }

// MockConn implements Conn for tests. Inbound messages are injected with
// Deliver; a drop is simulated with Drop.
type MockConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	err     error
	recv    chan []byte
	done    chan struct{}
	sendErr error
	onSend  func(c *MockConn, data []byte)
}

// NewMockConn creates an open MockConn.
func NewMockConn() *MockConn {
	return &MockConn{
		recv: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Send records data and invokes the OnSend hook outside the lock.
func (c *MockConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(c, cp)
	}
	return nil
}

// SetSendError makes every later Send fail with err (nil clears it).
func (c *MockConn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Deliver injects an inbound message. It is a no-op once the conn is closed.
func (c *MockConn) Deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.recv <- data
}

// Drop simulates an unexpected connection loss.
func (c *MockConn) Drop(err error) {
	if err == nil {
		err = fmt.Errorf("mock: connection reset")
	}
	c.shutdown(err)
}

// Sent returns a copy of every message written.
func (c *MockConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([][]byte, len(c.sent))
	copy(cp, c.sent)
	return cp
}

// Closed reports whether the connection has ended.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockConn) Recv() <-chan []byte  { return c.recv }
func (c *MockConn) Done() <-chan struct{} { return c.done }

func (c *MockConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *MockConn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *MockConn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.recv)
	close(c.done)
}
