package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/transport"
)

// DefaultHandshakeTimeout bounds the connect request/response exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// State is the connection manager's state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	ServerID string
	State    State
	Err      error // last error, if the transition was caused by one
	Retries  int
	At       time.Time
}

// StateListener observes transitions. Listeners run synchronously on the
// connection's goroutine and must not block.
type StateListener func(StateChange)

// Connection manages the lifecycle of one server connection: dial,
// authenticate, pump frames, detect loss, back off, retry. Exactly one run
// loop exists per started Connection, so reconnects never overlap.
type Connection struct {
	serverID         string
	endpoint         transport.Endpoint
	dialer           transport.Dialer
	codec            protocol.Codec
	client           protocol.ClientInfo
	backoff          Backoff
	handshakeTimeout time.Duration
	onFrame          func(protocol.Frame)
	onLost           func(error)
	log              zerolog.Logger

	pubMu     sync.Mutex // serializes listener calls
	mu        sync.Mutex
	state     State
	lastErr   error
	retries   int
	conn      transport.Conn
	running   bool
	closing   bool
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []StateListener
}

// ConnectionOpts holds parameters for creating a Connection.
type ConnectionOpts struct {
	ServerID         string
	Endpoint         transport.Endpoint
	Dialer           transport.Dialer
	Codec            protocol.Codec      // defaults to protocol.JSONCodec
	Client           protocol.ClientInfo // sent in the connect handshake
	Backoff          Backoff             // defaults to DefaultBackoff
	HandshakeTimeout time.Duration       // defaults to DefaultHandshakeTimeout
	OnFrame          func(protocol.Frame)
	OnLost           func(error) // called before the Disconnected transition
	Logger           zerolog.Logger
}

// NewConnection creates a Connection in the Disconnected state.
func NewConnection(opts ConnectionOpts) (*Connection, error) {
	if opts.Endpoint.Address == "" {
		return nil, fmt.Errorf("gateway: connection: address is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("gateway: connection: dialer is required")
	}
	if opts.OnFrame == nil {
		return nil, fmt.Errorf("gateway: connection: frame handler is required")
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	backoff := opts.Backoff
	if backoff.Initial <= 0 || backoff.Max <= 0 {
		backoff = DefaultBackoff()
	}
	hsTimeout := opts.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = DefaultHandshakeTimeout
	}
	return &Connection{
		serverID:         opts.ServerID,
		endpoint:         opts.Endpoint,
		dialer:           opts.Dialer,
		codec:            codec,
		client:           opts.Client,
		backoff:          backoff,
		handshakeTimeout: hsTimeout,
		onFrame:          opts.OnFrame,
		onLost:           opts.OnLost,
		log: opts.Logger.With().Str("component", "connection").
			Str("server", opts.ServerID).Logger(),
	}, nil
}

// Subscribe registers a state listener.
func (c *Connection) Subscribe(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether sends are currently accepted.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// LastError returns the error that caused the most recent failure, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Retries returns the number of consecutive failed attempts.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Start launches the connect/reconnect loop. It returns immediately; progress
// is reported through state listeners. Retries are unlimited until ctx is
// cancelled or Disconnect is called.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("gateway: connection %s already started", c.serverID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect closes the connection explicitly: Closing, then Disconnected.
// It waits for the receive loop to exit. Outstanding requests are rejected
// with ErrConnectionLost.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.closing = true
	c.mu.Unlock()

	cancel()
	c.setState(StateClosing, nil)
	if conn != nil {
		conn.Close()
	}
	<-done

	if c.onLost != nil {
		c.onLost(protocol.ErrConnectionLost)
	}

	c.mu.Lock()
	c.running = false
	c.closing = false
	c.conn = nil
	c.retries = 0
	c.mu.Unlock()
	c.setState(StateDisconnected, nil)
	c.log.Info().Msg("disconnected")
	return nil
}

// Send encodes and writes f. It never blocks waiting for a connection: while
// not Connected it fails with protocol.ErrNotConnected.
func (c *Connection) Send(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("gateway: send %s: %w", f.Method, protocol.ErrNotConnected)
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		if errors.Is(err, protocol.ErrNotConnected) {
			return fmt.Errorf("gateway: send %s: %w", f.Method, err)
		}
		// A broken write means the connection is going down; callers treat it
		// like any other not-connected failure.
		return fmt.Errorf("gateway: send %s: %w", f.Method, errors.Join(protocol.ErrNotConnected, err))
	}
	return nil
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		c.setState(StateConnecting, nil)
		conn, err := c.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.fail(err, attempt)
			delay := c.backoff.Delay(attempt)
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.retries = 0
		c.lastErr = nil
		c.mu.Unlock()
		c.log.Info().Str("address", c.endpoint.Address).Msg("connected")
		c.setState(StateConnected, nil)

		err = c.pump(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		lost := fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
		if c.onLost != nil {
			c.onLost(lost)
		}
		attempt = 1
		c.fail(lost, attempt)
		delay := c.backoff.Delay(attempt)
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (c *Connection) fail(err error, attempt int) {
	c.mu.Lock()
	c.lastErr = err
	c.retries = attempt
	c.mu.Unlock()
	c.setState(StateDisconnected, err)
}

// establish dials and authenticates a new Conn.
func (c *Connection) establish(ctx context.Context) (transport.Conn, error) {
	conn, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		var ce *protocol.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &protocol.ConnectError{Address: c.endpoint.Address, Err: err}
	}
	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake sends the connect request and waits for its response. Other
// frames arriving during the handshake are ignored.
func (c *Connection) handshake(ctx context.Context, conn transport.Conn) error {
	token, err := transport.AccessToken(c.endpoint.Credential)
	if err != nil {
		return &protocol.ConnectError{Address: c.endpoint.Address, AuthRejected: true, Err: err}
	}
	reqID := uuid.NewString()
	req, err := protocol.NewRequest(reqID, protocol.MethodConnect, "", "", protocol.ConnectParams{
		Token:  token,
		Client: c.client,
	})
	if err != nil {
		return &protocol.ConnectError{Address: c.endpoint.Address, Err: err}
	}
	data, err := c.codec.Encode(req)
	if err != nil {
		return &protocol.ConnectError{Address: c.endpoint.Address, Err: err}
	}
	if err := conn.Send(ctx, data); err != nil {
		return &protocol.ConnectError{Address: c.endpoint.Address, Err: fmt.Errorf("send connect: %w", err)}
	}

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &protocol.ConnectError{Address: c.endpoint.Address,
				Err: fmt.Errorf("connect response timeout after %s", c.handshakeTimeout)}
		case msg, ok := <-conn.Recv():
			if !ok {
				return &protocol.ConnectError{Address: c.endpoint.Address,
					Err: fmt.Errorf("closed during handshake: %v", conn.Err())}
			}
			f, err := c.codec.Decode(msg)
			if err != nil || f.RequestID != reqID {
				continue
			}
			switch f.Kind {
			case protocol.KindResponse:
				return nil
			case protocol.KindError:
				rerr := protocol.FromFrameError(f.Error)
				return &protocol.ConnectError{
					Address:      c.endpoint.Address,
					AuthRejected: rerr.Code == protocol.CodeAuthRejected,
					Err:          rerr,
				}
			}
		}
	}
}

// pump reads frames until the connection ends or ctx is cancelled.
func (c *Connection) pump(ctx context.Context, conn transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-conn.Recv():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed")
			}
			f, err := c.codec.Decode(msg)
			if err != nil {
				c.log.Warn().Err(err).Msg("undecodable frame dropped")
				continue
			}
			c.onFrame(f)
		}
	}
}

// setState records and publishes a transition. Once Disconnect has begun
// only Closing and Disconnected get through.
func (c *Connection) setState(s State, err error) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.closing && s != StateClosing && s != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = s
	change := StateChange{
		ServerID: c.serverID,
		State:    s,
		Err:      err,
		Retries:  c.retries,
		At:       time.Now(),
	}
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}
