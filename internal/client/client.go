// Package client is the UI-facing entry point. It owns one session router
// per known server and at most one live gateway: the one for the active
// server. Queues of inactive servers are kept and resume when their server
// becomes active again.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/history"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/transport"
	"github.com/zulandar/signalbox/internal/turn"
)

// DefaultSessionKey is the session selected when none is configured.
const DefaultSessionKey = "main"

var (
	// ErrUnknownServer is returned for a server id that was never added.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNoActiveServer is returned when an operation needs a server and none is active.
	ErrNoActiveServer = errors.New("no active server")
)

// Server is one configured gateway server.
type Server struct {
	ID       string
	Endpoint transport.Endpoint
}

// Tuning carries the timing knobs handed to every gateway.
type Tuning struct {
	Backoff          gateway.Backoff
	HandshakeTimeout time.Duration
	TurnTimeout      time.Duration
	CallTimeout      time.Duration
	AbortTimeout     time.Duration
}

// Client multiplexes servers and sessions for a UI.
type Client struct {
	cache    *history.Cache
	dialer   transport.Dialer
	info     protocol.ClientInfo
	tuning   Tuning
	window   int
	listener Listener
	logger   zerolog.Logger
	log      zerolog.Logger

	switchMu sync.Mutex // serializes server switches

	mu      sync.Mutex
	ctx     context.Context
	servers map[string]Server
	order   []string
	routers map[string]*session.Router
	active  string
	gw      *gateway.Gateway
	key     string
}

// Opts holds parameters for creating a Client.
type Opts struct {
	Servers      []Server
	ActiveServer string // defaults to the first server
	SessionKey   string // defaults to DefaultSessionKey
	Cache        *history.Cache
	Dialer       transport.Dialer
	ClientInfo   protocol.ClientInfo
	Tuning       Tuning
	Window       int
	Listener     Listener // defaults to NopListener
	Logger       zerolog.Logger
}

// Status is a snapshot for status bars and the bridge.
type Status struct {
	Server  string
	Session string
	Servers []string
	Gateway gateway.Status
}

// New creates a Client. Nothing connects until Start.
func New(opts Opts) (*Client, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("client: cache is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("client: dialer is required")
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	key := opts.SessionKey
	if key == "" {
		key = DefaultSessionKey
	}

	c := &Client{
		cache:    opts.Cache,
		dialer:   opts.Dialer,
		info:     opts.ClientInfo,
		tuning:   opts.Tuning,
		window:   opts.Window,
		listener: listener,
		logger:   opts.Logger,
		log:      opts.Logger.With().Str("component", "client").Logger(),
		ctx:      context.Background(),
		servers:  make(map[string]Server),
		routers:  make(map[string]*session.Router),
		key:      key,
	}
	for _, s := range opts.Servers {
		if err := c.AddServer(s); err != nil {
			return nil, err
		}
	}
	c.active = opts.ActiveServer
	if c.active == "" && len(c.order) > 0 {
		c.active = c.order[0]
	}
	if _, ok := c.servers[c.active]; c.active != "" && !ok {
		return nil, fmt.Errorf("client: active server %q: %w", c.active, ErrUnknownServer)
	}
	return c, nil
}

// AddServer registers a server. Its router is created on first use.
func (c *Client) AddServer(s Server) error {
	if s.ID == "" {
		return fmt.Errorf("client: add server: id is required")
	}
	if s.Endpoint.Address == "" {
		return fmt.Errorf("client: add server %s: address is required", s.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[s.ID]; ok {
		return fmt.Errorf("client: add server %s: already exists", s.ID)
	}
	c.servers[s.ID] = s
	c.order = append(c.order, s.ID)
	return nil
}

// Start connects the active server. ctx bounds every gateway the client
// starts from now on.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return fmt.Errorf("client: start: %w", ErrNoActiveServer)
	}
	return c.connect(active)
}

// SwitchServer tears down the active connection and connects id. Queues of
// the previous server stay intact.
func (c *Client) SwitchServer(id string) error {
	c.mu.Lock()
	_, ok := c.servers[id]
	same := id == c.active && c.gw != nil
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: switch server %s: %w", id, ErrUnknownServer)
	}
	if same {
		return nil
	}
	return c.connect(id)
}

func (c *Client) connect(id string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.teardown()

	c.mu.Lock()
	srv, ok := c.servers[id]
	ctx := c.ctx
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: connect %s: %w", id, ErrUnknownServer)
	}

	r, err := c.router(id)
	if err != nil {
		return err
	}
	g, err := gateway.New(gateway.GatewayOpts{
		ServerID:         id,
		Endpoint:         srv.Endpoint,
		Dialer:           c.dialer,
		Client:           c.info,
		Backoff:          c.tuning.Backoff,
		HandshakeTimeout: c.tuning.HandshakeTimeout,
		TurnTimeout:      c.tuning.TurnTimeout,
		CallTimeout:      c.tuning.CallTimeout,
		Logger:           c.logger,
	})
	if err != nil {
		return fmt.Errorf("client: connect %s: %w", id, err)
	}
	g.Subscribe(c.listener.OnConnectionStateChanged)
	r.Attach(g)
	if err := g.Start(ctx); err != nil {
		r.Detach()
		return fmt.Errorf("client: connect %s: %w", id, err)
	}

	c.mu.Lock()
	c.active = id
	c.gw = g
	c.mu.Unlock()
	c.log.Info().Str("server", id).Msg("active server")
	return nil
}

// teardown closes the active gateway. Turns in flight on it are held by
// their queues until the server is connected again. Caller holds switchMu.
func (c *Client) teardown() {
	c.mu.Lock()
	g := c.gw
	r := c.routers[c.active]
	c.gw = nil
	c.mu.Unlock()
	if g == nil {
		return
	}
	if r != nil {
		r.Detach()
	}
	if err := g.Close(); err != nil {
		c.log.Warn().Err(err).Str("server", g.ServerID()).Msg("close gateway")
	}
}

// router returns the router of a server, creating it on first use.
func (c *Client) router(id string) (*session.Router, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.routers[id]; ok {
		return r, nil
	}
	if _, ok := c.servers[id]; !ok {
		return nil, fmt.Errorf("client: %s: %w", id, ErrUnknownServer)
	}
	r, err := session.NewRouter(session.RouterOpts{
		ServerID:     id,
		Cache:        c.cache,
		Listener:     serverListener{serverID: id, l: c.listener},
		Window:       c.window,
		AbortTimeout: c.tuning.AbortTimeout,
		Logger:       c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.routers[id] = r
	return r, nil
}

// activeRouter resolves the active server's router and the session key to
// use for key ("" selects the active session).
func (c *Client) activeRouter(key string) (*session.Router, string, error) {
	c.mu.Lock()
	active := c.active
	if key == "" {
		key = c.key
	}
	c.mu.Unlock()
	if active == "" {
		return nil, "", ErrNoActiveServer
	}
	r, err := c.router(active)
	return r, key, err
}

// RemoveServer forgets a server: its connection, queues and cached history.
func (c *Client) RemoveServer(id string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	_, ok := c.servers[id]
	isActive := id == c.active
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: remove server %s: %w", id, ErrUnknownServer)
	}
	if isActive {
		c.teardown()
	}

	c.mu.Lock()
	r := c.routers[id]
	delete(c.routers, id)
	delete(c.servers, id)
	for i, s := range c.order {
		if s == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if isActive {
		c.active = ""
	}
	c.mu.Unlock()

	if r != nil {
		if err := r.ResetAll(); err != nil {
			c.log.Warn().Err(err).Str("server", id).Msg("reset sessions")
		}
	}
	if err := c.cache.DeleteServer(id); err != nil {
		return fmt.Errorf("client: remove server %s: %w", id, err)
	}
	c.log.Info().Str("server", id).Msg("server removed")
	return nil
}

// SwitchSession selects the session the UI shows and returns its messages.
// Turns of other sessions keep running.
func (c *Client) SwitchSession(key string) ([]models.CachedMessage, error) {
	if key == "" {
		return nil, fmt.Errorf("client: switch session: key is required")
	}
	r, _, err := c.activeRouter(key)
	if err != nil {
		return nil, fmt.Errorf("client: switch session: %w", err)
	}
	msgs, err := r.Messages(key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	return msgs, nil
}

// Session returns the selected session key.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Server returns the active server id.
func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Servers returns the configured server ids in the order they were added.
func (c *Client) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Submit sends text on a session of the active server; key "" selects the
// active session.
func (c *Client) Submit(ctx context.Context, key, text string, attachments []protocol.Attachment) (turn.Turn, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return turn.Turn{}, fmt.Errorf("client: submit: %w", err)
	}
	return r.Submit(ctx, key, text, attachments)
}

// Stop cancels the active turn of a session.
func (c *Client) Stop(key string) (bool, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return false, fmt.Errorf("client: stop: %w", err)
	}
	return r.Stop(key), nil
}

// Retry resubmits a failed turn.
func (c *Client) Retry(key, turnID string) (turn.Turn, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return turn.Turn{}, fmt.Errorf("client: retry: %w", err)
	}
	return r.Retry(key, turnID)
}

// Reset clears a session locally and in the cache.
func (c *Client) Reset(key string) error {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return fmt.Errorf("client: reset: %w", err)
	}
	return r.Reset(key)
}

// Messages returns a session's visible history.
func (c *Client) Messages(key string) ([]models.CachedMessage, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return nil, fmt.Errorf("client: messages: %w", err)
	}
	return r.Messages(key)
}

// Queue exposes a session's turn queue for callers that watch its state.
func (c *Client) Queue(key string) (*turn.Queue, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return nil, fmt.Errorf("client: queue: %w", err)
	}
	return r.Queue(key)
}

// Refresh replaces a session's history with the server's.
func (c *Client) Refresh(ctx context.Context, key string) ([]models.CachedMessage, error) {
	r, key, err := c.activeRouter(key)
	if err != nil {
		return nil, fmt.Errorf("client: refresh: %w", err)
	}
	return r.Refresh(ctx, key)
}

// ListSessions lists the active server's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	r, _, err := c.activeRouter("")
	if err != nil {
		return nil, fmt.Errorf("client: list sessions: %w", err)
	}
	return r.ListSessions(ctx)
}

// Status returns a snapshot of the active connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Server:  c.active,
		Session: c.key,
		Servers: append([]string(nil), c.order...),
		Gateway: gateway.Status{ServerID: c.active, State: gateway.StateDisconnected},
	}
	if c.gw != nil {
		st.Gateway = c.gw.Status()
	}
	return st
}

// Close disconnects the active server.
func (c *Client) Close() error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.teardown()
	return nil
}
