package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/transport"
)

// DefaultCallTimeout bounds short RPCs such as history and session listing.
const DefaultCallTimeout = 30 * time.Second

// Gateway is the protocol engine for one server: a Connection feeding a
// Demux feeding a Correlator. Losing the connection rejects every pending
// request with protocol.ErrConnectionLost.
type Gateway struct {
	serverID    string
	conn        *Connection
	corr        *Correlator
	demux       *Demux
	turnTimeout time.Duration
	callTimeout time.Duration
	log         zerolog.Logger
}

// GatewayOpts holds parameters for creating a Gateway.
type GatewayOpts struct {
	ServerID         string
	Endpoint         transport.Endpoint
	Dialer           transport.Dialer
	Codec            protocol.Codec
	Client           protocol.ClientInfo
	Backoff          Backoff
	HandshakeTimeout time.Duration
	TurnTimeout      time.Duration // defaults to DefaultTurnTimeout
	CallTimeout      time.Duration // defaults to DefaultCallTimeout
	Logger           zerolog.Logger
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	ServerID  string
	State     State
	Retries   int
	LastError error
	Pending   int
}

// New creates a Gateway. Call Start to begin connecting.
func New(opts GatewayOpts) (*Gateway, error) {
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	log := opts.Logger.With().Str("server", opts.ServerID).Logger()

	corr := NewCorrelator(CorrelatorOpts{Timeout: turnTimeout, Logger: log})
	demux := NewDemux(corr, log)
	conn, err := NewConnection(ConnectionOpts{
		ServerID:         opts.ServerID,
		Endpoint:         opts.Endpoint,
		Dialer:           opts.Dialer,
		Codec:            opts.Codec,
		Client:           opts.Client,
		Backoff:          opts.Backoff,
		HandshakeTimeout: opts.HandshakeTimeout,
		OnFrame:          demux.HandleFrame,
		OnLost: func(err error) {
			if n := corr.RejectAll(err); n > 0 {
				log.Info().Int("rejected", n).Msg("pending requests failed on connection loss")
			}
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Gateway{
		serverID:    opts.ServerID,
		conn:        conn,
		corr:        corr,
		demux:       demux,
		turnTimeout: turnTimeout,
		callTimeout: callTimeout,
		log:         log.With().Str("component", "gateway").Logger(),
	}, nil
}

// ServerID returns the server this gateway talks to.
func (g *Gateway) ServerID() string { return g.serverID }

// Start begins connecting in the background.
func (g *Gateway) Start(ctx context.Context) error { return g.conn.Start(ctx) }

// Close disconnects and fails every outstanding request.
func (g *Gateway) Close() error { return g.conn.Disconnect() }

// Connected reports whether requests can be sent right now.
func (g *Gateway) Connected() bool { return g.conn.Connected() }

// Subscribe registers a connection state listener.
func (g *Gateway) Subscribe(l StateListener) { g.conn.Subscribe(l) }

// Status returns a snapshot of the connection.
func (g *Gateway) Status() Status {
	return Status{
		ServerID:  g.serverID,
		State:     g.conn.State(),
		Retries:   g.conn.Retries(),
		LastError: g.conn.LastError(),
		Pending:   g.corr.Pending(),
	}
}

// SendChat starts an agent turn. The returned request streams events and
// resolves with a protocol.ChatReply payload.
func (g *Gateway) SendChat(ctx context.Context, msg protocol.ChatSend) (*PendingRequest, error) {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.NewString()
	}
	return g.request(ctx, protocol.MethodChatSend, msg.SessionKey, msg.IdempotencyKey, msg, g.turnTimeout)
}

// Abort cancels the turn spawned by requestID. The local request fails
// immediately with protocol.ErrUserCancelled; the server is then told to stop
// and its acknowledgement is awaited for at most the call timeout.
func (g *Gateway) Abort(ctx context.Context, sessionKey, requestID string) error {
	g.corr.Reject(requestID, protocol.ErrUserCancelled)

	p, err := g.request(ctx, protocol.MethodChatAbort, sessionKey, "",
		protocol.ChatAbort{TargetRequestID: requestID}, g.callTimeout)
	if err != nil {
		return fmt.Errorf("gateway: abort %s: %w", requestID, err)
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return fmt.Errorf("gateway: abort %s: %w", requestID, err)
	}
	if res.Err != nil {
		return fmt.Errorf("gateway: abort %s: %w", requestID, res.Err)
	}
	return nil
}

// Call issues a short RPC and decodes its terminal payload into out (which
// may be nil). Streamed events for the call are discarded.
func (g *Gateway) Call(ctx context.Context, method, sessionKey string, params, out any) error {
	p, err := g.request(ctx, method, sessionKey, "", params, g.callTimeout)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", method, err)
	}
	go func() {
		for range p.Events() {
		}
	}()
	res, err := p.Wait(ctx)
	if err != nil {
		g.corr.Reject(p.ID, err)
		return fmt.Errorf("gateway: %s: %w", method, err)
	}
	if res.Err != nil {
		return fmt.Errorf("gateway: %s: %w", method, res.Err)
	}
	if out != nil {
		return protocol.Decode(res.Payload, out)
	}
	return nil
}

// History fetches up to limit messages of a session from the server.
func (g *Gateway) History(ctx context.Context, sessionKey string, limit int) ([]protocol.HistoryMessage, error) {
	var res protocol.HistoryResult
	if err := g.Call(ctx, protocol.MethodChatHistory, sessionKey, protocol.HistoryParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// Sessions lists the sessions the server knows about.
func (g *Gateway) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var res protocol.SessionsResult
	if err := g.Call(ctx, protocol.MethodSessionsList, "", nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// request registers a pending request before writing it, so a response can
// never arrive for an id the correlator does not know yet.
func (g *Gateway) request(ctx context.Context, method, sessionKey, idemKey string, params any, timeout time.Duration) (*PendingRequest, error) {
	if !g.conn.Connected() {
		return nil, protocol.ErrNotConnected
	}
	id := uuid.NewString()
	frame, err := protocol.NewRequest(id, method, sessionKey, idemKey, params)
	if err != nil {
		return nil, err
	}
	p, err := g.corr.Issue(id, idemKey, RequestMeta{SessionKey: sessionKey, Method: method, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if err := g.conn.Send(ctx, frame); err != nil {
		g.corr.Reject(id, err)
		return nil, err
	}
	g.log.Debug().Str("request", id).Str("method", method).Str("session", sessionKey).Msg("request sent")
	return p, nil
}

// Lookup exposes the correlator for a given request id.
func (g *Gateway) Lookup(requestID string) (*PendingRequest, bool) {
	return g.corr.Lookup(requestID)
}

// DecodeReply extracts the reply from a resolved chat.send request.
func DecodeReply(res Result) (protocol.ChatReply, error) {
	var r protocol.ChatReply
	if res.Err != nil {
		return r, res.Err
	}
	err := protocol.Decode(res.Payload, &r)
	return r, err
}
