// Package session maps the session keys of one server to their turn queues.
// Sessions share the server's Gateway but never a lock: the router's own
// mutex guards the map and nothing else.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/history"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/turn"
)

// Router owns every turn queue of one server. It is the queues' Sender: sends
// go to the attached Gateway and fail with protocol.ErrNotConnected while none
// is attached, so queues outlive the connection they were created on.
type Router struct {
	serverID     string
	cache        *history.Cache
	listener     turn.Listener
	window       int
	historyLimit int
	abortTimeout time.Duration
	logger       zerolog.Logger // handed to queues
	log          zerolog.Logger

	gwMu sync.RWMutex
	gw   *gateway.Gateway

	mu     sync.RWMutex
	queues map[string]*turn.Queue
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	ServerID     string
	Cache        *history.Cache
	Listener     turn.Listener // shared by every session of the server
	Window       int           // in-memory messages per session
	HistoryLimit int           // messages requested on Refresh, defaults to Window
	AbortTimeout time.Duration
	Logger       zerolog.Logger
}

// Summary describes one session as the user sees it.
type Summary struct {
	Key       string
	Label     string
	UpdatedAt time.Time
	Remote    bool // reported by the server
	Unflushed bool // holds messages the server has not confirmed
	Active    bool // a turn is in flight
	Queued    int
}

// NewRouter creates a Router with no gateway attached.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.ServerID == "" {
		return nil, fmt.Errorf("session: router: server id is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("session: router: cache is required")
	}
	window := opts.Window
	if window <= 0 {
		window = turn.DefaultWindow
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = window
	}
	listener := opts.Listener
	if listener == nil {
		listener = turn.NopListener{}
	}
	return &Router{
		serverID:     opts.ServerID,
		cache:        opts.Cache,
		listener:     listener,
		window:       window,
		historyLimit: limit,
		abortTimeout: opts.AbortTimeout,
		logger:       opts.Logger,
		log:          opts.Logger.With().Str("component", "session").Str("server", opts.ServerID).Logger(),
		queues:       make(map[string]*turn.Queue),
	}, nil
}

// ServerID returns the server the router belongs to.
func (r *Router) ServerID() string { return r.serverID }

// Attach routes sends through g and resumes held turns whenever g connects.
func (r *Router) Attach(g *gateway.Gateway) {
	r.gwMu.Lock()
	r.gw = g
	r.gwMu.Unlock()

	g.Subscribe(func(c gateway.StateChange) {
		if c.State != gateway.StateConnected || r.gateway() != g {
			return
		}
		r.ResumeAll()
	})
	if g.Connected() {
		r.ResumeAll()
	}
}

// Detach stops routing sends and returns the gateway that was attached.
// Turns in flight on it fail with protocol.ErrConnectionLost once it closes.
func (r *Router) Detach() *gateway.Gateway {
	r.gwMu.Lock()
	defer r.gwMu.Unlock()
	g := r.gw
	r.gw = nil
	return g
}

func (r *Router) gateway() *gateway.Gateway {
	r.gwMu.RLock()
	defer r.gwMu.RUnlock()
	return r.gw
}

// SendChat implements turn.Sender.
func (r *Router) SendChat(ctx context.Context, msg protocol.ChatSend) (*gateway.PendingRequest, error) {
	g := r.gateway()
	if g == nil {
		return nil, protocol.ErrNotConnected
	}
	return g.SendChat(ctx, msg)
}

// Abort implements turn.Sender.
func (r *Router) Abort(ctx context.Context, sessionKey, requestID string) error {
	g := r.gateway()
	if g == nil {
		return protocol.ErrNotConnected
	}
	return g.Abort(ctx, sessionKey, requestID)
}

// Connected implements turn.Sender.
func (r *Router) Connected() bool {
	g := r.gateway()
	return g != nil && g.Connected()
}

// Queue returns the queue for key, creating it on first use. A new queue is
// painted from the cache before any network exchange.
func (r *Router) Queue(key string) (*turn.Queue, error) {
	if key == "" {
		return nil, fmt.Errorf("session: queue: session key is required")
	}
	r.mu.RLock()
	q, ok := r.queues[key]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	cached, err := r.cache.Read(r.serverID, key, r.window)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", key, err)
	}
	q, err = turn.NewQueue(turn.QueueOpts{
		ServerID:     r.serverID,
		SessionKey:   key,
		Sender:       r,
		Store:        r.cache,
		Listener:     r.listener,
		Window:       r.window,
		History:      cached,
		AbortTimeout: r.abortTimeout,
		Logger:       r.logger,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queues[key]; ok {
		return existing, nil
	}
	r.queues[key] = q
	r.log.Debug().Str("session", key).Int("cached", len(cached)).Msg("session opened")
	return q, nil
}

// lookup returns an existing queue without creating one.
func (r *Router) lookup(key string) (*turn.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[key]
	return q, ok
}

func (r *Router) all() []*turn.Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*turn.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// Submit hands a user message to the session's queue.
func (r *Router) Submit(ctx context.Context, key, text string, attachments []protocol.Attachment) (turn.Turn, error) {
	q, err := r.Queue(key)
	if err != nil {
		return turn.Turn{}, err
	}
	return q.Submit(ctx, text, attachments)
}

// Stop cancels the active turn of a session. It reports whether one was
// running.
func (r *Router) Stop(key string) bool {
	q, ok := r.lookup(key)
	if !ok {
		return false
	}
	return q.Stop()
}

// Retry resubmits a failed turn of a session.
func (r *Router) Retry(key, turnID string) (turn.Turn, error) {
	q, ok := r.lookup(key)
	if !ok {
		return turn.Turn{}, fmt.Errorf("session: retry %s: %w", turnID, turn.ErrTurnNotFound)
	}
	return q.Retry(turnID)
}

// Messages returns the visible history of a session.
func (r *Router) Messages(key string) ([]models.CachedMessage, error) {
	q, err := r.Queue(key)
	if err != nil {
		return nil, err
	}
	return q.Messages(), nil
}

// Refresh fetches the server's history of a session and installs it.
func (r *Router) Refresh(ctx context.Context, key string) ([]models.CachedMessage, error) {
	g := r.gateway()
	if g == nil {
		return nil, fmt.Errorf("session: refresh %s: %w", key, protocol.ErrNotConnected)
	}
	q, err := r.Queue(key)
	if err != nil {
		return nil, err
	}
	remote, err := g.History(ctx, key, r.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("session: refresh %s: %w", key, err)
	}
	msgs := make([]models.CachedMessage, 0, len(remote))
	for _, m := range remote {
		msgs = append(msgs, models.CachedMessage{
			Role:           models.NormalizeRole(m.Role),
			Content:        m.Content,
			IdempotencyKey: m.IdempotencyKey,
			CreatedAt:      m.Timestamp,
		})
	}
	return q.ReplaceHistory(msgs)
}

// Reset stops and forgets a session.
func (r *Router) Reset(key string) error {
	q, err := r.Queue(key)
	if err != nil {
		return err
	}
	return q.Reset()
}

// ResumeAll resubmits held turns and starts queued ones in every session.
// Queues write on their own goroutines, so it never blocks on the network.
func (r *Router) ResumeAll() {
	for _, q := range r.all() {
		q.Resume()
	}
}

// ResetAll resets every open session: active turns are cancelled, queued
// turns dropped and histories forgotten. Nothing new is sent.
func (r *Router) ResetAll() error {
	var errs []error
	for _, q := range r.all() {
		if err := q.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListSessions merges the sessions the server reports with sessions known
// only locally: those holding unconfirmed messages or live turns. Server
// sessions come first in server order. When offline only local sessions are
// returned.
func (r *Router) ListSessions(ctx context.Context) ([]Summary, error) {
	var remote []protocol.SessionInfo
	if g := r.gateway(); g != nil && g.Connected() {
		var err error
		remote, err = g.Sessions(ctx)
		if err != nil && !protocol.Retryable(err) {
			return nil, fmt.Errorf("session: list: %w", err)
		}
		if err != nil {
			r.log.Debug().Err(err).Msg("session list unavailable, using local sessions")
		}
	}
	local, err := r.cache.Sessions(r.serverID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}

	byKey := make(map[string]*Summary)
	var out []*Summary
	add := func(s *Summary) *Summary {
		if existing, ok := byKey[s.Key]; ok {
			return existing
		}
		byKey[s.Key] = s
		out = append(out, s)
		return s
	}

	for _, info := range remote {
		add(&Summary{Key: info.Key, Label: info.Label, UpdatedAt: info.UpdatedAt, Remote: true})
	}
	remoteCount := len(out)

	for _, c := range local {
		if s, ok := byKey[c.Key]; ok {
			s.Unflushed = c.Unflushed
			continue
		}
		if c.Unflushed {
			add(&Summary{Key: c.Key, UpdatedAt: c.LastAt, Unflushed: true})
		}
	}

	r.mu.RLock()
	open := make(map[string]*turn.Queue, len(r.queues))
	for k, q := range r.queues {
		open[k] = q
	}
	r.mu.RUnlock()
	for k, q := range open {
		active, busy := q.Active()
		if !busy {
			continue
		}
		s := add(&Summary{Key: k, UpdatedAt: active.UpdatedAt})
		s.Active = true
		s.Queued = len(q.Pending())
	}

	locals := out[remoteCount:]
	sort.SliceStable(locals, func(i, j int) bool {
		if locals[i].UpdatedAt.Equal(locals[j].UpdatedAt) {
			return locals[i].Key < locals[j].Key
		}
		return locals[i].UpdatedAt.After(locals[j].UpdatedAt)
	})

	res := make([]Summary, len(out))
	for i, s := range out {
		res[i] = *s
	}
	return res, nil
}

// Keys returns the sessions opened on this router, sorted.
func (r *Router) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.queues))
	for k := range r.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
