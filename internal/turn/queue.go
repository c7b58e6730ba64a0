package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
)

// Defaults for QueueOpts.
const (
	DefaultWindow       = 200
	DefaultAbortTimeout = 10 * time.Second
	maxFailedTurns      = 32
)

// ErrTurnNotFound is returned by Retry for an unknown or non-failed turn.
var ErrTurnNotFound = errors.New("turn not found")

// Queue owns the turn state of one session. All mutable state is guarded by
// mu, which is never held across sessions.
type Queue struct {
	serverID     string
	key          string
	sender       Sender
	store        Store
	listener     Listener
	window       int
	abortTimeout time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	active   *Turn
	req      *gateway.PendingRequest
	held     bool // active turn is waiting for a connection
	sending  bool // a SendChat for the current gen has not returned yet
	resend   bool // a reconnect arrived while sending
	pending  []*Turn
	failed   []*Turn
	buffer   strings.Builder
	gen      uint64 // bumps on every transmission; stale watchers compare it
	messages []models.CachedMessage
}

// QueueOpts holds parameters for creating a Queue.
type QueueOpts struct {
	ServerID     string
	SessionKey   string
	Sender       Sender
	Store        Store
	Listener     Listener               // defaults to NopListener
	Window       int                    // in-memory messages, defaults to DefaultWindow
	History      []models.CachedMessage // cached messages painted before any connection exists
	AbortTimeout time.Duration
	Logger       zerolog.Logger
}

// NewQueue creates a Queue with no active turn.
func NewQueue(opts QueueOpts) (*Queue, error) {
	if opts.SessionKey == "" {
		return nil, fmt.Errorf("turn: queue: session key is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("turn: queue: sender is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("turn: queue: store is required")
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	abortTimeout := opts.AbortTimeout
	if abortTimeout <= 0 {
		abortTimeout = DefaultAbortTimeout
	}
	q := &Queue{
		serverID:     opts.ServerID,
		key:          opts.SessionKey,
		sender:       opts.Sender,
		store:        opts.Store,
		listener:     listener,
		window:       window,
		abortTimeout: abortTimeout,
		log: opts.Logger.With().Str("component", "turn").
			Str("server", opts.ServerID).Str("session", opts.SessionKey).Logger(),
	}
	q.messages = tail(append([]models.CachedMessage(nil), opts.History...), window)
	return q, nil
}

// SessionKey returns the session this queue serializes.
func (q *Queue) SessionKey() string { return q.key }

// Submit records the user's message and either transmits it at once or, when
// a turn is already active, appends it to the FIFO. It never waits for the
// agent. The user message is durable before any listener sees it.
func (q *Queue) Submit(ctx context.Context, text string, attachments []protocol.Attachment) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, err
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return Turn{}, fmt.Errorf("turn: submit: empty message")
	}
	now := time.Now()
	t := &Turn{
		ID:             uuid.NewString(),
		SessionKey:     q.key,
		Text:           text,
		Attachments:    attachments,
		IdempotencyKey: uuid.NewString(),
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	msg := models.CachedMessage{
		ServerID:       q.serverID,
		SessionKey:     q.key,
		Role:           models.RoleUser,
		Content:        text,
		TurnID:         t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Optimistic:     true,
		CreatedAt:      now,
	}
	if err := q.store.Append(&msg); err != nil {
		return Turn{}, fmt.Errorf("turn: submit: %w", err)
	}
	q.push(msg)
	q.listener.OnMessageAppended(msg)

	if q.active != nil {
		q.pending = append(q.pending, t)
		q.log.Debug().Str("turn", t.ID).Int("queued", len(q.pending)).Msg("turn queued behind active turn")
		q.notify(t)
		return *t, nil
	}
	q.start(t)
	return *t, nil
}

// Stop cancels the active turn. The turn fails locally with
// protocol.ErrUserCancelled and the next queued turn starts before Stop
// returns; the server is told to abort in the background.
func (q *Queue) Stop() bool {
	q.mu.Lock()
	reqID, stopped := q.cancelActive()
	if stopped {
		q.advance()
	}
	q.mu.Unlock()

	q.abort(reqID)
	return stopped
}

// cancelActive fails the active turn as cancelled and returns the request
// to abort on the server, if one was sent. Caller holds mu.
func (q *Queue) cancelActive() (string, bool) {
	t := q.active
	if t == nil {
		return "", false
	}
	reqID := ""
	if q.req != nil {
		reqID = q.req.ID
	}
	q.gen++
	q.finish(t, protocol.ErrUserCancelled)
	q.log.Info().Str("turn", t.ID).Msg("turn stopped by user")
	return reqID, true
}

func (q *Queue) abort(reqID string) {
	if reqID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.abortTimeout)
		defer cancel()
		if err := q.sender.Abort(ctx, q.key, reqID); err != nil {
			q.log.Debug().Err(err).Str("request", reqID).Msg("abort not acknowledged")
		}
	}()
}

// Resume resubmits a turn held by a lost or missing connection. It is called
// once per reconnect; the turn keeps its idempotency key so the server can
// discard a copy it already received.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		q.advance()
		return
	}
	if q.sending {
		q.resend = true
		return
	}
	if !q.held {
		return
	}
	q.log.Info().Str("turn", q.active.ID).Int("attempt", q.active.Attempts+1).Msg("resubmitting turn after reconnect")
	q.transmit(q.active)
}

// Retry resubmits a failed turn with its original idempotency key. It runs
// now if the session is idle, otherwise it queues behind the active turn.
func (q *Queue) Retry(turnID string) (Turn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, t := range q.failed {
		if t.ID == turnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Turn{}, fmt.Errorf("turn: retry %s: %w", turnID, ErrTurnNotFound)
	}
	t := q.failed[idx]
	q.failed = append(q.failed[:idx], q.failed[idx+1:]...)

	if err := q.store.MarkPending(q.serverID, t.ID); err != nil {
		q.log.Warn().Err(err).Str("turn", t.ID).Msg("mark pending failed")
	}
	q.setFlags(t.ID, true, false)
	t.Status = StatusQueued
	t.Err = nil
	t.UpdatedAt = time.Now()

	if q.active != nil {
		q.pending = append(q.pending, t)
		q.notify(t)
		return *t, nil
	}
	q.start(t)
	return *t, nil
}

// Reset stops the active turn, drops every queued turn and forgets the
// session's history locally and in the store.
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.pending
	q.pending = nil
	reqID, _ := q.cancelActive()
	q.abort(reqID)
	for _, t := range dropped {
		t.Status = StatusFailed
		t.Err = protocol.ErrUserCancelled
		t.UpdatedAt = time.Now()
		q.notify(t)
	}
	q.failed = nil
	q.messages = nil
	if err := q.store.DeleteSession(q.serverID, q.key); err != nil {
		return fmt.Errorf("turn: reset %s: %w", q.key, err)
	}
	q.listener.OnHistoryReplaced(q.key, nil)
	return nil
}

// ReplaceHistory installs the server's authoritative history. User messages
// of turns still in flight, queued or retryable after a failure are kept
// after the server list.
func (q *Queue) ReplaceHistory(server []models.CachedMessage) ([]models.CachedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := make(map[string]bool)
	if q.active != nil {
		live[q.active.ID] = true
	}
	for _, t := range q.pending {
		live[t.ID] = true
	}
	for _, t := range q.failed {
		live[t.ID] = true
	}
	var inflight []models.CachedMessage
	for _, m := range q.messages {
		if m.Role == models.RoleUser && live[m.TurnID] {
			inflight = append(inflight, m)
		}
	}

	msgs, err := q.store.Replace(q.serverID, q.key, server, inflight)
	if err != nil {
		return nil, fmt.Errorf("turn: replace history %s: %w", q.key, err)
	}
	q.messages = tail(msgs, q.window)
	out := q.snapshot()
	q.listener.OnHistoryReplaced(q.key, out)
	return out, nil
}

// Messages returns the in-memory window, oldest first.
func (q *Queue) Messages() []models.CachedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Active returns the turn occupying the session, if any.
func (q *Queue) Active() (Turn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Turn{}, false
	}
	return *q.active, true
}

// Pending returns the turns waiting behind the active one, in order.
func (q *Queue) Pending() []Turn {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Turn, len(q.pending))
	for i, t := range q.pending {
		out[i] = *t
	}
	return out
}

// StreamingText returns the reply accumulated so far for the active turn.
func (q *Queue) StreamingText() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffer.String()
}

// Failed returns the failed turns that can still be retried.
func (q *Queue) Failed() []Turn {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Turn, len(q.failed))
	for i, t := range q.failed {
		out[i] = *t
	}
	return out
}

// start makes t the active turn and transmits it. Caller holds mu.
func (q *Queue) start(t *Turn) {
	q.active = t
	q.transmit(t)
}

// transmit marks the active turn as sending, drops text streamed by an
// earlier attempt and hands the write to send. Caller holds mu.
func (q *Queue) transmit(t *Turn) {
	q.gen++
	gen := q.gen
	q.req = nil
	q.held = false
	q.sending = true
	q.resend = false
	t.Attempts++
	if q.buffer.Len() > 0 {
		q.buffer.Reset()
		q.listener.OnStreamingTextUpdate(q.key, "")
	}
	q.setStatus(t, StatusSending)

	msg := protocol.ChatSend{
		SessionKey:     q.key,
		IdempotencyKey: t.IdempotencyKey,
		Message:        t.Text,
		Attachments:    t.Attachments,
	}
	go q.send(t, msg, gen)
}

// send writes one transmission without holding mu. A transient failure holds
// the turn until Resume; any other failure ends it. A request that comes back
// after its turn was stopped or resent is aborted.
func (q *Queue) send(t *Turn, msg protocol.ChatSend, gen uint64) {
	p, err := q.sender.SendChat(context.Background(), msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen || q.active != t {
		if err == nil {
			q.log.Debug().Str("turn", t.ID).Str("request", p.ID).Msg("turn ended during send, aborting request")
			q.abort(p.ID)
		}
		return
	}
	q.sending = false
	if err != nil {
		if !protocol.Retryable(err) {
			q.log.Warn().Err(err).Str("turn", t.ID).Msg("send failed")
			q.finish(t, err)
			q.advance()
			return
		}
		q.held = true
		if q.resend {
			q.log.Info().Str("turn", t.ID).Msg("reconnected during send, resubmitting")
			q.transmit(t)
			return
		}
		q.log.Info().Str("turn", t.ID).Msg("not connected, turn held for reconnect")
		return
	}
	q.resend = false
	q.req = p
	t.RequestID = p.ID
	go q.watch(t, p, gen)
}

// watch consumes the request's events and its terminal result.
func (q *Queue) watch(t *Turn, p *gateway.PendingRequest, gen uint64) {
	for ev := range p.Events() {
		q.mu.Lock()
		if q.gen == gen {
			q.handleEvent(t, ev)
		}
		q.mu.Unlock()
	}

	res := p.Result()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen || q.active != t {
		return
	}
	q.resolve(t, res)
}

// handleEvent applies one stream event to the active turn. Caller holds mu.
func (q *Queue) handleEvent(t *Turn, ev protocol.StreamEvent) {
	switch ev.Type {
	case protocol.EventLifecycle:
		if ev.Phase == protocol.PhaseStart && t.Status == StatusSending {
			q.setStatus(t, StatusStreaming)
		}
	case protocol.EventDelta:
		if t.Status == StatusSending {
			q.setStatus(t, StatusStreaming)
		}
		q.buffer.WriteString(ev.Text)
		q.listener.OnStreamingTextUpdate(q.key, q.buffer.String())
	case protocol.EventTool:
		if t.Status == StatusSending {
			q.setStatus(t, StatusStreaming)
		}
		q.listener.OnToolEvent(q.key, ev)
	}
}

// resolve applies the terminal result of the active turn. Caller holds mu.
func (q *Queue) resolve(t *Turn, res gateway.Result) {
	q.req = nil
	if res.Err != nil {
		if errors.Is(res.Err, protocol.ErrConnectionLost) {
			q.held = true
			q.log.Info().Str("turn", t.ID).Msg("connection lost mid-turn, holding for reconnect")
			if q.sender.Connected() {
				q.transmit(t)
			}
			return
		}
		q.finish(t, res.Err)
		q.advance()
		return
	}

	reply, err := gateway.DecodeReply(res)
	if err != nil {
		q.log.Warn().Err(err).Str("turn", t.ID).Msg("undecodable reply, using streamed text")
	}
	text := reply.Text
	if text == "" {
		text = q.buffer.String()
	}
	t.Reply = text

	agent := models.CachedMessage{
		ServerID:   q.serverID,
		SessionKey: q.key,
		Role:       models.RoleAgent,
		Content:    text,
		TurnID:     t.ID,
		CreatedAt:  time.Now(),
	}
	if err := q.store.Append(&agent); err != nil {
		q.log.Error().Err(err).Str("turn", t.ID).Msg("cache agent reply")
	}
	q.push(agent)
	q.listener.OnMessageAppended(agent)

	q.finish(t, nil)
	q.advance()
}

// finish moves t to its terminal status and frees the session. Caller holds mu.
func (q *Queue) finish(t *Turn, err error) {
	switch {
	case err == nil, errors.Is(err, protocol.ErrUserCancelled):
		if serr := q.store.MarkConfirmed(q.serverID, t.ID); serr != nil {
			q.log.Warn().Err(serr).Str("turn", t.ID).Msg("confirm cached message")
		}
		q.setFlags(t.ID, false, false)
	default:
		if serr := q.store.MarkFailed(q.serverID, t.ID); serr != nil {
			q.log.Warn().Err(serr).Str("turn", t.ID).Msg("mark cached message failed")
		}
		q.setFlags(t.ID, true, true)
	}

	t.Err = err
	if err == nil {
		q.setStatus(t, StatusCompleted)
	} else {
		q.setStatus(t, StatusFailed)
		if !errors.Is(err, protocol.ErrUserCancelled) {
			q.failed = append(q.failed, t)
			if len(q.failed) > maxFailedTurns {
				q.failed = q.failed[1:]
			}
		}
	}

	if q.active == t {
		q.active = nil
		q.req = nil
		q.held = false
		q.sending = false
		q.resend = false
		q.buffer.Reset()
	}
}

// advance starts the oldest queued turn, if any. Caller holds mu.
func (q *Queue) advance() {
	if q.active != nil || len(q.pending) == 0 {
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.start(next)
}

func (q *Queue) setStatus(t *Turn, s Status) {
	t.Status = s
	t.UpdatedAt = time.Now()
	q.notify(t)
}

func (q *Queue) notify(t *Turn) {
	q.listener.OnTurnStatus(*t)
}

// setFlags updates the in-memory copy of a turn's user message.
func (q *Queue) setFlags(turnID string, optimistic, failed bool) {
	for i := range q.messages {
		if q.messages[i].TurnID == turnID && q.messages[i].Role == models.RoleUser {
			q.messages[i].Optimistic = optimistic
			q.messages[i].Failed = failed
		}
	}
}

func (q *Queue) push(m models.CachedMessage) {
	q.messages = tail(append(q.messages, m), q.window)
}

func (q *Queue) snapshot() []models.CachedMessage {
	out := make([]models.CachedMessage, len(q.messages))
	copy(out, q.messages)
	return out
}

func tail(msgs []models.CachedMessage, n int) []models.CachedMessage {
	if len(msgs) <= n {
		return msgs
	}
	return append([]models.CachedMessage(nil), msgs[len(msgs)-n:]...)
}
