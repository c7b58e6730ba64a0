// Package gateway implements the protocol engine for one gateway server:
// the connection state machine, request/response correlation, and
// demultiplexing of streamed events to the request that spawned them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/protocol"
)

// DefaultTurnTimeout bounds an agent turn. Turns may include long tool
// executions, so the window is generous.
const DefaultTurnTimeout = 5 * time.Minute

// Result is the terminal outcome of a request.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// RequestMeta describes a request being issued.
type RequestMeta struct {
	SessionKey string
	Method     string
	Timeout    time.Duration // defaults to the correlator's timeout
}

// PendingRequest is one outstanding RPC. Its completion is single-assignment:
// the first resolve/reject wins and later ones are ignored.
type PendingRequest struct {
	ID             string
	IdempotencyKey string
	SessionKey     string
	Method         string
	CreatedAt      time.Time

	mu       sync.Mutex
	queue    []protocol.StreamEvent
	resolved bool
	result   Result
	notify   chan struct{}
	done     chan struct{}
	timer    *time.Timer

	pumpOnce sync.Once
	events   chan protocol.StreamEvent
}

func newPendingRequest(id, idempotencyKey string, meta RequestMeta) *PendingRequest {
	return &PendingRequest{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		SessionKey:     meta.SessionKey,
		Method:         meta.Method,
		CreatedAt:      time.Now(),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		events:         make(chan protocol.StreamEvent),
	}
}

// Events returns the typed stream of partial results for this request. The
// channel delivers events in arrival order and is closed after the request
// completes and every queued event was received. Callers must drain it.
func (p *PendingRequest) Events() <-chan protocol.StreamEvent {
	p.pumpOnce.Do(func() { go p.pump() })
	return p.events
}

// Done is closed when the request completes.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Wait blocks until the request completes or ctx ends.
func (p *PendingRequest) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal outcome; it is zero until Done is closed.
func (p *PendingRequest) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Resolved reports whether the request has completed.
func (p *PendingRequest) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// complete assigns the result once. It returns false if already resolved.
func (p *PendingRequest) complete(res Result) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.result = res
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	p.mu.Unlock()
	p.signal()
	return true
}

// push queues a stream event. Events after completion are refused.
func (p *PendingRequest) push(ev protocol.StreamEvent) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	p.signal()
	return true
}

func (p *PendingRequest) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// pump forwards queued events to the events channel so that the receive
// loop never blocks on a slow consumer.
func (p *PendingRequest) pump() {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.events <- ev
			continue
		}
		if p.resolved {
			p.mu.Unlock()
			close(p.events)
			return
		}
		p.mu.Unlock()
		<-p.notify
	}
}

// Correlator tracks outstanding requests for one connection.
type Correlator struct {
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest
}

// CorrelatorOpts holds parameters for creating a Correlator.
type CorrelatorOpts struct {
	Timeout time.Duration // defaults to DefaultTurnTimeout
	Logger  zerolog.Logger
}

// NewCorrelator creates a Correlator.
func NewCorrelator(opts CorrelatorOpts) *Correlator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &Correlator{
		timeout: timeout,
		log:     opts.Logger.With().Str("component", "correlator").Logger(),
		pending: make(map[string]*PendingRequest),
	}
}

// Issue registers a new pending request. Request ids must be unique for the
// lifetime of the connection.
func (c *Correlator) Issue(requestID, idempotencyKey string, meta RequestMeta) (*PendingRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("gateway: issue: request id is required")
	}
	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	p := newPendingRequest(requestID, idempotencyKey, meta)

	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway: issue: duplicate request id %s", requestID)
	}
	c.pending[requestID] = p
	p.mu.Lock()
	p.timer = time.AfterFunc(timeout, func() {
		if c.Reject(requestID, fmt.Errorf("%w after %s", protocol.ErrCorrelationTimeout, timeout)) {
			c.log.Warn().Str("request", requestID).Str("method", meta.Method).
				Dur("timeout", timeout).Msg("request timed out")
		}
	})
	p.mu.Unlock()
	c.mu.Unlock()
	return p, nil
}

// Resolve completes a request successfully. It returns false for unknown or
// already-completed requests.
func (c *Correlator) Resolve(requestID string, payload json.RawMessage) bool {
	return c.finish(requestID, Result{Payload: payload})
}

// Reject completes a request with err.
func (c *Correlator) Reject(requestID string, err error) bool {
	return c.finish(requestID, Result{Err: err})
}

func (c *Correlator) finish(requestID string, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("request", requestID).Msg("completion for unknown request ignored")
		return false
	}
	if !p.complete(res) {
		c.log.Debug().Str("request", requestID).Msg("duplicate completion ignored")
		return false
	}
	return true
}

// DispatchStreamEvent routes ev to its pending request. It returns false when
// the request is unknown, which is expected after timeouts and reconnects.
func (c *Correlator) DispatchStreamEvent(requestID string, ev protocol.StreamEvent) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return p.push(ev)
}

// RejectAll fails every outstanding request with err and returns how many
// were rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*PendingRequest)
	c.mu.Unlock()

	n := 0
	for _, p := range all {
		if p.complete(Result{Err: err}) {
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Lookup returns the outstanding request with the given id.
func (c *Correlator) Lookup(requestID string) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	return p, ok
}
