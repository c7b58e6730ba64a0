// Package turn serializes agent turns for one session. A Queue lets the user
// keep submitting while the agent is answering: at most one turn per session
// is in flight, later messages wait in FIFO order and are sent one at a time.
package turn

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
)

// Status is the lifecycle state of a Turn.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether a turn in this status occupies the session.
func (s Status) Active() bool {
	return s == StatusSending || s == StatusStreaming
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Turn is one user message and the agent's work on it.
type Turn struct {
	ID             string
	SessionKey     string
	Text           string
	Attachments    []protocol.Attachment
	IdempotencyKey string
	Status         Status
	Err            error
	Reply          string
	RequestID      string // request of the latest transmission
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Cancelled reports whether the turn was stopped by the user.
func (t Turn) Cancelled() bool {
	return t.Status == StatusFailed && errors.Is(t.Err, protocol.ErrUserCancelled)
}

// Sender transmits turns. *gateway.Gateway satisfies it; the session router
// wraps it so the queue survives a server reconnect.
type Sender interface {
	SendChat(ctx context.Context, msg protocol.ChatSend) (*gateway.PendingRequest, error)
	Abort(ctx context.Context, sessionKey, requestID string) error
	Connected() bool
}

// Store is the durable message log behind a queue. *history.Cache satisfies it.
type Store interface {
	Append(msg *models.CachedMessage) error
	Replace(serverID, sessionKey string, server, inflight []models.CachedMessage) ([]models.CachedMessage, error)
	MarkConfirmed(serverID, turnID string) error
	MarkFailed(serverID, turnID string) error
	MarkPending(serverID, turnID string) error
	DeleteSession(serverID, sessionKey string) error
}

// Listener receives the UI-facing callbacks of a queue. Callbacks run while
// the session is locked: they must return quickly and must not call back
// into the same Queue.
type Listener interface {
	OnMessageAppended(msg models.CachedMessage)
	OnStreamingTextUpdate(sessionKey, text string)
	OnToolEvent(sessionKey string, ev protocol.StreamEvent)
	OnTurnStatus(t Turn)
	OnHistoryReplaced(sessionKey string, msgs []models.CachedMessage)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnMessageAppended(models.CachedMessage) {}
func (NopListener) OnStreamingTextUpdate(string, string) {}
func (NopListener) OnToolEvent(string, protocol.StreamEvent) {}
func (NopListener) OnTurnStatus(Turn) {}
func (NopListener) OnHistoryReplaced(string, []models.CachedMessage) {}
