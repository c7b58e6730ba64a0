package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected rejects a send while the connection is not Connected.
	// It is transient: the turn queue holds the turn and resubmits after reconnect.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost rejects every request outstanding when a connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCorrelationTimeout fails a request that saw no terminal frame in time.
	ErrCorrelationTimeout = errors.New("correlation timeout")

	// ErrUserCancelled is the terminal reason of a stopped turn. It is not a fault.
	ErrUserCancelled = errors.New("cancelled by user")
)

// Auth rejection code sent by the server in reply to connect.
const CodeAuthRejected = "AUTH_REJECTED"

// ConnectError fails a single connect attempt; the connection manager backs off
// and retries.
type ConnectError struct {
	Address      string
	AuthRejected bool
	Err          error
}

func (e *ConnectError) Error() string {
	if e.AuthRejected {
		return fmt.Sprintf("connect %s: auth rejected: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteError is an error frame returned by the server for a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// FromFrameError converts an error frame body. A nil body yields a generic error.
func FromFrameError(fe *FrameError) *RemoteError {
	if fe == nil {
		return &RemoteError{Message: "request failed"}
	}
	return &RemoteError{Code: fe.Code, Message: fe.Message}
}

// Retryable reports whether a turn that failed with err should stay queued
// for resubmission rather than be surfaced as failed.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost)
}
