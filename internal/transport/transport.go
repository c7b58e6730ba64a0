// Package transport owns the duplex, message-oriented connection to a single
// gateway server. A Conn never retries: any I/O failure closes it and is
// reported through Done/Err so the connection manager can decide what to do.
package transport

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrClosed is reported by Err after Close was called locally.
var ErrClosed = errors.New("transport: closed")

// Endpoint is the opaque connect input supplied by the credential/config provider.
type Endpoint struct {
	Address    string
	Credential oauth2.TokenSource // optional
}

// Dialer opens connections. Each Dial yields a fresh Conn.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// Conn is one established connection.
type Conn interface {
	// Send writes one message. It fails with protocol.ErrNotConnected once
	// the connection is closed.
	Send(ctx context.Context, data []byte) error
	// Recv delivers inbound messages. It is closed when the connection ends.
	Recv() <-chan []byte
	// Done is closed when the receive loop has exited.
	Done() <-chan struct{}
	// Err reports why the connection ended. Valid after Done is closed.
	Err() error
	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// StaticToken returns a token source for a fixed gateway token, or nil when
// token is empty.
func StaticToken(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// AccessToken returns the current token from ts. A nil source yields "".
func AccessToken(ts oauth2.TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("transport: token: %w", err)
	}
	return tok.AccessToken, nil
}
