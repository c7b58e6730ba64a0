package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientInfo identifies this client during the connect handshake.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	Token  string     `json:"token,omitempty"`
	Client ClientInfo `json:"client"`
}

// Attachment is a file sent alongside a user message. Content is already
// encoded by the caller; compression is not the client's concern.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// ChatSend is one user message bound for an agent turn.
type ChatSend struct {
	SessionKey     string       `json:"-"`
	IdempotencyKey string       `json:"-"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// ChatAbort asks the server to stop the turn spawned by TargetRequestID.
type ChatAbort struct {
	TargetRequestID string `json:"targetRequestId"`
}

// ChatReply is the terminal payload of a chat.send request. An empty Text
// means the reply is whatever was streamed as deltas.
type ChatReply struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// HistoryParams is the payload of chat.history.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryMessage is one server-side message.
type HistoryMessage struct {
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// HistoryResult is the response payload of chat.history.
type HistoryResult struct {
	Messages []HistoryMessage `json:"messages"`
}

// SessionInfo describes a session reported by the server.
type SessionInfo struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionsResult is the response payload of sessions.list.
type SessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// Decode unmarshals a terminal payload into v. An empty payload leaves v untouched.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}
