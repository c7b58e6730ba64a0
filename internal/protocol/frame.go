// Package protocol defines the gateway wire frames, the streamed event union,
// and the error taxonomy shared by every layer of the client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes terminal frames from streaming ones.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindStream   Kind = "stream"
)

// Gateway methods understood by the client.
const (
	MethodConnect      = "connect"
	MethodChatSend     = "chat.send"
	MethodChatAbort    = "chat.abort"
	MethodChatHistory  = "chat.history"
	MethodSessionsList = "sessions.list"
)

// Frame is one message on the wire. Every frame is routed by RequestID.
type Frame struct {
	RequestID      string          `json:"requestId"`
	Kind           Kind            `json:"kind"`
	Method         string          `json:"method,omitempty"`
	SessionKey     string          `json:"sessionKey,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          *FrameError     `json:"error,omitempty"`
}

// FrameError is the body of an error frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the frame ends the request it belongs to.
func (f Frame) Terminal() bool {
	return f.Kind == KindResponse || f.Kind == KindError
}

// Codec converts frames to and from raw transport messages. The backend
// dialect lives behind this interface; the rest of the client only sees Frames.
type Codec interface {
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// JSONCodec encodes one frame per JSON document.
type JSONCodec struct{}

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.RequestID == "" {
		return Frame{}, fmt.Errorf("protocol: decode frame: missing requestId")
	}
	switch f.Kind {
	case KindRequest, KindResponse, KindError, KindStream:
	default:
		return Frame{}, fmt.Errorf("protocol: decode frame: unknown kind %q", f.Kind)
	}
	return f, nil
}

// NewRequest builds a request frame with a JSON-encoded payload.
func NewRequest(requestID, method, sessionKey, idempotencyKey string, payload any) (Frame, error) {
	f := Frame{
		RequestID:      requestID,
		Kind:           KindRequest,
		Method:         method,
		SessionKey:     sessionKey,
		IdempotencyKey: idempotencyKey,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("protocol: marshal %s params: %w", method, err)
		}
		f.Payload = raw
	}
	return f, nil
}
