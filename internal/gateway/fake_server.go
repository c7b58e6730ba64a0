package gateway

import (
	"encoding/json"
	"sync"

	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/transport"
)

// FakeServer scripts a gateway server behind a transport.MockDialer. It
// answers connect handshakes and chat.abort by itself; every other request is
// handed to a registered handler and published on Requests.
type FakeServer struct {
	Dialer *transport.MockDialer

	codec protocol.JSONCodec

	mu         sync.Mutex
	rejectAuth bool
	handlers   map[string]FakeHandler
	seen       []protocol.Frame
	requests   chan ServerRequest
}

// FakeHandler answers one request. It runs inside the client's Send call.
type FakeHandler func(r ServerRequest)

// ServerRequest is a request received by the FakeServer.
type ServerRequest struct {
	Conn  *transport.MockConn
	Frame protocol.Frame
}

// NewFakeServer creates a FakeServer with a fresh MockDialer.
func NewFakeServer() *FakeServer {
	s := &FakeServer{
		Dialer:   transport.NewMockDialer(),
		handlers: make(map[string]FakeHandler),
		requests: make(chan ServerRequest, 256),
	}
	s.Dialer.OnSend = s.receive
	s.handlers[protocol.MethodChatAbort] = func(r ServerRequest) { r.Respond(nil) }
	return s
}

// RejectAuth makes later connect handshakes fail with AUTH_REJECTED.
func (s *FakeServer) RejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

// Handle registers the handler for method, replacing any previous one.
func (s *FakeServer) Handle(method string, h FakeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Requests delivers every non-connect request as it arrives.
func (s *FakeServer) Requests() <-chan ServerRequest { return s.requests }

// Seen returns every request received with the given method.
func (s *FakeServer) Seen(method string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.seen {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

func (s *FakeServer) receive(c *transport.MockConn, data []byte) {
	f, err := s.codec.Decode(data)
	if err != nil || f.Kind != protocol.KindRequest {
		return
	}
	r := ServerRequest{Conn: c, Frame: f}

	s.mu.Lock()
	s.seen = append(s.seen, f)
	reject := s.rejectAuth
	h := s.handlers[f.Method]
	s.mu.Unlock()

	if f.Method == protocol.MethodConnect {
		if reject {
			r.Fail(protocol.CodeAuthRejected, "bad token")
		} else {
			r.Respond(nil)
		}
		return
	}
	if h != nil {
		h(r)
	}
	select {
	case s.requests <- r:
	default:
	}
}

// Respond sends the terminal response for the request.
func (r ServerRequest) Respond(payload any) {
	f := protocol.Frame{RequestID: r.Frame.RequestID, Kind: protocol.KindResponse}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		f.Payload = raw
	}
	r.deliver(f)
}

// Fail sends an error frame for the request.
func (r ServerRequest) Fail(code, message string) {
	r.deliver(protocol.Frame{
		RequestID: r.Frame.RequestID,
		Kind:      protocol.KindError,
		Error:     &protocol.FrameError{Code: code, Message: message},
	})
}

// Stream sends a partial result for the request.
func (r ServerRequest) Stream(ev protocol.StreamEvent) {
	ev.RequestID = r.Frame.RequestID
	r.deliver(protocol.StreamFrame(ev))
}

// ChatSend decodes the payload of a chat.send request.
func (r ServerRequest) ChatSend() protocol.ChatSend {
	var msg protocol.ChatSend
	protocol.Decode(r.Frame.Payload, &msg)
	msg.SessionKey = r.Frame.SessionKey
	msg.IdempotencyKey = r.Frame.IdempotencyKey
	return msg
}

func (r ServerRequest) deliver(f protocol.Frame) {
	data, err := protocol.JSONCodec{}.Encode(f)
	if err != nil {
		return
	}
	r.Conn.Deliver(data)
}
