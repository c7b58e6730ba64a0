package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/protocol"
)

func newTestDemux() (*Demux, *Correlator) {
	c := NewCorrelator(CorrelatorOpts{})
	return NewDemux(c, zerolog.Nop()), c
}

func TestDemux_ResponseResolves(t *testing.T) {
	d, c := newTestDemux()
	p := mustIssue(t, c, "r1")

	d.HandleFrame(protocol.Frame{RequestID: "r1", Kind: protocol.KindResponse, Payload: json.RawMessage(`{"text":"ok"}`)})

	if !p.Resolved() {
		t.Fatal("response should resolve")
	}
	reply, err := DecodeReply(p.Result())
	if err != nil || reply.Text != "ok" {
		t.Errorf("reply = %+v, %v", reply, err)
	}
}

func TestDemux_ErrorRejects(t *testing.T) {
	d, c := newTestDemux()
	p := mustIssue(t, c, "r1")

	d.HandleFrame(protocol.Frame{RequestID: "r1", Kind: protocol.KindError,
		Error: &protocol.FrameError{Code: "BUSY", Message: "try later"}})

	var re *protocol.RemoteError
	if !errors.As(p.Result().Err, &re) || re.Code != "BUSY" {
		t.Errorf("err = %v, want RemoteError BUSY", p.Result().Err)
	}
}

func TestDemux_StreamAndLifecycleEnd(t *testing.T) {
	d, c := newTestDemux()
	p := mustIssue(t, c, "r1")

	frames := []protocol.StreamEvent{
		protocol.Lifecycle("r1", protocol.PhaseStart),
		protocol.Delta("r1", "hel"),
		protocol.Tool("r1", "search", protocol.PhaseRunning, nil),
		protocol.Delta("r1", "lo"),
		protocol.Lifecycle("r1", protocol.PhaseEnd),
	}
	for _, ev := range frames {
		d.HandleFrame(protocol.StreamFrame(ev))
	}
	if !p.Resolved() {
		t.Fatal("lifecycle end should resolve the request")
	}

	// The trailing response is a duplicate completion.
	d.HandleFrame(protocol.Frame{RequestID: "r1", Kind: protocol.KindResponse, Payload: json.RawMessage(`{"text":"x"}`)})
	if p.Result().Payload != nil {
		t.Error("duplicate response must not overwrite the result")
	}

	evs := collect(t, p)
	if len(evs) != len(frames) {
		t.Fatalf("got %d events, want %d", len(evs), len(frames))
	}
	for i, ev := range evs {
		if ev.Type != frames[i].Type || ev.Text != frames[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, ev, frames[i])
		}
		if ev.RequestID != "r1" {
			t.Errorf("event %d request = %q", i, ev.RequestID)
		}
	}
}

func TestDemux_InterleavedRequests(t *testing.T) {
	d, c := newTestDemux()
	a := mustIssue(t, c, "a")
	b := mustIssue(t, c, "b")

	d.HandleFrame(protocol.StreamFrame(protocol.Delta("a", "1")))
	d.HandleFrame(protocol.StreamFrame(protocol.Delta("b", "x")))
	d.HandleFrame(protocol.StreamFrame(protocol.Delta("a", "2")))
	d.HandleFrame(protocol.StreamFrame(protocol.Delta("b", "y")))
	d.HandleFrame(protocol.Frame{RequestID: "a", Kind: protocol.KindResponse})
	d.HandleFrame(protocol.Frame{RequestID: "b", Kind: protocol.KindResponse})

	join := func(evs []protocol.StreamEvent) string {
		s := ""
		for _, ev := range evs {
			s += ev.Text
		}
		return s
	}
	if got := join(collect(t, a)); got != "12" {
		t.Errorf("a = %q", got)
	}
	if got := join(collect(t, b)); got != "xy" {
		t.Errorf("b = %q", got)
	}
}

func TestDemux_UnknownAndMalformedDropped(t *testing.T) {
	d, c := newTestDemux()
	p := mustIssue(t, c, "r1")

	d.HandleFrame(protocol.Frame{RequestID: "ghost", Kind: protocol.KindResponse})
	d.HandleFrame(protocol.StreamFrame(protocol.Delta("ghost", "x")))
	d.HandleFrame(protocol.Frame{RequestID: "r1", Kind: protocol.KindStream, Payload: json.RawMessage(`{"type":"bogus"}`)})
	d.HandleFrame(protocol.Frame{RequestID: "srv", Kind: protocol.KindRequest, Method: "ping"})

	if p.Resolved() {
		t.Error("r1 should still be pending")
	}
	if c.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", c.Pending())
	}
}
