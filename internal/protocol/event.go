package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags the StreamEvent union.
type EventType string

const (
	EventDelta     EventType = "delta"
	EventLifecycle EventType = "lifecycle"
	EventTool      EventType = "tool"
)

// Phase is the lifecycle or tool phase carried by an event.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseEnd       Phase = "end"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// StreamEvent is a partial result for an in-flight request:
// delta(text), lifecycle(phase) or tool(name, phase, payload).
// RequestID names the request that spawned it.
type StreamEvent struct {
	RequestID string          `json:"-"`
	Type      EventType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Phase     Phase           `json:"phase,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Delta builds a delta event.
func Delta(requestID, text string) StreamEvent {
	return StreamEvent{RequestID: requestID, Type: EventDelta, Text: text}
}

// Lifecycle builds a lifecycle event.
func Lifecycle(requestID string, phase Phase) StreamEvent {
	return StreamEvent{RequestID: requestID, Type: EventLifecycle, Phase: phase}
}

// Tool builds a tool event.
func Tool(requestID, name string, phase Phase, data json.RawMessage) StreamEvent {
	return StreamEvent{RequestID: requestID, Type: EventTool, Name: name, Phase: phase, Data: data}
}

// IsEnd reports whether the event is the explicit end-of-stream signal.
func (e StreamEvent) IsEnd() bool {
	return e.Type == EventLifecycle && e.Phase == PhaseEnd
}

// ParseStreamEvent decodes the payload of a stream frame.
func ParseStreamEvent(f Frame) (StreamEvent, error) {
	if f.Kind != KindStream {
		return StreamEvent{}, fmt.Errorf("protocol: frame %s is %s, not stream", f.RequestID, f.Kind)
	}
	var ev StreamEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("protocol: parse stream event: %w", err)
	}
	ev.RequestID = f.RequestID

	switch ev.Type {
	case EventDelta:
	case EventLifecycle:
		if ev.Phase != PhaseStart && ev.Phase != PhaseEnd {
			return StreamEvent{}, fmt.Errorf("protocol: lifecycle phase %q", ev.Phase)
		}
	case EventTool:
		switch ev.Phase {
		case PhaseRunning, PhaseCompleted, PhaseError:
		default:
			return StreamEvent{}, fmt.Errorf("protocol: tool phase %q", ev.Phase)
		}
	default:
		return StreamEvent{}, fmt.Errorf("protocol: unknown stream event %q", ev.Type)
	}
	return ev, nil
}

// StreamFrame wraps an event into a stream frame. Servers and tests use it.
func StreamFrame(ev StreamEvent) Frame {
	raw, _ := json.Marshal(ev)
	return Frame{RequestID: ev.RequestID, Kind: KindStream, Payload: raw}
}
