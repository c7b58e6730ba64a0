package client

import (
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/turn"
)

// Listener receives everything a UI renders. Turn callbacks run while the
// emitting session is locked and connection callbacks run on the connection
// goroutine: implementations must return quickly and must not call back into
// the Client.
type Listener interface {
	OnMessageAppended(serverID string, msg models.CachedMessage)
	OnStreamingTextUpdate(serverID, sessionKey, text string)
	OnToolEvent(serverID, sessionKey string, ev protocol.StreamEvent)
	OnTurnStatus(serverID string, t turn.Turn)
	OnHistoryReplaced(serverID, sessionKey string, msgs []models.CachedMessage)
	OnConnectionStateChanged(change gateway.StateChange)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnMessageAppended(string, models.CachedMessage) {}
func (NopListener) OnStreamingTextUpdate(string, string, string) {}
func (NopListener) OnToolEvent(string, string, protocol.StreamEvent) {}
func (NopListener) OnTurnStatus(string, turn.Turn) {}
func (NopListener) OnHistoryReplaced(string, string, []models.CachedMessage) {}
func (NopListener) OnConnectionStateChanged(gateway.StateChange) {}

// serverListener adapts a Listener to the queues of one server.
type serverListener struct {
	serverID string
	l        Listener
}

func (s serverListener) OnMessageAppended(msg models.CachedMessage) {
	s.l.OnMessageAppended(s.serverID, msg)
}

func (s serverListener) OnStreamingTextUpdate(sessionKey, text string) {
	s.l.OnStreamingTextUpdate(s.serverID, sessionKey, text)
}

func (s serverListener) OnToolEvent(sessionKey string, ev protocol.StreamEvent) {
	s.l.OnToolEvent(s.serverID, sessionKey, ev)
}

func (s serverListener) OnTurnStatus(t turn.Turn) {
	s.l.OnTurnStatus(s.serverID, t)
}

func (s serverListener) OnHistoryReplaced(sessionKey string, msgs []models.CachedMessage) {
	s.l.OnHistoryReplaced(s.serverID, sessionKey, msgs)
}
