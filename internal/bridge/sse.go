package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/turn"
)

// Event names on the SSE stream.
const (
	EventMessage    = "message"
	EventStream     = "stream"
	EventTool       = "tool"
	EventTurn       = "turn"
	EventHistory    = "history"
	EventConnection = "connection"
	EventHeartbeat  = "heartbeat"
)

const (
	subscriberBuffer         = 64
	defaultHeartbeatInterval = 15 * time.Second
)

var _ client.Listener = (*Broadcaster)(nil)

// Event is one SSE event.
type Event struct {
	Name string
	Data any
}

// Broadcaster is a client.Listener that fans callbacks out to SSE
// subscribers. Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type Broadcaster struct {
	heartbeat time.Duration
	dropped   atomic.Int64

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBroadcaster creates a Broadcaster. heartbeat <= 0 selects the default.
func NewBroadcaster(heartbeat time.Duration) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &Broadcaster{heartbeat: heartbeat, subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were skipped for slow subscribers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Publish sends ev to every subscriber that has room for it.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) OnMessageAppended(serverID string, msg models.CachedMessage) {
	b.Publish(Event{Name: EventMessage, Data: gin.H{
		"server":  serverID,
		"session": msg.SessionKey,
		"message": toMessages([]models.CachedMessage{msg})[0],
	}})
}

func (b *Broadcaster) OnStreamingTextUpdate(serverID, sessionKey, text string) {
	b.Publish(Event{Name: EventStream, Data: gin.H{"server": serverID, "session": sessionKey, "text": text}})
}

func (b *Broadcaster) OnToolEvent(serverID, sessionKey string, ev protocol.StreamEvent) {
	b.Publish(Event{Name: EventTool, Data: gin.H{
		"server":  serverID,
		"session": sessionKey,
		"name":    ev.Name,
		"phase":   string(ev.Phase),
		"data":    ev.Data,
	}})
}

func (b *Broadcaster) OnTurnStatus(serverID string, t turn.Turn) {
	b.Publish(Event{Name: EventTurn, Data: gin.H{"server": serverID, "turn": toTurn(t)}})
}

func (b *Broadcaster) OnHistoryReplaced(serverID, sessionKey string, msgs []models.CachedMessage) {
	b.Publish(Event{Name: EventHistory, Data: gin.H{
		"server":   serverID,
		"session":  sessionKey,
		"messages": toMessages(msgs),
	}})
}

func (b *Broadcaster) OnConnectionStateChanged(c gateway.StateChange) {
	data := gin.H{"server": c.ServerID, "state": c.State.String(), "retries": c.Retries}
	if c.Err != nil {
		data["error"] = c.Err.Error()
	}
	b.Publish(Event{Name: EventConnection, Data: data})
}

// handleSSE streams broadcaster events until the client goes away.
func handleSSE(b *Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		events, unsubscribe := b.Subscribe()
		defer unsubscribe()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(b.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, EventHeartbeat, map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, ev.Name, ev.Data)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
