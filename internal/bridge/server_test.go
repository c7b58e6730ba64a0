package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/turn"
)

// fakeCore records calls and returns canned results.
type fakeCore struct {
	mu        sync.Mutex
	status    client.Status
	servers   map[string]bool
	switched  string
	session   string
	messages  map[string][]models.CachedMessage
	submitted []string
	submitErr error
	stopped   []string
	sessions  []session.Summary
	refresh   error
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		servers:  map[string]bool{"home": true, "work": true},
		messages: make(map[string][]models.CachedMessage),
		status: client.Status{
			Server:  "home",
			Session: "main",
			Servers: []string{"home", "work"},
			Gateway: gateway.Status{ServerID: "home", State: gateway.StateConnected, Pending: 1},
		},
	}
}

func (f *fakeCore) Status() client.Status { return f.status }

func (f *fakeCore) SwitchServer(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.servers[id] {
		return client.ErrUnknownServer
	}
	f.switched = id
	return nil
}

func (f *fakeCore) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return f.sessions, nil
}

func (f *fakeCore) SwitchSession(key string) ([]models.CachedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = key
	return f.messages[key], nil
}

func (f *fakeCore) Messages(key string) ([]models.CachedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[key], nil
}

func (f *fakeCore) Submit(ctx context.Context, key, text string, atts []protocol.Attachment) (turn.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return turn.Turn{}, f.submitErr
	}
	f.submitted = append(f.submitted, key+":"+text)
	return turn.Turn{ID: "t1", SessionKey: key, Text: text, Status: turn.StatusSending, Attempts: 1}, nil
}

func (f *fakeCore) Stop(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	return true, nil
}

func (f *fakeCore) Refresh(ctx context.Context, key string) ([]models.CachedMessage, error) {
	if f.refresh != nil {
		return nil, f.refresh
	}
	return f.messages[key], nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestStart_Validation(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil || !strings.Contains(err.Error(), "core is required") {
		t.Errorf("err = %v", err)
	}
	err := Start(context.Background(), StartOpts{Core: newFakeCore()})
	if err == nil || !strings.Contains(err.Error(), "broadcaster is required") {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// JSON routes
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	h := NewHandler(newFakeCore(), NewBroadcaster(0), zerolog.Nop())
	w := do(t, h, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp statusResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Server != "home" || resp.State != "connected" || resp.Pending != 1 || len(resp.Servers) != 2 {
		t.Errorf("status = %+v", resp)
	}
}

func TestSwitchServer(t *testing.T) {
	core := newFakeCore()
	h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"id":"work"}`, http.StatusNoContent},
		{"unknown", `{"id":"nope"}`, http.StatusNotFound},
		{"missing id", `{}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPut, "/api/server", tt.body); w.Code != tt.want {
				t.Errorf("code = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if core.switched != "work" {
		t.Errorf("switched = %q", core.switched)
	}
}

func TestSwitchSessionAndMessages(t *testing.T) {
	core := newFakeCore()
	core.messages["ops"] = []models.CachedMessage{{ID: 7, Role: models.RoleUser, Content: "deploy", Optimistic: true}}
	h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())

	w := do(t, h, http.MethodPut, "/api/session", `{"key":"ops"}`)
	if w.Code != http.StatusOK || core.session != "ops" {
		t.Fatalf("code = %d, session = %q", w.Code, core.session)
	}

	w = do(t, h, http.MethodGet, "/api/sessions/ops/messages", "")
	var resp struct {
		Messages []messageJSON `json:"messages"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "deploy" || !resp.Messages[0].Optimistic {
		t.Errorf("messages = %+v", resp.Messages)
	}
}

func TestSubmit(t *testing.T) {
	core := newFakeCore()
	h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())

	w := do(t, h, http.MethodPost, "/api/sessions/main/messages", `{"text":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d (%s)", w.Code, w.Body.String())
	}
	var tj turnJSON
	json.Unmarshal(w.Body.Bytes(), &tj)
	if tj.ID != "t1" || tj.Status != "sending" || tj.SessionKey != "main" {
		t.Errorf("turn = %+v", tj)
	}
	if len(core.submitted) != 1 || core.submitted[0] != "main:hello" {
		t.Errorf("submitted = %v", core.submitted)
	}

	if w := do(t, h, http.MethodPost, "/api/sessions/main/messages", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty submit code = %d", w.Code)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no server", client.ErrNoActiveServer, http.StatusConflict},
		{"offline", protocol.ErrNotConnected, http.StatusServiceUnavailable},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newFakeCore()
			core.submitErr = tt.err
			h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())
			if w := do(t, h, http.MethodPost, "/api/sessions/main/messages", `{"text":"x"}`); w.Code != tt.want {
				t.Errorf("code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStopAndRefresh(t *testing.T) {
	core := newFakeCore()
	h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())

	w := do(t, h, http.MethodPost, "/api/sessions/main/stop", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"stopped":true`) {
		t.Errorf("stop = %d %s", w.Code, w.Body.String())
	}
	if len(core.stopped) != 1 || core.stopped[0] != "main" {
		t.Errorf("stopped = %v", core.stopped)
	}

	core.refresh = &protocol.RemoteError{Code: "FORBIDDEN", Message: "no"}
	if w := do(t, h, http.MethodPost, "/api/sessions/main/refresh", ""); w.Code != http.StatusBadGateway {
		t.Errorf("refresh code = %d, want 502", w.Code)
	}
}

func TestSessions(t *testing.T) {
	core := newFakeCore()
	core.sessions = []session.Summary{{Key: "main", Remote: true}, {Key: "draft", Unflushed: true}}
	h := NewHandler(core, NewBroadcaster(0), zerolog.Nop())

	w := do(t, h, http.MethodGet, "/api/sessions", "")
	var resp struct {
		Sessions []sessionJSON `json:"sessions"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Sessions) != 2 || !resp.Sessions[1].Unflushed || resp.Sessions[1].Key != "draft" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

// ---------------------------------------------------------------------------
// SSE
// ---------------------------------------------------------------------------

func TestBroadcaster_DropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster(0)
	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.OnStreamingTextUpdate("home", "main", "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if b.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", b.Dropped())
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(0)
	ch, unsubscribe := b.Subscribe()
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d", b.Subscribers())
	}
	b.OnTurnStatus("home", turn.Turn{ID: "t"})
}

func TestSSEStream(t *testing.T) {
	b := NewBroadcaster(20 * time.Millisecond)
	srv := httptest.NewServer(NewHandler(newFakeCore(), b, zerolog.Nop()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	expect := func(prefix string) string {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	expect("event: connected")
	b.OnStreamingTextUpdate("home", "main", "partial reply")
	expect("event: stream")
	if data := expect("data: "); !strings.Contains(data, "partial reply") {
		t.Errorf("data = %s", data)
	}
	b.OnConnectionStateChanged(gateway.StateChange{ServerID: "home", State: gateway.StateConnecting})
	expect("event: connection")
	expect("event: heartbeat")

	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for b.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Subscribers() != 0 {
		t.Error("subscriber not removed after client went away")
	}
}
