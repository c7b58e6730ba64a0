package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/turn"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3*time.Hour + 20*time.Minute, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	tests := []struct {
		name  string
		msg   models.CachedMessage
		wants []string
		not   string
	}{
		{"agent", models.CachedMessage{Role: models.RoleAgent, Content: "hi", CreatedAt: at}, []string{"09:30", "agent", ": hi"}, "pending"},
		{"pending", models.CachedMessage{Role: models.RoleUser, Content: "yo", Optimistic: true, CreatedAt: at}, []string{"you", "pending"}, "failed"},
		{"failed wins", models.CachedMessage{Role: models.RoleUser, Content: "yo", Optimistic: true, Failed: true, CreatedAt: at}, []string{"failed"}, "pending"},
		{"system", models.CachedMessage{Role: models.RoleSystem, Content: "compacted", CreatedAt: at}, []string{"system", "compacted"}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatMessage(tt.msg)
			for _, w := range tt.wants {
				if !strings.Contains(got, w) {
					t.Errorf("formatMessage = %q, missing %q", got, w)
				}
			}
			if strings.Contains(got, tt.not) {
				t.Errorf("formatMessage = %q, should not contain %q", got, tt.not)
			}
		})
	}
}

func TestPrintSessions(t *testing.T) {
	out := &syncBuffer{}
	printSessions(out, []session.Summary{
		{Key: "main", Remote: true, UpdatedAt: time.Now().Add(-2 * time.Hour)},
		{Key: "draft", Unflushed: true},
		{Key: "ops", Label: "Ops", Remote: true, Active: true, Queued: 2},
	}, "draft")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "  main") || !strings.Contains(lines[0], "2h ago") || !strings.Contains(lines[0], "remote") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "* draft") || !strings.Contains(lines[1], "unsent") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "ops (Ops)") || !strings.Contains(lines[2], "busy+2") {
		t.Errorf("line 2 = %q", lines[2])
	}

	empty := &syncBuffer{}
	printSessions(empty, nil, "main")
	if !strings.Contains(empty.String(), "no sessions") {
		t.Errorf("empty = %q", empty.String())
	}
}

func TestPrinter_TurnFailures(t *testing.T) {
	out := &syncBuffer{}
	p := newPrinter(out, "main")
	p.OnTurnStatus("home", turn.Turn{SessionKey: "main", Status: turn.StatusCompleted})
	p.OnTurnStatus("home", turn.Turn{SessionKey: "main", Status: turn.StatusFailed, Err: protocol.ErrUserCancelled})
	p.OnTurnStatus("home", turn.Turn{SessionKey: "ops", Status: turn.StatusFailed, Err: errors.New("boom")})

	got := out.String()
	if !strings.Contains(got, "stopped") {
		t.Errorf("cancelled turn not reported:\n%s", got)
	}
	if !strings.Contains(got, "[ops] turn failed: boom") {
		t.Errorf("other session failure not reported:\n%s", got)
	}
	if strings.Count(got, "\n") != 2 {
		t.Errorf("completed turn should print nothing:\n%s", got)
	}
}

func TestTurnWaiter(t *testing.T) {
	w := newTurnWaiter()
	w.OnTurnStatus("home", turn.Turn{ID: "other", Status: turn.StatusCompleted})
	w.OnTurnStatus("home", turn.Turn{ID: "t1", Status: turn.StatusSending})
	w.OnTurnStatus("home", turn.Turn{ID: "t1", Status: turn.StatusStreaming})
	w.OnTurnStatus("home", turn.Turn{ID: "t1", Status: turn.StatusCompleted, Reply: "done"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := w.wait(ctx, "t1", sent)
	if err != nil || got.Status != turn.StatusStreaming {
		t.Fatalf("wait(sent) = %+v, %v", got, err)
	}
	got, err = w.wait(ctx, "t1", finished)
	if err != nil || got.Reply != "done" {
		t.Fatalf("wait(finished) = %+v, %v", got, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := w.wait(short, "t1", finished); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait with no updates = %v", err)
	}
}
