package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/models"
)

func TestNewPruner_Validation(t *testing.T) {
	if _, err := NewPruner(nil, "* * * * *", zerolog.Nop()); err == nil {
		t.Error("nil cache should fail")
	}
	c := newTestCache(t, 10)
	if _, err := NewPruner(c, "not a cron expr", zerolog.Nop()); err == nil {
		t.Error("invalid expression should fail")
	}
}

func TestPruner_Next(t *testing.T) {
	c := newTestCache(t, 10)
	p, err := NewPruner(c, "0 9 * * *", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return time.Date(2026, 5, 1, 8, 30, 0, 0, time.Local) }
	if d := p.Next(); d != 30*time.Minute {
		t.Errorf("Next = %v, want 30m", d)
	}
}

func TestPruner_EveryMinute(t *testing.T) {
	c := newTestCache(t, 10)
	p, _ := NewPruner(c, "* * * * *", zerolog.Nop())
	if d := p.Next(); d <= 0 || d > 61*time.Second {
		t.Errorf("Next = %v, want within a minute", d)
	}
}

func TestPruner_RunOnce(t *testing.T) {
	c := newTestCache(t, 100)
	for i := 0; i < 4; i++ {
		c.Append(&models.CachedMessage{ServerID: "s", SessionKey: "k", Role: models.RoleUser, Content: fmt.Sprint(i)})
	}
	c.maxMessages = 1
	p, _ := NewPruner(c, "* * * * *", zerolog.Nop())
	if n := p.RunOnce(); n != 3 {
		t.Errorf("RunOnce removed %d, want 3", n)
	}
}

func TestPruner_RunStopsOnCancel(t *testing.T) {
	c := newTestCache(t, 10)
	p, _ := NewPruner(c, "* * * * *", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
