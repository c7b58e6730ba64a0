package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/turn"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func roleLabel(role string) string {
	switch role {
	case models.RoleUser:
		return userStyle.Render("you")
	case models.RoleAgent:
		return agentStyle.Render("agent")
	default:
		return systemStyle.Render(role)
	}
}

// formatMessage renders one cached message as a transcript line.
func formatMessage(m models.CachedMessage) string {
	var flags []string
	if m.Failed {
		flags = append(flags, errorStyle.Render("failed"))
	} else if m.Optimistic {
		flags = append(flags, dimStyle.Render("pending"))
	}
	line := fmt.Sprintf("%s %s: %s", dimStyle.Render(m.CreatedAt.Local().Format("15:04")), roleLabel(m.Role), m.Content)
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ",") + "]"
	}
	return line
}

func printMessages(out io.Writer, msgs []models.CachedMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, dimStyle.Render("(no messages)"))
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}
}

func printSessions(out io.Writer, list []session.Summary, current string) {
	if len(list) == 0 {
		fmt.Fprintln(out, dimStyle.Render("(no sessions)"))
		return
	}
	for _, s := range list {
		marker := " "
		if s.Key == current {
			marker = "*"
		}
		var tags []string
		if s.Remote {
			tags = append(tags, "remote")
		}
		if s.Unflushed {
			tags = append(tags, "unsent")
		}
		if s.Active {
			tags = append(tags, fmt.Sprintf("busy+%d", s.Queued))
		}
		label := s.Key
		if s.Label != "" && s.Label != s.Key {
			label = fmt.Sprintf("%s (%s)", s.Key, s.Label)
		}
		line := fmt.Sprintf("%s %s", marker, label)
		if !s.UpdatedAt.IsZero() {
			line += "  " + dimStyle.Render(formatAge(time.Since(s.UpdatedAt)))
		}
		if len(tags) > 0 {
			line += "  " + toolStyle.Render(strings.Join(tags, " "))
		}
		fmt.Fprintln(out, line)
	}
}

// formatAge renders a duration as a short relative age.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// printer is a client.Listener that writes the transcript of the current
// session to out. Other sessions only report finished turns.
type printer struct {
	client.NopListener

	mu      sync.Mutex
	out     io.Writer
	session string
}

func newPrinter(out io.Writer, sessionKey string) *printer {
	return &printer{out: out, session: sessionKey}
}

// Write lets command output share the transcript's lock.
func (p *printer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *printer) setSession(key string) {
	p.mu.Lock()
	p.session = key
	p.mu.Unlock()
}

func (p *printer) OnMessageAppended(serverID string, msg models.CachedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.SessionKey != p.session || msg.Role == models.RoleUser {
		return
	}
	fmt.Fprintln(p.out, formatMessage(msg))
}

func (p *printer) OnToolEvent(serverID, sessionKey string, ev protocol.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionKey != p.session {
		return
	}
	fmt.Fprintln(p.out, toolStyle.Render(fmt.Sprintf("  ~ %s %s", ev.Name, ev.Phase)))
}

func (p *printer) OnTurnStatus(serverID string, t turn.Turn) {
	if t.Status != turn.StatusFailed {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := ""
	if t.SessionKey != p.session {
		prefix = "[" + t.SessionKey + "] "
	}
	if t.Cancelled() {
		fmt.Fprintln(p.out, dimStyle.Render(prefix+"stopped"))
		return
	}
	fmt.Fprintln(p.out, errorStyle.Render(fmt.Sprintf("%sturn failed: %v", prefix, t.Err)))
}

func (p *printer) OnConnectionStateChanged(c gateway.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c.State {
	case gateway.StateConnected:
		fmt.Fprintln(p.out, dimStyle.Render("connected to "+c.ServerID))
	case gateway.StateDisconnected:
		if c.Err != nil {
			fmt.Fprintln(p.out, dimStyle.Render(fmt.Sprintf("disconnected from %s: %v (retry %d)", c.ServerID, c.Err, c.Retries)))
		}
	}
}
