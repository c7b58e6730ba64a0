package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/turn"
)

const chatHelp = `Commands:
  /stop          stop the running turn in this session
  /switch KEY    switch to another session
  /sessions      list sessions
  /refresh       reload history from the server
  /quit          exit
Anything else is sent to the agent. Messages typed while a turn runs are queued.`

func newChatCmd() *cobra.Command {
	var (
		configPath string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Connects to the active server and opens an interactive chat. Type /help for commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, sessionKey)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (defaults to session.default_key)")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, sessionKey string) error {
	p := newPrinter(cmd.OutOrStdout(), sessionKey)
	a, err := openApp(cmd, configPath, p)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.startPruner(ctx); err != nil {
		return err
	}
	if sessionKey == "" {
		sessionKey = a.client.Session()
	}
	msgs, err := a.client.SwitchSession(sessionKey)
	if err != nil {
		return err
	}
	p.setSession(sessionKey)
	fmt.Fprintln(p, dimStyle.Render(fmt.Sprintf("session %s on %s", sessionKey, a.client.Server())))
	printMessages(p, msgs)

	if err := a.client.Start(ctx); err != nil {
		return err
	}
	return chatLoop(ctx, a.client, p, cmd.InOrStdin())
}

// chatLoop reads lines from in until EOF, /quit, or ctx is cancelled.
func chatLoop(ctx context.Context, c *client.Client, p *printer, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, c, p, line); quit {
				return nil
			}
		}
	}
}

// parseChatCommand splits "/name arg" input. ok is false for plain text.
func parseChatCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// handleChatLine runs one input line. It reports whether the loop should end.
func handleChatLine(ctx context.Context, c *client.Client, p *printer, line string) bool {
	out := io.Writer(p)
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}

	name, arg, isCmd := parseChatCommand(text)
	if !isCmd {
		if strings.HasPrefix(text, "//") {
			text = text[1:]
		}
		t, err := c.Submit(ctx, "", text, nil)
		if err != nil {
			printError(out, err)
			return false
		}
		if t.Status == turn.StatusQueued {
			fmt.Fprintln(out, dimStyle.Render("queued"))
		}
		return false
	}

	switch name {
	case "quit", "exit", "q":
		return true
	case "help":
		fmt.Fprintln(out, chatHelp)
	case "stop":
		stopped, err := c.Stop("")
		if err != nil {
			printError(out, err)
		} else if !stopped {
			fmt.Fprintln(out, dimStyle.Render("nothing to stop"))
		}
	case "switch":
		if arg == "" {
			printError(out, fmt.Errorf("usage: /switch KEY"))
			return false
		}
		msgs, err := c.SwitchSession(arg)
		if err != nil {
			printError(out, err)
			return false
		}
		p.setSession(arg)
		fmt.Fprintln(out, dimStyle.Render("session "+arg))
		printMessages(out, msgs)
	case "sessions":
		list, err := c.ListSessions(ctx)
		if err != nil {
			printError(out, err)
			return false
		}
		printSessions(out, list, c.Session())
	case "refresh":
		msgs, err := c.Refresh(ctx, "")
		if err != nil {
			printError(out, err)
			return false
		}
		printMessages(out, msgs)
	default:
		printError(out, fmt.Errorf("unknown command /%s (try /help)", name))
	}
	return false
}

func printError(out io.Writer, err error) {
	fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
}
