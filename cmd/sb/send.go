package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/turn"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		sessionKey string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one message to a session",
		Long:  "Submits a message on the active server. With --wait, blocks until the agent finishes and prints the reply.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, sessionKey, strings.Join(args, " "), wait)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (defaults to session.default_key)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the agent's reply")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, sessionKey, text string, wait bool) error {
	w := newTurnWaiter()
	a, err := openApp(cmd, configPath, w)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := a.client.Start(ctx); err != nil {
		return err
	}

	t, err := a.client.Submit(ctx, sessionKey, text, nil)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	until := sent
	if wait {
		until = finished
	}
	final, err := w.wait(ctx, t.ID, until)
	if err != nil {
		return fmt.Errorf("send: turn %s: %w (message kept in cache)", t.ID, err)
	}
	if final.Status == turn.StatusFailed {
		return fmt.Errorf("send: turn %s: %w", t.ID, final.Err)
	}

	out := cmd.OutOrStdout()
	if wait {
		fmt.Fprintln(out, final.Reply)
		return nil
	}
	fmt.Fprintf(out, "sent %s to %s/%s\n", t.ID, a.client.Server(), t.SessionKey)
	return nil
}

func sent(s turn.Status) bool     { return s == turn.StatusStreaming || s.Terminal() }
func finished(s turn.Status) bool { return s.Terminal() }

// turnWaiter records turn status updates so a command can block on one turn.
type turnWaiter struct {
	client.NopListener
	updates chan turn.Turn
}

func newTurnWaiter() *turnWaiter {
	return &turnWaiter{updates: make(chan turn.Turn, 64)}
}

func (w *turnWaiter) OnTurnStatus(serverID string, t turn.Turn) {
	select {
	case w.updates <- t:
	default:
	}
}

// wait returns the first update of turn id whose status satisfies until.
func (w *turnWaiter) wait(ctx context.Context, id string, until func(turn.Status) bool) (turn.Turn, error) {
	for {
		select {
		case <-ctx.Done():
			return turn.Turn{}, ctx.Err()
		case t := <-w.updates:
			if t.ID == id && until(t.Status) {
				return t, nil
			}
		}
	}
}
