package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions on the active server",
		Long:  "Lists the server's sessions merged with sessions that only exist locally. Falls back to the cache when the server is unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if !waitConnected(ctx, a.client, a.cfg.Connection.HandshakeTimeout()) {
		a.log.Warn().Str("server", a.client.Server()).Msg("server unreachable, showing cached sessions only")
	}

	list, err := a.client.ListSessions(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	st := a.client.Status()
	line := fmt.Sprintf("%s: %s", st.Server, st.Gateway.State)
	if st.Gateway.LastError != nil {
		line += fmt.Sprintf(" (retries %d, last error: %v)", st.Gateway.Retries, st.Gateway.LastError)
	}
	fmt.Fprintln(out, dimStyle.Render(line))
	printSessions(out, list, a.client.Session())
	return nil
}
