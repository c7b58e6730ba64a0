package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/bridge"
)

func newBridgeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the local HTTP/SSE bridge",
		Long:  "Runs the client headless and exposes it on 127.0.0.1 as JSON endpoints plus an SSE event stream, for UIs in other processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (defaults to bridge.port)")
	return cmd
}

func runBridge(cmd *cobra.Command, configPath string, port int) error {
	b := bridge.NewBroadcaster(0)
	a, err := openApp(cmd, configPath, b)
	if err != nil {
		return err
	}
	defer a.Close()
	if port == 0 {
		port = a.cfg.Bridge.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.startPruner(ctx); err != nil {
		return err
	}
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	return bridge.Start(ctx, bridge.StartOpts{
		Core:        a.client,
		Broadcaster: b,
		Port:        port,
		Out:         cmd.OutOrStdout(),
		Logger:      a.log,
	})
}
