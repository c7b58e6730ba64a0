package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/db"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		serverID   string
		sessionKey string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print cached history for a session",
		Long:  "Prints the locally cached transcript of a session. Works offline: no server is contacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, serverID, sessionKey, limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&serverID, "server", "", "server id (defaults to active_server)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (defaults to session.default_key)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages to show (0 for all)")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath, serverID, sessionKey string, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if serverID == "" {
		serverID = cfg.ActiveServer
	}
	if _, ok := cfg.Server(serverID); !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	if sessionKey == "" {
		sessionKey = cfg.Session.DefaultKey
	}

	cache, gdb, err := openCache(cfg, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	msgs, err := cache.Read(serverID, sessionKey, limit)
	if err != nil {
		return err
	}
	printMessages(cmd.OutOrStdout(), msgs)
	return nil
}
