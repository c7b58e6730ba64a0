package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/history"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "History cache maintenance",
	}

	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Trim every cached session to cache.max_messages now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCachePrune(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runCachePrune(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	cache, gdb, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	p, err := history.NewPruner(cache, cfg.Cache.PruneCron, logger)
	if err != nil {
		return err
	}
	n := p.RunOnce()
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached messages (limit %d per session)\n", n, cfg.Cache.MaxMessages)
	return nil
}
