package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/history"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/transport"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// tokenPrompter asks the user for a server token. Replaced in tests.
var tokenPrompter = promptToken

// defaultConfigPath honours SB_CONFIG before falling back to the default.
func defaultConfigPath() string {
	if p := os.Getenv("SB_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath(), "path to Signalbox config file")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger writes human-readable logs to w at the configured level.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(cfg.LogLevel()).
		With().Timestamp().Logger()
}

// openCache opens the history database and wraps it in a Cache.
func openCache(cfg *config.Config, logger zerolog.Logger) (*history.Cache, *gorm.DB, error) {
	gdb, err := db.Open(db.OptionsFromConfig(cfg.Cache))
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	cache, err := history.NewCache(history.CacheOpts{
		DB:          gdb,
		MaxMessages: cfg.Cache.MaxMessages,
		Logger:      logger,
	})
	if err != nil {
		db.Close(gdb)
		return nil, nil, err
	}
	return cache, gdb, nil
}

// serversFromConfig resolves every server's credential. A server without a
// configured token prompts on an interactive terminal.
func serversFromConfig(cfg *config.Config, interactive bool) ([]client.Server, error) {
	servers := make([]client.Server, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		token, ok := s.ResolveToken(os.Getenv)
		if !ok && interactive {
			t, err := tokenPrompter(s.ID)
			if err != nil {
				return nil, fmt.Errorf("read token for %s: %w", s.ID, err)
			}
			token = t
		}
		servers = append(servers, client.Server{
			ID: s.ID,
			Endpoint: transport.Endpoint{
				Address:    s.URL,
				Credential: transport.StaticToken(token),
			},
		})
	}
	return servers, nil
}

// clientOpts maps the configuration onto client.Opts.
func clientOpts(cfg *config.Config, servers []client.Server, cache *history.Cache, dialer transport.Dialer, l client.Listener, logger zerolog.Logger) client.Opts {
	return client.Opts{
		Servers:      servers,
		ActiveServer: cfg.ActiveServer,
		SessionKey:   cfg.Session.DefaultKey,
		Cache:        cache,
		Dialer:       dialer,
		ClientInfo: protocol.ClientInfo{
			ID:       cfg.ClientID,
			Version:  Version,
			Platform: runtime.GOOS,
		},
		Tuning: client.Tuning{
			Backoff: gateway.Backoff{
				Initial: cfg.Connection.BackoffInitial(),
				Max:     cfg.Connection.BackoffMax(),
			},
			HandshakeTimeout: cfg.Connection.HandshakeTimeout(),
			TurnTimeout:      cfg.Connection.TurnTimeout(),
			CallTimeout:      cfg.Connection.CallTimeout(),
		},
		Window:   cfg.Session.Window,
		Listener: l,
		Logger:   logger,
	}
}

// app bundles what a networked command needs.
type app struct {
	cfg    *config.Config
	client *client.Client
	cache  *history.Cache
	gdb    *gorm.DB
	log    zerolog.Logger
}

// openApp loads the config, opens the cache, and builds an unstarted client.
func openApp(cmd *cobra.Command, configPath string, l client.Listener) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	cache, gdb, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	servers, err := serversFromConfig(cfg, isTerminal(os.Stdin))
	if err != nil {
		db.Close(gdb)
		return nil, err
	}
	dialer := &transport.WebSocketDialer{HandshakeTimeout: cfg.Connection.HandshakeTimeout()}
	c, err := client.New(clientOpts(cfg, servers, cache, dialer, l, logger))
	if err != nil {
		db.Close(gdb)
		return nil, err
	}
	return &app{cfg: cfg, client: c, cache: cache, gdb: gdb, log: logger}, nil
}

// startPruner runs scheduled cache pruning until ctx is cancelled.
func (a *app) startPruner(ctx context.Context) error {
	p, err := history.NewPruner(a.cache, a.cfg.Cache.PruneCron, a.log)
	if err != nil {
		return err
	}
	go p.Run(ctx)
	return nil
}

func (a *app) Close() {
	a.client.Close()
	db.Close(a.gdb)
}

// waitConnected blocks until the active gateway is connected or timeout
// elapses. It reports whether the connection came up.
func waitConnected(ctx context.Context, c *client.Client, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.Status().Gateway.State == gateway.StateConnected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func promptToken(serverID string) (string, error) {
	fmt.Fprintf(os.Stderr, "Token for %s: ", serverID)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
