// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag or SB_CONFIG is given.
const DefaultPath = "~/.signalbox/config.yaml"

// Config is the top-level signalbox configuration, loaded from config.yaml.
type Config struct {
	ClientID     string           `yaml:"client_id"`
	ActiveServer string           `yaml:"active_server"`
	Servers      []ServerConfig   `yaml:"servers"`
	Cache        CacheConfig      `yaml:"cache"`
	Connection   ConnectionConfig `yaml:"connection"`
	Session      SessionConfig    `yaml:"session"`
	Bridge       BridgeConfig     `yaml:"bridge"`
	Log          LogConfig        `yaml:"log"`
}

// ServerConfig describes one gateway server.
type ServerConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// CacheConfig selects the history cache backend.
type CacheConfig struct {
	Driver      string      `yaml:"driver"` // sqlite | mysql
	Path        string      `yaml:"path"`
	MySQL       MySQLConfig `yaml:"mysql"`
	MaxMessages int         `yaml:"max_messages"` // per (server, session)
	PruneCron   string      `yaml:"prune_cron"`
}

// MySQLConfig holds connection settings for a shared MySQL cache.
type MySQLConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
}

// ConnectionConfig tunes reconnect and request timing.
type ConnectionConfig struct {
	BackoffInitialMS    int `yaml:"backoff_initial_ms"`
	BackoffMaxMS        int `yaml:"backoff_max_ms"`
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
	TurnTimeoutSec      int `yaml:"turn_timeout_sec"`
	CallTimeoutSec      int `yaml:"call_timeout_sec"`
}

// SessionConfig holds session defaults.
type SessionConfig struct {
	DefaultKey string `yaml:"default_key"`
	Window     int    `yaml:"window"` // in-memory messages per session
}

// BridgeConfig configures the HTTP/SSE bridge.
type BridgeConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	path = ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "signalbox-cli"
	}
	if c.ActiveServer == "" && len(c.Servers) > 0 {
		c.ActiveServer = c.Servers[0].ID
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "~/.signalbox/history.db"
	}
	c.Cache.Path = ExpandHome(c.Cache.Path)
	if c.Cache.MySQL.Host == "" {
		c.Cache.MySQL.Host = "127.0.0.1"
	}
	if c.Cache.MySQL.Port == 0 {
		c.Cache.MySQL.Port = 3306
	}
	if c.Cache.MySQL.Database == "" {
		c.Cache.MySQL.Database = "signalbox"
	}
	if c.Cache.MySQL.User == "" {
		c.Cache.MySQL.User = "root"
	}
	if c.Cache.MaxMessages == 0 {
		c.Cache.MaxMessages = 500
	}
	if c.Cache.PruneCron == "" {
		c.Cache.PruneCron = "0 * * * *"
	}

	if c.Connection.BackoffInitialMS == 0 {
		c.Connection.BackoffInitialMS = 1000
	}
	if c.Connection.BackoffMaxMS == 0 {
		c.Connection.BackoffMaxMS = 30000
	}
	if c.Connection.HandshakeTimeoutSec == 0 {
		c.Connection.HandshakeTimeoutSec = 10
	}
	if c.Connection.TurnTimeoutSec == 0 {
		c.Connection.TurnTimeoutSec = 300
	}
	if c.Connection.CallTimeoutSec == 0 {
		c.Connection.CallTimeoutSec = 30
	}

	if c.Session.DefaultKey == "" {
		c.Session.DefaultKey = "main"
	}
	if c.Session.Window == 0 {
		c.Session.Window = 200
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 8787
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Servers) == 0 {
		errs = append(errs, "at least one server is required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("servers[%d].id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("servers[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		if s.URL == "" {
			errs = append(errs, fmt.Sprintf("servers[%d].url is required", i))
		} else if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Sprintf("servers[%d].url must be a ws:// or wss:// URL", i))
		}
	}
	if c.ActiveServer != "" && len(c.Servers) > 0 && !seen[c.ActiveServer] {
		errs = append(errs, fmt.Sprintf("active_server %q is not a configured server", c.ActiveServer))
	}

	switch c.Cache.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be sqlite or mysql", c.Cache.Driver))
	}
	if c.Cache.MaxMessages < 0 {
		errs = append(errs, "cache.max_messages must be positive")
	}
	if _, err := cron.ParseStandard(c.Cache.PruneCron); err != nil {
		errs = append(errs, fmt.Sprintf("cache.prune_cron: %v", err))
	}

	if c.Connection.BackoffInitialMS < 0 || c.Connection.BackoffMaxMS < 0 {
		errs = append(errs, "connection backoff must be positive")
	} else if c.Connection.BackoffMaxMS < c.Connection.BackoffInitialMS {
		errs = append(errs, "connection.backoff_max_ms must be >= backoff_initial_ms")
	}
	if c.Session.Window < 0 {
		errs = append(errs, "session.window must be positive")
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port out of range")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Server returns the server with the given id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// BackoffInitial returns the first reconnect delay.
func (c ConnectionConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay cap.
func (c ConnectionConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

func (c ConnectionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

func (c ConnectionConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

func (c ConnectionConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// ResolveToken returns the server's credential from the explicit token or
// the named environment variable. ok is false when neither is set and the
// caller should prompt.
func (s ServerConfig) ResolveToken(getenv func(string) string) (token string, ok bool) {
	if s.Token != "" {
		return s.Token, true
	}
	if s.TokenEnv != "" {
		if v := getenv(s.TokenEnv); v != "" {
			return v, true
		}
	}
	return "", false
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
