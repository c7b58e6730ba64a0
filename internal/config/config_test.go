package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const minimalYAML = `
servers:
  - id: home
    url: wss://home.example/ws
`

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientID != "signalbox-cli" {
		t.Errorf("ClientID = %q, want default", cfg.ClientID)
	}
	if cfg.ActiveServer != "home" {
		t.Errorf("ActiveServer = %q, want first server", cfg.ActiveServer)
	}
	if cfg.Cache.Driver != "sqlite" {
		t.Errorf("Cache.Driver = %q, want sqlite", cfg.Cache.Driver)
	}
	if strings.HasPrefix(cfg.Cache.Path, "~") {
		t.Errorf("Cache.Path = %q, want ~ expanded", cfg.Cache.Path)
	}
	if !strings.HasSuffix(cfg.Cache.Path, filepath.Join(".signalbox", "history.db")) {
		t.Errorf("Cache.Path = %q", cfg.Cache.Path)
	}
	if cfg.Cache.MaxMessages != 500 {
		t.Errorf("Cache.MaxMessages = %d, want 500", cfg.Cache.MaxMessages)
	}
	if cfg.Cache.PruneCron != "0 * * * *" {
		t.Errorf("Cache.PruneCron = %q", cfg.Cache.PruneCron)
	}
	if cfg.Connection.BackoffInitial() != time.Second {
		t.Errorf("BackoffInitial = %v, want 1s", cfg.Connection.BackoffInitial())
	}
	if cfg.Connection.BackoffMax() != 30*time.Second {
		t.Errorf("BackoffMax = %v, want 30s", cfg.Connection.BackoffMax())
	}
	if cfg.Connection.TurnTimeout() != 5*time.Minute {
		t.Errorf("TurnTimeout = %v, want 5m", cfg.Connection.TurnTimeout())
	}
	if cfg.Connection.CallTimeout() != 30*time.Second {
		t.Errorf("CallTimeout = %v", cfg.Connection.CallTimeout())
	}
	if cfg.Connection.HandshakeTimeout() != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.Connection.HandshakeTimeout())
	}
	if cfg.Session.DefaultKey != "main" || cfg.Session.Window != 200 {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Bridge.Port != 8787 {
		t.Errorf("Bridge.Port = %d", cfg.Bridge.Port)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no servers", `client_id: x`, "at least one server is required"},
		{"missing id", "servers:\n  - url: wss://a/ws\n", "servers[0].id is required"},
		{"missing url", "servers:\n  - id: a\n", "servers[0].url is required"},
		{"http url", "servers:\n  - id: a\n    url: http://a/ws\n", "must be a ws:// or wss:// URL"},
		{"duplicate id", "servers:\n  - id: a\n    url: wss://a/ws\n  - id: a\n    url: wss://b/ws\n", `servers[1].id "a" is duplicated`},
		{"unknown active", "active_server: z\nservers:\n  - id: a\n    url: wss://a/ws\n", `active_server "z" is not a configured server`},
		{"bad driver", "servers:\n  - id: a\n    url: wss://a/ws\ncache:\n  driver: redis\n", `cache.driver "redis"`},
		{"bad cron", "servers:\n  - id: a\n    url: wss://a/ws\ncache:\n  prune_cron: nope\n", "cache.prune_cron"},
		{"backoff inverted", "servers:\n  - id: a\n    url: wss://a/ws\nconnection:\n  backoff_initial_ms: 5000\n  backoff_max_ms: 100\n", "backoff_max_ms must be >= backoff_initial_ms"},
		{"bad level", "servers:\n  - id: a\n    url: wss://a/ws\nlog:\n  level: loud\n", `log.level "loud" is invalid`},
		{"bad port", "servers:\n  - id: a\n    url: wss://a/ws\nbridge:\n  port: 70000\n", "bridge.port out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yaml := `
servers:
  - url: http://x
cache:
  driver: redis
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"servers[0].id is required", "ws:// or wss://", "cache.driver"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":::invalid"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].ID != "home" {
		t.Errorf("Servers = %+v", cfg.Servers)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

// --- Fixture-based tests using testdata/ files ---

func TestLoad_FullFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID != "signalbox-desktop" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.ActiveServer != "office" {
		t.Errorf("ActiveServer = %q", cfg.ActiveServer)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("len(Servers) = %d, want 2", len(cfg.Servers))
	}
	if cfg.Cache.Driver != "mysql" || cfg.Cache.MySQL.Host != "10.0.0.6" || cfg.Cache.MySQL.Port != 3307 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Cache.MySQL.PasswordEnv != "SB_MYSQL_PASSWORD" {
		t.Errorf("PasswordEnv = %q", cfg.Cache.MySQL.PasswordEnv)
	}
	if cfg.Cache.MaxMessages != 1000 || cfg.Cache.PruneCron != "*/15 * * * *" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Connection.BackoffInitial() != 500*time.Millisecond || cfg.Connection.BackoffMax() != 10*time.Second {
		t.Errorf("Connection = %+v", cfg.Connection)
	}
	if cfg.Connection.TurnTimeout() != 10*time.Minute {
		t.Errorf("TurnTimeout = %v", cfg.Connection.TurnTimeout())
	}
	if cfg.Session.DefaultKey != "inbox" || cfg.Session.Window != 50 {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Bridge.Port != 9090 {
		t.Errorf("Bridge.Port = %d", cfg.Bridge.Port)
	}
	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
}

func TestLoad_MinimalFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_minimal.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.MySQL.Host != "127.0.0.1" || cfg.Cache.MySQL.Port != 3306 {
		t.Errorf("MySQL defaults = %+v", cfg.Cache.MySQL)
	}
}

func TestLoad_NoServersFixture(t *testing.T) {
	_, err := Load("testdata/no_servers.yaml")
	if err == nil || !strings.Contains(err.Error(), "at least one server is required") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_InvalidYAMLFixture(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil || !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestServer_Lookup(t *testing.T) {
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatal(err)
	}
	s, ok := cfg.Server("home")
	if !ok || s.URL != "wss://home.example/ws" {
		t.Errorf("Server(home) = %+v, %v", s, ok)
	}
	if _, ok := cfg.Server("missing"); ok {
		t.Error("Server(missing) should not be found")
	}
}

func TestResolveToken(t *testing.T) {
	env := map[string]string{"SB_TOKEN": "from-env"}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name   string
		server ServerConfig
		want   string
		ok     bool
	}{
		{"explicit wins", ServerConfig{Token: "t", TokenEnv: "SB_TOKEN"}, "t", true},
		{"env", ServerConfig{TokenEnv: "SB_TOKEN"}, "from-env", true},
		{"env unset", ServerConfig{TokenEnv: "SB_OTHER"}, "", false},
		{"none", ServerConfig{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.server.ResolveToken(getenv)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ResolveToken = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(abs) = %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("ExpandHome(~user) = %q", got)
	}
}
