package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []string
	}{
		{"memory", ":memory:", []string{":memory:"}},
		{"file", "/tmp/h.db", []string{"/tmp/h.db?", "_journal_mode=WAL", "_synchronous=FULL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SQLiteDSN(tt.path)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("SQLiteDSN(%q) = %q, want to contain %q", tt.path, got, w)
				}
			}
		})
	}
	if SQLiteDSN(":memory:") != ":memory:" {
		t.Error("memory DSN should carry no params")
	}
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(MySQLOptions{Host: "10.0.0.5", Port: 3307, Database: "signalbox", User: "sb"})
	for _, w := range []string{"sb@tcp(10.0.0.5:3307)/signalbox", "parseTime=true"} {
		if !strings.Contains(dsn, w) {
			t.Errorf("MySQLDSN = %q, want to contain %q", dsn, w)
		}
	}
}

func TestMySQLDSN_Password(t *testing.T) {
	dsn := MySQLDSN(MySQLOptions{Host: "h", Port: 1, Database: "d", User: "u", Password: "p"})
	if !strings.HasPrefix(dsn, "u:p@tcp(h:1)/d") {
		t.Errorf("MySQLDSN = %q", dsn)
	}
}

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(Options{Driver: "postgres", Path: "x"}); err == nil {
		t.Error("unknown driver should fail")
	}
	if _, err := Open(Options{Driver: DriverSQLite}); err == nil {
		t.Error("missing path should fail")
	}
}

func TestOpen_SQLiteFileCreatesDirAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	gdb, err := Open(Options{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.CachedMessage{}) {
		t.Error("cached_messages table missing after Open")
	}
}

func TestOpen_Memory(t *testing.T) {
	gdb, err := Open(Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)
	msg := models.CachedMessage{ServerID: "s", SessionKey: "k", Role: models.RoleUser, Content: "hi"}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("Create: %v", err)
	}
	if msg.ID == 0 {
		t.Error("ID not assigned")
	}
}

func TestAllModels(t *testing.T) {
	if len(AllModels()) != 1 {
		t.Errorf("AllModels = %d entries", len(AllModels()))
	}
}

func TestOptionsFromConfig(t *testing.T) {
	t.Setenv("SB_TEST_MYSQL_PW", "hunter2")
	opts := OptionsFromConfig(config.CacheConfig{
		Driver: "mysql",
		Path:   "/ignored",
		MySQL: config.MySQLConfig{
			Host: "db", Port: 3306, Database: "sb", User: "u", PasswordEnv: "SB_TEST_MYSQL_PW",
		},
	})
	if opts.Driver != DriverMySQL || opts.MySQL.Host != "db" || opts.MySQL.Password != "hunter2" {
		t.Errorf("opts = %+v", opts)
	}
}
