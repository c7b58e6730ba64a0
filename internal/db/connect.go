// Package db opens the gorm database that backs the history cache.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported cache drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// MySQLOptions locates a shared MySQL-compatible cache database.
type MySQLOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Options selects and parameterizes the cache backend.
type Options struct {
	Driver string // "sqlite" (default) or "mysql"
	Path   string // sqlite file path, or ":memory:"
	MySQL  MySQLOptions
}

// SQLiteDSN builds a sqlite DSN with write-ahead logging and full fsync, so
// a write that returned survives a process kill.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on"
}

// MySQLDSN builds a MySQL DSN.
func MySQLDSN(o MySQLOptions) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = o.User
	cfg.Passwd = o.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", o.Host, o.Port)
	cfg.DBName = o.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// Open connects to the configured backend and migrates the schema.
func Open(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("db: sqlite path is required")
		}
		if opts.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
				return nil, fmt.Errorf("db: create cache dir: %w", err)
			}
		}
		dialector = sqlite.Open(SQLiteDSN(opts.Path))
	case DriverMySQL:
		dialector = mysql.Open(MySQLDSN(opts.MySQL))
	default:
		return nil, fmt.Errorf("db: unknown driver %q", opts.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", driverName(opts.Driver), err)
	}
	if opts.Driver != DriverMySQL {
		// sqlite allows a single writer; one connection avoids SQLITE_BUSY.
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}

func driverName(d string) string {
	if d == "" {
		return DriverSQLite
	}
	return d
}
