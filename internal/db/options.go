package db

import (
	"os"

	"github.com/zulandar/signalbox/internal/config"
)

// OptionsFromConfig maps the cache section of the configuration onto Options.
// The MySQL password is read from the configured environment variable.
func OptionsFromConfig(c config.CacheConfig) Options {
	opts := Options{
		Driver: c.Driver,
		Path:   c.Path,
		MySQL: MySQLOptions{
			Host:     c.MySQL.Host,
			Port:     c.MySQL.Port,
			Database: c.MySQL.Database,
			User:     c.MySQL.User,
		},
	}
	if c.MySQL.PasswordEnv != "" {
		opts.MySQL.Password = os.Getenv(c.MySQL.PasswordEnv)
	}
	return opts
}
