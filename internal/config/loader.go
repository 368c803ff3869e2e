package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/example/schema-migrator/internal/migration"
)

// Drivers and lock backends understood by the CLI.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockDatabase = "database"
	LockRedis    = "redis"
)

// Config captures environment driven configuration values for the migrator.
type Config struct {
	Driver         string        `env:"MIGRATE_DRIVER" envDefault:"sqlite"`
	DSN            string        `env:"MIGRATE_DSN" envDefault:"file:migrations.db"`
	Dir            string        `env:"MIGRATE_DIR" envDefault:"migrations"`
	Table          string        `env:"MIGRATE_TABLE" envDefault:"migrations"`
	LockBackend    string        `env:"MIGRATE_LOCK_BACKEND" envDefault:"database"`
	LockTimeout    time.Duration `env:"MIGRATE_LOCK_TIMEOUT" envDefault:"30s"`
	LockTTL        time.Duration `env:"MIGRATE_LOCK_TTL" envDefault:"10m"`
	LockStaleAfter time.Duration `env:"MIGRATE_LOCK_STALE_AFTER" envDefault:"10m"`
	ScriptTimeout  time.Duration `env:"MIGRATE_SCRIPT_TIMEOUT" envDefault:"0s"`
	RedisAddr      string        `env:"MIGRATE_REDIS_ADDR"`
	LogLevel       string        `env:"MIGRATE_LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration values from the current process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses configuration from the given variables instead of the
// process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports missing and invalid values, naming the variables.
func (cfg Config) Validate() error {
	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 4)

	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		invalid = append(invalid, "MIGRATE_DRIVER")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		missing = append(missing, "MIGRATE_DSN")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		missing = append(missing, "MIGRATE_DIR")
	}
	// The lock table name is the longest identifier derived from Table.
	if migration.ValidateTableName(cfg.Table+"_lock") != nil {
		invalid = append(invalid, "MIGRATE_TABLE")
	}
	switch cfg.LockBackend {
	case LockDatabase:
	case LockRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			missing = append(missing, "MIGRATE_REDIS_ADDR")
		}
	default:
		invalid = append(invalid, "MIGRATE_LOCK_BACKEND")
	}
	if cfg.LockTimeout <= 0 {
		invalid = append(invalid, "MIGRATE_LOCK_TIMEOUT")
	}
	if cfg.LockTTL <= 0 {
		invalid = append(invalid, "MIGRATE_LOCK_TTL")
	}
	if cfg.LockStaleAfter < 0 {
		invalid = append(invalid, "MIGRATE_LOCK_STALE_AFTER")
	}
	if cfg.ScriptTimeout < 0 {
		invalid = append(invalid, "MIGRATE_SCRIPT_TIMEOUT")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		invalid = append(invalid, "MIGRATE_LOG_LEVEL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}
	return nil
}
