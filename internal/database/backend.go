package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/schema-migrator/internal/config"
	"github.com/example/schema-migrator/internal/migration"
)

// Backend is everything the migration engine needs from a configured
// database: the pool, its dialect and the locker serializing runners.
type Backend struct {
	DB      *sql.DB
	Dialect migration.Dialect
	Locker  migration.Locker

	closers []func() error
}

// Open connects to the database and lock backend described by cfg.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}

	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := OpenSQLite(DefaultSQLiteConfig(cfg.DSN))
		if err != nil {
			return nil, err
		}
		b.DB = db
		b.Dialect = migration.SQLiteDialect{}
		// A killed runner leaves its lock row behind; MIGRATE_LOCK_STALE_AFTER
		// bounds how long it blocks later runs.
		b.Locker = migration.NewTableLocker(db, b.Dialect, cfg.Table, cfg.LockTimeout).
			WithStaleAfter(cfg.LockStaleAfter)
		b.closers = append(b.closers, db.Close)

	case config.DriverPostgres:
		pg, err := OpenPostgres(DefaultPostgresConfig(cfg.DSN), logger)
		if err != nil {
			return nil, err
		}
		b.DB = pg.DB
		b.Dialect = pg.Dialect()
		b.Locker = migration.NewAdvisoryLocker(pg.DB, cfg.Table, cfg.LockTimeout)
		b.closers = append(b.closers, pg.Close)

	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	if cfg.LockBackend == config.LockRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = b.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		b.Locker = migration.NewRedisLocker(client, cfg.Table, cfg.LockTTL, cfg.LockTimeout)
		b.closers = append(b.closers, client.Close)
	}

	return b, nil
}

// Close releases every resource opened by Open, newest first.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
