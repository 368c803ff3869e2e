package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/schema-migrator/internal/migration"
)

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowQuery       time.Duration
}

// DefaultPostgresConfig returns a configuration with sensible defaults. The
// pool keeps room for the advisory lock connection next to the migration
// transaction.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		SlowQuery:       time.Second,
	}
}

// Postgres bundles the gorm handle with the *sql.DB the migration engine uses.
type Postgres struct {
	Gorm *gorm.DB
	DB   *sql.DB
}

// OpenPostgres connects through gorm and exposes the underlying pool.
func OpenPostgres(cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN cannot be empty")
	}
	if cfg.MaxOpenConns > 0 && cfg.MaxOpenConns < 2 {
		return nil, errors.New("postgres MaxOpenConns must allow the lock connection and a transaction (>= 2)")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:                 NewGormLogger(logger, cfg.SlowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{Gorm: gdb, DB: sqlDB}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.DB.Close()
}

// Dialect returns the migration dialect bound to this connection.
func (p *Postgres) Dialect() *PostgresDialect {
	return &PostgresDialect{gorm: p.Gorm}
}

// trackingRow mirrors the tracking table for gorm's AutoMigrate.
type trackingRow struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"`
	SeqOrder  int       `gorm:"column:seq_order;not null;uniqueIndex"`
	Up        string    `gorm:"column:up;type:text;not null"`
	Down      string    `gorm:"column:down;type:text;not null"`
	AppliedOn time.Time `gorm:"column:applied_on;type:timestamptz;not null;default:now()"`
}

// PostgresDialect implements migration.Dialect for Postgres.
type PostgresDialect struct {
	gorm *gorm.DB
}

var _ migration.Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) Rebind(query string) string { return migration.RebindDollar(query) }

// EnsureTable lets gorm create or extend the tracking table. exec is unused:
// gorm runs on its own handle to the same pool.
func (d *PostgresDialect) EnsureTable(ctx context.Context, _ migration.Execer, table string) error {
	if d.gorm == nil {
		return errors.New("postgres dialect has no gorm handle")
	}
	if err := d.gorm.WithContext(ctx).Table(table).AutoMigrate(&trackingRow{}); err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	return nil
}

func (d *PostgresDialect) EncodeTime(t time.Time) any { return t.UTC() }

// IsUniqueViolation matches SQLSTATE 23505.
func (d *PostgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsBusy matches lock_not_available (55P03), raised when lock_timeout expires.
func (d *PostgresDialect) IsBusy(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
