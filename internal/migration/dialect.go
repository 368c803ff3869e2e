package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between supported databases.
// Queries are written with "?" placeholders and passed through Rebind.
type Dialect interface {
	Name() string
	Rebind(query string) string
	EnsureTable(ctx context.Context, exec Execer, table string) error
	EncodeTime(t time.Time) any
	IsUniqueViolation(err error) bool
	// IsBusy reports lock contention that a later attempt may not hit.
	IsBusy(err error) bool
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName rejects names that cannot be safely interpolated into SQL.
func ValidateTableName(table string) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid tracking table name %q", table)
	}
	return nil
}

// SQLiteDialect targets modernc.org/sqlite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Rebind(query string) string { return query }

// EnsureTable creates the tracking table if it doesn't exist.
func (SQLiteDialect) EnsureTable(ctx context.Context, exec Execer, table string) error {
	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL CHECK (length(name) BETWEEN 1 AND %d),
			seq_order INTEGER NOT NULL UNIQUE,
			up TEXT NOT NULL,
			down TEXT NOT NULL,
			applied_on TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, table, MaxNameLength)

	if _, err := exec.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	return nil
}

// EncodeTime stores timestamps as RFC 3339 text in UTC.
func (SQLiteDialect) EncodeTime(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// IsBusy matches SQLITE_BUSY and SQLITE_LOCKED, including their extended
// codes.
func (SQLiteDialect) IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// LimitBusyWait lowers busy_timeout on conn to limit and returns a func that
// puts the previous value back.
func (SQLiteDialect) LimitBusyWait(ctx context.Context, conn *sql.Conn, limit time.Duration) (func(context.Context) error, error) {
	var previous int64
	if err := conn.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&previous); err != nil {
		return nil, fmt.Errorf("read busy_timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout = %d`, limit.Milliseconds())); err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return func(ctx context.Context) error {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout = %d`, previous)); err != nil {
			return fmt.Errorf("restore busy_timeout: %w", err)
		}
		return nil
	}, nil
}

// RebindDollar rewrites "?" placeholders to $1, $2, ... for Postgres.
// Queries passed here never contain literal question marks.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// decodeTime accepts the representations drivers return for applied_on.
func decodeTime(v any) (time.Time, error) {
	switch value := v.(type) {
	case time.Time:
		return value.UTC(), nil
	case string:
		return parseTime(value)
	case []byte:
		return parseTime(string(value))
	case nil:
		return time.Time{}, fmt.Errorf("applied_on is NULL")
	default:
		return time.Time{}, fmt.Errorf("unsupported applied_on type %T", v)
	}
}

func parseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable applied_on %q", value)
}
