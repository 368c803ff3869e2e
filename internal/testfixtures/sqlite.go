package testfixtures

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// SQLiteHarness is a temporary SQLite database file for integration-style
// migration tests.
type SQLiteHarness struct {
	DB   *sql.DB
	Path string
}

// NewSQLiteHarness creates an empty database in a temporary directory. The
// pool is closed when the test finishes.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	h := &SQLiteHarness{Path: filepath.Join(tb.TempDir(), "migrations.db")}
	h.DB = h.Open(tb)
	return h
}

// Open returns an additional pool on the same file, standing in for a second
// process. It is closed when the test finishes.
func (h *SQLiteHarness) Open(tb testing.TB) *sql.DB {
	tb.Helper()

	db, err := sql.Open("sqlite", h.DSN())
	if err != nil {
		tb.Fatalf("failed to open sqlite database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		tb.Fatalf("failed to ping sqlite database: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

// DSN returns the connection string for the harness file.
func (h *SQLiteHarness) DSN() string {
	return "file:" + h.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// TableExists reports whether a table or index named name exists.
func (h *SQLiteHarness) TableExists(tb testing.TB, name string) bool {
	tb.Helper()

	var n int
	err := h.DB.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&n)
	if err != nil {
		tb.Fatalf("failed to inspect schema for %s: %v", name, err)
	}
	return n > 0
}

// Count returns the number of rows in table.
func (h *SQLiteHarness) Count(tb testing.TB, table string) int {
	tb.Helper()

	var n int
	if err := h.DB.QueryRowContext(context.Background(), fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		tb.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}
