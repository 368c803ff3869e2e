package migration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxNameLength is the longest migration name the tracking table accepts.
const MaxNameLength = 255

// Migration is a paired forward/backward schema change with a fixed position
// in the total order. Values are treated as immutable once listed by a Source.
type Migration struct {
	ID       uuid.UUID // Stable across renames
	Name     string    // Human-readable label
	SeqOrder int       // Position in the total order, starting at 1
	Up       string    // Script applying the change
	Down     string    // Script reversing the change
}

// Validate checks the field-level constraints of a single migration.
func (m Migration) Validate() error {
	switch {
	case m.ID == uuid.Nil:
		return fmt.Errorf("%w: migration %d has no id", ErrInvalidMigration, m.SeqOrder)
	case strings.TrimSpace(m.Name) == "":
		return fmt.Errorf("%w: migration %d has an empty name", ErrInvalidMigration, m.SeqOrder)
	case utf8.RuneCountInString(m.Name) > MaxNameLength:
		return fmt.Errorf("%w: migration %d name exceeds %d characters", ErrInvalidMigration, m.SeqOrder, MaxNameLength)
	case m.SeqOrder <= 0:
		return fmt.Errorf("%w: migration %q has non-positive sequence %d", ErrInvalidMigration, m.Name, m.SeqOrder)
	case strings.TrimSpace(m.Up) == "":
		return fmt.Errorf("%w: migration %d (%s) has an empty up script", ErrInvalidMigration, m.SeqOrder, m.Name)
	case strings.TrimSpace(m.Down) == "":
		return fmt.Errorf("%w: migration %d (%s) has an empty down script", ErrInvalidMigration, m.SeqOrder, m.Name)
	}
	return nil
}

// Checksum returns the SHA-256 of both scripts, used to flag edited sources.
func (m Migration) Checksum() string {
	hash := sha256.New()
	hash.Write([]byte(m.Up))
	hash.Write([]byte{0})
	hash.Write([]byte(m.Down))
	return fmt.Sprintf("%x", hash.Sum(nil))
}

// String identifies the migration in logs and error messages.
func (m Migration) String() string {
	return fmt.Sprintf("%03d_%s", m.SeqOrder, m.Name)
}

// Record is one row of the tracking table: a migration that has been applied.
type Record struct {
	Migration
	AppliedOn time.Time
}

// Direction says which script of a migration an operation runs.
type Direction int

const (
	// Forward runs the up script and inserts the record.
	Forward Direction = iota + 1
	// Backward runs the down script and deletes the record.
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "up"
	case Backward:
		return "down"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Operation is a single planned step.
type Operation struct {
	Migration Migration
	Direction Direction
}

// Script returns the body executed for the operation's direction.
func (o Operation) Script() string {
	if o.Direction == Backward {
		return o.Migration.Down
	}
	return o.Migration.Up
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Direction, o.Migration)
}

// Plan is the ordered list of operations needed to reach a target.
type Plan struct {
	Target     Target
	Operations []Operation

	// Modified lists applied migrations whose scripts no longer match the
	// source. The stored scripts remain authoritative.
	Modified []uuid.UUID
}

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is the read/write surface shared by *sql.DB, *sql.Tx and *sql.Conn.
type Queryer interface {
	Execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the database collaborator. *sql.DB implements it.
type DB interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Conn(ctx context.Context) (*sql.Conn, error)
}
