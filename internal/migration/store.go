package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store owns read/write access to the tracking table. Mutations always run on
// the caller's transaction so they commit or roll back with the script.
type Store struct {
	db      DB
	dialect Dialect
	table   string
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for applied_on.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store for the given tracking table.
func NewStore(db DB, dialect Dialect, table string, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("migration store: db is required")
	}
	if dialect == nil {
		return nil, errors.New("migration store: dialect is required")
	}
	if err := ValidateTableName(table); err != nil {
		return nil, fmt.Errorf("migration store: %w", err)
	}
	s := &Store{db: db, dialect: dialect, table: table, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Table returns the tracking table name.
func (s *Store) Table() string {
	return s.table
}

// Dialect returns the dialect the store was built with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// EnsureTable creates the tracking table if it doesn't exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	return s.dialect.EnsureTable(ctx, s.db, s.table)
}

// ListApplied returns all records ordered by seq_order ascending. A nil q
// reads through the store's own connection.
func (s *Store) ListApplied(ctx context.Context, q Queryer) ([]Record, error) {
	if q == nil {
		q = s.db
	}
	query := fmt.Sprintf(`SELECT id, name, seq_order, up, down, applied_on FROM %s ORDER BY seq_order ASC`, s.table)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			appliedOn any
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.SeqOrder, &rec.Up, &rec.Down, &appliedOn); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		if rec.AppliedOn, err = decodeTime(appliedOn); err != nil {
			return nil, fmt.Errorf("migration %d: %w", rec.SeqOrder, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return records, nil
}

// Tail returns the most recently applied record, or nil when none is applied.
func (s *Store) Tail(ctx context.Context, q Queryer) (*Record, error) {
	if q == nil {
		q = s.db
	}
	query := fmt.Sprintf(`SELECT id, name, seq_order, up, down, applied_on FROM %s ORDER BY seq_order DESC LIMIT 1`, s.table)

	var (
		rec       Record
		appliedOn any
	)
	err := q.QueryRowContext(ctx, query).Scan(&rec.ID, &rec.Name, &rec.SeqOrder, &rec.Up, &rec.Down, &appliedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read applied tail: %w", err)
	}
	if rec.AppliedOn, err = decodeTime(appliedOn); err != nil {
		return nil, fmt.Errorf("migration %d: %w", rec.SeqOrder, err)
	}
	return &rec, nil
}

// RecordApplied inserts rec. It fails with ErrDuplicateMigration when the id
// or seq_order is already present. A zero AppliedOn is set to the current time.
func (s *Store) RecordApplied(ctx context.Context, q Queryer, rec Record) error {
	if err := rec.Migration.Validate(); err != nil {
		return err
	}

	existsSQL := s.dialect.Rebind(fmt.Sprintf(`SELECT id, seq_order FROM %s WHERE id = ? OR seq_order = ? LIMIT 1`, s.table))
	var (
		existingID  uuid.UUID
		existingSeq int
	)
	err := q.QueryRowContext(ctx, existsSQL, rec.ID.String(), rec.SeqOrder).Scan(&existingID, &existingSeq)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s conflicts with stored migration %03d (%s)", ErrDuplicateMigration, rec.Migration, existingSeq, existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check migration %s: %w", rec.Migration, err)
	}

	appliedOn := rec.AppliedOn
	if appliedOn.IsZero() {
		appliedOn = s.now()
	}

	insertSQL := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (id, name, seq_order, up, down, applied_on)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.table))
	if _, err := q.ExecContext(ctx, insertSQL, rec.ID.String(), rec.Name, rec.SeqOrder, rec.Up, rec.Down, s.dialect.EncodeTime(appliedOn)); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s: %v", ErrDuplicateMigration, rec.Migration, err)
		}
		return fmt.Errorf("record migration %s: %w", rec.Migration, err)
	}
	return nil
}

// RecordReverted deletes the record with the given id. It fails with
// ErrNotApplied when the id is absent or is not the current tail.
func (s *Store) RecordReverted(ctx context.Context, q Queryer, id uuid.UUID) error {
	tail, err := s.Tail(ctx, q)
	if err != nil {
		return err
	}
	if tail == nil {
		return fmt.Errorf("%w: %s (no migrations applied)", ErrNotApplied, id)
	}
	if tail.ID != id {
		return fmt.Errorf("%w: %s (tail is %s)", ErrNotApplied, id, tail.Migration)
	}

	deleteSQL := s.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table))
	result, err := q.ExecContext(ctx, deleteSQL, id.String())
	if err != nil {
		return fmt.Errorf("delete migration record %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotApplied, id)
	}
	return nil
}
