package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Migration-specific error types for different failure scenarios
var (
	// ErrDuplicateMigration indicates that a record with the same id or
	// sequence number is already stored.
	ErrDuplicateMigration = errors.New("migration already recorded")

	// ErrNotApplied indicates a reversal of a migration that is absent or is
	// not the most recently applied one.
	ErrNotApplied = errors.New("migration is not the applied tail")

	// ErrPlanConflict indicates drift between the source and the tracking
	// table. It is never healed automatically.
	ErrPlanConflict = errors.New("migration plan conflict")

	// ErrEmptyTarget indicates the requested target is already satisfied.
	// It is informational; the Runner reports it as a no-op.
	ErrEmptyTarget = errors.New("target already satisfied")

	// ErrLockTimeout indicates the migration lock could not be acquired within
	// the configured wait.
	ErrLockTimeout = errors.New("timed out waiting for migration lock")

	// ErrInvalidMigration indicates a malformed migration or a source that
	// defines colliding ids, names or sequence numbers.
	ErrInvalidMigration = errors.New("invalid migration")

	// ErrInvalidTarget indicates a target that cannot be planned, such as a
	// non-positive rollback count.
	ErrInvalidTarget = errors.New("invalid migration target")
)

// ScriptExecutionError reports a failed up or down script. The transaction
// it ran in has been rolled back.
type ScriptExecutionError struct {
	MigrationID uuid.UUID
	SeqOrder    int
	Name        string
	Direction   Direction
	Err         error // Underlying database error
}

// Error implements the error interface
func (e *ScriptExecutionError) Error() string {
	return fmt.Sprintf("migration %03d_%s (%s): %s script failed: %v", e.SeqOrder, e.Name, e.MigrationID, e.Direction, e.Err)
}

// Unwrap returns the underlying database error.
func (e *ScriptExecutionError) Unwrap() error {
	return e.Err
}

func newScriptExecutionError(op Operation, err error) *ScriptExecutionError {
	return &ScriptExecutionError{
		MigrationID: op.Migration.ID,
		SeqOrder:    op.Migration.SeqOrder,
		Name:        op.Migration.Name,
		Direction:   op.Direction,
		Err:         err,
	}
}

// RunError is returned when a Runner halts part-way through a plan. Items
// before Failed were committed; Failed and everything after it were not.
type RunError struct {
	Failed      Operation
	Completed   int     // Operations committed before the failure
	Total       int     // Operations in the plan
	LastApplied *Record // Tail of the tracking table after the halt, nil when empty
	Err         error
}

// Error implements the error interface
func (e *RunError) Error() string {
	last := "none"
	if e.LastApplied != nil {
		last = fmt.Sprintf("%03d (%s)", e.LastApplied.SeqOrder, e.LastApplied.ID)
	}
	return fmt.Sprintf("migration run halted at %s after %d/%d operations (last applied: %s): %v",
		e.Failed, e.Completed, e.Total, last, e.Err)
}

// Unwrap returns the cause of the halt.
func (e *RunError) Unwrap() error {
	return e.Err
}

// FileSystemError wraps file system related errors while reading a source.
type FileSystemError struct {
	Path      string // File or directory path
	Operation string // File operation (read, scan, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// ErrorKind maps migration errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var scriptErr *ScriptExecutionError
	switch {
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrPlanConflict):
		return "plan_conflict"
	case errors.Is(err, ErrEmptyTarget):
		return "empty_target"
	case errors.Is(err, ErrDuplicateMigration):
		return "duplicate_migration"
	case errors.Is(err, ErrNotApplied):
		return "not_applied"
	case errors.Is(err, ErrInvalidMigration):
		return "invalid_migration"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.As(err, &scriptErr):
		return "script_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "unexpected"
}
