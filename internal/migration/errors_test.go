package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestErrorKind(t *testing.T) {
	op := Operation{Migration: Migration{ID: uuid.New(), Name: "create_accounts", SeqOrder: 1}, Direction: Forward}
	scriptErr := newScriptExecutionError(op, errors.New("syntax error"))

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w after 1s", ErrLockTimeout), "lock_timeout"},
		{fmt.Errorf("wrap: %w", ErrPlanConflict), "plan_conflict"},
		{ErrEmptyTarget, "empty_target"},
		{ErrDuplicateMigration, "duplicate_migration"},
		{ErrNotApplied, "not_applied"},
		{ErrInvalidMigration, "invalid_migration"},
		{ErrInvalidTarget, "invalid_target"},
		{scriptErr, "script_failed"},
		{&RunError{Failed: op, Err: scriptErr}, "script_failed"},
		{&RunError{Failed: op, Err: context.Canceled}, "canceled"},
		{context.DeadlineExceeded, "canceled"},
		{errors.New("disk on fire"), "unexpected"},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestScriptExecutionError_Message(t *testing.T) {
	id := uuid.MustParse("0b0c1b56-8a39-4d3a-9d55-0c2f6f0e7a11")
	cause := errors.New("no such table: users")
	err := newScriptExecutionError(Operation{
		Migration: Migration{ID: id, Name: "index_users", SeqOrder: 3},
		Direction: Backward,
	}, cause)

	want := "migration 003_index_users (0b0c1b56-8a39-4d3a-9d55-0c2f6f0e7a11): down script failed: no such table: users"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause is not reachable through Unwrap")
	}
}

func TestRunError_Message(t *testing.T) {
	op := Operation{Migration: Migration{Name: "broken", SeqOrder: 3}, Direction: Forward}
	last := &Record{Migration: Migration{ID: DeriveID(2), SeqOrder: 2}}

	err := &RunError{Failed: op, Completed: 2, Total: 3, LastApplied: last, Err: ErrNotApplied}
	if !strings.Contains(err.Error(), "after 2/3 operations") || !strings.Contains(err.Error(), "last applied: 002") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrNotApplied) {
		t.Fatal("cause is not reachable through Unwrap")
	}

	empty := &RunError{Failed: op, Total: 1, Err: ErrNotApplied}
	if !strings.Contains(empty.Error(), "last applied: none") {
		t.Fatalf("unexpected message %q", empty.Error())
	}
}

func TestFileSystemError_Unwrap(t *testing.T) {
	err := &FileSystemError{Path: "migrations", Operation: "read directory", Err: fs.ErrNotExist}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("cause is not reachable through Unwrap")
	}
	if err.Error() != "filesystem error during read directory of migrations: file does not exist" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
