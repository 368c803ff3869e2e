package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/schema-migrator/internal/logging"
)

// Executor applies a single planned operation. The script and the tracking
// table mutation share one transaction: both commit or neither does.
//
// Re-running a script whose effects escaped the transaction (statements a
// database auto-commits) is undefined; the transaction is the only safety net.
type Executor struct {
	db      DB
	store   *Store
	logger  *slog.Logger
	timeout time.Duration
	split   bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger used when the context carries none.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithScriptTimeout bounds each operation, transaction included. Zero
// disables the bound.
func WithScriptTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = timeout
	}
}

// WithStatementSplitting makes the executor send scripts one statement at a
// time, for drivers that reject multi-statement bodies.
func WithStatementSplitting(split bool) ExecutorOption {
	return func(e *Executor) {
		e.split = split
	}
}

// NewExecutor creates an executor that records results in store.
func NewExecutor(db DB, store *Store, opts ...ExecutorOption) *Executor {
	e := &Executor{db: db, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op inside a transaction. Script failures are reported as
// *ScriptExecutionError; tracking table failures (ErrDuplicateMigration,
// ErrNotApplied) are returned as they are.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	logger := e.loggerFor(ctx).With("migration", op.Migration.String(), "direction", op.Direction.String())
	start := time.Now()

	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.runScript(ctx, tx, op); err != nil {
			return err
		}
		switch op.Direction {
		case Forward:
			return e.store.RecordApplied(ctx, tx, Record{Migration: op.Migration})
		case Backward:
			return e.store.RecordReverted(ctx, tx, op.Migration.ID)
		default:
			return fmt.Errorf("%w: unknown direction %d", ErrInvalidTarget, int(op.Direction))
		}
	})
	if err != nil {
		logger.Error("migration operation rolled back", "error", err, "error_kind", ErrorKind(err))
		return err
	}

	logger.Info("migration operation committed", "duration", time.Since(start))
	return nil
}

func (e *Executor) runScript(ctx context.Context, tx *sql.Tx, op Operation) error {
	script := op.Script()
	if !e.split {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return newScriptExecutionError(op, err)
		}
		return nil
	}

	statements := SplitStatements(script)
	if len(statements) == 0 {
		return newScriptExecutionError(op, errors.New("no SQL statements found in script"))
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return newScriptExecutionError(op, fmt.Errorf("statement %d: %w", i+1, err))
		}
	}
	return nil
}

func (e *Executor) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// withTx runs fn in a transaction that is committed only when fn returns nil.
// Every other exit path, panics included, rolls back.
func withTx(ctx context.Context, db DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rbErr := tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
		if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback transaction: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// SplitStatements splits a script on semicolons that end a line outside
// quotes, dropping comment-only and empty statements.
func SplitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune
	)

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); hasStatements(stmt) {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if quote == 0 && strings.HasPrefix(trimmed, "--") {
			continue
		}
		for _, r := range line {
			switch {
			case quote != 0 && r == quote:
				quote = 0
			case quote == 0 && (r == '\'' || r == '"'):
				quote = r
			}
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if quote == 0 && strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}
