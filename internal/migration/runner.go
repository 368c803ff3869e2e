package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/schema-migrator/internal/logging"
)

// Runner drives planning and execution for one tracking table. Runs are
// serialized by the Locker across processes and by a mutex within one.
type Runner struct {
	source    Source
	store     *Store
	executor  *Executor
	locker    Locker
	logger    *slog.Logger
	observers []func(State)

	run   sync.Mutex
	mu    sync.RWMutex
	state State
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger used when the context carries none.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithObserver registers fn to receive every state transition.
func WithObserver(fn func(State)) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// NewRunner creates a runner.
func NewRunner(source Source, store *Store, executor *Executor, locker Locker, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:   source,
		store:    store,
		executor: executor,
		locker:   locker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarizes a finished run.
type Result struct {
	Target   Target
	Executed []Operation
	NoOp     bool    // The target was already satisfied
	Current  *Record // Tail after the run, nil when nothing is applied
	Modified []uuid.UUID
	Duration time.Duration
}

// Report describes the tracking table relative to the source.
type Report struct {
	Current  *Record
	Applied  []Record
	Pending  []Migration
	Modified []uuid.UUID
	Drift    error // ErrPlanConflict or ErrInvalidMigration, nil when in sync
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) (Result, error) {
	return r.Run(ctx, Latest())
}

// UpTo applies pending migrations up to and including seq.
func (r *Runner) UpTo(ctx context.Context, seq int) (Result, error) {
	return r.Run(ctx, UpTo(seq))
}

// Down reverts the last steps applied migrations, tail first.
func (r *Runner) Down(ctx context.Context, steps int) (Result, error) {
	return r.Run(ctx, Rollback(steps))
}

// Run moves the tracking table to target. It halts on the first failing
// operation and returns a *RunError; committed operations stay committed, so
// a later run resumes where this one stopped. An already satisfied target is
// reported with Result.NoOp and a nil error.
func (r *Runner) Run(ctx context.Context, target Target) (result Result, err error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := time.Now()
	result.Target = target
	logger := r.loggerFor(ctx).With("target", target.String())
	r.transition(State{Phase: PhaseIdle})

	unlock, err := r.locker.Acquire(ctx)
	if err != nil {
		logger.Error("could not acquire migration lock", "error", err, "error_kind", ErrorKind(err))
		r.transition(State{Phase: PhaseFailed, Err: err})
		return result, err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			logger.Error("failed to release migration lock", "error", uerr)
			if err == nil {
				err = uerr
			}
		}
	}()

	r.transition(State{Phase: PhasePlanning})
	plan, applied, err := r.plan(ctx, target)
	result.Modified = plan.Modified
	for _, id := range plan.Modified {
		logger.Warn("applied migration differs from source; stored scripts are used", "migration_id", id)
	}
	if errors.Is(err, ErrEmptyTarget) {
		result.NoOp = true
		if len(applied) > 0 {
			result.Current = &applied[len(applied)-1]
		}
		result.Duration = time.Since(start)
		r.transition(State{Phase: PhaseCompleted})
		logger.Info("nothing to do", "detail", err.Error())
		return result, nil
	}
	if err != nil {
		logger.Error("migration planning failed", "error", err, "error_kind", ErrorKind(err))
		r.transition(State{Phase: PhaseFailed, Err: err})
		return result, err
	}

	total := len(plan.Operations)
	logger.Info("starting migration run", "operations", total)

	for i, op := range plan.Operations {
		if cerr := ctx.Err(); cerr != nil {
			return result, r.halt(ctx, logger, plan, i, cerr)
		}
		r.transition(State{Phase: PhaseExecuting, Index: i + 1, Total: total})
		logger.Info("executing migration", "migration", op.Migration.String(), "direction", op.Direction.String(),
			"step", fmt.Sprintf("%d/%d", i+1, total))

		if xerr := r.executor.Execute(ctx, op); xerr != nil {
			return result, r.halt(ctx, logger, plan, i, xerr)
		}
		result.Executed = append(result.Executed, op)
	}

	result.Current, err = r.store.Tail(ctx, nil)
	if err != nil {
		r.transition(State{Phase: PhaseFailed, Index: total, Total: total, Err: err})
		return result, err
	}
	result.Duration = time.Since(start)
	r.transition(State{Phase: PhaseCompleted, Index: total, Total: total})
	logger.Info("migration run completed", "operations", total, "duration", result.Duration, "current", seqOf(result.Current))
	return result, nil
}

func (r *Runner) plan(ctx context.Context, target Target) (Plan, []Record, error) {
	if err := r.store.EnsureTable(ctx); err != nil {
		return Plan{Target: target}, nil, err
	}
	candidates, err := r.source.ListAll(ctx)
	if err != nil {
		return Plan{Target: target}, nil, fmt.Errorf("list migrations: %w", err)
	}
	if err := ValidateSet(candidates); err != nil {
		return Plan{Target: target}, nil, err
	}
	applied, err := r.store.ListApplied(ctx, nil)
	if err != nil {
		return Plan{Target: target}, nil, err
	}
	plan, err := BuildPlan(candidates, applied, target)
	return plan, applied, err
}

func (r *Runner) halt(ctx context.Context, logger *slog.Logger, plan Plan, index int, cause error) error {
	total := len(plan.Operations)
	runErr := &RunError{
		Failed:    plan.Operations[index],
		Completed: index,
		Total:     total,
		Err:       cause,
	}
	tail, err := r.store.Tail(context.WithoutCancel(ctx), nil)
	if err != nil {
		logger.Warn("could not read tail after failure", "error", err)
	}
	runErr.LastApplied = tail

	r.transition(State{Phase: PhaseFailed, Index: index + 1, Total: total, Err: runErr})
	logger.Error("migration run halted",
		"failed", runErr.Failed.String(),
		"completed", index,
		"total", total,
		"last_applied", seqOf(tail),
		"error", cause,
		"error_kind", ErrorKind(cause))
	return runErr
}

// Status reports applied and pending migrations. It does not take the lock
// and never fails on drift or an invalid source; both are returned in
// Report.Drift.
func (r *Runner) Status(ctx context.Context) (Report, error) {
	var report Report
	if err := r.store.EnsureTable(ctx); err != nil {
		return report, err
	}
	candidates, err := r.source.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list migrations: %w", err)
	}
	applied, err := r.store.ListApplied(ctx, nil)
	if err != nil {
		return report, err
	}

	report.Applied = applied
	if len(applied) > 0 {
		report.Current = &applied[len(applied)-1]
	}

	// An invalid source has no meaningful pending list.
	if err := ValidateSet(candidates); err != nil {
		report.Drift = err
		return report, nil
	}
	if err := CheckDrift(candidates, applied); err != nil {
		report.Drift = err
		seen := make(map[uuid.UUID]bool, len(applied))
		for _, rec := range applied {
			seen[rec.ID] = true
		}
		for _, m := range candidates {
			if !seen[m.ID] {
				report.Pending = append(report.Pending, m)
			}
		}
		return report, nil
	}

	report.Pending = candidates[len(applied):]
	report.Modified = modifiedMigrations(candidates, applied)
	return report, nil
}

// LogStatus writes a summary of Status to the runner's logger.
func (r *Runner) LogStatus(ctx context.Context) error {
	logger := r.loggerFor(ctx)
	report, err := r.Status(ctx)
	if err != nil {
		logger.Error("failed to read migration status", "error", err)
		return err
	}

	if report.Current == nil {
		logger.Info("database schema: no migrations applied")
	} else {
		logger.Info("database schema: current migration",
			"seq", report.Current.SeqOrder,
			"id", report.Current.ID.String(),
			"name", report.Current.Name,
			"applied_on", report.Current.AppliedOn)
	}
	if report.Drift != nil {
		logger.Warn("database schema: drift detected", "error", report.Drift)
	}
	for _, m := range report.Pending {
		logger.Info("pending migration", "seq", m.SeqOrder, "name", m.Name)
	}
	return nil
}

func (r *Runner) transition(s State) {
	r.mu.Lock()
	r.state = s
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (r *Runner) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

func seqOf(rec *Record) int {
	if rec == nil {
		return 0
	}
	return rec.SeqOrder
}
