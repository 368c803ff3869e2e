package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/schema-migrator/internal/testfixtures"
)

func TestRunner_UpDownUp(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	runner, store := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))

	result, err := runner.Up(t.Context())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if got := opSeqs(result.Executed); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("expected [1 2 3] executed, got %v", got)
	}
	if result.Current == nil || result.Current.SeqOrder != 3 {
		t.Fatalf("expected current seq 3, got %+v", result.Current)
	}
	if !h.TableExists(t, "users") || !h.TableExists(t, "idx_users_account") {
		t.Fatal("expected schema objects after Up")
	}
	if state := runner.State(); state.Phase != PhaseCompleted {
		t.Fatalf("expected completed state, got %s", state)
	}

	again, err := runner.Up(t.Context())
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if !again.NoOp || len(again.Executed) != 0 || again.Current.SeqOrder != 3 {
		t.Fatalf("expected a no-op at seq 3, got %+v", again)
	}

	down, err := runner.Down(t.Context(), 1)
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if len(down.Executed) != 1 || down.Executed[0].Direction != Backward || down.Current.SeqOrder != 2 {
		t.Fatalf("unexpected down result %+v", down)
	}
	if h.TableExists(t, "idx_users_account") {
		t.Fatal("index survived Down")
	}

	reapplied, err := runner.Up(t.Context())
	if err != nil {
		t.Fatalf("Up after Down: %v", err)
	}
	if got := opSeqs(reapplied.Executed); !equalInts(got, []int{3}) {
		t.Fatalf("expected only [3] reapplied, got %v", got)
	}
	if got := appliedSeqs(t, store); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("expected [1 2 3] applied, got %v", got)
	}
}

func TestRunner_RoundTripRestoresEmptySchema(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	runner, store := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))

	if _, err := runner.Up(t.Context()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	result, err := runner.Run(t.Context(), To(0))
	if err != nil {
		t.Fatalf("To(0): %v", err)
	}
	if got := opSeqs(result.Executed); !equalInts(got, []int{3, 2, 1}) {
		t.Fatalf("expected reverse order [3 2 1], got %v", got)
	}
	if result.Current != nil {
		t.Fatalf("expected no current migration, got %+v", result.Current)
	}
	for _, name := range []string{"accounts", "users", "idx_users_account"} {
		if h.TableExists(t, name) {
			t.Fatalf("%s survived the round trip", name)
		}
	}
	if got := appliedSeqs(t, store); len(got) != 0 {
		t.Fatalf("expected empty tracking table, got %v", got)
	}
}

func TestRunner_UpToStopsAtTarget(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	runner, _ := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))

	result, err := runner.UpTo(t.Context(), 2)
	if err != nil {
		t.Fatalf("UpTo: %v", err)
	}
	if got := opSeqs(result.Executed); !equalInts(got, []int{1, 2}) {
		t.Fatalf("expected [1 2], got %v", got)
	}

	report, err := runner.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(report.Pending) != 1 || report.Pending[0].SeqOrder != 3 || report.Drift != nil {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunner_HaltsOnFailure(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	scripts := testfixtures.AccountsScripts()
	broken := migrationsFrom(append(scripts[:2:2], testfixtures.BrokenScript(3)))

	var states []State
	runner, store := newTestRunner(t, h.DB, StaticSource(broken), WithObserver(func(s State) {
		states = append(states, s)
	}))

	_, err := runner.Up(t.Context())

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.Completed != 2 || runErr.Total != 3 || runErr.Failed.Migration.SeqOrder != 3 {
		t.Fatalf("unexpected halt point %+v", runErr)
	}
	if runErr.LastApplied == nil || runErr.LastApplied.SeqOrder != 2 {
		t.Fatalf("expected last applied seq 2, got %+v", runErr.LastApplied)
	}
	var scriptErr *ScriptExecutionError
	if !errors.As(err, &scriptErr) || ErrorKind(err) != "script_failed" {
		t.Fatalf("expected script failure in chain, got %v (%s)", err, ErrorKind(err))
	}
	if h.TableExists(t, "half_done") {
		t.Fatal("failed migration left partial effects")
	}
	if got := appliedSeqs(t, store); !equalInts(got, []int{1, 2}) {
		t.Fatalf("expected [1 2] applied, got %v", got)
	}

	final := runner.State()
	if final.Phase != PhaseFailed || final.Index != 3 || final.Total != 3 || final.Err == nil {
		t.Fatalf("unexpected final state %s", final)
	}
	if last := states[len(states)-1]; last.String() != "failed(3/3)" {
		t.Fatalf("observer saw %s last", last)
	}

	// A fixed source resumes after the last committed migration.
	fixed, _ := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))
	result, err := fixed.Up(t.Context())
	if err != nil {
		t.Fatalf("Up with fixed source: %v", err)
	}
	if got := opSeqs(result.Executed); !equalInts(got, []int{3}) {
		t.Fatalf("expected only [3], got %v", got)
	}
}

func TestRunner_ReportsStateTransitions(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)

	var states []string
	runner, _ := newTestRunner(t, h.DB, StaticSource(accountsMigrations()[:2]), WithObserver(func(s State) {
		states = append(states, s.String())
	}))

	if _, err := runner.Up(t.Context()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	want := []string{"idle", "planning", "executing(1/2)", "executing(2/2)", "completed"}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
	if !runner.State().Terminal() {
		t.Fatal("completed state must be terminal")
	}
}

func TestRunner_RefusesDrift(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	original := accountsMigrations()
	runner, store := newTestRunner(t, h.DB, StaticSource(original))

	if _, err := runner.UpTo(t.Context(), 2); err != nil {
		t.Fatalf("UpTo: %v", err)
	}

	replaced := append([]Migration(nil), original...)
	replaced[1].ID = uuid.New()
	drifted, _ := newTestRunner(t, h.DB, StaticSource(replaced))

	for _, target := range []Target{Latest(), Rollback(1)} {
		_, err := drifted.Run(t.Context(), target)
		if !errors.Is(err, ErrPlanConflict) {
			t.Fatalf("%s: expected ErrPlanConflict, got %v", target, err)
		}
	}
	if got := appliedSeqs(t, store); !equalInts(got, []int{1, 2}) {
		t.Fatalf("drift must not change the tracking table, got %v", got)
	}
	if h.TableExists(t, "idx_users_account") {
		t.Fatal("drift must not run scripts")
	}

	report, err := drifted.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !errors.Is(report.Drift, ErrPlanConflict) {
		t.Fatalf("expected drift in report, got %v", report.Drift)
	}
	if len(report.Pending) != 2 {
		t.Fatalf("expected the replaced and the new migration pending, got %v", report.Pending)
	}
}

func TestRunner_ModifiedScriptsUseStoredDown(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	original := accountsMigrations()
	runner, _ := newTestRunner(t, h.DB, StaticSource(original))

	if _, err := runner.Up(t.Context()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	edited := append([]Migration(nil), original...)
	edited[2].Down = "DROP TABLE does_not_exist;"
	rerun, _ := newTestRunner(t, h.DB, StaticSource(edited))

	result, err := rerun.Down(t.Context(), 1)
	if err != nil {
		t.Fatalf("Down with edited source: %v", err)
	}
	if len(result.Modified) != 1 || result.Modified[0] != original[2].ID {
		t.Fatalf("expected migration 3 flagged as modified, got %v", result.Modified)
	}
	if h.TableExists(t, "idx_users_account") {
		t.Fatal("stored down script was not used")
	}
}

func TestRunner_LockTimeout(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	holder := NewTableLocker(h.Open(t), SQLiteDialect{}, "migrations", 0)
	unlock, err := holder.Acquire(t.Context())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer unlock(t.Context())

	store := newTestStore(t, h.DB)
	runner := NewRunner(StaticSource(accountsMigrations()), store,
		NewExecutor(h.DB, store, WithExecutorLogger(discardLogger())),
		NewTableLocker(h.DB, SQLiteDialect{}, "migrations", 50*time.Millisecond),
		WithLogger(discardLogger()))

	_, err = runner.Up(t.Context())
	if !errors.Is(err, ErrLockTimeout) || ErrorKind(err) != "lock_timeout" {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if got := appliedSeqs(t, store); len(got) != 0 {
		t.Fatalf("nothing may run without the lock, got %v", got)
	}
	if runner.State().Phase != PhaseFailed {
		t.Fatalf("expected failed state, got %s", runner.State())
	}
}

func TestRunner_ConcurrentRunnersApplyOnce(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	source := StaticSource(accountsMigrations())

	runners := make([]*Runner, 2)
	runners[0], _ = newTestRunner(t, h.DB, source)
	runners[1], _ = newTestRunner(t, h.Open(t), source)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
		errs     []error
	)
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			result, err := r.Up(context.Background())
			mu.Lock()
			defer mu.Unlock()
			executed += len(result.Executed)
			if err != nil {
				errs = append(errs, err)
			}
		}(r)
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if executed != 3 {
		t.Fatalf("expected each migration executed once, got %d executions", executed)
	}
	if got := h.Count(t, "migrations"); got != 3 {
		t.Fatalf("expected 3 tracking rows, got %d", got)
	}
}

func TestRunner_CancellationStopsBetweenOperations(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	runner, store := newTestRunner(t, h.DB, StaticSource(accountsMigrations()), WithObserver(func(s State) {
		if s.Phase == PhaseExecuting && s.Index == 2 {
			cancel()
		}
	}))

	_, err := runner.Up(ctx)

	var runErr *RunError
	if !errors.As(err, &runErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled RunError, got %v", err)
	}
	if runErr.Completed != 1 || runErr.LastApplied == nil || runErr.LastApplied.SeqOrder != 1 {
		t.Fatalf("unexpected halt point %+v", runErr)
	}
	if got := appliedSeqs(t, store); !equalInts(got, []int{1}) {
		t.Fatalf("expected [1] applied, got %v", got)
	}
	if got := h.Count(t, "migrations_lock"); got != 0 {
		t.Fatal("lock was not released after cancellation")
	}
}

func TestRunner_InvalidSourceFailsPlanning(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	migrations := accountsMigrations()
	migrations[1].Name = migrations[0].Name
	runner, _ := newTestRunner(t, h.DB, sourceFunc(func(context.Context) ([]Migration, error) {
		return migrations, nil
	}))

	if _, err := runner.Up(t.Context()); !errors.Is(err, ErrInvalidMigration) {
		t.Fatalf("expected ErrInvalidMigration, got %v", err)
	}
	if got := h.Count(t, "migrations_lock"); got != 0 {
		t.Fatal("lock was not released after a planning failure")
	}
}

func TestRunner_StatusReportsInvalidSource(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	valid, _ := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))
	if _, err := valid.UpTo(t.Context(), 1); err != nil {
		t.Fatalf("UpTo: %v", err)
	}

	migrations := accountsMigrations()
	migrations[2].SeqOrder = 2
	runner, _ := newTestRunner(t, h.DB, sourceFunc(func(context.Context) ([]Migration, error) {
		return migrations, nil
	}))

	report, err := runner.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !errors.Is(report.Drift, ErrInvalidMigration) {
		t.Fatalf("expected ErrInvalidMigration in drift, got %v", report.Drift)
	}
	if len(report.Pending) != 0 {
		t.Fatalf("expected no pending list for an invalid source, got %d entries", len(report.Pending))
	}
	if report.Current == nil || report.Current.SeqOrder != 1 {
		t.Fatalf("expected current seq 1, got %+v", report.Current)
	}
}

type sourceFunc func(context.Context) ([]Migration, error)

func (f sourceFunc) ListAll(ctx context.Context) ([]Migration, error) { return f(ctx) }

func TestRunner_LogStatus(t *testing.T) {
	h := testfixtures.NewSQLiteHarness(t)
	runner, _ := newTestRunner(t, h.DB, StaticSource(accountsMigrations()))

	if err := runner.LogStatus(t.Context()); err != nil {
		t.Fatalf("LogStatus on empty database: %v", err)
	}
	if _, err := runner.Up(t.Context()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := runner.LogStatus(t.Context()); err != nil {
		t.Fatalf("LogStatus: %v", err)
	}
}
