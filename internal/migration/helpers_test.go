package migration

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/schema-migrator/internal/testfixtures"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// migrationsFrom converts on-disk fixtures into migrations with derived ids.
func migrationsFrom(scripts []testfixtures.Script) []Migration {
	migrations := make([]Migration, 0, len(scripts))
	for _, s := range scripts {
		migrations = append(migrations, Migration{
			ID:       DeriveID(s.Seq),
			Name:     s.Name,
			SeqOrder: s.Seq,
			Up:       s.Up,
			Down:     s.Down,
		})
	}
	return migrations
}

func accountsMigrations() []Migration {
	return migrationsFrom(testfixtures.AccountsScripts())
}

func newTestStore(t *testing.T, db DB) *Store {
	t.Helper()

	clock := testfixtures.NewClock(time.Time{}, time.Second)
	store, err := NewStore(db, SQLiteDialect{}, "migrations", WithClock(clock.NowFunc()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureTable(t.Context()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return store
}

func newTestRunner(t *testing.T, db DB, source Source, opts ...RunnerOption) (*Runner, *Store) {
	t.Helper()

	store := newTestStore(t, db)
	executor := NewExecutor(db, store, WithExecutorLogger(discardLogger()))
	locker := NewTableLocker(db, SQLiteDialect{}, store.Table(), 5*time.Second)
	opts = append([]RunnerOption{WithLogger(discardLogger())}, opts...)
	return NewRunner(source, store, executor, locker, opts...), store
}

func appliedSeqs(t *testing.T, store *Store) []int {
	t.Helper()

	records, err := store.ListApplied(t.Context(), nil)
	if err != nil {
		t.Fatalf("ListApplied: %v", err)
	}
	seqs := make([]int, 0, len(records))
	for _, rec := range records {
		seqs = append(seqs, rec.SeqOrder)
	}
	return seqs
}

func opSeqs(ops []Operation) []int {
	seqs := make([]int, 0, len(ops))
	for _, op := range ops {
		seqs = append(seqs, op.Migration.SeqOrder)
	}
	return seqs
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
