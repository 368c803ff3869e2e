// Package migration applies and reverses versioned schema migrations.
//
// A migration is a pair of SQL scripts (up and down) with a fixed position in
// a total order (its sequence number). Applied migrations are tracked in a
// table that stores both scripts verbatim, so the history stays
// self-describing even after the source files change:
//
//	id          unique identifier (UUID)
//	name        human readable label, at most 255 characters
//	seq_order   position in the total order, unique
//	up, down    the scripts that applied and will reverse the change
//	applied_on  time of successful application
//
// The package is split into small collaborators:
//
//   - Source lists the candidate migrations (StaticSource, FSSource)
//   - Store reads and writes the tracking table
//   - BuildPlan computes which migrations run, and in which direction
//   - Executor applies one operation inside a single transaction
//   - Runner serializes runs with a Locker and drives the plan
//
// Reversal is strictly LIFO: only the most recently applied migration (the
// tail) can be reverted. Drift between the source and the tracking table is
// reported as ErrPlanConflict before anything executes.
//
// Example usage:
//
//	store, _ := migration.NewStore(db, migration.SQLiteDialect{}, "migrations")
//	executor := migration.NewExecutor(db, store)
//	locker := migration.NewTableLocker(db, migration.SQLiteDialect{}, "migrations", 30*time.Second)
//	runner := migration.NewRunner(source, store, executor, locker)
//	if _, err := runner.Up(ctx); err != nil {
//		log.Fatalf("migration failed: %v", err)
//	}
package migration
