package migration

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Unlock releases an acquired lock.
type Unlock func(ctx context.Context) error

// Locker serializes runners working against the same tracking table.
// Acquire blocks for a bounded time and fails with ErrLockTimeout.
type Locker interface {
	Acquire(ctx context.Context) (Unlock, error)
}

var errLockHeld = errors.New("lock held by another runner")

// pollLock calls try with exponential backoff until it succeeds, fails, or
// wait elapses. A non-positive wait makes a single attempt. Each attempt gets
// a context bounded by the overall wait; an attempt cut short by that bound
// counts as "not acquired".
func pollLock(ctx context.Context, wait time.Duration, try func(context.Context) (bool, error)) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second

	opts := []backoff.RetryOption{backoff.WithBackOff(policy)}
	if wait > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(wait))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	deadline := time.Now().Add(wait)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if wait > 0 {
			attemptCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		defer cancel()

		ok, err := try(attemptCtx)
		switch {
		case err != nil && ctx.Err() == nil && attemptCtx.Err() != nil:
			return struct{}{}, errLockHeld
		case err != nil:
			return struct{}{}, backoff.Permanent(err)
		case !ok:
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	}, opts...)

	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errLockHeld):
		return fmt.Errorf("%w after %s", ErrLockTimeout, wait)
	case errors.As(err, &permanent):
		return permanent.Err
	default:
		return err
	}
}

// busyWaitLimiter is implemented by dialects whose driver waits inside a
// statement when another connection holds the write lock. LimitBusyWait caps
// that wait on conn and returns a func restoring the previous setting.
type busyWaitLimiter interface {
	LimitBusyWait(ctx context.Context, conn *sql.Conn, limit time.Duration) (restore func(context.Context) error, err error)
}

// maxAttemptBusyWait bounds how long a single lock attempt may block on a
// busy database before it is retried.
const maxAttemptBusyWait = 100 * time.Millisecond

// TableLocker keeps a single-row lock table next to the tracking table. It
// works on any database that supports INSERT ... ON CONFLICT DO NOTHING and
// is the default for SQLite, which has no advisory locks.
type TableLocker struct {
	db         DB
	dialect    Dialect
	table      string
	wait       time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewTableLocker creates a locker using the table "<table>_lock".
func NewTableLocker(db DB, dialect Dialect, table string, wait time.Duration) *TableLocker {
	return &TableLocker{
		db:      db,
		dialect: dialect,
		table:   table + "_lock",
		wait:    wait,
		now:     time.Now,
	}
}

// WithStaleAfter lets Acquire break a lock older than d, left behind by a
// runner that died without releasing it. Zero never breaks locks.
func (l *TableLocker) WithStaleAfter(d time.Duration) *TableLocker {
	l.staleAfter = d
	return l
}

// Acquire takes the lock or fails with ErrLockTimeout. Contention on the
// database itself (another runner mid-transaction) counts as the lock being
// held, so the wait stays bounded.
func (l *TableLocker) Acquire(ctx context.Context) (Unlock, error) {
	if err := ValidateTableName(l.table); err != nil {
		return nil, err
	}
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
			owner TEXT NOT NULL,
			acquired_on BIGINT NOT NULL
		)
	`, l.table)

	owner := uuid.NewString()
	insertSQL := l.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, owner, acquired_on) VALUES (1, ?, ?) ON CONFLICT (id) DO NOTHING`, l.table))
	staleSQL := l.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = 1 AND acquired_on < ?`, l.table))

	created := false
	err := pollLock(ctx, l.wait, func(ctx context.Context) (bool, error) {
		ok, err := l.attempt(ctx, func(exec Execer) (bool, error) {
			if !created {
				if _, err := exec.ExecContext(ctx, createSQL); err != nil {
					return false, fmt.Errorf("create %s table: %w", l.table, err)
				}
				created = true
			}
			if l.staleAfter > 0 {
				cutoff := l.now().Add(-l.staleAfter).UnixNano()
				if _, err := exec.ExecContext(ctx, staleSQL, cutoff); err != nil {
					return false, fmt.Errorf("break stale lock: %w", err)
				}
			}
			result, err := exec.ExecContext(ctx, insertSQL, owner, l.now().UnixNano())
			if err != nil {
				return false, fmt.Errorf("insert lock row: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return false, fmt.Errorf("insert lock row: %w", err)
			}
			return n == 1, nil
		})
		if err != nil && l.dialect.IsBusy(err) {
			return false, nil
		}
		return ok, err
	})
	if err != nil {
		return nil, err
	}

	releaseSQL := l.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = 1 AND owner = ?`, l.table))
	return func(ctx context.Context) error {
		if _, err := l.db.ExecContext(ctx, releaseSQL, owner); err != nil {
			return fmt.Errorf("release %s: %w", l.table, err)
		}
		return nil
	}, nil
}

// attempt runs fn on a connection reserved for one lock attempt. When the
// dialect supports it, the connection's busy wait is capped by the attempt's
// deadline for the duration of fn.
func (l *TableLocker) attempt(ctx context.Context, fn func(Execer) (bool, error)) (bool, error) {
	limiter, limited := l.dialect.(busyWaitLimiter)
	if !limited {
		return fn(l.db)
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve lock connection: %w", err)
	}
	defer conn.Close()

	limit := maxAttemptBusyWait
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		limit = min(limit, time.Until(deadline))
	} else if l.wait <= 0 {
		limit = 0
	}
	restore, err := limiter.LimitBusyWait(ctx, conn, max(limit, 0))
	if err != nil {
		return false, err
	}
	defer func() {
		if err := restore(context.WithoutCancel(ctx)); err != nil {
			// A connection with the wrong busy wait must not go back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()
	return fn(conn)
}

// AdvisoryLocker uses a Postgres session-level advisory lock held on a
// dedicated connection for the whole run.
type AdvisoryLocker struct {
	db   DB
	key  int64
	wait time.Duration
}

// NewAdvisoryLocker creates a locker keyed on the tracking table name.
func NewAdvisoryLocker(db DB, table string, wait time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: AdvisoryLockKey(table), wait: wait}
}

// AdvisoryLockKey derives the advisory lock key for a tracking table.
func AdvisoryLockKey(table string) int64 {
	h := fnv.New64a()
	h.Write([]byte("schema-migrator:" + table))
	return int64(h.Sum64())
}

// Acquire takes the advisory lock or fails with ErrLockTimeout.
func (l *AdvisoryLocker) Acquire(ctx context.Context) (Unlock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}

	err = pollLock(ctx, l.wait, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
			return false, fmt.Errorf("try advisory lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}, nil
}
