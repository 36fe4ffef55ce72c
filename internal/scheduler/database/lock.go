package database

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// SchedulerLockName is the advisory lock name the scheduler loop uses to guarantee
// single-writer scheduling across any number of hub processes.
const SchedulerLockName = "scheduler"

// AdvisoryLock is a session-level Postgres advisory lock held on a single dedicated
// connection for the duration of one tick. It deliberately does not use
// pg_advisory_xact_lock: a tick commits several independent per-task transactions (the
// Assignment Engine's assign() is its own transaction per task), and a transaction-scoped
// lock would release after the first of them, well before the tick is done.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
	key  int64
}

func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: lockKey(name)}
}

// TryAcquire attempts to take the lock on a freshly checked-out connection. It returns
// false, nil when another process holds the lock - the caller should skip this tick.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		conn.Release()
		return false, errors.WithStack(err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the lock and returns the held connection to the pool. Safe to call
// even if TryAcquire never succeeded.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Conn exposes the connection that holds the lock, or nil when it is not held. The
// scheduler's per-task transactions do not run on it: BeginTx takes its own pooled connection.
func (l *AdvisoryLock) Conn() *pgxpool.Conn {
	return l.conn
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// BeginTx is a small convenience wrapper used by the Assignment Engine, getTasksForHost and
// the prune batches: each runs in its own read-committed transaction against the pool, independent of
// whatever connection currently holds the advisory lock.
func BeginTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	return errors.WithStack(pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, fn))
}
