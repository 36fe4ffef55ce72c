package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
)

// PruneDb removes scheduler_log_messages and terminal scheduler_task_run rows older than
// keepAfter, plus the refusal ledger for every task that has since reached a terminal
// state. Deletes happen in batches across separate transactions so a failure partway
// through still leaves whatever was already deleted gone; the run is safe to retry.
func PruneDb(ctx context.Context, db *pgxpool.Pool, refusalRepo RefusalRepository, batchSize int, keepAfter time.Duration, clock clock.Clock) error {
	start := time.Now()
	cutoff := clock.Now().Add(-keepAfter)

	deletedLogs, err := pruneBatched(ctx, db, batchSize, `
		DELETE FROM scheduler_log_messages WHERE id IN (
			SELECT id FROM scheduler_log_messages WHERE ts < $1 LIMIT $2
		)`, cutoff)
	if err != nil {
		return errors.Wrap(err, "error pruning scheduler_log_messages")
	}

	deletedRuns, err := pruneBatched(ctx, db, batchSize, `
		DELETE FROM scheduler_task_run WHERE id IN (
			SELECT id FROM scheduler_task_run
			WHERE state IN ($3, $4, $5) AND end_ts < $1 LIMIT $2
		)`, cutoff, RunStateDone, RunStateFail, RunStateOverride)
	if err != nil {
		return errors.Wrap(err, "error pruning scheduler_task_run")
	}

	purgedRefusals, err := pruneTerminalRefusals(ctx, db, refusalRepo, batchSize)
	if err != nil {
		return errors.Wrap(err, "error purging refusals for terminal tasks")
	}

	log.Infof("pruned %d log messages, %d terminal task runs and refusals for %d terminal tasks in %s",
		deletedLogs, deletedRuns, purgedRefusals, time.Since(start))
	return nil
}

// pruneTerminalRefusals purges the refusal ledger for every task that has reached a
// terminal state, the "keep until terminal" expiry policy RefusalRepository.PurgeForTask
// documents. It runs as part of the prune sweep rather than from the scheduling tick,
// since a task's terminal transition (closeTask et al) happens outside the scheduler core
// and PruneDb's periodic pass is the only place this codebase observes it.
func pruneTerminalRefusals(ctx context.Context, db *pgxpool.Pool, refusalRepo RefusalRepository, batchSize int) (int, error) {
	total := 0
	for {
		taskIds, err := terminalTaskIdsWithRefusals(ctx, db, batchSize)
		if err != nil {
			return total, err
		}
		for _, taskId := range taskIds {
			if err := refusalRepo.PurgeForTask(ctx, taskId); err != nil {
				return total, err
			}
			total++
		}
		if len(taskIds) < batchSize {
			return total, nil
		}
	}
}

func terminalTaskIdsWithRefusals(ctx context.Context, db *pgxpool.Pool, batchSize int) ([]int64, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT t.id FROM task t
		JOIN scheduler_task_refusal r ON r.task_id = t.id
		WHERE t.state IN ($1, $2, $3) LIMIT $4`,
		TaskStateClosed, TaskStateCanceled, TaskStateFailed, batchSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.WithStack(rows.Err())
}

func pruneBatched(ctx context.Context, db *pgxpool.Pool, batchSize int, sql string, cutoff time.Time, extra ...any) (int, error) {
	total := 0
	for {
		var n int
		err := BeginTx(ctx, db, func(tx pgx.Tx) error {
			args := append([]any{cutoff, batchSize}, extra...)
			tag, err := tx.Exec(ctx, sql, args...)
			if err != nil {
				return err
			}
			n = int(tag.RowsAffected())
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}
