package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// TaskRepository is the durable-store side of the Task Pool (component B). check_active_tasks
// cross-references ActiveRuns against the Host Registry's already-loaded snapshot rather than
// joining task/host here, since the scheduler needs that snapshot in memory regardless.
type TaskRepository interface {
	// FreeTasks returns every FREE task with no active TaskRun, ordered by
	// (priority, create_ts, id) - the authoritative scheduling order.
	FreeTasks(ctx context.Context) ([]Task, error)
	// ActiveRuns returns every TaskRun in state ASSIGNED or RUNNING, for
	// check_active_tasks to inspect against assign_timeout/host_timeout.
	ActiveRuns(ctx context.Context) ([]TaskRun, error)
	// ReturnToFree overrides the given run and puts its task back into FREE, used by both
	// the assign-timeout and dead-host recovery paths. Records a soft refusal with the
	// given reason when reason is non-empty.
	ReturnToFree(ctx context.Context, runId int64, taskId int64, hostId int64, refusalReason string) error
	// GetAssignedTasksForHost returns the host's ASSIGNED tasks. q lets getTasksForHost run
	// this in the same transaction as the host's heartbeat touch.
	GetAssignedTasksForHost(ctx context.Context, q Querier, hostId int64) ([]Task, error)
}

type PostgresTaskRepository struct {
	db *pgxpool.Pool
}

func NewPostgresTaskRepository(db *pgxpool.Pool) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

func (r *PostgresTaskRepository) FreeTasks(ctx context.Context) ([]Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.id, t.method, t.channel_id, t.arch, t.weight, t.priority, t.state,
		       t.owner, t.parent, t.host_id, t.create_ts
		FROM task t
		WHERE t.state = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM scheduler_task_run r
		      WHERE r.task_id = t.id AND r.state IN ($2, $3)
		  )
		ORDER BY t.priority ASC, t.create_ts ASC, t.id ASC`,
		TaskStateFree, RunStateAssigned, RunStateRunning)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.Id, &t.Method, &t.ChannelId, &t.Arch, &t.Weight, &t.Priority,
			&t.State, &t.Owner, &t.Parent, &t.HostId, &t.CreateTs); err != nil {
			return nil, errors.WithStack(err)
		}
		tasks = append(tasks, t)
	}
	return tasks, errors.WithStack(rows.Err())
}

func (r *PostgresTaskRepository) ActiveRuns(ctx context.Context) ([]TaskRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts
		FROM scheduler_task_run
		WHERE state IN ($1, $2)`, RunStateAssigned, RunStateRunning)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var run TaskRun
		if err := rows.Scan(&run.Id, &run.TaskId, &run.HostId, &run.State, &run.CreateTs,
			&run.StartTs, &run.EndTs); err != nil {
			return nil, errors.WithStack(err)
		}
		runs = append(runs, run)
	}
	return runs, errors.WithStack(rows.Err())
}

func (r *PostgresTaskRepository) GetAssignedTasksForHost(ctx context.Context, q Querier, hostId int64) ([]Task, error) {
	if q == nil {
		q = r.db
	}
	rows, err := q.Query(ctx, `
		SELECT id, method, channel_id, arch, weight, priority, state, owner, parent, host_id, create_ts
		FROM task WHERE host_id = $1 AND state = $2
		ORDER BY priority ASC, create_ts ASC, id ASC`, hostId, TaskStateAssigned)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.Id, &t.Method, &t.ChannelId, &t.Arch, &t.Weight, &t.Priority,
			&t.State, &t.Owner, &t.Parent, &t.HostId, &t.CreateTs); err != nil {
			return nil, errors.WithStack(err)
		}
		tasks = append(tasks, t)
	}
	return tasks, errors.WithStack(rows.Err())
}

func (r *PostgresTaskRepository) ReturnToFree(ctx context.Context, runId int64, taskId int64, hostId int64, refusalReason string) error {
	return errors.WithStack(pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE scheduler_task_run SET state = $1, end_ts = now() WHERE id = $2`,
			RunStateOverride, runId); err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task SET state = $1, host_id = NULL WHERE id = $2`,
			TaskStateFree, taskId); err != nil {
			return errors.WithStack(err)
		}
		if refusalReason != "" {
			if err := upsertRefusal(ctx, tx, Refusal{
				HostId:  hostId,
				TaskId:  taskId,
				Soft:    true,
				ByHost:  false,
				Message: refusalReason,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}
