package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/koji-project/koji-scheduler/internal/scheduler/schedulererrors"
)

// TaskRunRepository backs the read-only getTaskRuns operator view and the openTask RPC's
// ASSIGNED->OPEN transition.
type TaskRunRepository interface {
	GetTaskRuns(ctx context.Context, taskId int64) ([]TaskRun, error)
	// ActiveRunForTask returns the task's current active run (ASSIGNED or RUNNING), if any.
	ActiveRunForTask(ctx context.Context, taskId int64) (TaskRun, bool, error)
	// OpenTask moves callerHostId's ASSIGNED run to RUNNING and the task to OPEN; if the
	// task's active run belongs to another host it returns schedulererrors.ErrWrongHost.
	OpenTask(ctx context.Context, taskId int64, callerHostId int64) error
}

type PostgresTaskRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresTaskRunRepository(db *pgxpool.Pool) *PostgresTaskRunRepository {
	return &PostgresTaskRunRepository{db: db}
}

func (r *PostgresTaskRunRepository) GetTaskRuns(ctx context.Context, taskId int64) ([]TaskRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts
		FROM scheduler_task_run WHERE task_id = $1 ORDER BY create_ts ASC`, taskId)
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

func (r *PostgresTaskRunRepository) ActiveRunForTask(ctx context.Context, taskId int64) (TaskRun, bool, error) {
	var run TaskRun
	err := r.db.QueryRow(ctx, `
		SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts
		FROM scheduler_task_run
		WHERE task_id = $1 AND state IN ($2, $3)
		ORDER BY create_ts DESC LIMIT 1`, taskId, RunStateAssigned, RunStateRunning).Scan(
		&run.Id, &run.TaskId, &run.HostId, &run.State, &run.CreateTs, &run.StartTs, &run.EndTs)
	if err != nil {
		if isNoRows(err) {
			return TaskRun{}, false, nil
		}
		return TaskRun{}, false, errors.WithStack(err)
	}
	return run, true, nil
}

// OpenTask transitions an ASSIGNED run to RUNNING. If the run belongs to a different host,
// the caller receives schedulererrors.ErrWrongHost rather than a generic "not found" error,
// since openTask's contract distinguishes the two.
func (r *PostgresTaskRunRepository) OpenTask(ctx context.Context, taskId int64, callerHostId int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduler_task_run SET state = $1, start_ts = now()
		WHERE task_id = $2 AND host_id = $3 AND state = $4`,
		RunStateRunning, taskId, callerHostId, RunStateAssigned)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		run, found, err := r.ActiveRunForTask(ctx, taskId)
		if err != nil {
			return err
		}
		if found && run.HostId != callerHostId {
			return &schedulererrors.ErrWrongHost{TaskId: taskId, CallerHostId: callerHostId, AssignedHostId: run.HostId}
		}
		return errors.Errorf("no ASSIGNED run for task %d held by host %d", taskId, callerHostId)
	}
	_, err = r.db.Exec(ctx, `UPDATE task SET state = $1 WHERE id = $2`, TaskStateOpen, taskId)
	return errors.WithStack(err)
}
