package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
	"github.com/koji-project/koji-scheduler/internal/scheduler/schedulererrors"
)

// AssignmentEngine implements component D: the single transactional operation that moves a
// task from FREE to ASSIGNED on a host. Every assignment, whether from do_schedule's own
// ranking loop or a forced reassignment, goes through here so the FREE-state check, the
// TaskRun insert and the task update are always atomic.
type AssignmentEngine struct {
	pool    *pgxpool.Pool
	logRepo database.LogRepository
}

func NewAssignmentEngine(pool *pgxpool.Pool, logRepo database.LogRepository) *AssignmentEngine {
	return &AssignmentEngine{pool: pool, logRepo: logRepo}
}

// Assign re-reads the task row under FOR UPDATE and, if it is still FREE with no active
// run, inserts a TaskRun in state ASSIGNED and moves the task to ASSIGNED on hostId.
//
// If the task is not FREE, or an active run already exists, the outcome depends on
// override: false fails with schedulererrors.ErrTaskAlreadyAssigned and changes nothing
// (the normal do_schedule path, where a lost race must leave the row alone); true marks
// every existing active run OVERRIDE and proceeds to create the new one regardless. force
// carries no extra logic here - it documents that the caller (the administrative
// assignTask RPC) has already bypassed do_schedule's host-eligibility and refusal checks
// by calling straight into the engine instead of going through pickHost - but it is
// recorded in the log entry so an operator-forced assignment reads differently from a
// normal one.
func (e *AssignmentEngine) Assign(ctx context.Context, taskId int64, hostId int64, force bool, override bool) (database.TaskRun, error) {
	var run database.TaskRun
	err := database.BeginTx(ctx, e.pool, func(tx pgx.Tx) error {
		var state string
		var currentHostId *int64
		err := tx.QueryRow(ctx, `SELECT state, host_id FROM task WHERE id = $1 FOR UPDATE`, taskId).
			Scan(&state, &currentHostId)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &schedulererrors.ErrTaskAlreadyAssigned{TaskId: taskId}
			}
			return errors.WithStack(err)
		}
		if state != database.TaskStateFree && !override {
			return &schedulererrors.ErrTaskAlreadyAssigned{TaskId: taskId}
		}

		activeRunIds, err := activeRunIdsForTask(ctx, tx, taskId)
		if err != nil {
			return err
		}
		if len(activeRunIds) > 0 {
			if !override {
				return &schedulererrors.ErrTaskAlreadyAssigned{TaskId: taskId}
			}
			for _, activeRunId := range activeRunIds {
				if _, err := tx.Exec(ctx,
					`UPDATE scheduler_task_run SET state = $1, end_ts = now() WHERE id = $2`,
					database.RunStateOverride, activeRunId); err != nil {
					return errors.WithStack(err)
				}
			}
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO scheduler_task_run (task_id, host_id, state, create_ts)
			VALUES ($1, $2, $3, now())
			RETURNING id, create_ts`,
			taskId, hostId, database.RunStateAssigned).Scan(&run.Id, &run.CreateTs); err != nil {
			return errors.WithStack(err)
		}
		run.TaskId = taskId
		run.HostId = hostId
		run.State = database.RunStateAssigned

		if _, err := tx.Exec(ctx,
			`UPDATE task SET state = $1, host_id = $2 WHERE id = $3`,
			database.TaskStateAssigned, hostId, taskId); err != nil {
			return errors.WithStack(err)
		}

		message := "task assigned"
		switch {
		case len(activeRunIds) > 0:
			message = "task forcibly reassigned, prior run overridden"
		case force:
			message = "task forcibly assigned"
		}
		return e.logRepo.Log(ctx, tx, &taskId, &hostId, "", message)
	})
	if err != nil {
		return database.TaskRun{}, err
	}
	return run, nil
}

// activeRunIdsForTask returns the ids of taskId's ASSIGNED or RUNNING runs, the ones
// Assign must mark OVERRIDE before creating a replacement.
func activeRunIdsForTask(ctx context.Context, tx pgx.Tx, taskId int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM scheduler_task_run
		WHERE task_id = $1 AND state IN ($2, $3)`,
		taskId, database.RunStateAssigned, database.RunStateRunning)
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
