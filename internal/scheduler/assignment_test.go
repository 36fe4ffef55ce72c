package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
	"github.com/koji-project/koji-scheduler/internal/scheduler/schedulererrors"
)

func TestAssignmentEngine_Assign(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, _, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)

		run, err := engine.Assign(ctx, taskId, hostId, false, false)
		require.NoError(t, err)
		assert.Equal(t, taskId, run.TaskId)
		assert.Equal(t, hostId, run.HostId)
		assert.Equal(t, database.RunStateAssigned, run.State)
		assert.Equal(t, database.TaskStateAssigned, taskState(t, pool, taskId))

		var loggedHostId int64
		err = pool.QueryRow(ctx, `SELECT host_id FROM scheduler_log_messages WHERE task_id = $1`, taskId).Scan(&loggedHostId)
		require.NoError(t, err)
		assert.Equal(t, hostId, loggedHostId)
		return nil
	})
	require.NoError(t, err)
}

func TestAssignmentEngine_Assign_AlreadyAssigned(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, _, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateOpen)

		_, err := engine.Assign(ctx, taskId, hostId, false, false)
		require.Error(t, err)
		var target *schedulererrors.ErrTaskAlreadyAssigned
		assert.ErrorAs(t, err, &target)
		return nil
	})
	require.NoError(t, err)
}

func TestAssignmentEngine_Assign_ActiveRunAlreadyExists(t *testing.T) {
	// A task can be left in FREE with a stray active run only through a bug, but Assign
	// must refuse to double-assign even then, since the active-run check is the real
	// invariant, not the task.state column.
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, _, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostA := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		hostB := insertHost(t, pool, "builder2", []int64{1}, "x86_64", 2, 0, true, nil)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)
		insertRun(t, pool, taskId, hostA, database.RunStateAssigned, time.Now())

		_, err := engine.Assign(ctx, taskId, hostB, false, false)
		require.Error(t, err)
		var target *schedulererrors.ErrTaskAlreadyAssigned
		assert.ErrorAs(t, err, &target)
		return nil
	})
	require.NoError(t, err)
}

func TestAssignmentEngine_Assign_TaskNotFound(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, _, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		_, err := engine.Assign(ctx, 999999, hostId, false, false)
		require.Error(t, err)
		var target *schedulererrors.ErrTaskAlreadyAssigned
		assert.ErrorAs(t, err, &target)
		return nil
	})
	require.NoError(t, err)
}

// TestAssignmentEngine_Assign_Override exercises the override path §4.D requires:
// reassigning a task that already has an active ASSIGNED run marks the prior run
// OVERRIDE instead of failing, and creates a fresh ASSIGNED run on the new host.
func TestAssignmentEngine_Assign_Override(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, taskRunRepo, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostA := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		hostB := insertHost(t, pool, "builder2", []int64{1}, "x86_64", 2, 0, true, nil)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)

		firstRun, err := engine.Assign(ctx, taskId, hostA, false, false)
		require.NoError(t, err)

		secondRun, err := engine.Assign(ctx, taskId, hostB, true, true)
		require.NoError(t, err)
		assert.Equal(t, hostB, secondRun.HostId)
		assert.NotEqual(t, firstRun.Id, secondRun.Id)
		assert.Equal(t, database.TaskStateAssigned, taskState(t, pool, taskId))

		runs, err := taskRunRepo.GetTaskRuns(ctx, taskId)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		for _, run := range runs {
			if run.Id == firstRun.Id {
				assert.Equal(t, database.RunStateOverride, run.State)
			} else {
				assert.Equal(t, database.RunStateAssigned, run.State)
			}
		}

		// H1's run was overridden, so it no longer holds the active run: its openTask call
		// must fail WrongHost rather than transition anything.
		err = taskRunRepo.OpenTask(ctx, taskId, hostA)
		require.Error(t, err)
		var wrongHost *schedulererrors.ErrWrongHost
		assert.ErrorAs(t, err, &wrongHost)
		return nil
	})
	require.NoError(t, err)
}

// TestAssignmentEngine_Assign_OverrideRefusedWithoutFlag confirms the plain
// ErrTaskAlreadyAssigned path still applies when override is false, even for a caller
// that passes force=true - force alone never licenses reassigning an active run.
func TestAssignmentEngine_Assign_OverrideRefusedWithoutFlag(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		_, _, _, _, _, logRepo := newTestRepos(pool)
		engine := NewAssignmentEngine(pool, logRepo)

		hostA := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, nil)
		hostB := insertHost(t, pool, "builder2", []int64{1}, "x86_64", 2, 0, true, nil)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)

		_, err := engine.Assign(ctx, taskId, hostA, false, false)
		require.NoError(t, err)

		_, err = engine.Assign(ctx, taskId, hostB, true, false)
		require.Error(t, err)
		var target *schedulererrors.ErrTaskAlreadyAssigned
		assert.ErrorAs(t, err, &target)
		return nil
	})
	require.NoError(t, err)
}
