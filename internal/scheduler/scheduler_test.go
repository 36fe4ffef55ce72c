package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

func newTestScheduler(pool *pgxpool.Pool, clk clock.Clock) *Scheduler {
	hostRepo, taskRepo, _, refusalRepo, _, logRepo := newTestRepos(pool)
	metrics := NewMetricsCollector(hostRepo, taskRepo, time.Minute)
	registry := NewHostRegistry(hostRepo, clk, 3*time.Minute, 15*time.Minute)
	taskPool, err := NewTaskPool(taskRepo, clk, 5*time.Minute, 15*time.Minute, metrics)
	if err != nil {
		panic(err)
	}
	ledger := NewRefusalLedger(refusalRepo, 15*time.Minute)
	assigner := NewAssignmentEngine(pool, logRepo)
	return NewScheduler(pool, registry, taskPool, ledger, assigner, logRepo, clk,
		15, 0, time.Minute, nil, metrics)
}

// TestScheduler_DoTick_BestFitByLoadRatio drives S2: two hosts with equal capacity but
// different current load compete for the same free task, and do_schedule must assign it
// to the host with the lower projected load ratio.
func TestScheduler_DoTick_BestFitByLoadRatio(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		now := time.Now()
		clk := clock.NewFakeClock(now)
		sched := newTestScheduler(pool, clk)

		insertHost(t, pool, "busy", []int64{1}, "x86_64", 10, 8, true, &now)
		idleHost := insertHost(t, pool, "idle", []int64{1}, "x86_64", 10, 1, true, &now)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)

		ran, err := sched.DoTick(ctx, true)
		require.NoError(t, err)
		assert.True(t, ran)

		assert.Equal(t, database.TaskStateAssigned, taskState(t, pool, taskId))
		var assignedHostId int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT host_id FROM task WHERE id = $1`, taskId).Scan(&assignedHostId))
		assert.Equal(t, idleHost, assignedHostId, "the lower projected-load-ratio host must win the task")
		return nil
	})
	require.NoError(t, err)
}

// TestScheduler_DoTick_SkipsHostWithActiveRefusal covers invariant 4: a host with an
// active refusal for a task must not receive it in a tick, even though it would otherwise
// be the best-fit candidate.
func TestScheduler_DoTick_SkipsHostWithActiveRefusal(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		now := time.Now()
		clk := clock.NewFakeClock(now)
		sched := newTestScheduler(pool, clk)

		idleHost := insertHost(t, pool, "idle", []int64{1}, "x86_64", 10, 0, true, &now)
		otherHost := insertHost(t, pool, "other", []int64{1}, "x86_64", 10, 5, true, &now)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateFree)
		require.NoError(t, sched.ledger.RecordRefusal(ctx, idleHost, taskId, true, "disk full"))

		ran, err := sched.DoTick(ctx, true)
		require.NoError(t, err)
		assert.True(t, ran)

		var assignedHostId int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT host_id FROM task WHERE id = $1`, taskId).Scan(&assignedHostId))
		assert.Equal(t, otherHost, assignedHostId, "a host with an active refusal for this task must be skipped")
		return nil
	})
	require.NoError(t, err)
}
