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

func TestHostRegistry_CandidatesForBin(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		hostRepo, _, _, _, _, _ := newTestRepos(pool)
		clk := clock.NewFakeClock(time.Now())
		registry := NewHostRegistry(hostRepo, clk, 3*time.Minute, 15*time.Minute)

		now := time.Now()
		x86Host := insertHost(t, pool, "builder-x86", []int64{1}, "x86_64 noarch", 2, 0, true, &now)
		armHost := insertHost(t, pool, "builder-arm", []int64{1}, "aarch64", 2, 0, true, &now)
		otherChannel := insertHost(t, pool, "builder-other-channel", []int64{2}, "x86_64", 2, 0, true, &now)

		require.NoError(t, registry.Refresh(ctx))

		x86Candidates := registry.CandidatesForBin(binKey(1, "x86_64"))
		var ids []int64
		for _, h := range x86Candidates {
			ids = append(ids, h.Host.Id)
		}
		assert.Contains(t, ids, x86Host)
		assert.NotContains(t, ids, armHost)
		assert.NotContains(t, ids, otherChannel)

		noarchCandidates := registry.CandidatesForBin(binKey(1, database.NoArch))
		var noarchIds []int64
		for _, h := range noarchCandidates {
			noarchIds = append(noarchIds, h.Host.Id)
		}
		assert.Contains(t, noarchIds, x86Host, "a host declaring noarch support belongs in the channel's noarch bin")
		return nil
	})
	require.NoError(t, err)
}

func TestHostRegistry_IsEligible_ReadyTimeoutShorterThanHostTimeout(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		hostRepo, _, _, _, _, _ := newTestRepos(pool)
		clk := clock.NewFakeClock(time.Now())
		readyTimeout := 3 * time.Minute
		hostTimeout := 15 * time.Minute
		registry := NewHostRegistry(hostRepo, clk, readyTimeout, hostTimeout)

		// Stale past readyTimeout but well within hostTimeout: not eligible for new work,
		// but not yet evicted either.
		stale := time.Now().Add(-5 * time.Minute)
		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, &stale)

		require.NoError(t, registry.Refresh(ctx))

		candidates := registry.CandidatesForBin(binKey(1, "x86_64"))
		assert.Empty(t, candidates, "a host past readyTimeout must not be offered new work")
		assert.NotNil(t, registry.ById(hostId), "a host past readyTimeout but within hostTimeout is still known to the registry")
		return nil
	})
	require.NoError(t, err)
}

func TestHostRegistry_CheckHosts_EvictsDeadHost(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		hostRepo, taskRepo, _, _, _, logRepo := newTestRepos(pool)
		clk := clock.NewFakeClock(time.Now())
		registry := NewHostRegistry(hostRepo, clk, 3*time.Minute, 15*time.Minute)

		dead := time.Now().Add(-1 * time.Hour)
		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, &dead)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateAssigned)
		runId := insertRun(t, pool, taskId, hostId, database.RunStateRunning, dead)

		require.NoError(t, registry.Refresh(ctx))

		freed, err := registry.CheckHosts(ctx, taskRepo, logRepo)
		require.NoError(t, err)
		assert.Equal(t, []int64{taskId}, freed)
		assert.Equal(t, database.TaskStateFree, taskState(t, pool, taskId))
		assert.Equal(t, database.RunStateOverride, runState(t, pool, runId))

		var refusalCount int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM scheduler_task_refusal WHERE task_id = $1`, taskId).Scan(&refusalCount))
		assert.Equal(t, 0, refusalCount, "a dead-host eviction is not the task's fault and must not leave a refusal")

		var logCount int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM scheduler_log_messages WHERE task_id = $1 AND host_id = $2`,
			taskId, hostId).Scan(&logCount))
		assert.Equal(t, 1, logCount)
		return nil
	})
	require.NoError(t, err)
}

func TestHostRegistry_CheckHosts_LeavesFreshHostAlone(t *testing.T) {
	err := database.WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		hostRepo, taskRepo, _, _, _, logRepo := newTestRepos(pool)
		clk := clock.NewFakeClock(time.Now())
		registry := NewHostRegistry(hostRepo, clk, 3*time.Minute, 15*time.Minute)

		now := time.Now()
		hostId := insertHost(t, pool, "builder1", []int64{1}, "x86_64", 2, 0, true, &now)
		taskId := insertTask(t, pool, "build", 1, "x86_64", 1.0, 5, database.TaskStateAssigned)
		insertRun(t, pool, taskId, hostId, database.RunStateRunning, now)

		require.NoError(t, registry.Refresh(ctx))

		freed, err := registry.CheckHosts(ctx, taskRepo, logRepo)
		require.NoError(t, err)
		assert.Empty(t, freed)
		return nil
	})
	require.NoError(t, err)
}
