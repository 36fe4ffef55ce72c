package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// insertHost inserts a host row for tests and returns its id. Tests that don't care about
// a field pass the package zero value.
func insertHost(t *testing.T, pool *pgxpool.Pool, name string, channels []int64, arches string,
	capacity, taskLoad float64, ready bool, lastUpdate *time.Time,
) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO host (user_id, name, arches, channels, capacity, task_load, ready, enabled, last_update)
		VALUES (1, $1, $2, $3, $4, $5, $6, true, $7)
		RETURNING id`, name, arches, channels, capacity, taskLoad, ready, lastUpdate).Scan(&id)
	require.NoError(t, err)
	return id
}

// insertTask inserts a task row for tests and returns its id.
func insertTask(t *testing.T, pool *pgxpool.Pool, method string, channelId int64, arch string,
	weight float64, priority int, state string,
) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO task (method, channel_id, arch, weight, priority, state, owner)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING id`, method, channelId, arch, weight, priority, state).Scan(&id)
	require.NoError(t, err)
	return id
}

// insertRun inserts a scheduler_task_run row for tests and returns its id. createTs lets a
// test backdate the run so assign_timeout logic has something to trip on.
func insertRun(t *testing.T, pool *pgxpool.Pool, taskId, hostId int64, state string, createTs time.Time) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO scheduler_task_run (task_id, host_id, state, create_ts)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, taskId, hostId, state, createTs).Scan(&id)
	require.NoError(t, err)
	return id
}

func taskState(t *testing.T, pool *pgxpool.Pool, taskId int64) string {
	t.Helper()
	var state string
	err := pool.QueryRow(context.Background(), `SELECT state FROM task WHERE id = $1`, taskId).Scan(&state)
	require.NoError(t, err)
	return state
}

func runState(t *testing.T, pool *pgxpool.Pool, runId int64) string {
	t.Helper()
	var state string
	err := pool.QueryRow(context.Background(), `SELECT state FROM scheduler_task_run WHERE id = $1`, runId).Scan(&state)
	require.NoError(t, err)
	return state
}

func newTestRepos(pool *pgxpool.Pool) (
	database.HostRepository, database.TaskRepository, database.TaskRunRepository,
	database.RefusalRepository, database.HostDataRepository, database.LogRepository,
) {
	return database.NewPostgresHostRepository(pool),
		database.NewPostgresTaskRepository(pool),
		database.NewPostgresTaskRunRepository(pool),
		database.NewPostgresRefusalRepository(pool),
		database.NewPostgresHostDataRepository(pool),
		database.NewPostgresLogRepository(pool)
}
