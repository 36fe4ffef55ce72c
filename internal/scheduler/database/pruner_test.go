package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"
)

func insertPrunerTask(t *testing.T, pool *pgxpool.Pool, state string) int64 {
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO task (method, channel_id, arch, owner, state)
		VALUES ('build', 1, 'x86_64', 1, $1) RETURNING id`, state).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertPrunerHost(t *testing.T, pool *pgxpool.Pool) int64 {
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO host (user_id, name, arches, channels) VALUES (1, 'builder1', 'x86_64', '{1}')
		RETURNING id`).Scan(&id)
	require.NoError(t, err)
	return id
}

// TestPruneDb_PurgesRefusalsForTerminalTasks exercises the sweep that wires
// RefusalRepository.PurgeForTask in: a refusal attached to a CLOSED task is purged, while
// one attached to a still-FREE task survives.
func TestPruneDb_PurgesRefusalsForTerminalTasks(t *testing.T) {
	err := WithTestDb(func(pool *pgxpool.Pool) error {
		ctx := context.Background()
		refusalRepo := NewPostgresRefusalRepository(pool)

		hostId := insertPrunerHost(t, pool)
		closedTaskId := insertPrunerTask(t, pool, TaskStateClosed)
		freeTaskId := insertPrunerTask(t, pool, TaskStateFree)

		require.NoError(t, refusalRepo.SetRefusal(ctx, Refusal{HostId: hostId, TaskId: closedTaskId, Soft: true, Message: "disk full"}))
		require.NoError(t, refusalRepo.SetRefusal(ctx, Refusal{HostId: hostId, TaskId: freeTaskId, Soft: true, Message: "disk full"}))

		require.NoError(t, PruneDb(ctx, pool, refusalRepo, 100, 0, clock.RealClock{}))

		closedRefusals, err := refusalRepo.GetTaskRefusals(ctx, closedTaskId)
		require.NoError(t, err)
		assert.Empty(t, closedRefusals, "refusals for a terminal task must be purged")

		freeRefusals, err := refusalRepo.GetTaskRefusals(ctx, freeTaskId)
		require.NoError(t, err)
		assert.Len(t, freeRefusals, 1, "refusals for a still-active task must survive the sweep")
		return nil
	})
	require.NoError(t, err)
}
