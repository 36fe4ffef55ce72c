package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// RefusalRepository is the durable-store side of the Refusal Ledger (component E).
type RefusalRepository interface {
	// SetRefusal inserts or replaces the (host, task) refusal row.
	SetRefusal(ctx context.Context, r Refusal) error
	// ActiveRefusalHostIds returns the host ids with an active refusal for taskId, where
	// active means hard OR (now - ts < softRefusalTimeoutSeconds).
	ActiveRefusalHostIds(ctx context.Context, taskId int64, softRefusalTimeoutSeconds float64) ([]int64, error)
	// GetTaskRefusals returns every refusal row for taskId, for the getTaskRefusals RPC.
	GetTaskRefusals(ctx context.Context, taskId int64) ([]Refusal, error)
	// PurgeForTask deletes every refusal for taskId; called when the task reaches a
	// terminal state, per the conservative "keep until terminal" expiry policy.
	PurgeForTask(ctx context.Context, taskId int64) error
}

type PostgresRefusalRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRefusalRepository(db *pgxpool.Pool) *PostgresRefusalRepository {
	return &PostgresRefusalRepository{db: db}
}

func (r *PostgresRefusalRepository) SetRefusal(ctx context.Context, refusal Refusal) error {
	return upsertRefusal(ctx, r.db, refusal)
}

// upsertRefusal is shared by the RPC-initiated path (SetRefusal) and the scheduler's own
// synthetic "assign timeout" refusals recorded from inside a transaction.
func upsertRefusal(ctx context.Context, q Querier, refusal Refusal) error {
	_, err := q.Exec(ctx, `
		INSERT INTO scheduler_task_refusal (host_id, task_id, soft, by_host, msg, ts)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (host_id, task_id) DO UPDATE SET
			soft = excluded.soft, by_host = excluded.by_host, msg = excluded.msg, ts = excluded.ts`,
		refusal.HostId, refusal.TaskId, refusal.Soft, refusal.ByHost, refusal.Message)
	return errors.WithStack(err)
}

func (r *PostgresRefusalRepository) ActiveRefusalHostIds(ctx context.Context, taskId int64, softRefusalTimeoutSeconds float64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT host_id FROM scheduler_task_refusal
		WHERE task_id = $1
		  AND (soft = false OR now() - ts < ($2 * interval '1 second'))`,
		taskId, softRefusalTimeoutSeconds)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var hostIds []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		hostIds = append(hostIds, id)
	}
	return hostIds, errors.WithStack(rows.Err())
}

func (r *PostgresRefusalRepository) GetTaskRefusals(ctx context.Context, taskId int64) ([]Refusal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT host_id, task_id, soft, by_host, msg, ts
		FROM scheduler_task_refusal WHERE task_id = $1`, taskId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var refusals []Refusal
	for rows.Next() {
		var ref Refusal
		if err := rows.Scan(&ref.HostId, &ref.TaskId, &ref.Soft, &ref.ByHost, &ref.Message, &ref.Ts); err != nil {
			return nil, errors.WithStack(err)
		}
		refusals = append(refusals, ref)
	}
	return refusals, errors.WithStack(rows.Err())
}

func (r *PostgresRefusalRepository) PurgeForTask(ctx context.Context, taskId int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM scheduler_task_refusal WHERE task_id = $1`, taskId)
	return errors.WithStack(err)
}
