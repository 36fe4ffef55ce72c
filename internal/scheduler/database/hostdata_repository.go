package database

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// HostDataRepository backs setHostData/getHostData. setHostData does not itself touch
// last_update_ts - only getTasksForHost does - so a host that only calls setHostData is
// still evicted by check_hosts on schedule.
type HostDataRepository interface {
	Set(ctx context.Context, hostId int64, data HostCapabilities) error
	Get(ctx context.Context, hostId int64) (HostCapabilities, bool, error)
}

type PostgresHostDataRepository struct {
	db *pgxpool.Pool
}

func NewPostgresHostDataRepository(db *pgxpool.Pool) *PostgresHostDataRepository {
	return &PostgresHostDataRepository{db: db}
}

func (r *PostgresHostDataRepository) Set(ctx context.Context, hostId int64, data HostCapabilities) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO scheduler_host_data (host_id, data) VALUES ($1, $2)
		ON CONFLICT (host_id) DO UPDATE SET data = excluded.data`, hostId, raw)
	return errors.WithStack(err)
}

func (r *PostgresHostDataRepository) Get(ctx context.Context, hostId int64) (HostCapabilities, bool, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM scheduler_host_data WHERE host_id = $1`, hostId).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return HostCapabilities{}, false, nil
		}
		return HostCapabilities{}, false, errors.WithStack(err)
	}
	var data HostCapabilities
	if err := json.Unmarshal(raw, &data); err != nil {
		return HostCapabilities{}, false, errors.WithStack(err)
	}
	return data, true, nil
}
