package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// HostRepository is the durable-store side of the Host Registry (component A): it loads
// enabled hosts for the registry to index and sweeps dead ones on the scheduler's behalf.
type HostRepository interface {
	// GetEnabledHosts returns every host with enabled = true, for the registry to index
	// into hosts_by_id / hosts_by_bin.
	GetEnabledHosts(ctx context.Context) ([]Host, error)
	// Touch updates a host's last_update_ts to now, used by getTasksForHost as a heartbeat.
	Touch(ctx context.Context, q Querier, hostId int64) error
	// UpdateSelfReport applies a host's self-reported arches/channels/capacity/readiness/load,
	// the persisted half of setHostData - the half the Host Registry actually reads.
	UpdateSelfReport(ctx context.Context, hostId int64, data HostCapabilities) error
}

type PostgresHostRepository struct {
	db *pgxpool.Pool
}

func NewPostgresHostRepository(db *pgxpool.Pool) *PostgresHostRepository {
	return &PostgresHostRepository{db: db}
}

func (r *PostgresHostRepository) GetEnabledHosts(ctx context.Context) ([]Host, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, arches, channels, capacity, task_load, ready, enabled,
		       description, comment, last_update
		FROM host
		WHERE enabled = true`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(
			&h.Id, &h.UserId, &h.Name, &h.Arches, &h.Channels, &h.Capacity, &h.TaskLoad,
			&h.Ready, &h.Enabled, &h.Description, &h.Comment, &h.LastUpdate,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		hosts = append(hosts, h)
	}
	return hosts, errors.WithStack(rows.Err())
}

func (r *PostgresHostRepository) Touch(ctx context.Context, q Querier, hostId int64) error {
	_, err := q.Exec(ctx, `UPDATE host SET last_update = now() WHERE id = $1`, hostId)
	return errors.WithStack(err)
}

func (r *PostgresHostRepository) UpdateSelfReport(ctx context.Context, hostId int64, data HostCapabilities) error {
	_, err := r.db.Exec(ctx, `
		UPDATE host SET arches = $2, channels = $3, capacity = $4, ready = $5, task_load = $6
		WHERE id = $1`, hostId, strings.Join(data.Arches, " "), data.Channels, data.Capacity, data.Ready, data.TaskLoad)
	return errors.WithStack(err)
}
