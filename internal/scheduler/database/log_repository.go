package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// LogRepository backs the append-only scheduler event log.
type LogRepository interface {
	// Log writes a log entry, optionally tagged with a task and/or host. Used by the
	// Assignment Engine to record every commit, and by the loop to note overrides/evictions.
	Log(ctx context.Context, q Querier, taskId *int64, hostId *int64, hostName string, message string) error
	GetLogMessages(ctx context.Context, taskId *int64, limit int) ([]LogMessage, error)
}

type PostgresLogRepository struct {
	db *pgxpool.Pool
}

func NewPostgresLogRepository(db *pgxpool.Pool) *PostgresLogRepository {
	return &PostgresLogRepository{db: db}
}

func (r *PostgresLogRepository) Log(ctx context.Context, q Querier, taskId *int64, hostId *int64, hostName string, message string) error {
	if q == nil {
		q = r.db
	}
	_, err := q.Exec(ctx, `
		INSERT INTO scheduler_log_messages (ts, task_id, host_id, host_name, msg)
		VALUES (now(), $1, $2, $3, $4)`, taskId, hostId, hostName, message)
	return errors.WithStack(err)
}

func (r *PostgresLogRepository) GetLogMessages(ctx context.Context, taskId *int64, limit int) ([]LogMessage, error) {
	var rows pgx.Rows
	var err error
	if taskId != nil {
		rows, err = r.db.Query(ctx, `
			SELECT id, ts, task_id, host_id, host_name, msg FROM scheduler_log_messages
			WHERE task_id = $1 ORDER BY ts DESC LIMIT $2`, *taskId, limit)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT id, ts, task_id, host_id, host_name, msg FROM scheduler_log_messages
			ORDER BY ts DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var messages []LogMessage
	for rows.Next() {
		var m LogMessage
		if err := rows.Scan(&m.Id, &m.Ts, &m.TaskId, &m.HostId, &m.HostName, &m.Message); err != nil {
			return nil, errors.WithStack(err)
		}
		messages = append(messages, m)
	}
	return messages, errors.WithStack(rows.Err())
}
