package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/koji-project/koji-scheduler/internal/common/util"
)

// WithTestDb spins up a dedicated Postgres database, applies migrations, runs action
// against it, and tears the database down again. Used by repository tests that need a
// real Postgres instance to exercise row locking and the advisory lock.
func WithTestDb(migrations []Migration, connectionString string, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	dbName := "test_" + util.NewULID()
	if connectionString == "" {
		connectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"
	}

	conn, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_, err := conn.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`'`)
		if err != nil {
			fmt.Println("failed to disconnect test database users:", err)
		}
		if _, err := conn.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			fmt.Println("failed to drop test database:", err)
		}
	}()

	testDbPool, err := pgxpool.New(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer testDbPool.Close()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
