package database

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	commondatabase "github.com/koji-project/koji-scheduler/internal/common/database"
)

//go:embed migrations/*.sql
var migrationsFs embed.FS

// Migrate updates the supplied database to the latest version. A no-op if it's already there.
func Migrate(ctx context.Context, db commondatabase.Querier) error {
	start := time.Now()
	migrations, err := commondatabase.ReadMigrations(migrationsFs, "migrations")
	if err != nil {
		return err
	}
	if err := commondatabase.UpdateDatabase(ctx, db, migrations); err != nil {
		return err
	}
	log.Infof("updated scheduler database in %s", time.Since(start))
	return nil
}

// WithTestDb spins up a scheduler-schema database for tests and tears it down afterwards.
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := commondatabase.ReadMigrations(migrationsFs, "migrations")
	if err != nil {
		return err
	}
	return commondatabase.WithTestDb(migrations, "", action)
}
