package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commondatabase "github.com/koji-project/koji-scheduler/internal/common/database"
	schedulerdb "github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "applies pending migrations to the scheduler database",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("beginning scheduler database migration")
	pool, err := commondatabase.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer pool.Close()

	if err := schedulerdb.Migrate(context.Background(), pool); err != nil {
		return errors.Wrap(err, "failed to migrate scheduler database")
	}
	log.Infof("scheduler database migrated in %s", time.Since(start))
	return nil
}
