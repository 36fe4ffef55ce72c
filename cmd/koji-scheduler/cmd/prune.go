package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/clock"

	commondatabase "github.com/koji-project/koji-scheduler/internal/common/database"
	schedulerdb "github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "removes old log messages and terminal task runs from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration("timeout", 5*time.Minute,
		"duration after which the command fails if it has not completed")
	cmd.Flags().Int("batchsize", 10000,
		"number of rows deleted per batch")
	cmd.Flags().Duration("keepAfter", 48*time.Hour,
		"length of time after completion that log messages and task runs are kept")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	keepAfter, err := cmd.Flags().GetDuration("keepAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := commondatabase.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	refusalRepo := schedulerdb.NewPostgresRefusalRepository(pool)
	return schedulerdb.PruneDb(ctx, pool, refusalRepo, batchSize, keepAfter, clock.RealClock{})
}
