package cmd

import (
	"github.com/spf13/cobra"

	"github.com/koji-project/koji-scheduler/internal/common"
	commonconfig "github.com/koji-project/koji-scheduler/internal/common/config"
	"github.com/koji-project/koji-scheduler/internal/scheduler/configuration"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "koji-scheduler",
		SilenceUsage: true,
		Short:        "The koji scheduler core",
	}

	cmd.AddCommand(
		runCmd(),
		migrateCmd(),
		pruneCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	common.LoadConfig(&config, "./config/koji-scheduler")

	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
