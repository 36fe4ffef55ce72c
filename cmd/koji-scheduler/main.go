package main

import (
	"os"

	"github.com/koji-project/koji-scheduler/cmd/koji-scheduler/cmd"
	"github.com/koji-project/koji-scheduler/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
