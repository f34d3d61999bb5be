package main

import (
	"os"

	"github.com/armadaproject/sessionscheduler/cmd/scheduler/cmd"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
