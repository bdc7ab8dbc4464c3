package main

import (
	"os"

	"switchboard/internal/constants"
	"switchboard/pkg/bootstrap"
)

func main() {
	rootCmd := bootstrap.NewRootCommand(constants.ServicePoller, "Poller Service for pull channels", NewApp)
	rootCmd.Long = "Poller Service polls mailbox accounts on their schedule and publishes what it finds"

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
