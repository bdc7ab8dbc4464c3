package main

import (
	"os"

	"switchboard/internal/constants"
	"switchboard/pkg/bootstrap"
)

func main() {
	rootCmd := bootstrap.NewRootCommand(constants.ServiceGateway, "Gateway Service for channel webhooks and configuration", NewApp)
	rootCmd.Long = "Gateway Service admits channel webhooks onto the broker and serves the rules and flows API"

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
