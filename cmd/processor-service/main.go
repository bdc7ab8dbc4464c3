package main

import (
	"os"

	"switchboard/internal/constants"
	"switchboard/pkg/bootstrap"
)

func main() {
	rootCmd := bootstrap.NewRootCommand(constants.ServiceProcessor, "Processor Service for inbound channel traffic", NewApp)
	rootCmd.Long = "Processor Service threads, deduplicates and stores inbound messages and runs rules and conversation flows"

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
