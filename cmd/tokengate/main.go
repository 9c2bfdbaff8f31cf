// Package main is the entry point for the tokengate CLI.
package main

import (
	"os"

	"github.com/stacklok/tokengate/cmd/tokengate/app"
	"github.com/stacklok/tokengate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
