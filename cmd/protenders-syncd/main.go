// Package main is the entry point for the protenders sync daemon.
package main

import (
	"os"

	"github.com/thrifts-za/protenders-platform-sub003/cmd/protenders-syncd/app"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
)

func main() {
	defer logger.Sync()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
