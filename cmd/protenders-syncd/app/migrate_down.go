package app

import (
	"github.com/spf13/cobra"

	"github.com/thrifts-za/protenders-platform-sub003/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back the database schema. This drops the tables managed by this
service, including all synced tenders and the job ledger. Use with care.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	return runMigration(cmd, "roll back", database.MigrateDown)
}
