// Package app provides the entry point for the protenders sync daemon.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "protenders-syncd",
	DisableAutoGenTag: true,
	Short:             "Tender feed synchronization and enrichment service",
	Long: `protenders-syncd ingests procurement notices from the upstream release
feed and enriches them with detail fields from the rate-limited tender portal.
Runs are recorded in a job ledger that prevents overlapping executions.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(viper.GetBool("debug"))
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the sync daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			logger.Errorf("Error retrieving format flag: %v", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				logger.Errorf("Error marshaling version info: %v", err)
				return
			}
			fmt.Println(string(output))
			return
		}

		fmt.Printf("protenders-syncd %s (%s) built %s with %s\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion)
	},
}

func init() {
	versionCmd.Flags().String("format", "text", "Output format (text or json)")
}
