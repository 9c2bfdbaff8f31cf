// Package app provides the entry point for the tokengate command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/tokengate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "tokengate",
	DisableAutoGenTag: true,
	Short:             "tokengate is a delegated-identity token gateway",
	Long: `tokengate sits between callers and downstream services: it validates
inbound bearer tokens, enforces that callers only act on their own resources,
and exchanges the caller's token for a downstream token that still carries the
caller's identity (on-behalf-of flow).`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the tokengate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
