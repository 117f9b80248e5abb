// Package app provides the entry point for the quill command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillsign/quill/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "quill",
	DisableAutoGenTag: true,
	Short:             "quill is a GPG signing service for CI/CD pipelines",
	Long: `quill signs commits and release artifacts for CI/CD pipelines without
handing private keys to the pipelines themselves.

CI jobs authenticate with the OIDC tokens their platform already issues
(GitHub Actions, GitLab CI, and any other configured issuer); quill verifies
the token, rate-limits the caller, signs the submitted bytes with a stored
GPG key and returns the detached armored signature. Private keys never leave
the service.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the quill CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
