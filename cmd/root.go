package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the converge application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Run declarative reconciliation control loops",
	Long: `converge hosts reconciliation control loops: declared state lives in a
versioned store, informers mirror it into local caches, and per-kind worker
pools drive the observed state toward it. Replicated deployments coordinate
through lease-based leader election.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This is called from the main package to inject the version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application. It is called by
// main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "converge version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
