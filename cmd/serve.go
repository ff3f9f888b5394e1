package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"converge/internal/app"
)

// serveConfigPath specifies the configuration file to load. Missing files
// fall back to built-in defaults.
var serveConfigPath string

// serveDebug enables verbose logging across the application, overriding the
// configured log level.
var serveDebug bool

// serveCmd defines the serve command structure. This is the main command of
// converge: it runs the engine with the shipped controllers until terminated.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation engine",
	Long: `Starts the reconciliation engine with the built-in Workload and Instance
controllers, serves Prometheus metrics and a health endpoint, and shuts down
gracefully on SIGINT/SIGTERM, draining in-flight reconciles within the
configured grace period.

Configuration is read from the file given by --config (default config.yaml);
a missing file runs with defaults. Enable the election section to coordinate
multiple replicas through a lease.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command.
func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.NewConfig(serveConfigPath, serveDebug))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
