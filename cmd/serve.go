package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"patterndb/bootstrap"
)

// newServeCmd creates the 'serve' subcommand
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the classifier as a service",
		Long: `Read records from the configured input, classify and correlate them,
write the results to the configured sinks and serve the HTTP API. Contexts
keep expiring after the input ends; the service runs until SIGINT or SIGTERM.
SIGHUP reloads the rule database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Shutdown()

			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("failed to start application: %w", err)
			}
			app.WaitForShutdown()
			return app.Err()
		},
	}
}
