package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/application"
)

var serveShutdownGrace time.Duration

// serveCmd runs the long-lived maintenance loops
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reaper, periodic reconciliation and the metrics endpoint",
	Long: `Run the long-lived maintenance loops until SIGINT or SIGTERM:

  - the reaper, which settles backups whose worker stopped heartbeating
  - periodic reconciliation with the shadow metadata store
  - a Prometheus /metrics endpoint, when metrics.enabled is set

On shutdown, running jobs are given --shutdown-grace to finish before they
are cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
			return app.Serve(ctx, serveShutdownGrace)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&serveShutdownGrace, "shutdown-grace", 2*time.Minute, "time running jobs get to finish on shutdown")
}
