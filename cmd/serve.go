package cmd

import (
	"context"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups, notifications and the metrics endpoint",
	Long: `Run the long-lived engine: the scheduler fires due schedules, events are
delivered to the configured notification channels, expired temporary keys are
purged from the vault and, when metrics.enabled is set, Prometheus metrics are
served. Backups left IN_PROGRESS by a previous process are marked FAILED first.

The process stops cleanly on SIGINT or SIGTERM, waiting for running backups.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			p.Info("Serving %d sources with %d schedules queued", len(app.Config.Sources), enabledSchedules(ctx, app))
			if err := app.Serve(ctx); err != nil {
				return err
			}
			p.Success("Shut down cleanly")
			return nil
		})
	},
}

func enabledSchedules(ctx context.Context, app *application.Application) int {
	list, err := app.Scheduler.List(ctx)
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range list {
		if s.Enabled {
			n++
		}
	}
	return n
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
