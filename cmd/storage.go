package cmd

import (
	"context"
	"fmt"
	"strings"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the configured storage backends",
}

var storageHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every configured storage backend",
	Long: `Check that each storage backend is reachable with the configured credentials.
Exits non-zero when any backend fails its check.

Examples:
  backup-orchestrator storage health
  backup-orchestrator storage health --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			health := app.CheckStorage(ctx)
			if err := p.Value(health, func(t *display.Table) {
				t.SetHeaders("BACKEND", "STATUS", "ERROR")
				for _, h := range health {
					status := "OK"
					switch {
					case !h.Checked:
						status = "NOT CHECKED"
					case !h.Healthy:
						status = "FAILED"
					}
					t.AddRow(string(h.Backend), status, h.Error)
				}
			}); err != nil {
				return err
			}

			var failed []string
			for _, h := range health {
				if !h.Healthy {
					failed = append(failed, string(h.Backend))
				}
			}
			if len(failed) > 0 {
				return backup.NewConfigurationError(fmt.Sprintf("storage backends unhealthy: %s", strings.Join(failed, ", ")), nil)
			}
			p.Success("%d storage backends healthy", len(health))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageHealthCmd)
}
