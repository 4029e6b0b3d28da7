package cmd

import (
	"context"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
)

var (
	restoreEnvironment   string
	restoreSubset        []string
	restoreApprovalToken string
	restoreListBackup    string
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup into a target environment",
	Long: `Restore a completed backup. The artifact is downloaded and its checksum is
verified before anything is written to the target. Backups that contain
restricted data need an approval token issued for that backup.

Examples:
  # Restore into the staging environment
  backup-orchestrator restore backup-1a2b3c4d --environment staging

  # Restore two tables only
  backup-orchestrator restore backup-1a2b3c4d --environment staging --subset orders --subset customers

  # Restore restricted data
  TOKEN=$(backup-orchestrator approval issue backup-1a2b3c4d --requester dpo)
  backup-orchestrator restore backup-1a2b3c4d --approval-token "$TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var restoreGetCmd = &cobra.Command{
	Use:   "get <restore-id>",
	Short: "Show one restore operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			op, err := app.Backups.GetRestore(ctx, args[0])
			if err != nil {
				return err
			}
			return p.Restore(op)
		})
	},
}

var restoreListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List restore operations, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			ops, err := app.Backups.ListRestores(ctx, restoreListBackup)
			if err != nil {
				return err
			}
			return p.Restores(ops)
		})
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restoreGetCmd, restoreListCmd)

	restoreCmd.Flags().StringVar(&restoreEnvironment, "environment", "", "target environment (default is the source itself)")
	restoreCmd.Flags().StringSliceVar(&restoreSubset, "subset", nil, "restore only these tables, collections, key prefixes or paths")
	restoreCmd.Flags().StringVar(&restoreApprovalToken, "approval-token", "", "governance approval token for restricted backups")

	restoreListCmd.Flags().StringVar(&restoreListBackup, "backup", "", "only restores of this backup")
}

func runRestore(cmd *cobra.Command, args []string) error {
	return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
		p.Info("Restoring %s...", args[0])

		op, err := app.Backups.RestoreBackup(ctx, backup.RestoreRequest{
			BackupID:          args[0],
			TargetEnvironment: restoreEnvironment,
			Partial:           len(restoreSubset) > 0,
			Subset:            restoreSubset,
			ApprovalToken:     restoreApprovalToken,
			PerformedBy:       actorName(),
		})
		if err != nil {
			return err
		}

		p.Success("Restore %s completed", op.ID)
		if op.RollbackDeadline != nil {
			p.Info("Rollback window open until %s", op.RollbackDeadline.UTC().Format("2006-01-02 15:04:05"))
		}
		return p.Restore(op)
	})
}
