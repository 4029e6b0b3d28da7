package cmd

import (
	"context"
	"fmt"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
)

var (
	verifyLatestSource string
	verifyListBackup   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [backup-id]",
	Short: "Check that a backup is intact and restorable without touching any target",
	Long: `Download a backup, compare its checksum and reverse the pipeline into a
scratch area to prove it can be restored. Nothing is written to a target system.

Examples:
  backup-orchestrator verify backup-1a2b3c4d
  backup-orchestrator verify --latest orders-db`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 1) == (verifyLatestSource != "") {
			return backup.NewValidationError("pass either a backup id or --latest <source>", nil)
		}
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			var (
				rec *backup.VerificationRecord
				err error
			)
			if verifyLatestSource != "" {
				rec, err = app.Backups.VerifyLatest(ctx, verifyLatestSource)
			} else {
				rec, err = app.Backups.VerifyBackup(ctx, args[0])
			}
			if err != nil {
				return err
			}

			if err := p.Verifications([]*backup.VerificationRecord{rec}); err != nil {
				return err
			}
			if !rec.ChecksumValid || !rec.Restorable {
				return backup.NewIntegrityViolation(fmt.Sprintf("backup %s failed verification", rec.BackupID), nil)
			}
			p.Success("Backup %s verified", rec.BackupID)
			return nil
		})
	},
}

var verifyListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List verification records, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			recs, err := app.Backups.ListVerifications(ctx, verifyListBackup)
			if err != nil {
				return err
			}
			return p.Verifications(recs)
		})
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.AddCommand(verifyListCmd)

	verifyCmd.Flags().StringVar(&verifyLatestSource, "latest", "", "verify the latest completed backup of this source")
	verifyListCmd.Flags().StringVar(&verifyListBackup, "backup", "", "only verifications of this backup")
}
