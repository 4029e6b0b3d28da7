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

var (
	// Backup creation flags
	backupSource         string
	backupScope          string
	backupDestination    string
	backupName           string
	backupCompress       bool
	backupEncrypt        bool
	backupRestricted     bool
	backupClassification string

	// Backup listing flags
	listSource   string
	listScope    string
	listStatus   string
	listSchedule string
	listLimit    int

	// Expiry flags
	expireSchedule string
	expireDays     int
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list and delete backups",
	Long: `Create, list and delete backups of configured data sources.

Examples:
  # Encrypted backup of a database to S3
  backup-orchestrator backup create --source orders-db --destination s3 --encrypt

  # Backup of one table that contains personal data
  backup-orchestrator backup create --source orders-db --scope customers --restricted --encrypt

  # Latest completed backups of a source, as JSON
  backup-orchestrator backup list --source orders-db --status COMPLETED --format json`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a new backup of a source",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backups, newest first",
	Args:    cobra.NoArgs,
	RunE:    runBackupList,
}

var backupGetCmd = &cobra.Command{
	Use:   "get <backup-id>",
	Short: "Show one backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			b, err := app.Backups.GetBackup(ctx, args[0])
			if err != nil {
				return err
			}
			return p.Backup(b)
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup's stored artifact and mark it expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			b, err := app.Backups.DeleteBackup(ctx, args[0], actorName())
			if err != nil {
				return err
			}
			p.Success("Backup %s deleted", b.ID)
			return nil
		})
	},
}

var backupExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Apply a retention window to the backups of a schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			expired, err := app.Backups.ExpireBackups(ctx, expireSchedule, expireDays)
			if err != nil {
				return err
			}
			p.Success("%d backups expired", len(expired))
			if len(expired) == 0 {
				return nil
			}
			return p.Backups(expired)
		})
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupGetCmd, backupDeleteCmd, backupExpireCmd)

	backupCreateCmd.Flags().StringVar(&backupSource, "source", "", "name of the source to back up")
	backupCreateCmd.Flags().StringVar(&backupScope, "scope", "", "table, collection, key prefix or sub-path to capture")
	backupCreateCmd.Flags().StringVar(&backupDestination, "destination", string(backup.BackendLocal), "storage backend (local, s3, minio, gcs, azure, glacier)")
	backupCreateCmd.Flags().StringVar(&backupName, "name", "", "backup name")
	backupCreateCmd.Flags().BoolVar(&backupCompress, "compress", true, "compress the artifact")
	backupCreateCmd.Flags().BoolVar(&backupEncrypt, "encrypt", false, "encrypt the artifact with a fresh key")
	backupCreateCmd.Flags().BoolVar(&backupRestricted, "restricted", false, "mark the backup as containing restricted data")
	backupCreateCmd.Flags().StringVar(&backupClassification, "classification", "", "governance label recorded with restricted data")
	backupCreateCmd.MarkFlagRequired("source")

	backupListCmd.Flags().StringVar(&listSource, "source", "", "filter by source name")
	backupListCmd.Flags().StringVar(&listScope, "scope", "", "filter by scope")
	backupListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (IN_PROGRESS, COMPLETED, FAILED, EXPIRED)")
	backupListCmd.Flags().StringVar(&listSchedule, "schedule", "", "filter by schedule id")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of backups to list")

	backupExpireCmd.Flags().StringVar(&expireSchedule, "schedule", "", "schedule whose backups are expired")
	backupExpireCmd.Flags().IntVar(&expireDays, "days", 0, "retention window in days")
	backupExpireCmd.MarkFlagRequired("schedule")
	backupExpireCmd.MarkFlagRequired("days")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
		p.Info("Backing up %s to %s...", backupSource, backupDestination)

		b, err := app.Backups.CreateBackup(ctx, backup.Request{
			Name:           backupName,
			SourceName:     backupSource,
			Scope:          backupScope,
			Destination:    backup.BackendType(strings.ToLower(backupDestination)),
			Compress:       backupCompress,
			Encrypt:        backupEncrypt,
			Restricted:     backupRestricted,
			Classification: backupClassification,
			CreatedBy:      actorName(),
		})
		if err != nil {
			return err
		}

		p.Success("Backup created successfully: %s", b.ID)
		if b.RawSize > 0 && b.CompressedSize > 0 {
			p.Info("Stored %d of %d bytes (%.1f%%)", b.CompressedSize, b.RawSize,
				float64(b.CompressedSize)/float64(b.RawSize)*100)
		}
		for _, w := range b.Warnings {
			p.Warning("%s", w)
		}
		return p.Backup(b)
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	filter, err := buildBackupFilter()
	if err != nil {
		return err
	}
	return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
		backups, err := app.Backups.ListBackups(ctx, filter)
		if err != nil {
			return err
		}
		return p.Backups(backups)
	})
}

func buildBackupFilter() (backup.BackupFilter, error) {
	filter := backup.BackupFilter{
		SourceName: listSource,
		Scope:      listScope,
		ScheduleID: listSchedule,
		Limit:      listLimit,
	}
	if listStatus != "" {
		status := backup.BackupStatus(strings.ToUpper(listStatus))
		switch status {
		case backup.BackupStatusInProgress, backup.BackupStatusCompleted, backup.BackupStatusFailed, backup.BackupStatusExpired:
			filter.Status = status
		default:
			return filter, backup.NewValidationError(fmt.Sprintf("unknown backup status %q", listStatus), nil)
		}
	}
	if listLimit < 0 {
		return filter, backup.NewValidationError("--limit must not be negative", nil)
	}
	return filter, nil
}
