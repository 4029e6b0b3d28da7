package cmd

import (
	"context"
	"fmt"
	"time"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"

	"github.com/spf13/cobra"
)

var (
	approvalRequester string
	approvalTTL       time.Duration
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Issue and inspect restore approval tokens for restricted backups",
}

var approvalIssueCmd = &cobra.Command{
	Use:   "issue <backup-id>",
	Short: "Issue a signed token that approves restoring one restricted backup",
	Long: `Issue a signed, expiring token that approves restoring one restricted
backup. The token is printed on stdout so it can be captured by a script.

Example:
  TOKEN=$(backup-orchestrator approval issue backup-1a2b3c4d --requester dpo --ttl 2h)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			b, err := app.Backups.GetBackup(ctx, args[0])
			if err != nil {
				return err
			}
			if !b.IsRestricted() {
				p.Warning("Backup %s is not restricted; restores do not need a token", b.ID)
			}

			requester := approvalRequester
			if requester == "" {
				requester = actorName()
			}
			token, err := app.Approvals.IssueToken(b.ID, requester, approvalTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

var approvalInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Check a token's signature and show what it approves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			approval, err := app.Approvals.Parse(args[0])
			if err != nil {
				return backup.NewValidationError("approval token rejected", err)
			}
			return p.Value(approval, func(t *display.Table) {
				t.SetHeaders("FIELD", "VALUE")
				t.AddRow("Token id", approval.ID)
				t.AddRow("Backup", approval.BackupID)
				t.AddRow("Requester", approval.Requester)
				t.AddRow("Issued", time.Unix(approval.IssuedAt, 0).UTC().Format(time.RFC3339))
				t.AddRow("Expires", time.Unix(approval.ExpiresAt, 0).UTC().Format(time.RFC3339))
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(approvalCmd)
	approvalCmd.AddCommand(approvalIssueCmd, approvalInspectCmd)

	approvalIssueCmd.Flags().StringVar(&approvalRequester, "requester", "", "who requested the restore (default is --actor)")
	approvalIssueCmd.Flags().DurationVar(&approvalTTL, "ttl", 0, "token lifetime (default is governance.token_ttl)")
}
