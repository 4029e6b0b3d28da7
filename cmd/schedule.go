package cmd

import (
	"context"
	"strings"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"
	"backup-orchestrator/internal/schedule"

	"github.com/spf13/cobra"
)

var scheduleRequest schedule.CreateRequest

var (
	scheduleDestination string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backups",
	Long: `Manage recurring backups. Cadences are cron expressions (five fields) or
descriptors such as @hourly, @daily and @every 6h. Schedules run while
"backup-orchestrator serve" is running.

Examples:
  # Nightly encrypted backup kept for two weeks
  backup-orchestrator schedule create --name orders-nightly --cadence "0 2 * * *" \
      --source orders-db --destination s3 --encrypt --retention-days 14

  # Run a schedule right now
  backup-orchestrator schedule trigger schedule-1a2b3c4d`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			req := scheduleRequest
			req.Destination = backup.BackendType(strings.ToLower(scheduleDestination))
			req.CreatedBy = actorName()

			sched, err := app.Scheduler.Create(ctx, req)
			if err != nil {
				return err
			}
			p.Success("Schedule %s created", sched.ID)
			return p.Schedule(sched)
		})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List schedules",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			list, err := app.Scheduler.List(ctx)
			if err != nil {
				return err
			}
			return p.Schedules(list)
		})
	},
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			sched, err := app.Scheduler.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return p.Schedule(sched)
		})
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule and compute its next run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleSchedule(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleSchedule(cmd, args[0], false)
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <schedule-id>",
	Short: "Run a schedule now, outside its cadence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			result, err := app.Scheduler.TriggerNow(ctx, args[0])
			if err != nil {
				return err
			}
			if result.RetentionErr != nil {
				p.Warning("Retention pass failed: %v", result.RetentionErr)
			}
			if len(result.Expired) > 0 {
				p.Info("%d backups expired by retention", len(result.Expired))
			}
			if result.Err != nil {
				return result.Err
			}
			p.Success("Schedule %s produced backup %s", result.ScheduleID, result.Backup.ID)
			return p.Backup(result.Backup)
		})
	},
}

func toggleSchedule(cmd *cobra.Command, id string, enable bool) error {
	return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
		var (
			sched *schedule.Schedule
			err   error
		)
		if enable {
			sched, err = app.Scheduler.Enable(ctx, id)
		} else {
			sched, err = app.Scheduler.Disable(ctx, id)
		}
		if err != nil {
			return err
		}
		state := "disabled"
		if sched.Enabled {
			state = "enabled"
		}
		p.Success("Schedule %s %s", sched.ID, state)
		return p.Schedule(sched)
	})
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleListCmd, scheduleGetCmd,
		scheduleEnableCmd, scheduleDisableCmd, scheduleTriggerCmd)

	flags := scheduleCreateCmd.Flags()
	flags.StringVar(&scheduleRequest.Name, "name", "", "unique schedule name")
	flags.StringVar(&scheduleRequest.Cadence, "cadence", "", "cron expression or descriptor (@daily, @every 6h)")
	flags.StringVar(&scheduleRequest.SourceName, "source", "", "name of the source to back up")
	flags.StringVar(&scheduleRequest.Scope, "scope", "", "table, collection, key prefix or sub-path to capture")
	flags.StringVar(&scheduleDestination, "destination", string(backup.BackendLocal), "storage backend")
	flags.BoolVar(&scheduleRequest.Compress, "compress", true, "compress the artifacts")
	flags.BoolVar(&scheduleRequest.Encrypt, "encrypt", false, "encrypt the artifacts")
	flags.BoolVar(&scheduleRequest.Restricted, "restricted", false, "mark the backups as containing restricted data")
	flags.StringVar(&scheduleRequest.Classification, "classification", "", "governance label recorded with restricted data")
	flags.IntVar(&scheduleRequest.RetentionDays, "retention-days", 30, "expire backups older than this many days after each run")
	flags.StringSliceVar(&scheduleRequest.Recipients, "recipient", nil, "address notified about this schedule's runs")
	flags.BoolVar(&scheduleRequest.Disabled, "disabled", false, "create the schedule disabled")
	scheduleCreateCmd.MarkFlagRequired("name")
	scheduleCreateCmd.MarkFlagRequired("cadence")
	scheduleCreateCmd.MarkFlagRequired("source")
}
