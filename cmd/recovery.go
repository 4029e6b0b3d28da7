package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/display"
	"backup-orchestrator/internal/recovery"

	"github.com/spf13/cobra"
)

var (
	planFile string

	incidentPlan       string
	incidentTitle      string
	incidentSeverity   string
	incidentSystems    []string
	incidentCommander  string
	incidentApprovals  []string
	incidentResolution string
	incidentStatus     string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage disaster recovery plans",
	Long: `Manage versioned disaster recovery plans. A plan is a YAML file listing
ordered procedures (backup, restore, restore-latest, verify-latest, checkpoint).

Example plan:
  name: orders-region-loss
  rto: 4h
  rpo: 1h
  critical_systems: [orders-db]
  restricted_systems: [orders-db]
  primary_contacts: [dpo@example.com]
  procedures:
    - name: verify latest backup
      action: verify-latest
      source: orders-db
    - name: restore into the standby region
      action: restore-latest
      source: orders-db
      environment: standby`,
}

var planRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new plan from a YAML file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return savePlan(cmd, false)
	},
}

var planUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Replace a plan with a new version from a YAML file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return savePlan(cmd, true)
	},
}

var planListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recovery plans",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			plans, err := app.Recovery.ListPlans(ctx)
			if err != nil {
				return err
			}
			return p.Plans(plans)
		})
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get <plan-name-or-id>",
	Short: "Show a plan and its procedures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			plan, err := app.Recovery.GetPlan(ctx, args[0])
			if err != nil {
				return err
			}
			return p.Plan(plan)
		})
	},
}

func savePlan(cmd *cobra.Command, update bool) error {
	plan, err := recovery.LoadPlanFile(planFile)
	if err != nil {
		return err
	}
	return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
		var saved *recovery.Plan
		if update {
			saved, err = app.Recovery.UpdatePlan(ctx, plan)
		} else {
			saved, err = app.Recovery.RegisterPlan(ctx, plan)
		}
		if err != nil {
			return err
		}
		p.Success("Plan %s saved as version %d", saved.Name, saved.Version)
		return p.Plan(saved)
	})
}

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Declare and drive disaster recovery incidents",
	Long: `Declare an incident against a recovery plan and execute the plan's
procedures. An incident snapshots the plan at declaration, moves from
DETECTED to RECOVERING when executed and ends RESOLVED.

Examples:
  backup-orchestrator incident declare --plan orders-region-loss --title "eu-west-1 outage" \
      --severity critical --system orders-db --commander alice
  backup-orchestrator incident execute incident-1a2b3c4d --commander alice
  backup-orchestrator incident resolve incident-1a2b3c4d --commander alice --resolution "failed over"`,
}

var incidentDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare an incident",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, err := recovery.ParseSeverity(incidentSeverity)
		if err != nil {
			return backup.NewValidationError(err.Error(), nil)
		}
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			inc, err := app.Recovery.DeclareIncident(ctx, recovery.DeclareRequest{
				Plan:            incidentPlan,
				Title:           incidentTitle,
				Severity:        severity,
				AffectedSystems: incidentSystems,
				Commander:       commanderName(),
			})
			if err != nil {
				return err
			}
			p.Success("Incident %s declared", inc.ID)
			return p.Incident(inc)
		})
	},
}

var incidentExecuteCmd = &cobra.Command{
	Use:   "execute <incident-id>",
	Short: "Run the incident's remaining recovery procedures in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := parseApprovals(incidentApprovals)
		if err != nil {
			return err
		}
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			inc, err := app.Recovery.ExecuteRecovery(ctx, args[0], recovery.ExecuteRequest{
				Commander:      commanderName(),
				ApprovalTokens: tokens,
			})
			if inc != nil {
				if perr := p.Incident(inc); perr != nil && err == nil {
					err = perr
				}
			}
			if err != nil {
				return err
			}
			p.Success("Incident %s is %s", inc.ID, inc.Status)
			return nil
		})
	},
}

var incidentResolveCmd = &cobra.Command{
	Use:   "resolve <incident-id>",
	Short: "Close a recovering incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			inc, err := app.Recovery.Resolve(ctx, args[0], commanderName(), incidentResolution)
			if err != nil {
				return err
			}
			p.Success("Incident %s resolved after %s", inc.ID, inc.Elapsed(app.Clock.Now()).Round(time.Second))
			return nil
		})
	},
}

var incidentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List incidents, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := recovery.IncidentStatus(strings.ToUpper(incidentStatus))
		switch status {
		case "", recovery.IncidentDetected, recovery.IncidentRecovering, recovery.IncidentResolved:
		default:
			return backup.NewValidationError(fmt.Sprintf("unknown incident status %q", incidentStatus), nil)
		}
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			list, err := app.Recovery.ListIncidents(ctx, status)
			if err != nil {
				return err
			}
			return p.Incidents(list, app.Clock.Now())
		})
	},
}

var incidentGetCmd = &cobra.Command{
	Use:   "get <incident-id>",
	Short: "Show an incident and the progress of its procedures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, app *application.Application, p *display.Printer) error {
			inc, err := app.Recovery.GetIncident(ctx, args[0])
			if err != nil {
				return err
			}
			return p.Incident(inc)
		})
	},
}

// parseApprovals turns backup-id=token pairs into the approval map of a recovery run.
func parseApprovals(pairs []string) (map[string]string, error) {
	tokens := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		id, token, ok := strings.Cut(pair, "=")
		if !ok || id == "" || token == "" {
			return nil, backup.NewValidationError(fmt.Sprintf("invalid approval %q, expected <backup-id>=<token>", pair), nil)
		}
		tokens[id] = token
	}
	return tokens, nil
}

func commanderName() string {
	if incidentCommander != "" {
		return incidentCommander
	}
	return actorName()
}

func init() {
	rootCmd.AddCommand(planCmd, incidentCmd)

	planCmd.AddCommand(planRegisterCmd, planUpdateCmd, planListCmd, planGetCmd)
	for _, c := range []*cobra.Command{planRegisterCmd, planUpdateCmd} {
		c.Flags().StringVarP(&planFile, "file", "f", "", "plan YAML file")
		c.MarkFlagRequired("file")
	}

	incidentCmd.AddCommand(incidentDeclareCmd, incidentExecuteCmd, incidentResolveCmd, incidentListCmd, incidentGetCmd)
	incidentCmd.PersistentFlags().StringVar(&incidentCommander, "commander", "", "incident commander (default is --actor)")

	incidentDeclareCmd.Flags().StringVar(&incidentPlan, "plan", "", "plan name or id")
	incidentDeclareCmd.Flags().StringVar(&incidentTitle, "title", "", "short description of the incident")
	incidentDeclareCmd.Flags().StringVar(&incidentSeverity, "severity", string(recovery.SeverityHigh), "LOW, MEDIUM, HIGH or CRITICAL")
	incidentDeclareCmd.Flags().StringSliceVar(&incidentSystems, "system", nil, "affected system (repeatable)")
	incidentDeclareCmd.MarkFlagRequired("plan")
	incidentDeclareCmd.MarkFlagRequired("title")

	incidentExecuteCmd.Flags().StringSliceVar(&incidentApprovals, "approval", nil, "approval token for a restricted backup as <backup-id>=<token>")
	incidentResolveCmd.Flags().StringVar(&incidentResolution, "resolution", "", "how the incident was closed")
	incidentListCmd.Flags().StringVar(&incidentStatus, "status", "", "filter by status (DETECTED, RECOVERING, RESOLVED)")
}
