package display

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/recovery"
	"backup-orchestrator/internal/schedule"

	"github.com/dustin/go-humanize"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (p *Printer) statusStyler(s string) string { return p.colors.Status(s) }

func (p *Printer) backupFlags(b *backup.Backup) string {
	var flags []string
	if b.Encrypted {
		flags = append(flags, renderIcon("encrypted", p.unicode))
	}
	if b.IsRestricted() {
		flags = append(flags, renderIcon("restricted", p.unicode))
	}
	return strings.Join(flags, " ")
}

// Backups prints a backup listing
func (p *Printer) Backups(list []*backup.Backup) error {
	if p.Empty(len(list), "backups") {
		return nil
	}
	if list == nil {
		list = []*backup.Backup{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("ID", "SOURCE", "SCOPE", "STATUS", "DESTINATION", "SIZE", "STARTED", "FLAGS")
		t.SetColumnStyler(3, p.statusStyler)
		t.SetColumnAlignment(5, AlignRight)
		for _, b := range list {
			t.AddRow(b.ID, b.SourceName, orDash(b.Scope), string(b.Status), string(b.Destination),
				formatSize(b.CompressedSize), formatTime(b.StartedAt), p.backupFlags(b))
		}
	})
}

// Backup prints one backup as a field listing
func (p *Printer) Backup(b *backup.Backup) error {
	return p.Value(b, func(t *Table) {
		t.SetHeaders("FIELD", "VALUE")
		t.AddRow("ID", b.ID)
		t.AddRow("Name", orDash(b.Name))
		t.AddRow("Source", fmt.Sprintf("%s (%s)", b.SourceName, b.SourceType))
		t.AddRow("Scope", orDash(b.Scope))
		t.AddRow("Status", p.colors.Status(string(b.Status)))
		t.AddRow("Destination", string(b.Destination))
		t.AddRow("Location", orDash(b.StorageURI))
		t.AddRow("Raw size", formatSize(b.RawSize))
		t.AddRow("Stored size", formatSize(b.CompressedSize))
		t.AddRow("Compression", string(b.Compression))
		t.AddRow("Encrypted", yesNo(b.Encrypted))
		t.AddRow("Checksum", orDash(b.Checksum))
		t.AddRow("Restricted", yesNo(b.IsRestricted()))
		if b.Governance.Classification != "" {
			t.AddRow("Classification", b.Governance.Classification)
		}
		t.AddRow("Started", formatTime(b.StartedAt))
		t.AddRow("Completed", formatTimePtr(b.CompletedAt))
		t.AddRow("Duration", b.Duration.Round(time.Millisecond).String())
		t.AddRow("Created by", orDash(b.CreatedBy))
		if b.ScheduleID != "" {
			t.AddRow("Schedule", b.ScheduleID)
		}
		for _, w := range b.Warnings {
			t.AddRow("Warning", p.colors.Colorize(w, p.colors.Theme().Warning))
		}
		if b.Error != "" {
			t.AddRow("Error", p.colors.Colorize(b.Error, p.colors.Theme().Error))
		}
	})
}

// Restores prints a restore listing
func (p *Printer) Restores(list []*backup.RestoreOperation) error {
	if p.Empty(len(list), "restores") {
		return nil
	}
	if list == nil {
		list = []*backup.RestoreOperation{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("ID", "BACKUP", "ENVIRONMENT", "STATUS", "PARTIAL", "STARTED", "ROLLBACK UNTIL", "BY")
		t.SetColumnStyler(3, p.statusStyler)
		for _, r := range list {
			t.AddRow(r.ID, r.BackupID, orDash(r.TargetEnvironment), string(r.Status), yesNo(r.Partial),
				formatTime(r.StartedAt), formatTimePtr(r.RollbackDeadline), r.PerformedBy)
		}
	})
}

// Restore prints one restore operation as a field listing
func (p *Printer) Restore(r *backup.RestoreOperation) error {
	return p.Value(r, func(t *Table) {
		t.SetHeaders("FIELD", "VALUE")
		t.AddRow("ID", r.ID)
		t.AddRow("Backup", r.BackupID)
		t.AddRow("Environment", orDash(r.TargetEnvironment))
		t.AddRow("Status", p.colors.Status(string(r.Status)))
		t.AddRow("Partial", yesNo(r.Partial))
		if len(r.Subset) > 0 {
			t.AddRow("Subset", strings.Join(r.Subset, ", "))
		}
		t.AddRow("Checksum valid", yesNo(r.ChecksumValid))
		t.AddRow("Started", formatTime(r.StartedAt))
		t.AddRow("Completed", formatTimePtr(r.CompletedAt))
		t.AddRow("Rollback until", formatTimePtr(r.RollbackDeadline))
		t.AddRow("Performed by", r.PerformedBy)
		if r.Error != "" {
			t.AddRow("Error", p.colors.Colorize(r.Error, p.colors.Theme().Error))
		}
	})
}

// Verifications prints verification records, newest first as given
func (p *Printer) Verifications(list []*backup.VerificationRecord) error {
	if p.Empty(len(list), "verifications") {
		return nil
	}
	if list == nil {
		list = []*backup.VerificationRecord{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("ID", "BACKUP", "RESULT", "CHECKSUM", "RESTORABLE", "STARTED", "ERROR")
		t.SetColumnStyler(2, p.statusStyler)
		for _, v := range list {
			result := "PASSED"
			if !v.ChecksumValid || !v.Restorable {
				result = "FAILED"
			}
			t.AddRow(v.ID, v.BackupID, result, yesNo(v.ChecksumValid), yesNo(v.Restorable),
				formatTime(v.StartedAt), orDash(v.Error))
		}
	})
}

// Schedules prints a schedule listing
func (p *Printer) Schedules(list []*schedule.Schedule) error {
	if p.Empty(len(list), "schedules") {
		return nil
	}
	if list == nil {
		list = []*schedule.Schedule{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("ID", "NAME", "CADENCE", "SOURCE", "STATE", "NEXT RUN", "LAST RUN", "RUNS", "RETENTION")
		t.SetColumnStyler(4, p.statusStyler)
		t.SetColumnAlignment(7, AlignRight)
		for _, s := range list {
			state := "ENABLED"
			if !s.Enabled {
				state = "DISABLED"
			}
			next := formatTime(s.NextRunAt)
			if !s.Enabled {
				next = "-"
			}
			runs := fmt.Sprintf("%d/%d", s.SuccessfulRuns, s.TotalRuns)
			t.AddRow(s.ID, s.Name, s.Cadence, s.SourceName, state, next, formatTimePtr(s.LastRunAt), runs,
				strconv.Itoa(s.RetentionDays)+"d")
		}
	})
}

// Schedule prints one schedule as a field listing
func (p *Printer) Schedule(s *schedule.Schedule) error {
	return p.Value(s, func(t *Table) {
		t.SetHeaders("FIELD", "VALUE")
		t.AddRow("ID", s.ID)
		t.AddRow("Name", s.Name)
		t.AddRow("Cadence", s.Cadence)
		t.AddRow("Source", s.SourceName)
		t.AddRow("Scope", orDash(s.Scope))
		t.AddRow("Destination", string(s.Destination))
		t.AddRow("Enabled", yesNo(s.Enabled))
		t.AddRow("Retention", fmt.Sprintf("%d days", s.RetentionDays))
		t.AddRow("Next run", formatTime(s.NextRunAt))
		t.AddRow("Last run", formatTimePtr(s.LastRunAt))
		t.AddRow("Runs", fmt.Sprintf("%d total, %d succeeded, %d failed", s.TotalRuns, s.SuccessfulRuns, s.FailedRuns))
		t.AddRow("Last backup", orDash(s.LastBackupID))
		if len(s.Recipients) > 0 {
			t.AddRow("Recipients", strings.Join(s.Recipients, ", "))
		}
		if s.LastError != "" {
			t.AddRow("Last error", p.colors.Colorize(s.LastError, p.colors.Theme().Error))
		}
	})
}

// Plans prints a recovery plan listing
func (p *Printer) Plans(list []*recovery.Plan) error {
	if p.Empty(len(list), "recovery plans") {
		return nil
	}
	if list == nil {
		list = []*recovery.Plan{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("NAME", "VERSION", "RTO", "RPO", "PROCEDURES", "CRITICAL SYSTEMS", "UPDATED")
		t.SetColumnAlignment(1, AlignRight)
		t.SetColumnAlignment(4, AlignRight)
		for _, plan := range list {
			t.AddRow(plan.Name, strconv.Itoa(plan.Version), plan.RecoveryTimeObjective.String(),
				plan.RecoveryPointObjective.String(), strconv.Itoa(len(plan.Procedures)),
				orDash(strings.Join(plan.CriticalSystems, ", ")), formatTime(plan.UpdatedAt))
		}
	})
}

// Plan prints a plan with its ordered procedures
func (p *Printer) Plan(plan *recovery.Plan) error {
	return p.Value(plan, func(t *Table) {
		t.SetHeaders("#", "PROCEDURE", "ACTION", "SOURCE", "DETAIL")
		t.SetColumnAlignment(0, AlignRight)
		for i, proc := range plan.Procedures {
			t.AddRow(strconv.Itoa(i+1), proc.Name, string(proc.Action), orDash(proc.Source), procedureDetail(proc))
		}
		p.Info("Plan %s v%d (RTO %s, RPO %s)", plan.Name, plan.Version,
			plan.RecoveryTimeObjective, plan.RecoveryPointObjective)
	})
}

func procedureDetail(proc recovery.Procedure) string {
	switch {
	case proc.BackupID != "":
		return "backup " + proc.BackupID
	case proc.Environment != "":
		return "to " + proc.Environment
	case proc.Destination != "":
		return "to " + string(proc.Destination)
	default:
		return orDash(proc.Description)
	}
}

// Incidents prints an incident listing; now drives the elapsed column
func (p *Printer) Incidents(list []*recovery.Incident, now time.Time) error {
	if p.Empty(len(list), "incidents") {
		return nil
	}
	if list == nil {
		list = []*recovery.Incident{}
	}
	return p.Value(list, func(t *Table) {
		t.SetHeaders("ID", "TITLE", "SEVERITY", "STATUS", "PLAN", "COMMANDER", "DECLARED", "ELAPSED")
		t.SetColumnStyler(2, p.statusStyler)
		t.SetColumnStyler(3, p.statusStyler)
		for _, inc := range list {
			t.AddRow(inc.ID, inc.Title, string(inc.Severity), string(inc.Status),
				fmt.Sprintf("%s v%d", inc.PlanName, inc.PlanVersion), inc.Commander,
				formatTime(inc.DeclaredAt), inc.Elapsed(now).Round(time.Second).String())
		}
	})
}

// Incident prints an incident with the progress of each procedure
func (p *Printer) Incident(inc *recovery.Incident) error {
	return p.Value(inc, func(t *Table) {
		t.SetHeaders("#", "PROCEDURE", "ACTION", "STATUS", "ATTEMPTS", "RESULT")
		t.SetColumnStyler(3, p.statusStyler)
		t.SetColumnAlignment(4, AlignRight)
		for i, run := range inc.Procedures {
			result := run.Result
			if run.Error != "" {
				result = run.Error
			}
			t.AddRow(strconv.Itoa(i+1), run.Name, string(run.Action), string(run.Status),
				strconv.Itoa(run.Attempts), orDash(result))
		}
		p.Info("Incident %s %q is %s (plan %s v%d, commander %s)", inc.ID, inc.Title,
			p.colors.Status(string(inc.Status)), inc.PlanName, inc.PlanVersion, inc.Commander)
		if inc.Resolution != "" {
			p.Info("Resolution: %s", inc.Resolution)
		}
	})
}
