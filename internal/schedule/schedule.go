// Package schedule triggers recurring backups on a cron-like cadence and
// enforces each schedule's retention window after every run.
//
// Pending runs are kept in a min-heap ordered by next-run time. The heap is
// rebuilt from the persisted schedules on start, so a schedule whose next run
// passed while the process was down runs once immediately.
package schedule

import (
	"context"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"

	"github.com/google/uuid"
)

// Schedule is a recurring backup trigger. Run counters and NextRunAt are owned by
// the Scheduler.
type Schedule struct {
	ID             string             `json:"id" yaml:"id" gorm:"primaryKey;size:64"`
	Name           string             `json:"name" yaml:"name" gorm:"uniqueIndex"`
	Cadence        string             `json:"cadence" yaml:"cadence"`
	SourceName     string             `json:"source_name" yaml:"source_name"`
	Scope          string             `json:"scope,omitempty" yaml:"scope,omitempty"`
	Destination    backup.BackendType `json:"destination" yaml:"destination"`
	Compress       bool               `json:"compress" yaml:"compress"`
	Encrypt        bool               `json:"encrypt" yaml:"encrypt"`
	Restricted     bool               `json:"restricted" yaml:"restricted"`
	Classification string             `json:"classification,omitempty" yaml:"classification,omitempty"`
	RetentionDays  int                `json:"retention_days" yaml:"retention_days"`
	Recipients     []string           `json:"recipients,omitempty" yaml:"recipients,omitempty" gorm:"serializer:json"`
	Enabled        bool               `json:"enabled" yaml:"enabled" gorm:"index"`
	TotalRuns      int                `json:"total_runs" yaml:"total_runs"`
	SuccessfulRuns int                `json:"successful_runs" yaml:"successful_runs"`
	FailedRuns     int                `json:"failed_runs" yaml:"failed_runs"`
	LastRunAt      *time.Time         `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	NextRunAt      time.Time          `json:"next_run_at" yaml:"next_run_at"`
	LastBackupID   string             `json:"last_backup_id,omitempty" yaml:"last_backup_id,omitempty"`
	LastError      string             `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedBy      string             `json:"created_by" yaml:"created_by"`
	CreatedAt      time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"updated_at"`
}

// Request returns the backup request a run of this schedule issues.
func (s *Schedule) Request() backup.Request {
	return backup.Request{
		Name:           s.Name,
		SourceName:     s.SourceName,
		Scope:          s.Scope,
		Destination:    s.Destination,
		Compress:       s.Compress,
		Encrypt:        s.Encrypt,
		Restricted:     s.Restricted,
		Classification: s.Classification,
		CreatedBy:      "scheduler",
		ScheduleID:     s.ID,
	}
}

// CreateRequest describes a new schedule.
type CreateRequest struct {
	Name           string
	Cadence        string
	SourceName     string
	Scope          string
	Destination    backup.BackendType
	Compress       bool
	Encrypt        bool
	Restricted     bool
	Classification string
	RetentionDays  int
	Recipients     []string
	Disabled       bool
	CreatedBy      string
}

// Validate checks the request and parses its cadence.
func (r *CreateRequest) Validate() (*Cadence, error) {
	var errors backup.ValidationErrors

	if strings.TrimSpace(r.Name) == "" {
		errors.Add("name", "schedule name is required", r.Name)
	}
	cadence, err := ParseCadence(r.Cadence)
	if err != nil {
		errors.Add("cadence", err.Error(), r.Cadence)
	}
	if r.RetentionDays < 0 {
		errors.Add("retention_days", "retention must not be negative", r.RetentionDays)
	}
	backupReq := backup.Request{SourceName: r.SourceName, Scope: r.Scope, Destination: r.Destination}
	if err := backupReq.Validate(); err != nil {
		errors.Add("request", err.Error(), nil)
	}

	if errors.HasErrors() {
		return nil, backup.NewValidationError("invalid schedule", errors)
	}
	return cadence, nil
}

// Store persists schedules. Several processes may drive the same schedule (serve
// and a manual trigger), so state changes are single statements on the affected
// columns rather than whole-row rewrites.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	// SetScheduleState writes the enabled flag and next run only.
	SetScheduleState(ctx context.Context, id string, enabled bool, nextRunAt, at time.Time) (*Schedule, error)
	// RecordScheduleRun adds one run to the counters in place and returns the row.
	RecordScheduleRun(ctx context.Context, id string, run RunRecord) (*Schedule, error)
}

// RunRecord is what one finished run contributes to its schedule.
type RunRecord struct {
	At        time.Time
	NextRunAt time.Time
	BackupID  string
	// Error is empty for a successful run.
	Error string
}

// Runner executes the backups and retention passes a schedule asks for.
type Runner interface {
	CreateBackup(ctx context.Context, req backup.Request) (*backup.Backup, error)
	ExpireBackups(ctx context.Context, scheduleID string, retentionDays int) ([]*backup.Backup, error)
}

// RunResult is the outcome of one scheduled run.
type RunResult struct {
	ScheduleID string
	Backup     *backup.Backup
	Err        error
	Expired    []*backup.Backup
	// RetentionErr is the error of the retention pass, independent of Err.
	RetentionErr error
}

func newScheduleID() string {
	return "schedule-" + uuid.NewString()[:8]
}
