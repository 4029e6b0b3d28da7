package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// IncidentStatus is the linear incident state: DETECTED, RECOVERING, RESOLVED.
type IncidentStatus string

const (
	IncidentDetected   IncidentStatus = "DETECTED"
	IncidentRecovering IncidentStatus = "RECOVERING"
	IncidentResolved   IncidentStatus = "RESOLVED"
)

// Severity grades an incident
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity normalizes a severity name
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// ProcedureStatus tracks one snapshotted procedure inside an incident
type ProcedureStatus string

const (
	ProcedurePending   ProcedureStatus = "PENDING"
	ProcedureCompleted ProcedureStatus = "COMPLETED"
	ProcedureFailed    ProcedureStatus = "FAILED"
)

// ProcedureRun is a procedure copied from the plan at declaration, plus its progress.
type ProcedureRun struct {
	Procedure
	Status      ProcedureStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Incident is a declared disaster bound to the plan version it was declared against.
type Incident struct {
	ID              string         `json:"id" gorm:"primaryKey;size:64"`
	Title           string         `json:"title"`
	PlanID          string         `json:"plan_id" gorm:"index"`
	PlanName        string         `json:"plan_name"`
	PlanVersion     int            `json:"plan_version"`
	Severity        Severity       `json:"severity"`
	AffectedSystems []string       `json:"affected_systems" gorm:"serializer:json"`
	Status          IncidentStatus `json:"status" gorm:"index"`
	Commander       string         `json:"commander"`
	Procedures      []ProcedureRun `json:"procedures" gorm:"serializer:json"`

	// RestrictedSystems and Contacts are copied from the plan with the procedures.
	RestrictedSystems  []string `json:"restricted_systems,omitempty" gorm:"serializer:json"`
	Contacts           []string `json:"contacts,omitempty" gorm:"serializer:json"`
	GovernanceNotified bool     `json:"governance_notified"`

	DeclaredAt   time.Time  `json:"declared_at"`
	RecoveringAt *time.Time `json:"recovering_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// NextProcedure returns the index of the first procedure not yet completed, or -1.
func (i *Incident) NextProcedure() int {
	_, idx, ok := lo.FindIndexOf(i.Procedures, func(p ProcedureRun) bool {
		return p.Status != ProcedureCompleted
	})
	if !ok {
		return -1
	}
	return idx
}

// Elapsed is the time since declaration, or until resolution once resolved.
func (i *Incident) Elapsed(now time.Time) time.Duration {
	end := now
	if i.ResolvedAt != nil {
		end = *i.ResolvedAt
	}
	return end.Sub(i.DeclaredAt)
}

// snapshotProcedures deep-copies plan procedures into pending runs.
func snapshotProcedures(procs []Procedure) []ProcedureRun {
	return lo.Map(procs, func(p Procedure, _ int) ProcedureRun {
		p.Subset = append([]string(nil), p.Subset...)
		return ProcedureRun{Procedure: p, Status: ProcedurePending}
	})
}
