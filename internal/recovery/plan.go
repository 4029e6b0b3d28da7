// Package recovery registers disaster-recovery plans and drives incidents
// through DETECTED, RECOVERING and RESOLVED by executing the plan's recovery
// procedures against the backup and restore pipelines.
package recovery

import (
	"fmt"
	"os"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/schedule"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// ProcedureAction names what a recovery procedure does
type ProcedureAction string

const (
	ActionBackup        ProcedureAction = "backup"
	ActionRestore       ProcedureAction = "restore"
	ActionRestoreLatest ProcedureAction = "restore-latest"
	ActionVerifyLatest  ProcedureAction = "verify-latest"
	// ActionCheckpoint records that a manual step was reached; it always succeeds.
	ActionCheckpoint ProcedureAction = "checkpoint"
)

// Procedure is one step of a recovery runbook.
type Procedure struct {
	Name        string             `json:"name" yaml:"name"`
	Action      ProcedureAction    `json:"action" yaml:"action"`
	Source      string             `json:"source,omitempty" yaml:"source,omitempty"`
	Scope       string             `json:"scope,omitempty" yaml:"scope,omitempty"`
	Destination backup.BackendType `json:"destination,omitempty" yaml:"destination,omitempty"`
	Environment string             `json:"environment,omitempty" yaml:"environment,omitempty"`
	BackupID    string             `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	Compress    bool               `json:"compress,omitempty" yaml:"compress,omitempty"`
	Encrypt     bool               `json:"encrypt,omitempty" yaml:"encrypt,omitempty"`
	Subset      []string           `json:"subset,omitempty" yaml:"subset,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
}

// Plan is a named, versioned recovery runbook.
type Plan struct {
	ID          string `json:"id" yaml:"id,omitempty" gorm:"primaryKey;size:64"`
	Name        string `json:"name" yaml:"name" gorm:"uniqueIndex"`
	Version     int    `json:"version" yaml:"version,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	RecoveryTimeObjective  time.Duration `json:"rto" yaml:"rto"`
	RecoveryPointObjective time.Duration `json:"rpo" yaml:"rpo"`

	CriticalSystems  []string `json:"critical_systems,omitempty" yaml:"critical_systems,omitempty" gorm:"serializer:json"`
	ImportantSystems []string `json:"important_systems,omitempty" yaml:"important_systems,omitempty" gorm:"serializer:json"`
	// RestrictedSystems hold governance-flagged data; recovery touching them notifies contacts first.
	RestrictedSystems []string `json:"restricted_systems,omitempty" yaml:"restricted_systems,omitempty" gorm:"serializer:json"`

	Procedures        []Procedure `json:"procedures" yaml:"procedures" gorm:"serializer:json"`
	PrimaryContacts   []string    `json:"primary_contacts,omitempty" yaml:"primary_contacts,omitempty" gorm:"serializer:json"`
	SecondaryContacts []string    `json:"secondary_contacts,omitempty" yaml:"secondary_contacts,omitempty" gorm:"serializer:json"`
	TestCadence       string      `json:"test_cadence,omitempty" yaml:"test_cadence,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Contacts returns primary then secondary contacts without duplicates.
func (p *Plan) Contacts() []string {
	return lo.Uniq(append(append([]string{}, p.PrimaryContacts...), p.SecondaryContacts...))
}

// Validate checks the plan and each of its procedures
func (p *Plan) Validate() error {
	var errors backup.ValidationErrors

	if strings.TrimSpace(p.Name) == "" {
		errors.Add("name", "plan name is required", p.Name)
	}
	if p.RecoveryTimeObjective < 0 {
		errors.Add("rto", "recovery time objective must not be negative", p.RecoveryTimeObjective)
	}
	if p.RecoveryPointObjective < 0 {
		errors.Add("rpo", "recovery point objective must not be negative", p.RecoveryPointObjective)
	}
	if len(p.Procedures) == 0 {
		errors.Add("procedures", "at least one recovery procedure is required", nil)
	}
	if p.TestCadence != "" {
		if _, err := schedule.ParseCadence(p.TestCadence); err != nil {
			errors.Add("test_cadence", err.Error(), p.TestCadence)
		}
	}

	seen := make(map[string]bool)
	for i, proc := range p.Procedures {
		field := fmt.Sprintf("procedures[%d]", i)
		if proc.Name == "" {
			errors.Add(field+".name", "procedure name is required", nil)
		} else if seen[proc.Name] {
			errors.Add(field+".name", "procedure names must be unique", proc.Name)
		}
		seen[proc.Name] = true

		if msg := proc.validate(); msg != "" {
			errors.Add(field, msg, proc.Action)
		}
	}

	if errors.HasErrors() {
		return backup.NewValidationError(fmt.Sprintf("invalid recovery plan %q", p.Name), errors)
	}
	return nil
}

func (p Procedure) validate() string {
	switch p.Action {
	case ActionBackup:
		if p.Source == "" || p.Destination == "" {
			return "backup procedures need a source and a destination"
		}
	case ActionRestore:
		if p.BackupID == "" {
			return "restore procedures need a backup_id"
		}
	case ActionRestoreLatest:
		if p.Source == "" {
			return "restore-latest procedures need a source"
		}
	case ActionVerifyLatest:
		if p.Source == "" {
			return "verify-latest procedures need a source"
		}
	case ActionCheckpoint:
	default:
		return fmt.Sprintf("unknown procedure action %q", p.Action)
	}
	return ""
}

// LoadPlanFile reads a plan from a YAML file
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to read plan file", err).WithContext("path", path)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, backup.NewValidationError("failed to parse plan file", err).WithContext("path", path)
	}
	return &plan, nil
}
