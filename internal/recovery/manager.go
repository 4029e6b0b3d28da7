package recovery

import (
	"context"
	"fmt"
	"strings"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/metrics"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

// Store persists plans and incidents.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	UpdatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	GetPlanByName(ctx context.Context, name string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	CreateIncident(ctx context.Context, inc *Incident) error
	UpdateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, status IncidentStatus) ([]*Incident, error)
}

// Backups are the pipeline primitives recovery procedures invoke.
type Backups interface {
	CreateBackup(ctx context.Context, req backup.Request) (*backup.Backup, error)
	RestoreBackup(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreOperation, error)
	LatestBackup(ctx context.Context, sourceName string) (*backup.Backup, error)
	VerifyLatest(ctx context.Context, sourceName string) (*backup.VerificationRecord, error)
}

// Notifier delivers a notification synchronously.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, event events.Event) error
}

// Manager registers plans and drives incidents.
type Manager struct {
	store    Store
	backups  Backups
	notifier Notifier
	events   events.Publisher
	logger   *logging.Logger
	clock    clockwork.Clock
}

// NewManager creates an incident manager. notifier, publisher, logger and clock may be nil.
func NewManager(store Store, backups Backups, notifier Notifier, publisher events.Publisher, logger *logging.Logger, clock clockwork.Clock) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store:    store,
		backups:  backups,
		notifier: notifier,
		events:   publisher,
		logger:   logger,
		clock:    clock,
	}
}

// RegisterPlan validates and stores a new plan at version 1.
func (m *Manager) RegisterPlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.store.GetPlanByName(ctx, plan.Name); err == nil {
		return nil, backup.NewValidationError(fmt.Sprintf("plan %q already exists", plan.Name), nil)
	} else if !backup.IsNotFound(err) {
		return nil, err
	}

	now := m.clock.Now().UTC()
	plan.ID = "plan-" + uuid.NewString()[:8]
	plan.Version = 1
	plan.CreatedAt = now
	plan.UpdatedAt = now
	if err := m.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"plan_id":    plan.ID,
		"plan":       plan.Name,
		"procedures": len(plan.Procedures),
	}).Info("Recovery plan registered")
	return plan, nil
}

// UpdatePlan replaces the plan with the same name and increments its version.
// Incidents already declared keep the procedures they were declared with.
func (m *Manager) UpdatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	existing, err := m.store.GetPlanByName(ctx, plan.Name)
	if err != nil {
		return nil, err
	}

	plan.ID = existing.ID
	plan.Version = existing.Version + 1
	plan.CreatedAt = existing.CreatedAt
	plan.UpdatedAt = m.clock.Now().UTC()
	if err := m.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"plan_id": plan.ID,
		"plan":    plan.Name,
		"version": plan.Version,
	}).Info("Recovery plan updated")
	return plan, nil
}

// GetPlan looks a plan up by id, then by name
func (m *Manager) GetPlan(ctx context.Context, ref string) (*Plan, error) {
	plan, err := m.store.GetPlan(ctx, ref)
	if err == nil || !backup.IsNotFound(err) {
		return plan, err
	}
	return m.store.GetPlanByName(ctx, ref)
}

func (m *Manager) ListPlans(ctx context.Context) ([]*Plan, error) {
	return m.store.ListPlans(ctx)
}

// DeclareRequest describes a new incident.
type DeclareRequest struct {
	Plan            string
	Title           string
	Severity        Severity
	AffectedSystems []string
	Commander       string
}

// DeclareIncident binds a new DETECTED incident to a plan, snapshotting the
// plan's procedures.
func (m *Manager) DeclareIncident(ctx context.Context, req DeclareRequest) (*Incident, error) {
	var errors backup.ValidationErrors
	if strings.TrimSpace(req.Commander) == "" {
		errors.Add("commander", "an incident commander is required", nil)
	}
	if len(req.AffectedSystems) == 0 {
		errors.Add("affected_systems", "at least one affected system is required", nil)
	}
	if _, err := ParseSeverity(string(req.Severity)); err != nil {
		errors.Add("severity", err.Error(), req.Severity)
	}
	if errors.HasErrors() {
		return nil, backup.NewValidationError("invalid incident declaration", errors)
	}

	plan, err := m.GetPlan(ctx, req.Plan)
	if err != nil {
		return nil, err
	}

	severity, _ := ParseSeverity(string(req.Severity))
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("%s incident affecting %s", severity, strings.Join(req.AffectedSystems, ", "))
	}

	inc := &Incident{
		ID:                "incident-" + uuid.NewString()[:8],
		Title:             title,
		PlanID:            plan.ID,
		PlanName:          plan.Name,
		PlanVersion:       plan.Version,
		Severity:          severity,
		AffectedSystems:   lo.Uniq(req.AffectedSystems),
		Status:            IncidentDetected,
		Commander:         req.Commander,
		Procedures:        snapshotProcedures(plan.Procedures),
		RestrictedSystems: append([]string(nil), plan.RestrictedSystems...),
		Contacts:          plan.Contacts(),
		DeclaredAt:        m.clock.Now().UTC(),
	}
	if err := m.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}

	metrics.Incidents.WithLabelValues(string(IncidentDetected)).Inc()
	m.logger.WithFields(map[string]interface{}{
		"incident_id": inc.ID,
		"plan":        plan.Name,
		"severity":    inc.Severity,
		"affected":    inc.AffectedSystems,
	}).Warn("Incident declared")
	m.publish(inc, events.IncidentDeclared, inc.Title)
	return inc, nil
}

// ExecuteRequest carries the commander's inputs for a recovery run. Approval
// tokens are keyed by backup id.
type ExecuteRequest struct {
	Commander      string
	ApprovalTokens map[string]string
}

// ExecuteRecovery moves the incident to RECOVERING and runs its snapshotted
// procedures in order, starting from the first one not yet completed. A failed
// procedure stops the run and leaves the incident RECOVERING for the commander
// to decide; when every procedure has completed the incident is RESOLVED.
func (m *Manager) ExecuteRecovery(ctx context.Context, incidentID string, req ExecuteRequest) (*Incident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == IncidentResolved {
		return nil, backup.NewValidationError("incident is already resolved", nil).WithContext("incident_id", inc.ID)
	}
	if req.Commander != "" && req.Commander != inc.Commander {
		return nil, backup.NewValidationError("only the incident commander may execute recovery", nil).
			WithContext("incident_id", inc.ID)
	}

	if inc.Status == IncidentDetected {
		now := m.clock.Now().UTC()
		inc.Status = IncidentRecovering
		inc.RecoveringAt = &now
		if err := m.store.UpdateIncident(ctx, inc); err != nil {
			return nil, err
		}
		metrics.Incidents.WithLabelValues(string(IncidentRecovering)).Inc()
		m.publish(inc, events.IncidentRecovering, fmt.Sprintf("Recovery started for %s", inc.Title))
	}

	done := m.logger.LogOperationStart("incident_recovery", map[string]interface{}{
		"incident_id": inc.ID,
		"plan":        inc.PlanName,
	})

	for idx := inc.NextProcedure(); idx >= 0; idx = inc.NextProcedure() {
		if err := m.runProcedure(ctx, inc, idx, req); err != nil {
			done(err)
			return inc, err
		}
	}

	now := m.clock.Now().UTC()
	inc.Status = IncidentResolved
	inc.ResolvedAt = &now
	inc.Resolution = "all recovery procedures completed"
	inc.LastError = ""
	if err := m.store.UpdateIncident(context.WithoutCancel(ctx), inc); err != nil {
		done(err)
		return nil, err
	}
	done(nil)

	metrics.Incidents.WithLabelValues(string(IncidentResolved)).Inc()
	m.publish(inc, events.IncidentResolved, inc.Resolution)
	return inc, nil
}

func (m *Manager) runProcedure(ctx context.Context, inc *Incident, idx int, req ExecuteRequest) error {
	proc := &inc.Procedures[idx]

	if err := m.notifyGovernance(ctx, inc, proc.Procedure); err != nil {
		return m.failProcedure(ctx, inc, proc, err)
	}

	started := m.clock.Now().UTC()
	proc.StartedAt = &started
	proc.Attempts++

	result, err := m.perform(ctx, proc.Procedure, req)
	if err != nil {
		return m.failProcedure(ctx, inc, proc, err)
	}

	completed := m.clock.Now().UTC()
	proc.Status = ProcedureCompleted
	proc.Result = result
	proc.Error = ""
	proc.CompletedAt = &completed
	if err := m.store.UpdateIncident(context.WithoutCancel(ctx), inc); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"incident_id": inc.ID,
		"procedure":   proc.Name,
		"action":      proc.Action,
		"result":      result,
	}).Info("Recovery procedure completed")
	return nil
}

// perform runs one procedure and returns a reference to what it produced.
func (m *Manager) perform(ctx context.Context, proc Procedure, req ExecuteRequest) (string, error) {
	switch proc.Action {
	case ActionBackup:
		b, err := m.backups.CreateBackup(ctx, backup.Request{
			Name:        proc.Name,
			SourceName:  proc.Source,
			Scope:       proc.Scope,
			Destination: proc.Destination,
			Compress:    proc.Compress,
			Encrypt:     proc.Encrypt,
			CreatedBy:   "incident-manager",
		})
		if err != nil {
			return "", err
		}
		return b.ID, nil

	case ActionRestore, ActionRestoreLatest:
		backupID := proc.BackupID
		if proc.Action == ActionRestoreLatest {
			latest, err := m.backups.LatestBackup(ctx, proc.Source)
			if err != nil {
				return "", err
			}
			backupID = latest.ID
		}
		op, err := m.backups.RestoreBackup(ctx, backup.RestoreRequest{
			BackupID:          backupID,
			TargetEnvironment: proc.Environment,
			Partial:           len(proc.Subset) > 0,
			Subset:            proc.Subset,
			ApprovalToken:     req.ApprovalTokens[backupID],
			PerformedBy:       "incident-manager",
		})
		if err != nil {
			return "", err
		}
		return op.ID, nil

	case ActionVerifyLatest:
		rec, err := m.backups.VerifyLatest(ctx, proc.Source)
		if err != nil {
			return "", err
		}
		if !rec.ChecksumValid || !rec.Restorable {
			return "", backup.NewIntegrityViolation(
				fmt.Sprintf("latest backup %s failed verification: %s", rec.BackupID, rec.Error), nil)
		}
		return rec.ID, nil

	case ActionCheckpoint:
		return "checkpoint reached", nil
	}
	return "", backup.NewValidationError(fmt.Sprintf("unknown procedure action %q", proc.Action), nil)
}

func (m *Manager) failProcedure(ctx context.Context, inc *Incident, proc *ProcedureRun, cause error) error {
	proc.Status = ProcedureFailed
	proc.Error = cause.Error()
	inc.LastError = fmt.Sprintf("%s: %s", proc.Name, cause.Error())
	if err := m.store.UpdateIncident(context.WithoutCancel(ctx), inc); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"incident_id": inc.ID,
			"error":       err.Error(),
		}).Error("Failed to record procedure failure")
	}

	m.logger.WithFields(map[string]interface{}{
		"incident_id": inc.ID,
		"procedure":   proc.Name,
		"error":       cause.Error(),
	}).Error("Recovery procedure failed, incident awaits the commander")
	m.publish(inc, events.IncidentProcedureFails, inc.LastError)

	return fmt.Errorf("procedure %q failed: %w", proc.Name, cause)
}

// notifyGovernance synchronously notifies the incident contacts before the first
// procedure that touches an affected system holding governance-flagged data.
func (m *Manager) notifyGovernance(ctx context.Context, inc *Incident, proc Procedure) error {
	if inc.GovernanceNotified || proc.Source == "" || !lo.Contains(inc.AffectedSystems, proc.Source) {
		return nil
	}
	restricted, err := m.isRestricted(ctx, inc, proc.Source)
	if err != nil {
		return err
	}
	if !restricted {
		return nil
	}

	event := m.event(inc, events.BackupGovernance,
		fmt.Sprintf("Recovery of %s is about to touch restricted data in %s", inc.Title, proc.Source))
	event.Severity = events.SeverityCritical
	event.Data["system"] = proc.Source

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, inc.Contacts, event); err != nil {
			return backup.NewApprovalRequired("governance notification could not be delivered", err).
				WithContext("incident_id", inc.ID)
		}
	}

	inc.GovernanceNotified = true
	return m.store.UpdateIncident(ctx, inc)
}

func (m *Manager) isRestricted(ctx context.Context, inc *Incident, system string) (bool, error) {
	if lo.Contains(inc.RestrictedSystems, system) {
		return true, nil
	}
	latest, err := m.backups.LatestBackup(ctx, system)
	if err != nil {
		if backup.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return latest.IsRestricted(), nil
}

// Resolve closes a RECOVERING incident by commander decision.
func (m *Manager) Resolve(ctx context.Context, incidentID, commander, resolution string) (*Incident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status != IncidentRecovering {
		return nil, backup.NewValidationError(fmt.Sprintf("cannot resolve an incident in status %s", inc.Status), nil).
			WithContext("incident_id", inc.ID)
	}
	if commander != inc.Commander {
		return nil, backup.NewValidationError("only the incident commander may resolve it", nil).
			WithContext("incident_id", inc.ID)
	}

	now := m.clock.Now().UTC()
	inc.Status = IncidentResolved
	inc.ResolvedAt = &now
	inc.Resolution = resolution
	if err := m.store.UpdateIncident(ctx, inc); err != nil {
		return nil, err
	}

	metrics.Incidents.WithLabelValues(string(IncidentResolved)).Inc()
	m.publish(inc, events.IncidentResolved, resolution)
	return inc, nil
}

func (m *Manager) GetIncident(ctx context.Context, id string) (*Incident, error) {
	return m.store.GetIncident(ctx, id)
}

// ListIncidents returns incidents, optionally only those in status
func (m *Manager) ListIncidents(ctx context.Context, status IncidentStatus) ([]*Incident, error) {
	return m.store.ListIncidents(ctx, status)
}

func (m *Manager) event(inc *Incident, typ events.Type, message string) events.Event {
	severity := events.SeverityWarning
	switch {
	case typ == events.IncidentResolved:
		severity = events.SeverityInfo
	case typ == events.IncidentProcedureFails, inc.Severity == SeverityCritical, inc.Severity == SeverityHigh:
		severity = events.SeverityCritical
	}
	return events.Event{
		Type:       typ,
		Severity:   severity,
		Subject:    fmt.Sprintf("[%s] %s", inc.Status, inc.Title),
		Message:    message,
		Recipients: inc.Contacts,
		Timestamp:  m.clock.Now().UTC(),
		Data: map[string]interface{}{
			"incident_id":  inc.ID,
			"plan":         inc.PlanName,
			"plan_version": inc.PlanVersion,
			"severity":     inc.Severity,
			"status":       inc.Status,
			"affected":     inc.AffectedSystems,
		},
	}
}

func (m *Manager) publish(inc *Incident, typ events.Type, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(m.event(inc, typ, message))
}
