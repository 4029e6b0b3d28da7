package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/events"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu        sync.Mutex
	plans     map[string]Plan
	incidents map[string]Incident
}

func newMemoryStore() *memoryStore {
	return &memoryStore{plans: map[string]Plan{}, incidents: map[string]Incident{}}
}

func (m *memoryStore) CreatePlan(ctx context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = clonePlan(*p)
	return nil
}

func (m *memoryStore) UpdatePlan(ctx context.Context, p *Plan) error {
	return m.CreatePlan(ctx, p)
}

func (m *memoryStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, backup.NewNotFoundError("plan not found", nil)
	}
	clone := clonePlan(p)
	return &clone, nil
}

func (m *memoryStore) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.Name == name {
			clone := clonePlan(p)
			return &clone, nil
		}
	}
	return nil, backup.NewNotFoundError("plan not found", nil)
}

func (m *memoryStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Plan
	for _, p := range m.plans {
		clone := clonePlan(p)
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memoryStore) CreateIncident(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *inc
	clone.Procedures = append([]ProcedureRun(nil), inc.Procedures...)
	m.incidents[inc.ID] = clone
	return nil
}

func (m *memoryStore) UpdateIncident(ctx context.Context, inc *Incident) error {
	return m.CreateIncident(ctx, inc)
}

func (m *memoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, backup.NewNotFoundError("incident not found", nil)
	}
	inc.Procedures = append([]ProcedureRun(nil), inc.Procedures...)
	return &inc, nil
}

func (m *memoryStore) ListIncidents(ctx context.Context, status IncidentStatus) ([]*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Incident
	for _, inc := range m.incidents {
		if status == "" || inc.Status == status {
			inc := inc
			out = append(out, &inc)
		}
	}
	return out, nil
}

func clonePlan(p Plan) Plan {
	p.Procedures = append([]Procedure(nil), p.Procedures...)
	return p
}

// fakeBackups records every pipeline call made by recovery procedures.
type fakeBackups struct {
	calls      []string
	latest     map[string]*backup.Backup
	failSource string
	verifyBad  bool
	restores   []backup.RestoreRequest
}

func (f *fakeBackups) CreateBackup(ctx context.Context, req backup.Request) (*backup.Backup, error) {
	f.calls = append(f.calls, "backup:"+req.SourceName)
	if req.SourceName == f.failSource {
		return nil, backup.NewCaptureError("source unreachable", nil)
	}
	return &backup.Backup{ID: "backup-new-" + req.SourceName, Status: backup.BackupStatusCompleted}, nil
}

func (f *fakeBackups) RestoreBackup(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreOperation, error) {
	f.calls = append(f.calls, "restore:"+req.BackupID)
	f.restores = append(f.restores, req)
	return &backup.RestoreOperation{ID: "restore-" + req.BackupID, Status: backup.RestoreStatusCompleted}, nil
}

func (f *fakeBackups) LatestBackup(ctx context.Context, source string) (*backup.Backup, error) {
	if b, ok := f.latest[source]; ok {
		return b, nil
	}
	return nil, backup.NewNotFoundError("no completed backup", nil)
}

func (f *fakeBackups) VerifyLatest(ctx context.Context, source string) (*backup.VerificationRecord, error) {
	f.calls = append(f.calls, "verify:"+source)
	b, err := f.LatestBackup(ctx, source)
	if err != nil {
		return nil, err
	}
	rec := &backup.VerificationRecord{ID: "verify-" + b.ID, BackupID: b.ID, ChecksumValid: true, Restorable: true}
	if f.verifyBad {
		rec.Restorable = false
		rec.Error = "artifact is not a valid dump"
	}
	return rec, nil
}

type recordingNotifier struct {
	recipients [][]string
	events     []events.Event
	err        error
	// calls observed before the notification, to check ordering
	callsSeen []int
	backups   *fakeBackups
}

func (n *recordingNotifier) Notify(ctx context.Context, recipients []string, event events.Event) error {
	n.recipients = append(n.recipients, recipients)
	n.events = append(n.events, event)
	n.callsSeen = append(n.callsSeen, len(n.backups.calls))
	return n.err
}

type recordingPublisher struct {
	types []events.Type
}

func (p *recordingPublisher) Publish(e events.Event) { p.types = append(p.types, e.Type) }

type fixture struct {
	store     *memoryStore
	backups   *fakeBackups
	notifier  *recordingNotifier
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
	manager   *Manager
}

func newFixture() *fixture {
	f := &fixture{
		store: newMemoryStore(),
		backups: &fakeBackups{latest: map[string]*backup.Backup{
			"orders-db": {ID: "backup-orders", SourceName: "orders-db"},
			"sessions":  {ID: "backup-sessions", SourceName: "sessions"},
		}},
		publisher: &recordingPublisher{},
		clock:     clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.notifier = &recordingNotifier{backups: f.backups}
	f.manager = NewManager(f.store, f.backups, f.notifier, f.publisher, nil, f.clock)
	return f
}

func regionFailoverPlan() *Plan {
	return &Plan{
		Name:                   "region-failover",
		RecoveryTimeObjective:  4 * time.Hour,
		RecoveryPointObjective: time.Hour,
		CriticalSystems:        []string{"orders-db"},
		PrimaryContacts:        []string{"oncall@example.com"},
		SecondaryContacts:      []string{"cto@example.com", "oncall@example.com"},
		Procedures: []Procedure{
			{Name: "verify orders", Action: ActionVerifyLatest, Source: "orders-db"},
			{Name: "restore orders", Action: ActionRestoreLatest, Source: "orders-db", Environment: "dr"},
			{Name: "confirm traffic", Action: ActionCheckpoint},
		},
	}
}

func (f *fixture) declare(t *testing.T, plan *Plan, affected ...string) *Incident {
	t.Helper()
	ctx := context.Background()
	if plan.ID == "" {
		_, err := f.manager.RegisterPlan(ctx, plan)
		require.NoError(t, err)
	}
	inc, err := f.manager.DeclareIncident(ctx, DeclareRequest{
		Plan:            plan.Name,
		Severity:        SeverityHigh,
		AffectedSystems: affected,
		Commander:       "alice",
	})
	require.NoError(t, err)
	return inc
}

func TestPlanValidation(t *testing.T) {
	plan := &Plan{
		Name:        "broken",
		TestCadence: "sometimes",
		Procedures: []Procedure{
			{Name: "a", Action: ActionBackup, Source: "orders-db"},
			{Name: "a", Action: ActionRestore},
			{Name: "c", Action: "teleport"},
		},
	}
	err := plan.Validate()
	require.Error(t, err)

	var validation backup.ValidationErrors
	require.True(t, errors.As(err, &validation))
	assert.Len(t, validation, 5)

	assert.Error(t, (&Plan{Name: "empty"}).Validate())
	assert.NoError(t, regionFailoverPlan().Validate())
}

func TestRegisterAndUpdatePlanVersions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	plan, err := f.manager.RegisterPlan(ctx, regionFailoverPlan())
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, []string{"oncall@example.com", "cto@example.com"}, plan.Contacts())

	_, err = f.manager.RegisterPlan(ctx, regionFailoverPlan())
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))

	next := regionFailoverPlan()
	next.Procedures = next.Procedures[:1]
	updated, err := f.manager.UpdatePlan(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)

	byName, err := f.manager.GetPlan(ctx, "region-failover")
	require.NoError(t, err)
	assert.Len(t, byName.Procedures, 1)

	_, err = f.manager.UpdatePlan(ctx, &Plan{Name: "unknown", Procedures: next.Procedures})
	assert.True(t, backup.IsNotFound(err))
}

func TestLoadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: region-failover
rto: 4h
rpo: 30m
critical_systems: [orders-db]
restricted_systems: [customers-db]
primary_contacts: [oncall@example.com]
test_cadence: "@monthly"
procedures:
  - name: snapshot survivors
    action: backup
    source: orders-db
    destination: s3
    compress: true
  - name: restore customers
    action: restore-latest
    source: customers-db
    environment: dr
    subset: [public.accounts]
`), 0600))

	plan, err := LoadPlanFile(path)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())
	assert.Equal(t, 4*time.Hour, plan.RecoveryTimeObjective)
	assert.Equal(t, 30*time.Minute, plan.RecoveryPointObjective)
	assert.Equal(t, []string{"customers-db"}, plan.RestrictedSystems)
	require.Len(t, plan.Procedures, 2)
	assert.Equal(t, backup.BackendS3, plan.Procedures[0].Destination)
	assert.Equal(t, []string{"public.accounts"}, plan.Procedures[1].Subset)

	_, err = LoadPlanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeConfiguration))
}

func TestDeclareIncidentValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.manager.DeclareIncident(ctx, DeclareRequest{Plan: "region-failover", Severity: "apocalyptic"})
	require.Error(t, err)
	var validation backup.ValidationErrors
	require.True(t, errors.As(err, &validation))
	assert.Len(t, validation, 3)

	_, err = f.manager.DeclareIncident(ctx, DeclareRequest{
		Plan: "no-such-plan", Severity: SeverityLow, AffectedSystems: []string{"x"}, Commander: "alice",
	})
	assert.True(t, backup.IsNotFound(err))
}

func TestIncidentRunsProceduresAndResolves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inc := f.declare(t, regionFailoverPlan(), "orders-db")

	assert.Equal(t, IncidentDetected, inc.Status)
	assert.Equal(t, 1, inc.PlanVersion)
	assert.Len(t, inc.Procedures, 3)

	f.clock.Advance(30 * time.Minute)
	got, err := f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{Commander: "alice"})
	require.NoError(t, err)

	assert.Equal(t, IncidentResolved, got.Status)
	require.NotNil(t, got.RecoveringAt)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, 30*time.Minute, got.Elapsed(f.clock.Now().Add(time.Hour)))
	assert.Equal(t, []string{"verify:orders-db", "restore:backup-orders"}, f.backups.calls)
	assert.Equal(t, "dr", f.backups.restores[0].TargetEnvironment)
	for _, proc := range got.Procedures {
		assert.Equal(t, ProcedureCompleted, proc.Status, proc.Name)
	}
	assert.Equal(t, "restore-backup-orders", got.Procedures[1].Result)

	assert.Equal(t, []events.Type{
		events.IncidentDeclared, events.IncidentRecovering, events.IncidentResolved,
	}, f.publisher.types)
	assert.Empty(t, f.notifier.events)

	_, err = f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{})
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))
}

func TestIncidentSnapshotIgnoresLaterPlanEdits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inc := f.declare(t, regionFailoverPlan(), "orders-db")

	edited := regionFailoverPlan()
	edited.Procedures = []Procedure{{Name: "rebuild everything", Action: ActionBackup, Source: "sessions", Destination: backup.BackendS3}}
	_, err := f.manager.UpdatePlan(ctx, edited)
	require.NoError(t, err)

	got, err := f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlanVersion)
	assert.Equal(t, []string{"verify:orders-db", "restore:backup-orders"}, f.backups.calls)
}

func TestFailedProcedureKeepsIncidentRecoveringAndResumes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.backups.verifyBad = true
	inc := f.declare(t, regionFailoverPlan(), "orders-db")

	got, err := f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeIntegrityViolation))
	assert.Equal(t, IncidentRecovering, got.Status)
	assert.Equal(t, ProcedureFailed, got.Procedures[0].Status)
	assert.Equal(t, ProcedurePending, got.Procedures[1].Status)
	assert.Contains(t, got.LastError, "verify orders")
	assert.Contains(t, f.publisher.types, events.IncidentProcedureFails)

	stored, err := f.manager.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, IncidentRecovering, stored.Status)

	f.backups.verifyBad = false
	got, err = f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, got.Status)
	assert.Equal(t, 2, got.Procedures[0].Attempts)
	assert.Equal(t, 1, got.Procedures[1].Attempts)
}

func TestRestrictedSystemsNotifySynchronouslyBeforeFirstTouch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.backups.latest["sessions"].Governance.ContainsRestrictedData = true

	plan := regionFailoverPlan()
	plan.Procedures = []Procedure{
		{Name: "checkpoint", Action: ActionCheckpoint},
		{Name: "snapshot orders", Action: ActionBackup, Source: "orders-db", Destination: backup.BackendS3},
		{Name: "restore sessions", Action: ActionRestoreLatest, Source: "sessions", Environment: "dr"},
		{Name: "verify sessions", Action: ActionVerifyLatest, Source: "sessions"},
	}
	inc := f.declare(t, plan, "orders-db", "sessions")

	got, err := f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{
		ApprovalTokens: map[string]string{"backup-sessions": "signed-token"},
	})
	require.NoError(t, err)
	assert.True(t, got.GovernanceNotified)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, events.BackupGovernance, f.notifier.events[0].Type)
	assert.Equal(t, "sessions", f.notifier.events[0].Data["system"])
	assert.Equal(t, []string{"oncall@example.com", "cto@example.com"}, f.notifier.recipients[0])
	// Sent after the orders backup and before the sessions restore.
	assert.Equal(t, []int{1}, f.notifier.callsSeen)
	assert.Equal(t, "signed-token", f.backups.restores[0].ApprovalToken)
}

func TestUndeliveredGovernanceNoticeBlocksProcedure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.notifier.err = fmt.Errorf("smtp: connection refused")

	plan := regionFailoverPlan()
	plan.RestrictedSystems = []string{"orders-db"}
	inc := f.declare(t, plan, "orders-db")

	got, err := f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeApprovalRequired))
	assert.Equal(t, IncidentRecovering, got.Status)
	assert.False(t, got.GovernanceNotified)
	assert.Empty(t, f.backups.calls)
}

func TestResolveRequiresCommanderAndRecovering(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.backups.failSource = "orders-db"

	plan := regionFailoverPlan()
	plan.Procedures = []Procedure{{Name: "snapshot", Action: ActionBackup, Source: "orders-db", Destination: backup.BackendS3}}
	inc := f.declare(t, plan, "orders-db")

	_, err := f.manager.Resolve(ctx, inc.ID, "alice", "false alarm")
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))

	_, err = f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{Commander: "mallory"})
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))

	_, err = f.manager.ExecuteRecovery(ctx, inc.ID, ExecuteRequest{Commander: "alice"})
	require.Error(t, err)

	_, err = f.manager.Resolve(ctx, inc.ID, "bob", "handled manually")
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))

	resolved, err := f.manager.Resolve(ctx, inc.ID, "alice", "handled manually")
	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, resolved.Status)
	assert.Equal(t, "handled manually", resolved.Resolution)

	open, err := f.manager.ListIncidents(ctx, IncidentRecovering)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := f.manager.ListIncidents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
