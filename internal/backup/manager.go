package backup

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/metrics"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultRollbackWindow        = 7 * 24 * time.Hour
	DefaultRetrievalPollInterval = 15 * time.Minute
	DefaultRetrievalTimeout      = 48 * time.Hour
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultStaleAfter            = 5 * time.Minute
)

// ManagerConfig holds the tunables of the backup, restore and verification pipelines
type ManagerConfig struct {
	StagingDir       string
	Compression      CompressionType
	CompressionLevel int
	// RollbackWindow is added to a restore's completion time to set its rollback deadline.
	RollbackWindow        time.Duration
	RetrievalPollInterval time.Duration
	RetrievalTimeout      time.Duration
	// HeartbeatInterval is how often a running backup refreshes its record.
	HeartbeatInterval time.Duration
	// StaleAfter is how long an IN_PROGRESS record may go without a heartbeat
	// before RecoverInterrupted treats its owner as gone.
	StaleAfter time.Duration
}

// SetDefaults fills unset values
func (c *ManagerConfig) SetDefaults() {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(os.TempDir(), "backup-orchestrator")
	}
	if c.Compression == "" {
		c.Compression = CompressionTypeGzip
	}
	if c.RollbackWindow == 0 {
		c.RollbackWindow = DefaultRollbackWindow
	}
	if c.RetrievalPollInterval == 0 {
		c.RetrievalPollInterval = DefaultRetrievalPollInterval
	}
	if c.RetrievalTimeout == 0 {
		c.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Dependencies are the collaborators a Manager is built from. Events, Audit,
// Logger, Clock and Owner are optional.
type Dependencies struct {
	Store     Store
	Sources   *SourceRegistry
	Catalog   SourceCatalog
	Backends  *BackendRegistry
	Pipeline  *Pipeline
	Vault     KeyVault
	Approvals ApprovalChecker
	Events    events.Publisher
	Audit     *AuditLogger
	Logger    *logging.Logger
	Clock     clockwork.Clock
	// Owner names this process on the backup records it runs. Defaults to
	// host, pid and a random suffix.
	Owner string
}

// Manager runs the backup, restore, verification and retention pipelines.
type Manager struct {
	store     Store
	sources   *SourceRegistry
	catalog   SourceCatalog
	backends  *BackendRegistry
	pipeline  *Pipeline
	vault     KeyVault
	approvals ApprovalChecker
	events    events.Publisher
	audit     *AuditLogger
	logger    *logging.Logger
	clock     clockwork.Clock
	owner     string
	config    ManagerConfig
}

// NewManager creates a Manager from its dependencies
func NewManager(config ManagerConfig, deps Dependencies) (*Manager, error) {
	var errors ValidationErrors
	if deps.Store == nil {
		errors.Add("store", "a persistence store is required", nil)
	}
	if deps.Sources == nil {
		errors.Add("sources", "a source adapter registry is required", nil)
	}
	if deps.Catalog == nil {
		errors.Add("catalog", "a source catalog is required", nil)
	}
	if deps.Backends == nil {
		errors.Add("backends", "a storage backend registry is required", nil)
	}
	if deps.Vault == nil {
		errors.Add("vault", "a key vault is required", nil)
	}
	if errors.HasErrors() {
		return nil, NewConfigurationError("incomplete backup manager dependencies", errors)
	}

	config.SetDefaults()
	if _, err := ParseCompressionType(string(config.Compression)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.StagingDir, 0700); err != nil {
		return nil, NewConfigurationError("failed to create staging directory", err)
	}

	m := &Manager{
		store:     deps.Store,
		sources:   deps.Sources,
		catalog:   deps.Catalog,
		backends:  deps.Backends,
		pipeline:  deps.Pipeline,
		vault:     deps.Vault,
		approvals: deps.Approvals,
		events:    deps.Events,
		audit:     deps.Audit,
		logger:    deps.Logger,
		clock:     deps.Clock,
		owner:     deps.Owner,
		config:    config,
	}
	if m.owner == "" {
		m.owner = newOwnerID()
	}
	if m.pipeline == nil {
		m.pipeline = NewPipeline(nil, nil)
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m, nil
}

// CreateBackup captures, transforms and uploads one snapshot of a source. Only one
// backup per (source, scope) may run at a time, across every process sharing the
// store; a second request is rejected with CONCURRENCY_CONFLICT. On pipeline
// failure the FAILED record is returned together with the error.
func (m *Manager) CreateBackup(ctx context.Context, req Request) (*Backup, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	source, err := m.catalog.Source(req.SourceName)
	if err != nil {
		return nil, err
	}
	adapter, err := m.sources.Get(source.Type)
	if err != nil {
		return nil, err
	}
	backend, err := m.backends.Get(req.Destination)
	if err != nil {
		return nil, err
	}

	b := m.newBackupRecord(req, source)
	if err := m.store.CreateBackup(ctx, b); err != nil {
		if IsErrorType(err, BackupErrorTypeConcurrencyConflict) {
			metrics.ConcurrencyConflicts.Inc()
			return nil, NewConcurrencyConflict("a backup of this source and scope is already in progress", err).
				WithContext("source", req.SourceName).
				WithContext("scope", req.Scope)
		}
		return nil, NewPersistenceError("failed to create backup record", err)
	}

	ctx, stopHeartbeat := m.startHeartbeat(ctx, b)
	defer stopHeartbeat()

	done := m.logger.LogOperationStart("create_backup", map[string]interface{}{
		"backup_id": b.ID,
		"source":    b.SourceName,
		"scope":     b.Scope,
		"backend":   b.Destination,
	})
	m.publish(events.Event{
		Type:    events.BackupStarted,
		Subject: "Backup started",
		Message: fmt.Sprintf("Backup %s of %s started", b.ID, b.SourceName),
		Data:    backupEventData(b),
	})

	result, uri, err := m.produceArtifact(ctx, b, source, adapter, backend)
	if err == nil {
		if err = m.completeBackup(ctx, b, result, uri); err != nil {
			m.discardArtifact(ctx, b, backend, uri)
		}
	}
	if err != nil {
		if cause := context.Cause(ctx); IsErrorType(cause, BackupErrorTypeConcurrencyConflict) {
			err = cause
		}
		m.failBackup(ctx, b, err)
		done(err)
		return b, err
	}

	done(nil)
	return b, nil
}

func (m *Manager) newBackupRecord(req Request, source SourceConfig) *Backup {
	compression := CompressionTypeNone
	if req.Compress {
		compression = m.config.Compression
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = currentUser()
	}

	b := &Backup{
		ID:          GenerateBackupID(),
		Name:        req.Name,
		SourceName:  source.Name,
		SourceType:  source.Type,
		Scope:       req.Scope,
		Destination: req.Destination,
		Compression: compression,
		Encrypted:   req.Encrypt,
		Status:      BackupStatusInProgress,
		StartedAt:   m.clock.Now().UTC(),
		Owner:       m.owner,
		CreatedBy:   createdBy,
		ScheduleID:  req.ScheduleID,
		Governance: GovernanceFlags{
			ContainsRestrictedData: req.Restricted,
			Classification:         req.Classification,
		},
	}
	if b.Name == "" {
		b.Name = fmt.Sprintf("%s-%s", source.Name, b.StartedAt.Format("20060102-150405"))
	}
	heartbeat := b.StartedAt
	b.HeartbeatAt = &heartbeat
	return b
}

// startHeartbeat refreshes b's heartbeat until the returned stop func is called.
// If the record is taken over by another process the returned context is canceled.
func (m *Manager) startHeartbeat(ctx context.Context, b *Backup) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := m.store.TouchBackup(ctx, b.ID, b.Owner, m.clock.Now().UTC())
				if err == nil {
					continue
				}
				if IsErrorType(err, BackupErrorTypeConcurrencyConflict) {
					cancel(err)
					return
				}
				m.logger.WithFields(map[string]interface{}{
					"backup_id": b.ID,
					"error":     err.Error(),
				}).Warn("Failed to refresh backup heartbeat")
			}
		}
	}()

	return ctx, func() {
		ticker.Stop()
		close(done)
		<-stopped
		cancel(nil)
	}
}

// produceArtifact runs capture, transform and upload inside a staging directory
// that is removed when it returns, whatever the outcome.
func (m *Manager) produceArtifact(ctx context.Context, b *Backup, source SourceConfig, adapter SourceAdapter, backend StorageBackend) (*TransformResult, string, error) {
	stagingDir := filepath.Join(m.config.StagingDir, b.ID)
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, "", NewCaptureError("failed to create staging directory", err)
	}
	defer m.cleanupStaging(stagingDir)

	rawPath := filepath.Join(stagingDir, "raw")
	start := m.clock.Now()
	rawSize, err := adapter.Capture(ctx, source, b.Scope, rawPath)
	m.logger.LogPipelineStep(b.ID, "capture", m.clock.Since(start), err)
	if err != nil {
		return nil, "", asPipelineError(BackupErrorTypeCapture, "capture failed", err)
	}
	if rawSize == 0 {
		b.Warnings = append(b.Warnings, "capture produced an empty artifact")
	}

	start = m.clock.Now()
	result, err := m.pipeline.Apply(ctx, rawPath, filepath.Join(stagingDir, "artifact"), TransformOptions{
		Compression: b.Compression,
		Level:       m.config.CompressionLevel,
		Encrypt:     b.Encrypted,
	})
	m.logger.LogPipelineStep(b.ID, "transform", m.clock.Since(start), err)
	if err != nil {
		return nil, "", asPipelineError(BackupErrorTypeTransform, "transform failed", err)
	}

	if len(result.KeyMaterial) > 0 {
		ref, err := m.vault.Store(ctx, result.KeyMaterial, 0)
		clear(result.KeyMaterial)
		result.KeyMaterial = nil
		if err != nil {
			return nil, "", NewTransformError("failed to store encryption key", err)
		}
		b.EncryptionKeyRef = ref
	}

	start = m.clock.Now()
	uri, err := backend.Upload(ctx, result.Path, b.ID)
	m.logger.LogStorageOperation("upload", uri, result.Size, m.clock.Since(start), err)
	if err != nil {
		m.discardKey(ctx, b)
		return nil, "", asPipelineError(BackupErrorTypeUpload, "upload failed", err)
	}

	return result, uri, nil
}

func (m *Manager) completeBackup(ctx context.Context, b *Backup, result *TransformResult, uri string) error {
	completed := m.clock.Now().UTC()
	b.RawSize = result.RawSize
	b.CompressedSize = result.Size
	b.Checksum = result.Checksum
	b.RawChecksum = result.RawChecksum
	b.StorageURI = uri
	b.Status = BackupStatusCompleted
	b.CompletedAt = &completed
	b.Duration = completed.Sub(b.StartedAt)

	if err := b.CompleteInvariant(); err != nil {
		return err
	}
	if err := m.store.FinishBackup(context.WithoutCancel(ctx), b); err != nil {
		if IsErrorType(err, BackupErrorTypeConcurrencyConflict) {
			return err
		}
		return NewPersistenceError("failed to mark backup completed", err)
	}

	metrics.ObserveBackup(string(b.SourceType), string(b.Status), b.Duration)
	metrics.BackupBytes.WithLabelValues(string(b.Destination)).Add(float64(b.CompressedSize))
	m.publish(events.Event{
		Type:    events.BackupCompleted,
		Subject: "Backup completed",
		Message: fmt.Sprintf("Backup %s of %s completed (%d bytes)", b.ID, b.SourceName, b.CompressedSize),
		Data:    backupEventData(b),
	})

	if b.IsRestricted() {
		m.audit.RestrictedBackupCreated(ctx, b)
		m.publish(events.Event{
			Type:     events.BackupGovernance,
			Severity: events.SeverityWarning,
			Subject:  "Restricted data backed up",
			Message:  fmt.Sprintf("Backup %s of %s contains restricted data", b.ID, b.SourceName),
			Data:     backupEventData(b),
		})
	}
	return nil
}

// failBackup records the terminal FAILED state. It runs detached from ctx so a
// canceled pipeline is still recorded. It reports false when the record was no
// longer IN_PROGRESS under b.Owner and so was left as it was.
func (m *Manager) failBackup(ctx context.Context, b *Backup, cause error) bool {
	completed := m.clock.Now().UTC()
	b.Status = BackupStatusFailed
	b.Error = cause.Error()
	b.CompletedAt = &completed
	b.Duration = completed.Sub(b.StartedAt)

	if err := m.store.FinishBackup(context.WithoutCancel(ctx), b); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"backup_id": b.ID,
			"error":     err.Error(),
		}).Error("Failed to record backup failure")
		if IsErrorType(err, BackupErrorTypeConcurrencyConflict) {
			return false
		}
	}

	metrics.ObserveBackup(string(b.SourceType), string(b.Status), b.Duration)
	m.publish(events.Event{
		Type:     events.BackupFailed,
		Severity: events.SeverityCritical,
		Subject:  "Backup failed",
		Message:  fmt.Sprintf("Backup %s of %s failed: %s", b.ID, b.SourceName, b.Error),
		Data:     backupEventData(b),
	})
	return true
}

// discardArtifact removes an uploaded artifact whose record could not be completed.
func (m *Manager) discardArtifact(ctx context.Context, b *Backup, backend StorageBackend, uri string) {
	if err := backend.Delete(context.WithoutCancel(ctx), uri); err != nil {
		m.logger.WithField("backup_id", b.ID).Warnf("Failed to discard uploaded artifact %s: %v", uri, err)
	} else {
		b.StorageURI = ""
	}
	m.discardKey(ctx, b)
}

// discardKey removes a stored key whose artifact never reached storage
func (m *Manager) discardKey(ctx context.Context, b *Backup) {
	if b.EncryptionKeyRef == "" {
		return
	}
	if err := m.vault.Delete(context.WithoutCancel(ctx), b.EncryptionKeyRef); err != nil {
		m.logger.WithField("backup_id", b.ID).Warnf("Failed to discard encryption key: %v", err)
		return
	}
	b.EncryptionKeyRef = ""
}

func (m *Manager) cleanupStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.WithField("path", dir).Warnf("Failed to remove staging directory: %v", err)
	}
}

// GetBackup returns a backup by id
func (m *Manager) GetBackup(ctx context.Context, backupID string) (*Backup, error) {
	return m.store.GetBackup(ctx, backupID)
}

// ListBackups returns backups matching filter, newest first
func (m *Manager) ListBackups(ctx context.Context, filter BackupFilter) ([]*Backup, error) {
	return m.store.ListBackups(ctx, filter)
}

// LatestBackup returns the newest COMPLETED backup of a source
func (m *Manager) LatestBackup(ctx context.Context, sourceName string) (*Backup, error) {
	backups, err := m.store.ListBackups(ctx, BackupFilter{
		SourceName: sourceName,
		Status:     BackupStatusCompleted,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, NewNotFoundError(fmt.Sprintf("no completed backup of source %q", sourceName), nil)
	}
	return backups[0], nil
}

// DeleteBackup removes a backup's artifact and key and marks it EXPIRED.
// Deleting an already expired backup is a no-op.
func (m *Manager) DeleteBackup(ctx context.Context, backupID, actor string) (*Backup, error) {
	b, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case BackupStatusExpired:
		return b, nil
	case BackupStatusInProgress:
		return nil, NewValidationError("backup is still in progress", nil).WithContext("backup_id", b.ID)
	}
	if actor == "" {
		actor = currentUser()
	}
	if err := m.expire(ctx, b, actor, "manual deletion"); err != nil {
		return nil, err
	}
	return b, nil
}

// expire deletes the stored artifact and key of b, then marks it EXPIRED
func (m *Manager) expire(ctx context.Context, b *Backup, actor, reason string) error {
	if b.StorageURI != "" {
		backend, err := m.backends.ForURI(b.StorageURI)
		if err != nil {
			return err
		}
		start := m.clock.Now()
		err = backend.Delete(ctx, b.StorageURI)
		m.logger.LogStorageOperation("delete", b.StorageURI, 0, m.clock.Since(start), err)
		if err != nil {
			return err
		}
	}
	if b.EncryptionKeyRef != "" {
		if err := m.vault.Delete(ctx, b.EncryptionKeyRef); err != nil {
			return NewPersistenceError("failed to delete encryption key", err).WithContext("backup_id", b.ID)
		}
	}

	b.Status = BackupStatusExpired
	if err := m.store.UpdateBackup(context.WithoutCancel(ctx), b); err != nil {
		return NewPersistenceError("failed to mark backup expired", err)
	}

	metrics.BackupsExpired.Inc()
	m.audit.BackupDeleted(ctx, b, actor, reason)
	m.publish(events.Event{
		Type:    events.BackupExpired,
		Subject: "Backup expired",
		Message: fmt.Sprintf("Backup %s of %s expired (%s)", b.ID, b.SourceName, reason),
		Data:    backupEventData(b),
	})
	return nil
}

// RecoverInterrupted marks IN_PROGRESS records whose owner stopped sending
// heartbeats as FAILED. Records owned by this manager, or refreshed within
// StaleAfter, belong to a live pipeline and are not touched.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	inFlight, err := m.store.ListBackups(ctx, BackupFilter{Status: BackupStatusInProgress})
	if err != nil {
		return 0, err
	}

	cutoff := m.clock.Now().UTC().Add(-m.config.StaleAfter)
	recovered := 0
	for _, b := range inFlight {
		if b.Owner == m.owner {
			continue
		}
		lastSeen := b.StartedAt
		if b.HeartbeatAt != nil {
			lastSeen = *b.HeartbeatAt
		}
		if lastSeen.After(cutoff) {
			continue
		}
		if m.failBackup(ctx, b, NewCaptureError("interrupted before completion", nil).WithContext("owner", b.Owner)) {
			recovered++
		}
	}
	return recovered, nil
}

// Owner returns the name this manager records on the backups it runs.
func (m *Manager) Owner() string {
	return m.owner
}

func (m *Manager) publish(event events.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(event)
}

func backupEventData(b *Backup) map[string]interface{} {
	return map[string]interface{}{
		"backup_id":   b.ID,
		"source":      b.SourceName,
		"source_type": b.SourceType,
		"scope":       b.Scope,
		"destination": b.Destination,
		"status":      b.Status,
		"schedule_id": b.ScheduleID,
		"restricted":  b.IsRestricted(),
	}
}

func newOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
