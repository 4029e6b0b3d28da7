package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/metrics"
)

// RestoreBackup restores a COMPLETED backup into the target environment.
//
// Restricted backups pass the governance gate before any data is downloaded. The
// downloaded artifact is checked against the recorded checksum before it is
// decrypted, and the recovered raw artifact against the raw checksum before the
// restore handler runs. Changes already applied to the target are not undone when
// a later step fails. On failure the FAILED operation is returned with the error.
func (m *Manager) RestoreBackup(ctx context.Context, req RestoreRequest) (*RestoreOperation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	b, err := m.store.GetBackup(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if b.Status != BackupStatusCompleted {
		return nil, NewValidationError(fmt.Sprintf("backup in status %s cannot be restored", b.Status), nil).
			WithContext("backup_id", b.ID)
	}
	if err := b.CompleteInvariant(); err != nil {
		return nil, err
	}

	performedBy := req.PerformedBy
	if performedBy == "" {
		performedBy = currentUser()
	}
	op := &RestoreOperation{
		ID:                GenerateRestoreID(),
		BackupID:          b.ID,
		TargetEnvironment: req.TargetEnvironment,
		Partial:           req.Partial,
		Subset:            req.Subset,
		Status:            RestoreStatusInProgress,
		StartedAt:         m.clock.Now().UTC(),
		PerformedBy:       performedBy,
	}
	if b.IsRestricted() {
		op.ApprovalToken = req.ApprovalToken
	}
	if err := m.store.CreateRestore(ctx, op); err != nil {
		return nil, NewPersistenceError("failed to create restore record", err)
	}

	done := m.logger.LogOperationStart("restore_backup", map[string]interface{}{
		"restore_id":  op.ID,
		"backup_id":   b.ID,
		"source":      b.SourceName,
		"environment": op.TargetEnvironment,
	})

	touched, err := m.runRestore(ctx, b, op, req.ApprovalToken)
	if touched {
		defer m.audit.RestorePerformed(ctx, op)
	}
	if err != nil {
		m.failRestore(ctx, b, op, err)
		done(err)
		return op, err
	}

	completed := m.clock.Now().UTC()
	deadline := completed.Add(m.config.RollbackWindow)
	op.Status = RestoreStatusCompleted
	op.CompletedAt = &completed
	op.RollbackDeadline = &deadline
	if err := m.store.UpdateRestore(context.WithoutCancel(ctx), op); err != nil {
		perr := NewPersistenceError("failed to mark restore completed", err)
		done(perr)
		return op, perr
	}

	metrics.RestoresTotal.WithLabelValues(string(b.SourceType), string(op.Status)).Inc()
	m.publish(events.Event{
		Type:    events.RestoreCompleted,
		Subject: "Restore completed",
		Message: fmt.Sprintf("Backup %s restored to %s", b.ID, environmentLabel(op.TargetEnvironment)),
		Data:    restoreEventData(b, op),
	})
	done(nil)
	return op, nil
}

// runRestore executes the restore steps in order. touched reports whether the
// restore handler was invoked against the target system.
func (m *Manager) runRestore(ctx context.Context, b *Backup, op *RestoreOperation, token string) (touched bool, err error) {
	if err := m.checkGovernance(ctx, b, op, token); err != nil {
		return false, err
	}

	target, err := m.catalog.Target(op.TargetEnvironment, b.SourceName)
	if err != nil {
		return false, err
	}
	adapter, err := m.sources.Get(b.SourceType)
	if err != nil {
		return false, err
	}

	stagingDir := filepath.Join(m.config.StagingDir, op.ID)
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return false, NewDownloadError("failed to create staging directory", err)
	}
	defer m.cleanupStaging(stagingDir)

	rawPath, err := m.fetchVerified(ctx, b, stagingDir)
	if err != nil {
		return false, err
	}
	op.ChecksumValid = true

	if err := adapter.Validate(ctx, rawPath); err != nil {
		return false, asPipelineError(BackupErrorTypeRestore, "artifact is not restorable", err)
	}
	op.Restorable = true

	start := m.clock.Now()
	err = adapter.Restore(ctx, target, rawPath, op.Subset)
	m.logger.LogPipelineStep(op.ID, "restore", m.clock.Since(start), err)
	if err != nil {
		return true, asPipelineError(BackupErrorTypeRestore, "restore handler failed", err)
	}
	return true, nil
}

// checkGovernance enforces approval for restricted backups.
func (m *Manager) checkGovernance(ctx context.Context, b *Backup, op *RestoreOperation, token string) error {
	if !b.IsRestricted() {
		return nil
	}

	reason := ""
	switch {
	case token == "":
		reason = "approval token missing"
	case m.approvals == nil:
		reason = "no approval service configured"
	default:
		granted, err := m.approvals.CheckApproval(ctx, b.ID, token)
		switch {
		case err != nil:
			reason = fmt.Sprintf("approval check failed: %v", err)
		case !granted:
			reason = "approval token rejected"
		}
	}

	m.audit.ApprovalDecision(ctx, op, reason == "", reason)
	if reason == "" {
		return nil
	}
	metrics.ApprovalDenials.Inc()
	return NewApprovalRequired("restoring restricted data requires governance approval", nil).
		WithContext("backup_id", b.ID).
		WithContext("reason", reason)
}

// fetchVerified downloads the artifact of b into dir, validates both checksums and
// returns the path of the recovered raw artifact.
func (m *Manager) fetchVerified(ctx context.Context, b *Backup, dir string) (string, error) {
	backend, err := m.backends.ForURI(b.StorageURI)
	if err != nil {
		return "", err
	}

	artifact := filepath.Join(dir, "artifact")
	start := m.clock.Now()
	err = m.download(ctx, backend, b.StorageURI, artifact)
	m.logger.LogStorageOperation("download", b.StorageURI, b.CompressedSize, m.clock.Since(start), err)
	if err != nil {
		return "", err
	}

	if err := VerifyFileChecksum(artifact, b.Checksum); err != nil {
		metrics.IntegrityViolations.Inc()
		return "", err
	}

	if b.Compression == CompressionTypeNone && !b.Encrypted {
		return artifact, nil
	}

	var key []byte
	if b.Encrypted {
		key, err = m.vault.Retrieve(ctx, b.EncryptionKeyRef)
		if err != nil {
			return "", NewTransformError("failed to retrieve encryption key", err).WithContext("backup_id", b.ID)
		}
		defer func() { clear(key) }()
	}

	rawPath := filepath.Join(dir, "raw")
	start = m.clock.Now()
	rawChecksum, _, err := m.pipeline.Reverse(ctx, artifact, rawPath, b.Compression, key)
	m.logger.LogPipelineStep(b.ID, "reverse_transform", m.clock.Since(start), err)
	if err != nil {
		return "", err
	}
	if b.RawChecksum != "" && rawChecksum != b.RawChecksum {
		metrics.IntegrityViolations.Inc()
		return "", NewIntegrityViolation("recovered artifact does not match the captured artifact", nil).
			WithContext("expected", b.RawChecksum).
			WithContext("actual", rawChecksum)
	}
	return rawPath, nil
}

// download fetches uri into dest, waiting while a cold archive retrieval job is
// pending. No lock is held while waiting.
func (m *Manager) download(ctx context.Context, backend StorageBackend, uri, dest string) error {
	deadline := m.clock.Now().Add(m.config.RetrievalTimeout)
	for {
		handle, err := backend.Download(ctx, uri, dest)
		if err != nil {
			return asPipelineError(BackupErrorTypeDownload, "download failed", err)
		}
		if handle == nil {
			return nil
		}
		if !m.clock.Now().Before(deadline) {
			return NewDownloadError("archive retrieval did not complete in time", nil).
				WithContext("uri", uri).
				WithContext("timeout", m.config.RetrievalTimeout.String())
		}

		m.logger.WithFields(map[string]interface{}{
			"uri":          uri,
			"tier":         handle.Tier,
			"requested_at": handle.RequestedAt,
		}).Info("Waiting for archive retrieval")

		select {
		case <-ctx.Done():
			return NewBackupError(BackupErrorTypeCanceled, "canceled while waiting for archive retrieval", ctx.Err())
		case <-m.clock.After(m.config.RetrievalPollInterval):
		}
	}
}

func (m *Manager) failRestore(ctx context.Context, b *Backup, op *RestoreOperation, cause error) {
	completed := m.clock.Now().UTC()
	op.Status = RestoreStatusFailed
	op.Error = cause.Error()
	op.CompletedAt = &completed

	if err := m.store.UpdateRestore(context.WithoutCancel(ctx), op); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"restore_id": op.ID,
			"error":      err.Error(),
		}).Error("Failed to record restore failure")
	}

	metrics.RestoresTotal.WithLabelValues(string(b.SourceType), string(op.Status)).Inc()
	m.publish(events.Event{
		Type:     events.RestoreFailed,
		Severity: events.SeverityCritical,
		Subject:  "Restore failed",
		Message:  fmt.Sprintf("Restore of backup %s failed: %s", b.ID, op.Error),
		Data:     restoreEventData(b, op),
	})
}

// GetRestore returns a restore operation by id
func (m *Manager) GetRestore(ctx context.Context, restoreID string) (*RestoreOperation, error) {
	return m.store.GetRestore(ctx, restoreID)
}

// ListRestores returns the restore operations of a backup, or of every backup when backupID is empty, newest first
func (m *Manager) ListRestores(ctx context.Context, backupID string) ([]*RestoreOperation, error) {
	return m.store.ListRestores(ctx, backupID)
}

func restoreEventData(b *Backup, op *RestoreOperation) map[string]interface{} {
	return map[string]interface{}{
		"restore_id":  op.ID,
		"backup_id":   b.ID,
		"source":      b.SourceName,
		"environment": op.TargetEnvironment,
		"partial":     op.Partial,
		"status":      op.Status,
	}
}

func environmentLabel(env string) string {
	if env == "" {
		return "its source"
	}
	return env
}
