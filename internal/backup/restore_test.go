package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"backup-orchestrator/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		compress bool
		encrypt  bool
	}{
		{"raw", false, false},
		{"compressed", true, false},
		{"encrypted", false, true},
		{"compressed and encrypted", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			b := h.backup(t, Request{Compress: tc.compress, Encrypt: tc.encrypt})

			op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{
				BackupID:          b.ID,
				TargetEnvironment: "staging",
				PerformedBy:       "bob",
			})
			require.NoError(t, err)

			assert.Equal(t, RestoreStatusCompleted, op.Status)
			assert.True(t, op.ChecksumValid)
			assert.True(t, op.Restorable)
			assert.Equal(t, "bob", op.PerformedBy)
			require.NotNil(t, op.CompletedAt)
			require.NotNil(t, op.RollbackDeadline)
			assert.Equal(t, op.CompletedAt.Add(DefaultRollbackWindow), *op.RollbackDeadline)

			require.Equal(t, 1, h.adapter.restoreCount())
			restored := h.adapter.restores[0]
			assert.Equal(t, memDumpHeader+h.adapter.payload, restored.content)
			assert.Equal(t, "redis://cache.staging:6379/0", restored.target.URI)

			stored, err := h.manager.GetRestore(context.Background(), op.ID)
			require.NoError(t, err)
			assert.Equal(t, RestoreStatusCompleted, stored.Status)
			assert.Empty(t, h.stagingEntries(t))
		})
	}
}

func TestRestoreInPlaceAndPartial(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{Compress: true})

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{
		BackupID: b.ID,
		Partial:  true,
		Subset:   []string{"session:*"},
	})
	require.NoError(t, err)
	assert.True(t, op.Partial)

	require.Equal(t, 1, h.adapter.restoreCount())
	assert.Equal(t, "redis://cache.internal:6379/0", h.adapter.restores[0].target.URI)
	assert.Equal(t, []string{"session:*"}, h.adapter.restores[0].subset)
}

func TestRestoreRequestValidation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.manager.RestoreBackup(ctx, RestoreRequest{})
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	_, err = h.manager.RestoreBackup(ctx, RestoreRequest{BackupID: "x", Partial: true})
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	_, err = h.manager.RestoreBackup(ctx, RestoreRequest{BackupID: "missing"})
	assert.True(t, IsNotFound(err))
}

func TestRestoreUnknownEnvironment(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{})

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID, TargetEnvironment: "mars"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, RestoreStatusFailed, op.Status)
	assert.Equal(t, int32(0), h.local.downloads.Load())
}

func TestRestoreRestrictedWithoutApproval(t *testing.T) {
	var auditBuf bytes.Buffer
	h := newTestHarness(t, func(_ *ManagerConfig, deps *Dependencies) {
		audit, err := NewAuditLogger(AuditLoggerConfig{Output: &auditBuf})
		require.NoError(t, err)
		deps.Audit = audit
	})
	b := h.backup(t, Request{Restricted: true, Encrypt: true})
	h.approvals.tokens[b.ID] = "granted-token"

	for _, token := range []string{"", "forged-token"} {
		op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID, ApprovalToken: token})
		require.Error(t, err)
		assert.True(t, IsErrorType(err, BackupErrorTypeApprovalRequired))
		assert.True(t, IsFatal(err))
		assert.Equal(t, RestoreStatusFailed, op.Status)
		assert.False(t, op.ChecksumValid)
	}

	assert.Equal(t, int32(0), h.local.downloads.Load())
	assert.Equal(t, 0, h.adapter.restoreCount())
	assert.Contains(t, h.publisher.types(), events.RestoreFailed)

	lines := strings.Split(strings.TrimSpace(auditBuf.String()), "\n")
	var denials int
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["action"] == "approval" && entry["result"] == "denied" {
			denials++
		}
		assert.NotEqual(t, "perform", entry["action"])
	}
	assert.Equal(t, 2, denials)
}

func TestRestoreRestrictedApprovalServiceFailure(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{Restricted: true})
	h.approvals.err = errors.New("approval service unavailable")

	_, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID, ApprovalToken: "anything"})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeApprovalRequired))
	assert.Equal(t, int32(0), h.local.downloads.Load())
}

func TestRestoreRestrictedWithApproval(t *testing.T) {
	var auditBuf bytes.Buffer
	h := newTestHarness(t, func(_ *ManagerConfig, deps *Dependencies) {
		audit, err := NewAuditLogger(AuditLoggerConfig{Output: &auditBuf})
		require.NoError(t, err)
		deps.Audit = audit
	})
	b := h.backup(t, Request{Restricted: true, Compress: true, Encrypt: true, CreatedBy: "ops"})
	h.approvals.tokens[b.ID] = "granted-token"

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{
		BackupID:      b.ID,
		ApprovalToken: "granted-token",
		PerformedBy:   "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, RestoreStatusCompleted, op.Status)
	assert.Equal(t, "granted-token", op.ApprovalToken)
	assert.Equal(t, 1, h.adapter.restoreCount())

	audit := auditBuf.String()
	assert.Contains(t, audit, `"action":"create_restricted"`)
	assert.Contains(t, audit, `"result":"granted"`)
	assert.Contains(t, audit, `"action":"perform"`)
	assert.Contains(t, audit, `"actor":"carol"`)
}

func TestRestoreUnrestrictedIgnoresToken(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{})

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID, ApprovalToken: "unused"})
	require.NoError(t, err)
	assert.Empty(t, op.ApprovalToken)
}

func TestRestoreDetectsTamperedArtifact(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{Compress: true, Encrypt: true})

	path := artifactPath(t, b.StorageURI)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0640))

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeIntegrityViolation))
	assert.True(t, IsFatal(err))
	assert.Equal(t, RestoreStatusFailed, op.Status)
	assert.False(t, op.ChecksumValid)
	assert.Equal(t, 0, h.adapter.restoreCount())
	assert.Empty(t, h.stagingEntries(t))
}

func TestRestoreDetectsRawChecksumMismatch(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{Compress: true})

	b.RawChecksum = CalculateDataChecksum([]byte("something else"))
	require.NoError(t, h.store.UpdateBackup(context.Background(), b))

	_, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeIntegrityViolation))
	assert.Equal(t, 0, h.adapter.restoreCount())
}

func TestRestoreMissingArtifact(t *testing.T) {
	h := newTestHarness(t)
	b := h.backup(t, Request{})
	require.NoError(t, os.Remove(artifactPath(t, b.StorageURI)))

	_, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRestoreHandlerFailure(t *testing.T) {
	var auditBuf bytes.Buffer
	h := newTestHarness(t, func(_ *ManagerConfig, deps *Dependencies) {
		audit, err := NewAuditLogger(AuditLoggerConfig{Output: &auditBuf})
		require.NoError(t, err)
		deps.Audit = audit
	})
	b := h.backup(t, Request{Restricted: true})
	h.approvals.tokens[b.ID] = "ok"
	h.adapter.restoreErr = errors.New("target rejected write")

	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID, ApprovalToken: "ok"})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeRestore))
	assert.Equal(t, RestoreStatusFailed, op.Status)
	assert.True(t, op.ChecksumValid)
	assert.Nil(t, op.RollbackDeadline)
	assert.Contains(t, auditBuf.String(), `"action":"perform"`)
	assert.Contains(t, auditBuf.String(), `"result":"FAILED"`)
}

func TestRestoreWaitsForColdRetrieval(t *testing.T) {
	h := newTestHarness(t, withConfig(func(cfg *ManagerConfig) {
		cfg.RetrievalPollInterval = 5 * time.Millisecond
		cfg.RetrievalTimeout = 5 * time.Second
	}))
	b := h.backup(t, Request{Destination: BackendGlacier, Compress: true})
	assert.True(t, strings.HasPrefix(b.StorageURI, "glacier://"))

	h.cold.pending.Store(3)
	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, RestoreStatusCompleted, op.Status)
	assert.Equal(t, int32(4), h.cold.polls.Load())
}

func TestRestoreColdRetrievalTimeout(t *testing.T) {
	h := newTestHarness(t, withConfig(func(cfg *ManagerConfig) {
		cfg.RetrievalPollInterval = 5 * time.Millisecond
		cfg.RetrievalTimeout = 30 * time.Millisecond
	}))
	b := h.backup(t, Request{Destination: BackendGlacier})

	h.cold.pending.Store(-1)
	op, err := h.manager.RestoreBackup(context.Background(), RestoreRequest{BackupID: b.ID})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeDownload))
	assert.Equal(t, RestoreStatusFailed, op.Status)
	assert.Greater(t, h.cold.polls.Load(), int32(1))
}

func TestRestoreColdRetrievalCanceled(t *testing.T) {
	h := newTestHarness(t, withConfig(func(cfg *ManagerConfig) {
		cfg.RetrievalPollInterval = time.Hour
	}))
	b := h.backup(t, Request{Destination: BackendGlacier})

	h.cold.pending.Store(-1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	op, err := h.manager.RestoreBackup(ctx, RestoreRequest{BackupID: b.ID})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeCanceled))

	stored, err := h.manager.GetRestore(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, RestoreStatusFailed, stored.Status)
}
