package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/sirupsen/logrus"
)

// AuditLogger records governance-relevant decisions as a JSON-lines audit trail,
// separate from the operational log.
type AuditLogger struct {
	logger *logging.Logger
	audit  *logrus.Logger
	closer io.Closer
}

// AuditLoggerConfig holds configuration for the audit trail
type AuditLoggerConfig struct {
	Logger       *logging.Logger
	AuditLogFile string
	// Output overrides AuditLogFile when set.
	Output io.Writer
}

// AuditEntry is one line of the audit trail
type AuditEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Actor         string                 `json:"actor,omitempty"`
	Resource      string                 `json:"resource"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewAuditLogger creates an audit logger. Without a file or output the trail is
// only mirrored to the operational log at debug level.
func NewAuditLogger(config AuditLoggerConfig) (*AuditLogger, error) {
	al := &AuditLogger{logger: config.Logger}
	if al.logger == nil {
		al.logger = logging.NewNopLogger()
	}

	out := config.Output
	if out == nil && config.AuditLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0750); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		file, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		out = file
		al.closer = file
	}

	if out != nil {
		audit := logrus.New()
		audit.SetOutput(out)
		audit.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		audit.SetLevel(logrus.InfoLevel)
		al.audit = audit
	}

	return al, nil
}

// Record writes one audit entry
func (al *AuditLogger) Record(ctx context.Context, entry AuditEntry) {
	if al == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = logging.CorrelationID(ctx)
	}

	fields := map[string]interface{}{
		"audit":    true,
		"resource": entry.Resource,
		"action":   entry.Action,
		"result":   entry.Result,
	}
	if entry.Actor != "" {
		fields["actor"] = entry.Actor
	}
	al.logger.WithContext(ctx).WithFields(fields).Debug("audit")

	if al.audit == nil {
		return
	}
	al.audit.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"actor":          entry.Actor,
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).WithTime(entry.Timestamp).Info("audit")
}

// RestrictedBackupCreated records a completed backup carrying restricted data
func (al *AuditLogger) RestrictedBackupCreated(ctx context.Context, b *Backup) {
	al.Record(ctx, AuditEntry{
		Actor:    b.CreatedBy,
		Resource: "backup",
		Action:   "create_restricted",
		Result:   "completed",
		Details: map[string]interface{}{
			"backup_id":      b.ID,
			"source":         b.SourceName,
			"classification": b.Governance.Classification,
		},
	})
}

// ApprovalDecision records the outcome of the restore governance gate
func (al *AuditLogger) ApprovalDecision(ctx context.Context, op *RestoreOperation, granted bool, reason string) {
	result := "denied"
	if granted {
		result = "granted"
	}
	al.Record(ctx, AuditEntry{
		Actor:    op.PerformedBy,
		Resource: "restore",
		Action:   "approval",
		Result:   result,
		Details: map[string]interface{}{
			"backup_id":  op.BackupID,
			"restore_id": op.ID,
			"reason":     reason,
		},
	})
}

// RestorePerformed records a restore that reached the target system
func (al *AuditLogger) RestorePerformed(ctx context.Context, op *RestoreOperation) {
	al.Record(ctx, AuditEntry{
		Actor:    op.PerformedBy,
		Resource: "restore",
		Action:   "perform",
		Result:   string(op.Status),
		Details: map[string]interface{}{
			"backup_id":   op.BackupID,
			"restore_id":  op.ID,
			"environment": op.TargetEnvironment,
			"partial":     op.Partial,
			"error":       op.Error,
		},
	})
}

// BackupDeleted records an artifact removal, manual or by retention
func (al *AuditLogger) BackupDeleted(ctx context.Context, b *Backup, actor, reason string) {
	al.Record(ctx, AuditEntry{
		Actor:    actor,
		Resource: "backup",
		Action:   "delete",
		Result:   string(b.Status),
		Details: map[string]interface{}{
			"backup_id":   b.ID,
			"storage_uri": b.StorageURI,
			"reason":      reason,
		},
	})
}

// Close closes the audit log file, if one was opened
func (al *AuditLogger) Close() error {
	if al == nil || al.closer == nil {
		return nil
	}
	return al.closer.Close()
}
