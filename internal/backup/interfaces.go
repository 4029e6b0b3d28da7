package backup

import (
	"context"
	"time"
)

// SourceAdapter captures a self-contained artifact from one kind of source and
// restores it again. One implementation exists per SourceType.
type SourceAdapter interface {
	Type() SourceType
	// Capture writes the artifact for source (narrowed by scope) to dest and returns its size.
	Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error)
	// Restore loads the artifact into target. A non-empty subset restricts what is restored.
	Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error
	// Validate checks that the artifact could be restored, without touching any target.
	Validate(ctx context.Context, artifact string) error
}

// StorageBackend ships artifacts to one storage system. Each backend owns a URI scheme.
type StorageBackend interface {
	Type() BackendType
	Scheme() string
	// Upload streams the local artifact and returns its storage URI.
	Upload(ctx context.Context, localPath, backupID string) (string, error)
	// Download writes the object at uri to localPath. Backends with asynchronous
	// retrieval return a non-nil handle instead while the object is not yet readable.
	Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error)
	Delete(ctx context.Context, uri string) error
}

// RetrievalHandle describes a pending cold-archive retrieval job.
type RetrievalHandle struct {
	URI         string
	RequestedAt time.Time
	Tier        string
}

// Store is the persistence contract for backup, restore and verification records.
//
// The store is the arbiter of backup exclusion across processes: CreateBackup
// fails with CONCURRENCY_CONFLICT while another IN_PROGRESS backup of the same
// (source, scope) exists. FinishBackup and TouchBackup only apply while the row is
// still IN_PROGRESS and owned by b.Owner, and fail with CONCURRENCY_CONFLICT
// otherwise.
type Store interface {
	CreateBackup(ctx context.Context, b *Backup) error
	// FinishBackup writes the terminal state of an IN_PROGRESS backup.
	FinishBackup(ctx context.Context, b *Backup) error
	// TouchBackup refreshes the heartbeat of an IN_PROGRESS backup.
	TouchBackup(ctx context.Context, id, owner string, at time.Time) error
	UpdateBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackups(ctx context.Context, filter BackupFilter) ([]*Backup, error)

	CreateRestore(ctx context.Context, op *RestoreOperation) error
	UpdateRestore(ctx context.Context, op *RestoreOperation) error
	GetRestore(ctx context.Context, id string) (*RestoreOperation, error)
	ListRestores(ctx context.Context, backupID string) ([]*RestoreOperation, error)

	CreateVerification(ctx context.Context, rec *VerificationRecord) error
	ListVerifications(ctx context.Context, backupID string) ([]*VerificationRecord, error)
}

// KeyVault keeps encryption key material outside of backup records.
type KeyVault interface {
	Store(ctx context.Context, keyMaterial []byte, ttl time.Duration) (string, error)
	Retrieve(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// ApprovalChecker authorizes restores of restricted backups.
type ApprovalChecker interface {
	CheckApproval(ctx context.Context, backupID, token string) (bool, error)
}

// SourceCatalog resolves named sources and restore targets.
type SourceCatalog interface {
	Source(name string) (SourceConfig, error)
	// Target resolves where a source is restored to in the given environment.
	Target(environment, sourceName string) (SourceConfig, error)
}
