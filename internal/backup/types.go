package backup

import (
	"time"
)

// SourceType identifies the kind of data store a backup captures
type SourceType string

const (
	SourceTypeRelational SourceType = "relational-db"
	SourceTypeDocument   SourceType = "document-db"
	SourceTypeCache      SourceType = "cache"
	SourceTypeFilesystem SourceType = "filesystem"
)

// BackendType identifies the storage backend a backup is shipped to
type BackendType string

const (
	BackendS3      BackendType = "s3"
	BackendMinio   BackendType = "minio"
	BackendGCS     BackendType = "gcs"
	BackendAzure   BackendType = "azure"
	BackendGlacier BackendType = "glacier"
	BackendLocal   BackendType = "local"
)

// BackupStatus represents the lifecycle state of a backup
type BackupStatus string

const (
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusExpired    BackupStatus = "EXPIRED"
)

// RestoreStatus represents the lifecycle state of a restore operation
type RestoreStatus string

const (
	RestoreStatusInProgress RestoreStatus = "IN_PROGRESS"
	RestoreStatusCompleted  RestoreStatus = "COMPLETED"
	RestoreStatusFailed     RestoreStatus = "FAILED"
)

// CompressionType represents the compression algorithm used
type CompressionType string

const (
	CompressionTypeNone CompressionType = "NONE"
	CompressionTypeGzip CompressionType = "GZIP"
	CompressionTypeLZ4  CompressionType = "LZ4"
	CompressionTypeZstd CompressionType = "ZSTD"
)

// GovernanceFlags carries data-governance markers attached to a backup.
type GovernanceFlags struct {
	ContainsRestrictedData bool   `json:"contains_restricted_data"`
	Classification         string `json:"classification,omitempty"`
}

// Backup is one completed or in-flight snapshot of a source.
type Backup struct {
	ID               string          `json:"id" gorm:"primaryKey;size:64"`
	Name             string          `json:"name"`
	SourceName       string          `json:"source_name" gorm:"index:idx_backup_source"`
	SourceType       SourceType      `json:"source_type"`
	Scope            string          `json:"scope,omitempty" gorm:"index:idx_backup_source"`
	Destination      BackendType     `json:"destination"`
	RawSize          int64           `json:"raw_size"`
	CompressedSize   int64           `json:"compressed_size"`
	Checksum         string          `json:"checksum,omitempty"`
	RawChecksum      string          `json:"raw_checksum,omitempty"`
	Compression      CompressionType `json:"compression"`
	Encrypted        bool            `json:"encrypted"`
	EncryptionKeyRef string          `json:"encryption_key_ref,omitempty"`
	Status           BackupStatus    `json:"status" gorm:"index"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at" gorm:"index"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Duration         time.Duration   `json:"duration"`
	StorageURI       string          `json:"storage_uri,omitempty"`
	CreatedBy        string          `json:"created_by"`
	ScheduleID       string          `json:"schedule_id,omitempty" gorm:"index"`
	Warnings         []string        `json:"warnings,omitempty" gorm:"serializer:json"`
	// Owner identifies the process running an IN_PROGRESS backup; HeartbeatAt is
	// refreshed by that process until the record is finalized.
	Owner       string          `json:"owner,omitempty" gorm:"size:160"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	Governance  GovernanceFlags `json:"governance" gorm:"embedded;embeddedPrefix:governance_"`
}

// IsRestricted reports whether restoring this backup requires governance approval.
func (b *Backup) IsRestricted() bool {
	return b.Governance.ContainsRestrictedData
}

// RestoreOperation is one restore attempt against a specific backup.
type RestoreOperation struct {
	ID                string        `json:"id" gorm:"primaryKey;size:64"`
	BackupID          string        `json:"backup_id" gorm:"index"`
	TargetEnvironment string        `json:"target_environment"`
	Partial           bool          `json:"partial"`
	Subset            []string      `json:"subset,omitempty" gorm:"serializer:json"`
	ApprovalToken     string        `json:"approval_token,omitempty"`
	Status            RestoreStatus `json:"status" gorm:"index"`
	ChecksumValid     bool          `json:"checksum_valid"`
	Restorable        bool          `json:"restorable"`
	Error             string        `json:"error,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	RollbackDeadline  *time.Time    `json:"rollback_deadline,omitempty"`
	PerformedBy       string        `json:"performed_by"`
}

// VerificationRecord is the result of a non-destructive integrity check of a backup.
type VerificationRecord struct {
	ID            string     `json:"id" gorm:"primaryKey;size:64"`
	BackupID      string     `json:"backup_id" gorm:"index"`
	ChecksumValid bool       `json:"checksum_valid"`
	Restorable    bool       `json:"restorable"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SourceConfig describes a named data source from the configuration catalog.
type SourceConfig struct {
	Name    string            `json:"name" yaml:"name" mapstructure:"name"`
	Type    SourceType        `json:"type" yaml:"type" mapstructure:"type"`
	URI     string            `json:"uri,omitempty" yaml:"uri" mapstructure:"uri"`
	Path    string            `json:"path,omitempty" yaml:"path" mapstructure:"path"`
	Options map[string]string `json:"options,omitempty" yaml:"options" mapstructure:"options"`
}

// Option returns a source option or the fallback when unset.
func (s SourceConfig) Option(key, fallback string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Request describes an on-demand or scheduled backup.
type Request struct {
	Name        string
	SourceName  string
	Scope       string
	Destination BackendType
	Compress    bool
	Encrypt     bool
	Restricted  bool
	CreatedBy   string
	ScheduleID  string

	// Classification is an optional governance label recorded with restricted data.
	Classification string
}

// RestoreRequest describes a restore of an existing backup.
type RestoreRequest struct {
	BackupID          string
	TargetEnvironment string
	Partial           bool
	Subset            []string
	ApprovalToken     string
	PerformedBy       string
}

// BackupFilter narrows backup queries. Zero values match everything.
type BackupFilter struct {
	SourceName    string
	Scope         string
	Status        BackupStatus
	ScheduleID    string
	StartedBefore *time.Time
	Limit         int
}

// TransformOptions selects the reversible stages applied to a captured artifact.
type TransformOptions struct {
	Compression CompressionType
	Level       int
	Encrypt     bool
}

// TransformResult describes the final artifact produced by the pipeline.
type TransformResult struct {
	Path        string
	Size        int64
	Checksum    string
	RawChecksum string
	RawSize     int64
	KeyMaterial []byte
}
