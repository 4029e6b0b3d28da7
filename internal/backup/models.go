package backup

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validate checks a backup request before any record is created.
func (r *Request) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(r.SourceName) == "" {
		errors.Add("source_name", "source name is required", r.SourceName)
	}
	if r.Destination == "" {
		errors.Add("destination", "destination backend is required", r.Destination)
	} else if !isValidBackendType(r.Destination) {
		errors.Add("destination", "unsupported destination backend", r.Destination)
	}
	if strings.Contains(r.Scope, "..") {
		errors.Add("scope", "scope must not contain '..'", r.Scope)
	}

	if errors.HasErrors() {
		return NewValidationError("invalid backup request", errors)
	}
	return nil
}

// Validate checks a restore request.
func (r *RestoreRequest) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(r.BackupID) == "" {
		errors.Add("backup_id", "backup id is required", r.BackupID)
	}
	if r.Partial && len(r.Subset) == 0 {
		errors.Add("subset", "partial restore requires a non-empty subset", r.Subset)
	}
	if !r.Partial && len(r.Subset) > 0 {
		errors.Add("partial", "subset given without partial flag", r.Subset)
	}

	if errors.HasErrors() {
		return NewValidationError("invalid restore request", errors)
	}
	return nil
}

// Validate checks a source definition from the catalog.
func (s *SourceConfig) Validate() error {
	var errors ValidationErrors

	if s.Name == "" {
		errors.Add("name", "source name is required", s.Name)
	}

	switch s.Type {
	case SourceTypeFilesystem:
		if s.Path == "" {
			errors.Add("path", "filesystem sources require a path", s.Path)
		}
	case SourceTypeRelational, SourceTypeDocument, SourceTypeCache:
		if s.URI == "" {
			errors.Add("uri", "connection uri is required", s.URI)
		} else if _, err := url.Parse(s.URI); err != nil {
			errors.Add("uri", fmt.Sprintf("invalid connection uri: %v", err), "")
		}
	default:
		errors.Add("type", "unsupported source type", s.Type)
	}

	if errors.HasErrors() {
		return NewConfigurationError(fmt.Sprintf("invalid source %q", s.Name), errors)
	}
	return nil
}

// CompleteInvariant reports whether a COMPLETED backup carries what a restore needs.
func (b *Backup) CompleteInvariant() error {
	if b.Status != BackupStatusCompleted {
		return nil
	}
	if b.Checksum == "" || b.StorageURI == "" {
		return NewValidationError("completed backup must have a checksum and a storage uri", nil).
			WithContext("backup_id", b.ID)
	}
	if b.Encrypted && b.EncryptionKeyRef == "" {
		return NewValidationError("encrypted backup has no key reference", nil).
			WithContext("backup_id", b.ID)
	}
	return nil
}

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	return generateID("backup")
}

// GenerateRestoreID generates a unique restore operation ID
func GenerateRestoreID() string {
	return generateID("restore")
}

// GenerateVerificationID generates a unique verification record ID
func GenerateVerificationID() string {
	return generateID("verify")
}

func generateID(prefix string) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, uuid.New().String()[:8])
}

func isValidBackendType(t BackendType) bool {
	switch t {
	case BackendS3, BackendMinio, BackendGCS, BackendAzure, BackendGlacier, BackendLocal:
		return true
	default:
		return false
	}
}

// ParseCompressionType converts a configuration value into a CompressionType.
func ParseCompressionType(value string) (CompressionType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "NONE":
		return CompressionTypeNone, nil
	case "GZIP":
		return CompressionTypeGzip, nil
	case "LZ4":
		return CompressionTypeLZ4, nil
	case "ZSTD":
		return CompressionTypeZstd, nil
	default:
		return "", NewConfigurationError(fmt.Sprintf("unsupported compression type %q", value), nil)
	}
}
