package application

import (
	"context"
	"errors"

	"backup-orchestrator/internal/backup"
)

// Process exit codes, one per error kind callers are expected to script against.
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitValidation          = 2
	ExitConfiguration       = 3
	ExitNotFound            = 4
	ExitConcurrencyConflict = 5
	ExitApprovalRequired    = 6
	ExitIntegrityViolation  = 7
	ExitPipeline            = 8
	ExitCanceled            = 130
)

// ExitCode maps an error returned by any engine operation to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}
	switch backup.GetErrorType(err) {
	case backup.BackupErrorTypeValidation:
		return ExitValidation
	case backup.BackupErrorTypeConfiguration:
		return ExitConfiguration
	case backup.BackupErrorTypeNotFound:
		return ExitNotFound
	case backup.BackupErrorTypeConcurrencyConflict:
		return ExitConcurrencyConflict
	case backup.BackupErrorTypeApprovalRequired:
		return ExitApprovalRequired
	case backup.BackupErrorTypeIntegrityViolation:
		return ExitIntegrityViolation
	case backup.BackupErrorTypeCapture, backup.BackupErrorTypeTransform, backup.BackupErrorTypeUpload,
		backup.BackupErrorTypeDownload, backup.BackupErrorTypeRestore, backup.BackupErrorTypePersistence:
		return ExitPipeline
	case backup.BackupErrorTypeCanceled:
		return ExitCanceled
	default:
		return ExitFailure
	}
}

// Hints returns troubleshooting suggestions for an error kind, or nil.
func Hints(err error) []string {
	switch backup.GetErrorType(err) {
	case backup.BackupErrorTypeConfiguration:
		return []string{
			"Check the configuration file passed with --config",
			"Secrets can be supplied through BACKUP_ORCHESTRATOR_* environment variables",
			"Generate a sample file with: backup-orchestrator config",
		}
	case backup.BackupErrorTypeApprovalRequired:
		return []string{
			"The backup contains restricted data",
			"Ask a data owner to issue a token with: backup-orchestrator approval issue <backup-id>",
			"Pass the token to the restore with --approval-token",
		}
	case backup.BackupErrorTypeIntegrityViolation:
		return []string{
			"The stored artifact does not match its recorded checksum",
			"Nothing was written to the target system",
			"Run: backup-orchestrator verify <backup-id> and restore an older backup",
		}
	case backup.BackupErrorTypeConcurrencyConflict:
		return []string{
			"Another backup of the same source and scope is running",
			"Retry once it has finished",
		}
	case backup.BackupErrorTypeCapture:
		return []string{
			"Check that the source is reachable with the configured uri",
			"Check that the dump tools (mysqldump, pg_dump, mongodump) are installed",
		}
	case backup.BackupErrorTypeUpload, backup.BackupErrorTypeDownload:
		return []string{
			"Check the storage backend credentials and network connectivity",
			"Cold archive retrievals can take hours; see restore.retrieval_timeout",
		}
	}
	return nil
}
