// Package backup captures point-in-time snapshots of heterogeneous data stores,
// secures them and ships them to pluggable storage backends, and restores them
// under a governance gate.
//
// The pipeline for one backup is strictly sequential:
//
//	capture (SourceAdapter) -> compress -> encrypt -> checksum -> upload (StorageBackend) -> record
//
// and a restore runs the inverse:
//
//	governance gate -> download -> checksum -> decrypt -> decompress -> raw checksum -> restore handler
//
// Core Components:
//
//   - Manager: runs the backup, restore, verification and retention pipelines and
//     owns every Backup, RestoreOperation and VerificationRecord transition
//   - SourceAdapter: capture/restore for one source type (relational-db, document-db,
//     cache, filesystem), looked up in a SourceRegistry
//   - StorageBackend: upload/download/delete for one URI scheme (s3, minio, gs, azure,
//     glacier, file), looked up in a BackendRegistry
//   - Pipeline: the reversible compression and encryption stages
//   - AuditLogger: the governance audit trail
//
// Persistence, key storage and approval checks are consumed through the Store,
// KeyVault and ApprovalChecker interfaces.
//
// Example usage:
//
//	manager, err := backup.NewManager(backup.ManagerConfig{StagingDir: "/var/lib/bo/staging"}, deps)
//	if err != nil {
//		return err
//	}
//
//	b, err := manager.CreateBackup(ctx, backup.Request{
//		SourceName:  "orders-db",
//		Destination: backup.BackendS3,
//		Compress:    true,
//		Encrypt:     true,
//	})
//	if err != nil {
//		return fmt.Errorf("backup failed: %w", err)
//	}
//
//	op, err := manager.RestoreBackup(ctx, backup.RestoreRequest{
//		BackupID:          b.ID,
//		TargetEnvironment: "staging",
//	})
package backup
