package backup

import (
	"bytes"
	"context"
	"io"
	"os"

	"backup-orchestrator/internal/logging"
)

// mongodump archives start with this little-endian magic number.
var mongoArchiveMagic = []byte{0x6d, 0xe2, 0x99, 0x81}

// DocumentAdapter captures MongoDB deployments with mongodump archives.
// Scope narrows the dump to one database.
type DocumentAdapter struct {
	executor CommandExecutor
	logger   *logging.Logger
}

// NewDocumentAdapter creates the document-db adapter
func NewDocumentAdapter(executor CommandExecutor, logger *logging.Logger) *DocumentAdapter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DocumentAdapter{executor: executor, logger: logger}
}

func (a *DocumentAdapter) Type() SourceType { return SourceTypeDocument }

func (a *DocumentAdapter) Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error) {
	if source.URI == "" {
		return 0, NewCaptureError("document source has no uri", nil).WithContext("source", source.Name)
	}

	args := []string{"--uri=" + source.URI, "--archive=" + dest}
	if scope != "" {
		args = append(args, "--db="+scope)
	}
	if source.Option("oplog", "") == "true" {
		args = append(args, "--oplog")
	}

	if _, err := a.executor.Run(ctx, Command{Name: source.Option("mongodump_path", "mongodump"), Args: args}); err != nil {
		return 0, asPipelineError(BackupErrorTypeCapture, "dump tool failed", err).WithContext("source", source.Name)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, NewCaptureError("dump tool produced no artifact", err)
	}
	if info.Size() == 0 {
		return 0, NewCaptureError("dump tool produced an empty artifact", nil)
	}
	return info.Size(), nil
}

// Restore replaces the target datasets. Subset entries are namespace patterns (db.collection).
func (a *DocumentAdapter) Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error {
	if target.URI == "" {
		return NewRestoreError("document restore target has no uri", nil)
	}

	args := []string{"--uri=" + target.URI, "--archive=" + artifact, "--drop"}
	for _, ns := range subset {
		args = append(args, "--nsInclude="+ns)
	}

	if _, err := a.executor.Run(ctx, Command{Name: target.Option("mongorestore_path", "mongorestore"), Args: args}); err != nil {
		return asPipelineError(BackupErrorTypeRestore, "restore tool failed", err)
	}
	return nil
}

func (a *DocumentAdapter) Validate(ctx context.Context, artifact string) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open artifact", err)
	}
	defer file.Close()

	magic := make([]byte, len(mongoArchiveMagic))
	if _, err := io.ReadFull(file, magic); err != nil {
		return NewRestoreError("artifact is too short to be a mongodump archive", err)
	}
	if !bytes.Equal(magic, mongoArchiveMagic) {
		return NewRestoreError("artifact is not a mongodump archive", nil)
	}
	return nil
}
