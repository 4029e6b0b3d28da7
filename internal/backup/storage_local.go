package backup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const artifactSuffix = ".artifact"

// LocalBackend stores artifacts on a local or mounted filesystem under file:// URIs.
type LocalBackend struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalBackend creates a LocalBackend and ensures its base directory exists
func NewLocalBackend(config *LocalConfig) (*LocalBackend, error) {
	if config == nil {
		return nil, NewConfigurationError("local storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid local storage configuration", err)
	}

	basePath, err := filepath.Abs(config.BasePath)
	if err != nil {
		return nil, NewConfigurationError("failed to resolve local base path", err)
	}
	perm := config.Permissions
	if perm == 0 {
		perm = 0750
	}
	if err := os.MkdirAll(basePath, perm); err != nil {
		return nil, NewConfigurationError("failed to create local base directory", err)
	}

	return &LocalBackend{basePath: basePath, permissions: perm}, nil
}

func (b *LocalBackend) Type() BackendType { return BackendLocal }
func (b *LocalBackend) Scheme() string    { return "file" }

// Upload copies the artifact into the base directory. The copy is written to a
// temporary name and renamed so a partial file is never visible under its final name.
func (b *LocalBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	dest := filepath.Join(b.basePath, sanitizeObjectName(backupID)+artifactSuffix)
	tmp := dest + ".partial"

	if err := copyFile(ctx, localPath, tmp, 0640); err != nil {
		os.Remove(tmp)
		return "", asPipelineError(BackupErrorTypeUpload, "failed to copy artifact to local storage", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", NewUploadError("failed to finalize local artifact", err)
	}

	return (&url.URL{Scheme: b.Scheme(), Path: dest}).String(), nil
}

func (b *LocalBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	path, err := b.pathFor(uri)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewNotFoundError("artifact not found in local storage", err).WithContext("uri", uri)
	}
	if err := copyFile(ctx, path, localPath, 0600); err != nil {
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to copy artifact from local storage", err)
	}
	return nil, nil
}

// HealthCheck confirms the base directory still exists and accepts writes.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return NewConfigurationError("local base directory is unavailable", err).WithContext("path", b.basePath)
	}
	if !info.IsDir() {
		return NewConfigurationError("local base path is not a directory", nil).WithContext("path", b.basePath)
	}
	f, err := os.CreateTemp(b.basePath, ".health-*")
	if err != nil {
		return NewUploadError("local base directory is not writable", err).WithContext("path", b.basePath)
	}
	f.Close()
	return os.Remove(f.Name())
}

// Delete removes the artifact. Deleting an artifact that is already gone succeeds.
func (b *LocalBackend) Delete(ctx context.Context, uri string) error {
	path, err := b.pathFor(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return NewUploadError("failed to delete local artifact", err).WithContext("uri", uri)
	}
	return nil
}

// pathFor maps a file:// URI back to a path, refusing anything outside the base directory.
func (b *LocalBackend) pathFor(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != b.Scheme() {
		return "", NewValidationError(fmt.Sprintf("not a %s:// uri", b.Scheme()), err).WithContext("uri", uri)
	}
	rel, err := filepath.Rel(b.basePath, filepath.Clean(u.Path))
	if err != nil || !filepath.IsLocal(rel) {
		return "", NewValidationError("uri is outside the local storage directory", err).WithContext("uri", uri)
	}
	return filepath.Join(b.basePath, rel), nil
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, newContextReader(ctx, in)); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// objectKey builds the object name for a backup under a backend prefix
func objectKey(prefix, backupID string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + sanitizeObjectName(backupID) + artifactSuffix
}

// sanitizeObjectName removes characters that are unsafe in object keys and file names
func sanitizeObjectName(backupID string) string {
	r := strings.NewReplacer(" ", "_", "\\", "_", "/", "_", "..", "_")
	return r.Replace(backupID)
}

// objectURI renders scheme://bucket/key
func objectURI(scheme, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, bucket, key)
}

// parseObjectURI splits scheme://bucket/key and checks the scheme
func parseObjectURI(uri, scheme string) (bucket, key string, err error) {
	u, perr := url.Parse(uri)
	if perr != nil || u.Scheme != scheme || u.Host == "" {
		return "", "", NewValidationError(fmt.Sprintf("not a %s:// uri", scheme), perr).WithContext("uri", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", NewValidationError("uri has no object key", nil).WithContext("uri", uri)
	}
	return u.Host, key, nil
}
