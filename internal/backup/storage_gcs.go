package backup

import (
	"context"
	"errors"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend is the hot object store backend for Google Cloud Storage, addressed by gs:// URIs.
type GCSBackend struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSBackend creates a GCSBackend instance
func NewGCSBackend(ctx context.Context, config *GCSConfig) (*GCSBackend, error) {
	if config == nil {
		return nil, NewConfigurationError("GCS storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewConfigurationError("failed to create GCS client", err)
	}

	return &GCSBackend{
		client:     client,
		bucketName: config.Bucket,
		prefix:     config.Prefix,
	}, nil
}

func (b *GCSBackend) Type() BackendType { return BackendGCS }
func (b *GCSBackend) Scheme() string    { return "gs" }

func (b *GCSBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError("failed to open artifact", err)
	}
	defer file.Close()

	key := objectKey(b.prefix, backupID)
	writer := b.client.Bucket(b.bucketName).Object(key).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = map[string]string{"backup-id": backupID}

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", asPipelineError(BackupErrorTypeUpload, "failed to stream artifact to GCS", err).
			WithContext("object", key)
	}
	// The object is committed on Close; errors surface there.
	if err := writer.Close(); err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to finalize GCS object", err).
			WithContext("object", key)
	}

	return objectURI(b.Scheme(), b.bucketName, key), nil
}

func (b *GCSBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return nil, err
	}

	reader, err := b.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, NewNotFoundError("artifact not found in GCS", err).WithContext("uri", uri)
		}
		return nil, NewDownloadError("failed to open GCS object", err).WithContext("uri", uri)
	}
	defer reader.Close()

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewDownloadError("failed to create local artifact", err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to read GCS object", err).WithContext("uri", uri)
	}
	if err := file.Close(); err != nil {
		return nil, NewDownloadError("failed to write local artifact", err)
	}
	return nil, nil
}

func (b *GCSBackend) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return err
	}
	err = b.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return NewUploadError("failed to delete GCS object", err).WithContext("uri", uri)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable and listable
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	bucket := b.client.Bucket(b.bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		return err
	}
	it := bucket.Objects(ctx, &storage.Query{Prefix: b.prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

// Close closes the GCS client
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
