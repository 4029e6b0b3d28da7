package backup

import (
	"context"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend is a hot object store backend for S3-compatible services
// (MinIO, Ceph RGW) addressed by minio:// URIs.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewMinioBackend creates a MinioBackend instance
func NewMinioBackend(config *MinioConfig) (*MinioBackend, error) {
	if config == nil {
		return nil, NewConfigurationError("minio storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid minio storage configuration", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, NewConfigurationError("failed to create minio client", err)
	}

	return &MinioBackend{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
		region: config.Region,
	}, nil
}

func (b *MinioBackend) Type() BackendType { return BackendMinio }
func (b *MinioBackend) Scheme() string    { return "minio" }

func (b *MinioBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to prepare bucket", err).
			WithContext("bucket", b.bucket)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError("failed to open artifact", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", NewUploadError("failed to stat artifact", err)
	}

	key := objectKey(b.prefix, backupID)
	_, err = b.client.PutObject(ctx, b.bucket, key, file, info.Size(), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"backup-id": backupID},
	})
	if err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to upload artifact", err).
			WithContext("bucket", b.bucket).
			WithContext("key", key)
	}

	return objectURI(b.Scheme(), b.bucket, key), nil
}

func (b *MinioBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return nil, err
	}

	if err := b.client.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, NewNotFoundError("artifact not found", err).WithContext("uri", uri)
		}
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to download artifact", err).
			WithContext("uri", uri)
	}
	return nil, nil
}

func (b *MinioBackend) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return NewUploadError("failed to delete artifact", err).WithContext("uri", uri)
	}
	return nil
}

// HealthCheck verifies the endpoint answers and the bucket is reachable
func (b *MinioBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.BucketExists(ctx, b.bucket)
	return err
}

func (b *MinioBackend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region})
}
