package backup

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Backend is the hot object store backend for AWS S3, addressed by s3:// URIs.
// Transfers go through s3manager so large artifacts are streamed in parts.
type S3Backend struct {
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Backend creates an S3Backend instance
func NewS3Backend(config *S3Config) (*S3Backend, error) {
	if config == nil {
		return nil, NewConfigurationError("S3 storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewConfigurationError("failed to create AWS session", err)
	}

	return NewS3BackendWithClient(s3.New(sess), config), nil
}

// NewS3BackendWithClient builds an S3Backend over an existing client.
func NewS3BackendWithClient(client s3iface.S3API, config *S3Config) *S3Backend {
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if config.PartSize > 0 {
			u.PartSize = config.PartSize
		}
	})
	return &S3Backend{
		client:     client,
		uploader:   uploader,
		downloader: s3manager.NewDownloaderWithClient(client),
		bucket:     config.Bucket,
		prefix:     config.Prefix,
	}
}

func (b *S3Backend) Type() BackendType { return BackendS3 }
func (b *S3Backend) Scheme() string    { return "s3" }

func (b *S3Backend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError("failed to open artifact", err)
	}
	defer file.Close()

	key := objectKey(b.prefix, backupID)
	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"backup-id": aws.String(backupID),
		},
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to upload artifact to S3", err).
			WithContext("bucket", b.bucket).
			WithContext("key", key)
	}

	return objectURI(b.Scheme(), b.bucket, key), nil
}

func (b *S3Backend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewDownloadError("failed to create local artifact", err)
	}
	defer file.Close()

	_, err = b.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NewNotFoundError("artifact not found in S3", err).WithContext("uri", uri)
		}
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to download artifact from S3", err).
			WithContext("uri", uri)
	}
	return nil, nil
}

func (b *S3Backend) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return err
	}

	_, err = b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return NewUploadError("failed to delete artifact from S3", err).WithContext("uri", uri)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
