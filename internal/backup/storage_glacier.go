package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// glacierAPI is the subset of the S3 v2 client used by the cold archive backend.
// Uploads go through manager.Uploader, which needs the multipart calls.
type glacierAPI interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// GlacierBackend is the cold archive backend, addressed by glacier:// URIs. Objects
// live in an S3 bucket under an archival storage class; reading one first requires
// an asynchronous restore job, so Download returns a RetrievalHandle until the
// restored copy is available.
type GlacierBackend struct {
	client       glacierAPI
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
	tier         types.Tier
	restoreDays  int32
	now          func() time.Time
}

// NewGlacierBackend creates a GlacierBackend instance
func NewGlacierBackend(config *GlacierConfig) (*GlacierBackend, error) {
	if config == nil {
		return nil, NewConfigurationError("glacier storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid glacier storage configuration", err)
	}

	opts := s3.Options{Region: config.Region}
	if config.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")
	}

	return newGlacierBackendWithClient(s3.New(opts), config), nil
}

func newGlacierBackendWithClient(client glacierAPI, config *GlacierConfig) *GlacierBackend {
	return &GlacierBackend{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if config.PartSize > 0 {
				u.PartSize = config.PartSize
			}
		}),
		bucket:       config.Bucket,
		prefix:       config.Prefix,
		storageClass: types.StorageClass(config.StorageClass),
		tier:         types.Tier(config.RestoreTier),
		restoreDays:  config.RestoreDays,
		now:          time.Now,
	}
}

func (b *GlacierBackend) Type() BackendType { return BackendGlacier }
func (b *GlacierBackend) Scheme() string    { return "glacier" }

func (b *GlacierBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", NewUploadError("failed to open artifact", err)
	}
	defer file.Close()

	key := objectKey(b.prefix, backupID)
	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(key),
		Body:         file,
		ContentType:  aws.String("application/octet-stream"),
		StorageClass: b.storageClass,
		Metadata:     map[string]string{"backup-id": backupID},
	})
	if err != nil {
		return "", asPipelineError(BackupErrorTypeUpload, "failed to archive artifact", err).
			WithContext("bucket", b.bucket).
			WithContext("key", key)
	}

	return objectURI(b.Scheme(), b.bucket, key), nil
}

// Download reads the object if a restored copy is available. Otherwise it starts
// (or observes) the restore job and returns a handle for the caller to poll.
func (b *GlacierBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return nil, err
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAPIErrorCode(err, "NotFound", "NoSuchKey") {
			return nil, NewNotFoundError("archived artifact not found", err).WithContext("uri", uri)
		}
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to inspect archived artifact", err).
			WithContext("uri", uri)
	}

	if isArchivedClass(head.StorageClass) {
		switch {
		case head.Restore == nil:
			return b.requestRestore(ctx, uri, bucket, key)
		case strings.Contains(aws.ToString(head.Restore), `ongoing-request="true"`):
			return b.handle(uri), nil
		}
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAPIErrorCode(err, "InvalidObjectState") {
			return b.requestRestore(ctx, uri, bucket, key)
		}
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to read restored artifact", err).
			WithContext("uri", uri)
	}
	defer out.Body.Close()

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewDownloadError("failed to create local artifact", err)
	}
	if _, err := io.Copy(file, newContextReader(ctx, out.Body)); err != nil {
		file.Close()
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to stream restored artifact", err).
			WithContext("uri", uri)
	}
	if err := file.Close(); err != nil {
		return nil, NewDownloadError("failed to write local artifact", err)
	}
	return nil, nil
}

func (b *GlacierBackend) requestRestore(ctx context.Context, uri, bucket, key string) (*RetrievalHandle, error) {
	_, err := b.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(b.restoreDays),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: b.tier,
			},
		},
	})
	if err != nil && !isAPIErrorCode(err, "RestoreAlreadyInProgress") {
		return nil, asPipelineError(BackupErrorTypeDownload, "failed to start archive retrieval", err).
			WithContext("uri", uri)
	}
	return b.handle(uri), nil
}

func (b *GlacierBackend) handle(uri string) *RetrievalHandle {
	return &RetrievalHandle{URI: uri, RequestedAt: b.now(), Tier: string(b.tier)}
}

func (b *GlacierBackend) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseObjectURI(uri, b.Scheme())
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAPIErrorCode(err, "NotFound", "NoSuchKey") {
		return NewUploadError("failed to delete archived artifact", err).WithContext("uri", uri)
	}
	return nil
}

func isArchivedClass(class types.StorageClass) bool {
	switch class {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return true
	default:
		return false
	}
}

func isAPIErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
