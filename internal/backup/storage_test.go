package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"backup-orchestrator/internal/backup/backuptest"
	"backup-orchestrator/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsv1 "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendLifecycle(t *testing.T) {
	base := t.TempDir()
	backend, err := NewLocalBackend(&LocalConfig{BasePath: base})
	require.NoError(t, err)
	ctx := context.Background()

	src := writeTempFile(t, "artifact", []byte("artifact bytes"))
	uri, err := backend.Upload(ctx, src, "backup-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))
	assert.FileExists(t, filepath.Join(base, "backup-1"+artifactSuffix))
	assert.NoFileExists(t, filepath.Join(base, "backup-1"+artifactSuffix+".partial"))

	dest := filepath.Join(t.TempDir(), "downloaded")
	handle, err := backend.Download(ctx, uri, dest)
	require.NoError(t, err)
	assert.Nil(t, handle)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "artifact bytes", string(data))

	require.NoError(t, backend.Delete(ctx, uri))
	require.NoError(t, backend.Delete(ctx, uri))

	_, err = backend.Download(ctx, uri, dest)
	assert.True(t, IsNotFound(err))
}

func TestLocalBackendRejectsForeignURIs(t *testing.T) {
	backend, err := NewLocalBackend(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = backend.Download(ctx, "file:///etc/passwd", filepath.Join(t.TempDir(), "x"))
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	err = backend.Delete(ctx, "s3://bucket/key")
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestObjectURIHelpers(t *testing.T) {
	assert.Equal(t, "backups/backup-1.artifact", objectKey("backups", "backup-1"))
	assert.Equal(t, "backups/a_b.artifact", objectKey("backups/", "a/b"))
	assert.Equal(t, "x_.artifact", sanitizeObjectName("x..")+artifactSuffix)

	uri := objectURI("gs", "bucket", "backups/b.artifact")
	bucket, key, err := parseObjectURI(uri, "gs")
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "backups/b.artifact", key)

	_, _, err = parseObjectURI(uri, "s3")
	assert.Error(t, err)
	_, _, err = parseObjectURI("gs://bucket/", "gs")
	assert.Error(t, err)
}

type stubBackend struct {
	kind   BackendType
	scheme string
	health error
}

func (s *stubBackend) Type() BackendType { return s.kind }
func (s *stubBackend) Scheme() string    { return s.scheme }
func (s *stubBackend) Upload(context.Context, string, string) (string, error) {
	return s.scheme + "://bucket/key", nil
}
func (s *stubBackend) Download(context.Context, string, string) (*RetrievalHandle, error) {
	return nil, nil
}
func (s *stubBackend) Delete(context.Context, string) error  { return nil }
func (s *stubBackend) HealthCheck(ctx context.Context) error { return s.health }

func TestBackendRegistryDispatch(t *testing.T) {
	hot := &stubBackend{kind: BackendS3, scheme: "s3"}
	cold := &stubBackend{kind: BackendGlacier, scheme: "glacier", health: errors.New("throttled")}
	registry, err := NewBackendRegistry(hot, cold)
	require.NoError(t, err)

	got, err := registry.Get(BackendGlacier)
	require.NoError(t, err)
	assert.Same(t, cold, got)

	got, err = registry.ForURI("s3://bucket/backups/x.artifact")
	require.NoError(t, err)
	assert.Same(t, hot, got)

	_, err = registry.ForURI("gs://bucket/x")
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
	_, err = registry.ForURI("no-scheme")
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
	_, err = registry.Get(BackendAzure)
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))

	assert.Equal(t, []BackendType{BackendGlacier, BackendS3}, registry.Types())

	health := registry.HealthCheck(context.Background())
	assert.Len(t, health, 1)
	assert.EqualError(t, health[BackendGlacier], "throttled")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.StorageBackendUp.WithLabelValues("glacier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageBackendUp.WithLabelValues("s3")))

	assert.Equal(t, []BackendHealth{
		{Backend: BackendGlacier, Checked: true, Healthy: false, Error: "throttled"},
		{Backend: BackendS3, Checked: true, Healthy: true},
	}, registry.Health(context.Background()))

	err = registry.Register(&stubBackend{kind: BackendS3, scheme: "s3x"})
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
	err = registry.Register(&stubBackend{kind: BackendMinio, scheme: "s3"})
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
}

func TestLocalBackendHealthCheck(t *testing.T) {
	base := filepath.Join(t.TempDir(), "backups")
	backend, err := NewLocalBackend(&LocalConfig{BasePath: base})
	require.NoError(t, err)
	require.NoError(t, backend.HealthCheck(context.Background()))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "the health file is removed")

	require.NoError(t, os.RemoveAll(base))
	assert.True(t, IsErrorType(backend.HealthCheck(context.Background()), BackupErrorTypeConfiguration))
}

func TestNewBackendsFromConfigLocalOnly(t *testing.T) {
	cfg := &StorageConfig{Local: &LocalConfig{BasePath: t.TempDir()}}
	cfg.SetDefaults()

	registry, err := NewBackendsFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []BackendType{BackendLocal}, registry.Types())

	_, err = NewBackendsFromConfig(context.Background(), nil)
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
}

func TestStorageConfigDefaultsAndValidation(t *testing.T) {
	cfg := &StorageConfig{
		S3:      &S3Config{Bucket: "hot"},
		Glacier: &GlacierConfig{Bucket: "cold"},
		Azure:   &AzureConfig{AccountName: "acct", AccountKey: "key", ContainerName: "backups"},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./backups", cfg.Local.BasePath)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, "backups/", cfg.S3.Prefix)
	assert.Equal(t, "GLACIER", cfg.Glacier.StorageClass)
	assert.Equal(t, "Standard", cfg.Glacier.RestoreTier)
	assert.Equal(t, int32(3), cfg.Glacier.RestoreDays)
	assert.Equal(t, uint16(4), cfg.Azure.Parallelism)

	cfg.S3.AccessKey = "only-half"
	cfg.Glacier.RestoreTier = "Instant"
	err := cfg.Validate()
	require.Error(t, err)
	var validation ValidationErrors
	require.True(t, errors.As(err, &validation))
	assert.Len(t, validation, 2)
}

func TestStorageConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("BACKUP_ORCHESTRATOR_S3_ACCESS_KEY", "AKIA-env")
	t.Setenv("BACKUP_ORCHESTRATOR_S3_SECRET_KEY", "secret-env")

	cfg := &StorageConfig{S3: &S3Config{Bucket: "hot", AccessKey: "file"}}
	cfg.LoadFromEnvironment()
	assert.Equal(t, "AKIA-env", cfg.S3.AccessKey)
	assert.Equal(t, "secret-env", cfg.S3.SecretKey)
}

func TestS3BackendLifecycle(t *testing.T) {
	client := backuptest.NewMemoryS3("hot")
	backend := NewS3BackendWithClient(client, &S3Config{Bucket: "hot", Prefix: "backups/"})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("artifact-bytes-"), 4096)
	uri, err := backend.Upload(ctx, writeTempFile(t, "artifact", payload), "backup-7")
	require.NoError(t, err)
	assert.Equal(t, "s3://hot/backups/backup-7.artifact", uri)

	stored, ok := client.Object("hot/backups/backup-7.artifact")
	require.True(t, ok)
	assert.Equal(t, payload, stored)
	assert.Equal(t, "backup-7", awsv1.StringValue(client.Metadata("hot/backups/backup-7.artifact")["backup-id"]))

	dest := filepath.Join(t.TempDir(), "downloaded")
	handle, err := backend.Download(ctx, uri, dest)
	require.NoError(t, err)
	assert.Nil(t, handle, "hot storage is immediately available")
	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)

	require.NoError(t, backend.Delete(ctx, uri))
	assert.Empty(t, client.Keys())
	require.NoError(t, backend.Delete(ctx, uri), "deleting twice succeeds")

	_, err = backend.Download(ctx, uri, dest)
	assert.True(t, IsNotFound(err))
}

func TestS3BackendErrors(t *testing.T) {
	client := backuptest.NewMemoryS3("hot")
	backend := NewS3BackendWithClient(client, &S3Config{Bucket: "hot", Prefix: "backups/"})
	ctx := context.Background()

	client.PutErr = awserr.New("AccessDenied", "denied", nil)
	_, err := backend.Upload(ctx, writeTempFile(t, "artifact", []byte("x")), "backup-1")
	assert.True(t, IsErrorType(err, BackupErrorTypeUpload))
	_, err = backend.Upload(ctx, filepath.Join(t.TempDir(), "missing"), "backup-1")
	assert.True(t, IsErrorType(err, BackupErrorTypeUpload))

	client.GetErr = awserr.New("SlowDown", "throttled", nil)
	_, err = backend.Download(ctx, "s3://hot/backups/backup-1.artifact", filepath.Join(t.TempDir(), "out"))
	assert.True(t, IsErrorType(err, BackupErrorTypeDownload))

	client.DeleteErr = awserr.New(s3v1.ErrCodeNoSuchKey, "gone", nil)
	require.NoError(t, backend.Delete(ctx, "s3://hot/backups/b.artifact"))
	client.DeleteErr = awserr.New("AccessDenied", "denied", nil)
	assert.True(t, IsErrorType(backend.Delete(ctx, "s3://hot/backups/b.artifact"), BackupErrorTypeUpload))
	assert.True(t, IsErrorType(backend.Delete(ctx, "gs://hot/x"), BackupErrorTypeValidation))

	require.NoError(t, backend.HealthCheck(ctx))
	client.HeadErr = awserr.New("NoSuchBucket", "missing", nil)
	assert.Error(t, backend.HealthCheck(ctx))

	missing := NewS3BackendWithClient(backuptest.NewMemoryS3(), &S3Config{Bucket: "gone"})
	assert.Error(t, missing.HealthCheck(ctx))
}

// fakeGlacier emulates an S3 bucket with an archival storage class.
type fakeGlacier struct {
	mu          sync.Mutex
	objects     map[string][]byte
	class       types.StorageClass
	restoreHdr  *string
	restoreReqs []*s3.RestoreObjectInput
	restoreErr  error
	getErr      error

	putCalls  int
	uploads   map[string]*multipartUpload
	completed int
}

type multipartUpload struct {
	key   string
	class types.StorageClass
	parts map[int32][]byte
}

func newFakeGlacier() *fakeGlacier {
	return &fakeGlacier{
		objects: map[string][]byte{},
		class:   types.StorageClassGlacier,
		uploads: map[string]*multipartUpload{},
	}
}

func (f *fakeGlacier) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.objects[aws.ToString(in.Key)] = data
	f.class = in.StorageClass
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeGlacier) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = &multipartUpload{key: aws.ToString(in.Key), class: in.StorageClass, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *fakeGlacier) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "unknown upload"}
	}
	n := aws.ToInt32(in.PartNumber)
	upload.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeGlacier) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "unknown upload"}
	}
	var data []byte
	for _, part := range in.MultipartUpload.Parts {
		data = append(data, upload.parts[aws.ToInt32(part.PartNumber)]...)
	}
	f.objects[upload.key] = data
	f.class = upload.class
	f.completed++
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *fakeGlacier) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeGlacier) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{StorageClass: f.class, Restore: f.restoreHdr}, nil
}

func (f *fakeGlacier) RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, _ ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreReqs = append(f.restoreReqs, in)
	return &s3.RestoreObjectOutput{}, f.restoreErr
}

func (f *fakeGlacier) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.objects[aws.ToString(in.Key)]))}, nil
}

func (f *fakeGlacier) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestGlacierBackend(client glacierAPI) *GlacierBackend {
	cfg := &GlacierConfig{Bucket: "cold"}
	cfg.SetDefaults()
	b := newGlacierBackendWithClient(client, cfg)
	b.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return b
}

func TestGlacierBackendMultipartUpload(t *testing.T) {
	client := newFakeGlacier()
	cfg := &GlacierConfig{Bucket: "cold", PartSize: 5 * 1024 * 1024}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	backend := newGlacierBackendWithClient(client, cfg)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 11*1024*1024/16)
	uri, err := backend.Upload(ctx, writeTempFile(t, "large", payload), "backup-big")
	require.NoError(t, err)
	assert.Equal(t, "glacier://cold/archive/backup-big.artifact", uri)

	assert.Equal(t, 0, client.putCalls, "artifacts over one part are sent as a multipart upload")
	assert.Equal(t, 1, client.completed)
	assert.Empty(t, client.uploads)
	assert.Equal(t, types.StorageClassGlacier, client.class)
	assert.True(t, bytes.Equal(payload, client.objects["archive/backup-big.artifact"]))

	cfg.PartSize = 1024
	assert.Error(t, cfg.Validate())
}

func TestGlacierBackendRetrievalLifecycle(t *testing.T) {
	client := newFakeGlacier()
	backend := newTestGlacierBackend(client)
	ctx := context.Background()

	uri, err := backend.Upload(ctx, writeTempFile(t, "artifact", []byte("frozen")), "backup-9")
	require.NoError(t, err)
	assert.Equal(t, "glacier://cold/archive/backup-9.artifact", uri)
	assert.Equal(t, types.StorageClassGlacier, client.class)

	dest := filepath.Join(t.TempDir(), "out")

	// Archived with no restore yet: a job is requested.
	handle, err := backend.Download(ctx, uri, dest)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "Standard", handle.Tier)
	require.Len(t, client.restoreReqs, 1)
	assert.Equal(t, int32(3), aws.ToInt32(client.restoreReqs[0].RestoreRequest.Days))
	assert.Equal(t, types.TierStandard, client.restoreReqs[0].RestoreRequest.GlacierJobParameters.Tier)

	// Job running: no new request.
	client.restoreHdr = aws.String(`ongoing-request="true"`)
	handle, err = backend.Download(ctx, uri, dest)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Len(t, client.restoreReqs, 1)

	// Restored copy available.
	client.restoreHdr = aws.String(`ongoing-request="false", expiry-date="Fri, 05 Jan 2024 00:00:00 GMT"`)
	handle, err = backend.Download(ctx, uri, dest)
	require.NoError(t, err)
	assert.Nil(t, handle)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "frozen", string(data))

	require.NoError(t, backend.Delete(ctx, uri))
	_, err = backend.Download(ctx, uri, dest)
	assert.True(t, IsNotFound(err))
}

func TestGlacierBackendInvalidObjectStateRequestsRestore(t *testing.T) {
	client := newFakeGlacier()
	client.restoreErr = &smithy.GenericAPIError{Code: "RestoreAlreadyInProgress"}
	backend := newTestGlacierBackend(client)
	ctx := context.Background()

	uri, err := backend.Upload(ctx, writeTempFile(t, "artifact", []byte("x")), "b")
	require.NoError(t, err)
	client.class = types.StorageClassStandard
	client.getErr = &smithy.GenericAPIError{Code: "InvalidObjectState"}

	handle, err := backend.Download(ctx, uri, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.NotNil(t, handle)

	client.getErr = &smithy.GenericAPIError{Code: "InternalError"}
	_, err = backend.Download(ctx, uri, filepath.Join(t.TempDir(), "out"))
	assert.True(t, IsErrorType(err, BackupErrorTypeDownload))
}
