// Package backuptest provides in-memory stand-ins for remote storage services.
package backuptest

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client/metadata"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// MemoryS3 keeps objects in a map and serves the calls s3manager makes for
// single-part uploads and ranged downloads, plus delete and head-bucket.
// Calls outside that set panic through the embedded nil interface.
type MemoryS3 struct {
	s3iface.S3API

	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	metadata map[string]map[string]*string

	// PutErr, GetErr, DeleteErr and HeadErr fail the matching call when set.
	PutErr    error
	GetErr    error
	DeleteErr error
	HeadErr   error
}

// NewMemoryS3 returns a client that knows the given buckets.
func NewMemoryS3(buckets ...string) *MemoryS3 {
	m := &MemoryS3{
		buckets:  make(map[string]bool),
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]*string),
	}
	for _, b := range buckets {
		m.buckets[b] = true
	}
	return m
}

func objectPath(bucket, key *string) string {
	return aws.StringValue(bucket) + "/" + aws.StringValue(key)
}

// Object returns a stored object by bucket/key path.
func (m *MemoryS3) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}

// Metadata returns the user metadata stored with an object.
func (m *MemoryS3) Metadata(path string) map[string]*string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata[path]
}

// Keys lists stored objects as sorted bucket/key paths.
func (m *MemoryS3) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutObjectRequest returns a request whose send handler stores the body.
func (m *MemoryS3) PutObjectRequest(in *s3.PutObjectInput) (*request.Request, *s3.PutObjectOutput) {
	out := &s3.PutObjectOutput{}
	handlers := request.Handlers{}
	handlers.Send.PushBack(func(r *request.Request) {
		r.Error = m.put(in)
	})
	op := &request.Operation{Name: "PutObject", HTTPMethod: "PUT", HTTPPath: "/{Bucket}/{Key+}"}
	info := metadata.ClientInfo{ServiceName: "s3", Endpoint: "https://memory.s3.local"}
	return request.New(aws.Config{}, info, handlers, nil, op, in, out), out
}

func (m *MemoryS3) put(in *s3.PutObjectInput) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.buckets[aws.StringValue(in.Bucket)] {
		return awserr.New(s3.ErrCodeNoSuchBucket, "bucket does not exist", nil)
	}
	path := objectPath(in.Bucket, in.Key)
	m.objects[path] = data
	m.metadata[path] = in.Metadata
	return nil
}

// GetObjectWithContext honors "bytes=a-b" ranges and reports Content-Range the
// way S3 does, so s3manager downloads in parts.
func (m *MemoryS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	data, ok := m.objects[objectPath(in.Bucket, in.Key)]
	m.mu.Unlock()
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "key does not exist", nil)
	}

	total := int64(len(data))
	if in.Range == nil {
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: aws.Int64(total),
		}, nil
	}

	start, end, err := parseRange(aws.StringValue(in.Range))
	if err != nil {
		return nil, err
	}
	if start >= total && total > 0 {
		return nil, awserr.New("InvalidRange", "range not satisfiable", nil)
	}
	if end >= total {
		end = total - 1
	}
	chunk := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(chunk)),
		ContentLength: aws.Int64(int64(len(chunk))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, total)),
	}, nil
}

func parseRange(header string) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (m *MemoryS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path := objectPath(in.Bucket, in.Key)
	delete(m.objects, path)
	delete(m.metadata, path)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MemoryS3) HeadBucketWithContext(ctx aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if m.HeadErr != nil {
		return nil, m.HeadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.buckets[aws.StringValue(in.Bucket)] {
		return nil, awserr.New("NotFound", "bucket does not exist", nil)
	}
	return &s3.HeadBucketOutput{}, nil
}
