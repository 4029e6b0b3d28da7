package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-redis/redis/v8"

	"backup-orchestrator/internal/logging"
)

const (
	cacheSnapshotFormat = "backup-orchestrator/redis-keys"
	cacheScanCount      = 500
)

// CacheClient is the subset of the redis client the cache adapter uses.
type CacheClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Dump(ctx context.Context, key string) *redis.StringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	RestoreReplace(ctx context.Context, key string, ttl time.Duration, value string) *redis.StatusCmd
	Close() error
}

type cacheHeader struct {
	Format  string    `json:"format"`
	Version int       `json:"version"`
	Match   string    `json:"match"`
	Created time.Time `json:"created"`
}

type cacheRecord struct {
	Key   string `json:"key"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
	Value []byte `json:"value"`
}

// CacheAdapter snapshots a redis keyspace key by key using DUMP/RESTORE, so the
// artifact is self-contained and does not depend on access to the server's RDB file.
type CacheAdapter struct {
	dial   func(source SourceConfig) (CacheClient, error)
	logger *logging.Logger
}

// NewCacheAdapter creates the cache adapter
func NewCacheAdapter(logger *logging.Logger) *CacheAdapter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CacheAdapter{dial: dialRedis, logger: logger}
}

func dialRedis(source SourceConfig) (CacheClient, error) {
	opts, err := redis.ParseURL(source.URI)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (a *CacheAdapter) Type() SourceType { return SourceTypeCache }

// Capture writes every key matching scope (a SCAN MATCH pattern, default "*").
func (a *CacheAdapter) Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error) {
	client, err := a.dial(source)
	if err != nil {
		return 0, NewCaptureError("invalid cache source", err).WithContext("source", source.Name)
	}
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return 0, NewCaptureError("source unreachable", err).WithContext("source", source.Name)
	}

	match := scope
	if match == "" {
		match = "*"
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, NewCaptureError("failed to create staging artifact", err)
	}
	defer file.Close()

	buffered := bufio.NewWriter(file)
	enc := json.NewEncoder(buffered)
	if err := enc.Encode(cacheHeader{Format: cacheSnapshotFormat, Version: 1, Match: match, Created: time.Now().UTC()}); err != nil {
		return 0, NewCaptureError("partial write of staging artifact", err)
	}

	keys := 0
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, match, cacheScanCount).Result()
		if err != nil {
			return 0, asPipelineError(BackupErrorTypeCapture, "failed to scan keyspace", err)
		}

		for _, key := range batch {
			value, err := client.Dump(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and DUMP
			}
			if err != nil {
				return 0, asPipelineError(BackupErrorTypeCapture, fmt.Sprintf("failed to dump key %q", key), err)
			}
			ttl, err := client.PTTL(ctx, key).Result()
			if err != nil {
				return 0, asPipelineError(BackupErrorTypeCapture, fmt.Sprintf("failed to read ttl of key %q", key), err)
			}

			record := cacheRecord{Key: key, Value: []byte(value)}
			if ttl > 0 {
				record.TTLMs = ttl.Milliseconds()
			}
			if err := enc.Encode(record); err != nil {
				return 0, NewCaptureError("partial write of staging artifact", err)
			}
			keys++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := buffered.Flush(); err != nil {
		return 0, NewCaptureError("partial write of staging artifact", err)
	}
	info, err := file.Stat()
	if err != nil {
		return 0, NewCaptureError("failed to stat staging artifact", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"source": source.Name,
		"match":  match,
		"keys":   keys,
	}).Debug("Cache keyspace captured")

	return info.Size(), nil
}

// Restore writes every record back with RESTORE REPLACE. Subset entries are glob
// patterns on key names.
func (a *CacheAdapter) Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error {
	client, err := a.dial(target)
	if err != nil {
		return NewRestoreError("invalid cache restore target", err)
	}
	defer client.Close()

	return a.readSnapshot(artifact, func(rec cacheRecord) error {
		if len(subset) > 0 && !matchesAny(subset, rec.Key) {
			return nil
		}
		ttl := time.Duration(rec.TTLMs) * time.Millisecond
		if err := client.RestoreReplace(ctx, rec.Key, ttl, string(rec.Value)).Err(); err != nil {
			return asPipelineError(BackupErrorTypeRestore, fmt.Sprintf("failed to restore key %q", rec.Key), err)
		}
		return nil
	})
}

func (a *CacheAdapter) Validate(ctx context.Context, artifact string) error {
	return a.readSnapshot(artifact, func(rec cacheRecord) error {
		if rec.Key == "" {
			return NewRestoreError("snapshot contains a record without a key", nil)
		}
		return ctx.Err()
	})
}

func (a *CacheAdapter) readSnapshot(artifact string, fn func(cacheRecord) error) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open artifact", err)
	}
	defer file.Close()

	dec := json.NewDecoder(bufio.NewReader(file))
	var header cacheHeader
	if err := dec.Decode(&header); err != nil {
		return NewRestoreError("artifact has no snapshot header", err)
	}
	if header.Format != cacheSnapshotFormat {
		return NewRestoreError(fmt.Sprintf("unexpected snapshot format %q", header.Format), nil)
	}

	for {
		var rec cacheRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewRestoreError("corrupt snapshot record", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
