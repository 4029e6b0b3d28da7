package backup

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"backup-orchestrator/internal/metrics"

	"github.com/samber/lo"
)

// BackendRegistry dispatches storage operations by backend type (for uploads) and
// by URI scheme (for downloads and deletes), so callers never switch on variants.
type BackendRegistry struct {
	mu       sync.RWMutex
	byType   map[BackendType]StorageBackend
	byScheme map[string]StorageBackend
}

// NewBackendRegistry creates a registry holding the given backends
func NewBackendRegistry(backends ...StorageBackend) (*BackendRegistry, error) {
	r := &BackendRegistry{
		byType:   make(map[BackendType]StorageBackend),
		byScheme: make(map[string]StorageBackend),
	}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a backend. Each type and each scheme may be registered once.
func (r *BackendRegistry) Register(b StorageBackend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byType[b.Type()]; ok {
		return NewConfigurationError(fmt.Sprintf("storage backend %q registered twice", b.Type()), nil)
	}
	if _, ok := r.byScheme[b.Scheme()]; ok {
		return NewConfigurationError(fmt.Sprintf("uri scheme %q registered twice", b.Scheme()), nil)
	}
	r.byType[b.Type()] = b
	r.byScheme[b.Scheme()] = b
	return nil
}

// Get returns the backend for a destination type
func (r *BackendRegistry) Get(t BackendType) (StorageBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byType[t]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("storage backend %q is not configured", t), nil)
	}
	return b, nil
}

// ForURI returns the backend owning the scheme of a storage URI
func (r *BackendRegistry) ForURI(uri string) (StorageBackend, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return nil, NewValidationError("storage uri has no scheme", err).WithContext("uri", uri)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byScheme[u.Scheme]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("no storage backend for scheme %q", u.Scheme), nil).
			WithContext("uri", uri)
	}
	return b, nil
}

// Types lists the registered backend types in a stable order
func (r *BackendRegistry) Types() []BackendType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := lo.Keys(r.byType)
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// healthChecker is implemented by backends that can check their remote endpoint.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BackendHealth is the outcome of probing one backend.
type BackendHealth struct {
	Backend BackendType `json:"backend"`
	Checked bool        `json:"checked"`
	Healthy bool        `json:"healthy"`
	Error   string      `json:"error,omitempty"`
}

// HealthCheck checks every backend that supports it, sets the storage_backend_up
// gauge for each and returns failures by type.
func (r *BackendRegistry) HealthCheck(ctx context.Context) map[BackendType]error {
	failures := make(map[BackendType]error)
	for _, h := range r.checkAll(ctx) {
		if h.err != nil {
			failures[h.Backend] = h.err
		}
	}
	return failures
}

// Health reports every registered backend in type order, checked or not.
func (r *BackendRegistry) Health(ctx context.Context) []BackendHealth {
	results := r.checkAll(ctx)
	out := make([]BackendHealth, len(results))
	for i, h := range results {
		out[i] = h.BackendHealth
		if h.err != nil {
			out[i].Error = h.err.Error()
		}
	}
	return out
}

type checkResult struct {
	BackendHealth
	err error
}

func (r *BackendRegistry) checkAll(ctx context.Context) []checkResult {
	types := r.Types()
	results := make([]checkResult, 0, len(types))
	for _, t := range types {
		b, err := r.Get(t)
		if err != nil {
			continue
		}
		res := checkResult{BackendHealth: BackendHealth{Backend: t, Healthy: true}}
		if hc, ok := b.(healthChecker); ok {
			res.Checked = true
			res.err = hc.HealthCheck(ctx)
			res.Healthy = res.err == nil
			metrics.SetBackendUp(string(t), res.Healthy)
		}
		results = append(results, res)
	}
	return results
}

// NewBackendsFromConfig builds a registry with every backend present in config
func NewBackendsFromConfig(ctx context.Context, config *StorageConfig) (*BackendRegistry, error) {
	if config == nil {
		return nil, NewConfigurationError("storage configuration is required", nil)
	}

	var backends []StorageBackend

	if config.Local != nil {
		b, err := NewLocalBackend(config.Local)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if config.S3 != nil {
		b, err := NewS3Backend(config.S3)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if config.Minio != nil {
		b, err := NewMinioBackend(config.Minio)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if config.GCS != nil {
		b, err := NewGCSBackend(ctx, config.GCS)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if config.Azure != nil {
		b, err := NewAzureBackend(config.Azure)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if config.Glacier != nil {
		b, err := NewGlacierBackend(config.Glacier)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	return NewBackendRegistry(backends...)
}
