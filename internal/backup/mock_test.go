package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backup-orchestrator/internal/events"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store used by the pipeline tests.
type memoryStore struct {
	mu            sync.Mutex
	backups       map[string]*Backup
	restores      map[string]*RestoreOperation
	verifications []*VerificationRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		backups:  make(map[string]*Backup),
		restores: make(map[string]*RestoreOperation),
	}
}

func (s *memoryStore) CreateBackup(ctx context.Context, b *Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[b.ID]; ok {
		return fmt.Errorf("duplicate backup %s", b.ID)
	}
	if b.Status == BackupStatusInProgress {
		for _, other := range s.backups {
			if other.Status == BackupStatusInProgress && other.SourceName == b.SourceName && other.Scope == b.Scope {
				return NewConcurrencyConflict("backup already in progress", nil)
			}
		}
	}
	clone := *b
	s.backups[b.ID] = &clone
	return nil
}

func (s *memoryStore) FinishBackup(ctx context.Context, b *Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.backups[b.ID]
	if !ok {
		return NewNotFoundError("backup not found", nil)
	}
	if stored.Status != BackupStatusInProgress || stored.Owner != b.Owner {
		return NewConcurrencyConflict("backup is no longer owned by "+b.Owner, nil)
	}
	clone := *b
	s.backups[b.ID] = &clone
	return nil
}

func (s *memoryStore) TouchBackup(ctx context.Context, id, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.backups[id]
	if !ok || stored.Status != BackupStatusInProgress || stored.Owner != owner {
		return NewConcurrencyConflict("backup is no longer owned by "+owner, nil)
	}
	stored.HeartbeatAt = &at
	return nil
}

func (s *memoryStore) UpdateBackup(ctx context.Context, b *Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[b.ID]; !ok {
		return NewNotFoundError("backup not found", nil)
	}
	clone := *b
	s.backups[b.ID] = &clone
	return nil
}

func (s *memoryStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return nil, NewNotFoundError("backup not found", nil)
	}
	clone := *b
	return &clone, nil
}

func (s *memoryStore) ListBackups(ctx context.Context, filter BackupFilter) ([]*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Backup
	for _, b := range s.backups {
		if filter.SourceName != "" && b.SourceName != filter.SourceName {
			continue
		}
		if filter.Scope != "" && b.Scope != filter.Scope {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.ScheduleID != "" && b.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.StartedBefore != nil && !b.StartedAt.Before(*filter.StartedBefore) {
			continue
		}
		clone := *b
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryStore) CreateRestore(ctx context.Context, op *RestoreOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *op
	s.restores[op.ID] = &clone
	return nil
}

func (s *memoryStore) UpdateRestore(ctx context.Context, op *RestoreOperation) error {
	return s.CreateRestore(ctx, op)
}

func (s *memoryStore) GetRestore(ctx context.Context, id string) (*RestoreOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.restores[id]
	if !ok {
		return nil, NewNotFoundError("restore not found", nil)
	}
	clone := *op
	return &clone, nil
}

func (s *memoryStore) ListRestores(ctx context.Context, backupID string) ([]*RestoreOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RestoreOperation
	for _, op := range s.restores {
		if backupID == "" || op.BackupID == backupID {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memoryStore) CreateVerification(ctx context.Context, rec *VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.verifications = append(s.verifications, &clone)
	return nil
}

func (s *memoryStore) ListVerifications(ctx context.Context, backupID string) ([]*VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*VerificationRecord
	for _, rec := range s.verifications {
		if backupID == "" || rec.BackupID == backupID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backups)
}

// memoryVault keeps key material in a map.
type memoryVault struct {
	mu   sync.Mutex
	keys map[string][]byte
	next int
}

func newMemoryVault() *memoryVault {
	return &memoryVault{keys: make(map[string][]byte)}
}

func (v *memoryVault) Store(ctx context.Context, key []byte, ttl time.Duration) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	ref := fmt.Sprintf("key-%d", v.next)
	v.keys[ref] = append([]byte(nil), key...)
	return ref, nil
}

func (v *memoryVault) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok := v.keys[ref]
	if !ok {
		return nil, NewNotFoundError("key not found", nil)
	}
	return append([]byte(nil), key...), nil
}

func (v *memoryVault) Delete(ctx context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, ref)
	return nil
}

func (v *memoryVault) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.keys)
}

// staticApprovals grants exactly one token per backup.
type staticApprovals struct {
	tokens map[string]string
	err    error
}

func (a *staticApprovals) CheckApproval(ctx context.Context, backupID, token string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.tokens[backupID] == token, nil
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

const memDumpHeader = "MEMDUMP\n"

// memoryAdapter is a SourceAdapter for the cache source type that dumps a fixed
// payload and records restores.
type memoryAdapter struct {
	mu         sync.Mutex
	payload    string
	captureErr error
	restoreErr error
	// gate blocks Capture for the given scope until closed.
	gateScope string
	gate      chan struct{}
	entered   chan struct{}
	restores  []memoryRestore
}

type memoryRestore struct {
	target  SourceConfig
	content string
	subset  []string
}

func newMemoryAdapter(payload string) *memoryAdapter {
	return &memoryAdapter{payload: payload}
}

func (a *memoryAdapter) Type() SourceType { return SourceTypeCache }

func (a *memoryAdapter) Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error) {
	if a.gate != nil && scope == a.gateScope {
		if a.entered != nil {
			close(a.entered)
		}
		select {
		case <-a.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if a.captureErr != nil {
		return 0, a.captureErr
	}
	content := memDumpHeader + a.payload
	if err := os.WriteFile(dest, []byte(content), 0600); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (a *memoryAdapter) Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restores = append(a.restores, memoryRestore{target: target, content: string(data), subset: subset})
	return a.restoreErr
}

func (a *memoryAdapter) Validate(ctx context.Context, artifact string) error {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(data), memDumpHeader) {
		return NewRestoreError("not a memory dump", nil)
	}
	return nil
}

func (a *memoryAdapter) restoreCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.restores)
}

// countingBackend wraps a backend and counts downloads.
type countingBackend struct {
	StorageBackend
	downloads atomic.Int32
	uploadErr error
}

func (c *countingBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	if c.uploadErr != nil {
		return "", c.uploadErr
	}
	return c.StorageBackend.Upload(ctx, localPath, backupID)
}

func (c *countingBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	c.downloads.Add(1)
	return c.StorageBackend.Download(ctx, uri, localPath)
}

// coldBackend simulates an archive tier: the first pending downloads return a
// retrieval handle, then the object becomes readable.
type coldBackend struct {
	dir     string
	pending atomic.Int32
	polls   atomic.Int32
}

func (c *coldBackend) Type() BackendType { return BackendGlacier }
func (c *coldBackend) Scheme() string    { return "glacier" }

func (c *coldBackend) Upload(ctx context.Context, localPath, backupID string) (string, error) {
	if err := copyFile(ctx, localPath, filepath.Join(c.dir, backupID), 0600); err != nil {
		return "", err
	}
	return objectURI(c.Scheme(), "vault", backupID), nil
}

func (c *coldBackend) Download(ctx context.Context, uri, localPath string) (*RetrievalHandle, error) {
	c.polls.Add(1)
	if c.pending.Load() != 0 {
		if c.pending.Load() > 0 {
			c.pending.Add(-1)
		}
		return &RetrievalHandle{URI: uri, RequestedAt: time.Now(), Tier: "Standard"}, nil
	}
	_, key, err := parseObjectURI(uri, c.Scheme())
	if err != nil {
		return nil, err
	}
	return nil, copyFile(ctx, filepath.Join(c.dir, key), localPath, 0600)
}

func (c *coldBackend) Delete(ctx context.Context, uri string) error {
	_, key, err := parseObjectURI(uri, c.Scheme())
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(c.dir, key))
}

// testHarness wires a Manager against in-memory collaborators, local storage
// and a cold archive fake.
type testHarness struct {
	manager   *Manager
	store     *memoryStore
	vault     *memoryVault
	adapter   *memoryAdapter
	local     *countingBackend
	cold      *coldBackend
	publisher *recordingPublisher
	approvals *staticApprovals
	staging   string
	storage   string
	config    ManagerConfig
	deps      Dependencies
}

type harnessOption func(*ManagerConfig, *Dependencies)

func withClock(clock clockwork.Clock) harnessOption {
	return func(_ *ManagerConfig, deps *Dependencies) { deps.Clock = clock }
}

func withConfig(fn func(*ManagerConfig)) harnessOption {
	return func(cfg *ManagerConfig, _ *Dependencies) { fn(cfg) }
}

func newTestHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	h := &testHarness{
		store:     newMemoryStore(),
		vault:     newMemoryVault(),
		adapter:   newMemoryAdapter("key1=value1\nkey2=value2\n"),
		publisher: &recordingPublisher{},
		approvals: &staticApprovals{tokens: map[string]string{}},
		staging:   t.TempDir(),
		storage:   t.TempDir(),
	}

	local, err := NewLocalBackend(&LocalConfig{BasePath: h.storage})
	require.NoError(t, err)
	h.local = &countingBackend{StorageBackend: local}
	h.cold = &coldBackend{dir: t.TempDir()}

	backends, err := NewBackendRegistry(h.local, h.cold)
	require.NoError(t, err)

	catalog, err := NewStaticCatalog(
		map[string]SourceConfig{
			"sessions": {Type: SourceTypeCache, URI: "redis://cache.internal:6379/0"},
		},
		map[string]map[string]SourceConfig{
			"staging": {"sessions": {URI: "redis://cache.staging:6379/0"}},
		},
	)
	require.NoError(t, err)

	cfg := ManagerConfig{StagingDir: h.staging}
	deps := Dependencies{
		Store:     h.store,
		Sources:   NewSourceRegistry(h.adapter),
		Catalog:   catalog,
		Backends:  backends,
		Vault:     h.vault,
		Approvals: h.approvals,
		Events:    h.publisher,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.manager, err = NewManager(cfg, deps)
	require.NoError(t, err)
	h.config, h.deps = cfg, deps
	return h
}

// peer builds a second Manager over the same store, vault and backends, as a
// separate process sharing the database would.
func (h *testHarness) peer(t *testing.T, opts ...harnessOption) *Manager {
	t.Helper()
	cfg := h.config
	cfg.StagingDir = t.TempDir()
	deps := h.deps
	deps.Owner = ""
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	m, err := NewManager(cfg, deps)
	require.NoError(t, err)
	return m
}

func (h *testHarness) backup(t *testing.T, req Request) *Backup {
	t.Helper()
	if req.SourceName == "" {
		req.SourceName = "sessions"
	}
	if req.Destination == "" {
		req.Destination = BackendLocal
	}
	b, err := h.manager.CreateBackup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, BackupStatusCompleted, b.Status)
	return b
}

// stagingEntries lists what is left in the staging directory.
func (h *testHarness) stagingEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.staging)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// artifactPath maps a file:// storage URI to its path on disk.
func artifactPath(t *testing.T, uri string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(uri, "file://"), uri)
	return strings.TrimPrefix(uri, "file://")
}
