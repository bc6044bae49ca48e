package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/models"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

var errBoom = errors.New("boom")

// memStorage keeps uploaded artifacts in memory.
type memStorage struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadErr   error
	deleteFails int // number of leading Delete calls that fail
	deletes     int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, obj storage.Object, body io.ReaderAt, size int64, progress storage.ProgressFunc) (*storage.UploadResult, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	data, err := io.ReadAll(io.NewSectionReader(body, 0, size))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[obj.Bucket+"/"+obj.Path] = data
	m.mu.Unlock()
	if progress != nil {
		progress(size, size)
	}
	return &storage.UploadResult{Strategy: storage.StrategySingleShot, Chunks: 1, Bytes: size}, nil
}

func (m *memStorage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *memStorage) Delete(ctx context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deletes <= m.deleteFails {
		return errBoom
	}
	delete(m.objects, bucket+"/"+path)
	return nil
}

func (m *memStorage) has(bucket, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+path]
	return ok
}

func (m *memStorage) object(bucket, path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[bucket+"/"+path]
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// step is one scripted catalog Record outcome.
type step func(ctx context.Context) error

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func fail(err error) step {
	return func(context.Context) error { return err }
}

// scriptedCatalog plays back steps for successive Record calls and then
// falls through to an in-memory store. A nil step, or running past the
// script, writes the row.
type scriptedCatalog struct {
	*catalog.MemoryStore

	mu     sync.Mutex
	script []step
	calls  int
	after  step // used once the script is spent
}

func newScriptedCatalog(script ...step) *scriptedCatalog {
	return &scriptedCatalog{MemoryStore: catalog.NewMemoryStore(), script: script}
}

func (c *scriptedCatalog) Record(ctx context.Context, ds *models.Dataset) error {
	c.mu.Lock()
	var s step
	if c.calls < len(c.script) {
		s = c.script[c.calls]
	} else {
		s = c.after
	}
	c.calls++
	c.mu.Unlock()

	if s != nil {
		if err := s(ctx); err != nil {
			return err
		}
	}
	return c.MemoryStore.Record(ctx, ds)
}

func (c *scriptedCatalog) recordCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type failingDeferrer struct{}

func (failingDeferrer) Defer(context.Context, RecordJob) error { return errBoom }

const testBucket = "datasets"

type harness struct {
	svc     *Service
	storage *memStorage
	catalog *scriptedCatalog
	runs    *MemoryStatusStore
	retrier *LocalRetrier
}

type harnessOption func(*config.IngestConfig, *Deps)

func withoutDeferrer() harnessOption {
	return func(_ *config.IngestConfig, d *Deps) { d.Deferrer = nil }
}

func withDeferrer(def Deferrer) harnessOption {
	return func(_ *config.IngestConfig, d *Deps) { d.Deferrer = def }
}

func withoutStorage() harnessOption {
	return func(_ *config.IngestConfig, d *Deps) { d.Storage = nil }
}

func newHarness(t *testing.T, cat *scriptedCatalog, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.DefaultIngestConfig()
	cfg.SpoolDir = t.TempDir()
	cfg.CatalogDeadline = 50 * time.Millisecond

	st := newMemStorage()
	runs := NewMemoryStatusStore()
	recovery := NewRecovery(cat, st, runs)
	retrier := NewLocalRetrier(recovery, RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
	t.Cleanup(retrier.Close)

	deps := Deps{
		Storage:  st,
		Bucket:   testBucket,
		Catalog:  cat,
		Runs:     runs,
		Deferrer: retrier,
		Recovery: recovery,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	svc, err := NewService(cfg, deps)
	require.NoError(t, err)
	return &harness{svc: svc, storage: st, catalog: cat, runs: runs, retrier: retrier}
}

func chatML(n int) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"messages":[{"role":"system","content":"You are a tutor."},{"role":"user","content":"What is %d + %d?"},{"role":"assistant","content":"%d"}]}`+"\n", i, i, i+i)
	}
	return []byte(b.String())
}

func request(data []byte) Request {
	return Request{
		UserID:         "user-1",
		Name:           "arithmetic",
		DeclaredFormat: "chatml",
		Data:           data,
	}
}

func (h *harness) status(t *testing.T, id uuid.UUID) *Run {
	t.Helper()
	run, err := h.runs.Load(context.Background(), id)
	require.NoError(t, err)
	return run
}
