package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("ingest: run not found")

// StatusStore keeps the latest snapshot of each run so it can be polled
// while a deferred catalog write is retried.
type StatusStore interface {
	Save(ctx context.Context, run *Run) error
	Load(ctx context.Context, id uuid.UUID) (*Run, error)
}

type MemoryStatusStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{runs: make(map[uuid.UUID]*Run)}
}

func (m *MemoryStatusStore) Save(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.DatasetID] = run.clone()
	return nil
}

func (m *MemoryStatusStore) Load(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.clone(), nil
}
