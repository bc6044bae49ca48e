// Package catalog persists dataset catalog entries, the second phase of an
// ingestion after the artifact is durable.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/datasetingest/internal/models"
)

var ErrNotFound = errors.New("catalog: dataset not found")

// Store writes and reads catalog entries. Record is an upsert keyed by
// dataset id, so a retried write is harmless.
type Store interface {
	Record(ctx context.Context, ds *models.Dataset) error
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Dataset, error)
	List(ctx context.Context, userID string) ([]models.Dataset, error)
}

// MemoryStore is an in-process Store for tests and the offline CLI.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]models.Dataset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]models.Dataset)}
}

func (m *MemoryStore) Record(ctx context.Context, ds *models.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[ds.ID] = cloneDataset(*ds)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.rows[id]
	if !ok || ds.UserID != userID {
		return nil, ErrNotFound
	}
	out := cloneDataset(ds)
	return &out, nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Dataset
	for _, ds := range m.rows {
		if ds.UserID == userID {
			out = append(out, cloneDataset(ds))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneDataset(ds models.Dataset) models.Dataset {
	if ds.CostEstimates != nil {
		costs := make(map[string]float64, len(ds.CostEstimates))
		for k, v := range ds.CostEstimates {
			costs[k] = v
		}
		ds.CostEstimates = costs
	}
	return ds
}
