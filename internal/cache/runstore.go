package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

// RunStore keeps ingestion run snapshots in Redis so any API replica, and
// the catalog worker, see the same status.
type RunStore struct {
	cache *Cache
	ttl   time.Duration
}

func NewRunStore(c *Cache, ttl time.Duration) *RunStore {
	return &RunStore{cache: c, ttl: ttl}
}

func runKey(id uuid.UUID) string { return "ingest:run:" + id.String() }

func (s *RunStore) Save(ctx context.Context, run *ingest.Run) error {
	return s.cache.Set(ctx, runKey(run.DatasetID), run, s.ttl)
}

func (s *RunStore) Load(ctx context.Context, id uuid.UUID) (*ingest.Run, error) {
	var run ingest.Run
	if err := s.cache.Get(ctx, runKey(id), &run); err != nil {
		if errors.Is(err, ErrMiss) {
			return nil, ingest.ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}
