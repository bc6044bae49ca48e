package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

const (
	TypeCatalogRecord = "catalog:record"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

// NewCatalogRecordTask wraps a deferred catalog write. The payload is the
// full dataset row so the worker needs nothing but the payload to retry.
func NewCatalogRecordTask(job ingest.RecordJob) (*asynq.Task, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeCatalogRecord, data), nil
}

func ParseCatalogRecordTask(t *asynq.Task) (ingest.RecordJob, error) {
	var job ingest.RecordJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("unmarshal payload: %w", err)
	}
	if job.Dataset.ID == uuid.Nil || job.Dataset.StoragePath == "" {
		return job, errors.New("payload is missing the dataset id or storage path")
	}
	return job, nil
}
