package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/models"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "x", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func optionValues(opts []asynq.Option) map[asynq.OptionType]any {
	out := make(map[asynq.OptionType]any, len(opts))
	for _, o := range opts {
		out[o.Type()] = o.Value()
	}
	return out
}

func sampleJob() ingest.RecordJob {
	id := uuid.New()
	return ingest.RecordJob{
		Dataset: models.Dataset{ID: id, UserID: "user-1", Name: "d", StoragePath: "user-1/datasets/" + id.String() + ".jsonl.gz"},
		Bucket:  "datasets",
	}
}

func TestClient_Defer(t *testing.T) {
	fe := &fakeEnqueuer{}
	c := newClient(fe, ingest.RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, AttemptTimeout: 20 * time.Second})
	job := sampleJob()

	require.NoError(t, c.Defer(context.Background(), job))
	require.Len(t, fe.tasks, 1)
	assert.Equal(t, TypeCatalogRecord, fe.tasks[0].Type())

	opts := optionValues(fe.opts[0])
	assert.Equal(t, 4, opts[asynq.MaxRetryOpt])
	assert.Equal(t, job.Dataset.ID.String(), opts[asynq.TaskIDOpt])
	assert.Equal(t, QueueCritical, opts[asynq.QueueOpt])
	assert.Equal(t, 2*time.Second, opts[asynq.ProcessInOpt])
	assert.Equal(t, 20*time.Second, opts[asynq.TimeoutOpt])

	got, err := ParseCatalogRecordTask(fe.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, job.Dataset.ID, got.Dataset.ID)
	assert.Equal(t, job.Bucket, got.Bucket)
}

func TestClient_DeferDuplicateIsNoop(t *testing.T) {
	c := newClient(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, ingest.RetryPolicy{MaxAttempts: 3})
	assert.NoError(t, c.Defer(context.Background(), sampleJob()))
}

func TestClient_DeferError(t *testing.T) {
	redisDown := errors.New("dial tcp: connection refused")
	c := newClient(&fakeEnqueuer{err: redisDown}, ingest.RetryPolicy{MaxAttempts: 3})
	err := c.Defer(context.Background(), sampleJob())
	assert.ErrorIs(t, err, redisDown)
}

func TestParseCatalogRecordTask_Invalid(t *testing.T) {
	_, err := ParseCatalogRecordTask(asynq.NewTask(TypeCatalogRecord, []byte("nope")))
	assert.Error(t, err)

	_, err = ParseCatalogRecordTask(asynq.NewTask(TypeCatalogRecord, []byte(`{"dataset":{"storage_path":"p"}}`)))
	assert.Error(t, err)
}
