package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/metrics"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client enqueues deferred catalog writes. It satisfies ingest.Deferrer,
// so jobs survive an API restart and are retried by cmd/worker.
type Client struct {
	client enqueuer
	policy ingest.RetryPolicy
}

func NewClient(cfg config.RedisConfig, policy ingest.RetryPolicy) *Client {
	return newClient(asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), policy)
}

func newClient(e enqueuer, policy ingest.RetryPolicy) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Client{client: e, policy: policy}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Defer enqueues job once per dataset. A second Defer for the same dataset
// while the first is still queued is a no-op.
func (c *Client) Defer(ctx context.Context, job ingest.RecordJob) error {
	task, err := NewCatalogRecordTask(job)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueCritical),
		asynq.TaskID(job.Dataset.ID.String()),
		// asynq counts retries, not attempts
		asynq.MaxRetry(c.policy.MaxAttempts - 1),
		asynq.ProcessIn(c.policy.Backoff(1)),
	}
	if c.policy.AttemptTimeout > 0 {
		opts = append(opts, asynq.Timeout(c.policy.AttemptTimeout))
	}

	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TypeCatalogRecord, err)
	}
	metrics.CatalogRetriesTotal.WithLabelValues("deferred").Inc()
	return nil
}
