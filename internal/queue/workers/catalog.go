package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/queue"
)

// CatalogWorker retries catalog writes that missed the request deadline.
// On the last attempt a failed write rolls the upload back.
type CatalogWorker struct {
	recovery *ingest.Recovery
	retries  func(ctx context.Context) (retried, maxRetry int)
}

func NewCatalogWorker(recovery *ingest.Recovery) *CatalogWorker {
	return &CatalogWorker{recovery: recovery, retries: taskRetries}
}

func (w *CatalogWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := queue.ParseCatalogRecordTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	retried, maxRetry := w.retries(ctx)
	attempt := retried + 1
	final := retried >= maxRetry

	slog.Info("recording deferred dataset", "dataset_id", job.Dataset.ID, "attempt", attempt, "final", final)

	if err := w.recovery.Attempt(ctx, job, attempt, final); err != nil {
		if final {
			// the artifact is gone; archiving the task would only invite a
			// manual re-run against a deleted object
			return nil
		}
		return err
	}
	return nil
}

func taskRetries(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried, maxRetry
}
