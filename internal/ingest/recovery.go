package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/metrics"
	"github.com/nikhilbhutani/datasetingest/internal/models"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

// RecordJob carries a catalog write that missed its deadline.
type RecordJob struct {
	Dataset models.Dataset `json:"dataset"`
	Bucket  string         `json:"bucket"`
}

// Deferrer hands a RecordJob to a background retry loop that outlives the
// request.
type Deferrer interface {
	Defer(ctx context.Context, job RecordJob) error
}

const (
	deleteAttempts = 3
	deleteTimeout  = 30 * time.Second
)

// Recovery finishes the second phase of an ingestion: it writes the
// catalog entry, or deletes the artifact when the write cannot succeed.
// Both the in-process retrier and the queue worker drive it.
type Recovery struct {
	catalog catalog.Store
	storage storage.Storage
	runs    StatusStore
	now     func() time.Time
}

func NewRecovery(cat catalog.Store, st storage.Storage, runs StatusStore) *Recovery {
	return &Recovery{catalog: cat, storage: st, runs: runs, now: time.Now}
}

// Attempt makes one catalog write for job. attempt is 1-based. When the
// write fails and final is set, the artifact is deleted and the run rolls
// back; the returned error is then the catalog failure.
func (r *Recovery) Attempt(ctx context.Context, job RecordJob, attempt int, final bool) error {
	id := job.Dataset.ID
	run := r.load(ctx, job)
	if run != nil {
		run.RetryAttempts = attempt
		r.save(ctx, run)
	}

	err := r.catalog.Record(ctx, &job.Dataset)
	if err == nil {
		metrics.CatalogRetriesTotal.WithLabelValues("succeeded").Inc()
		slog.Info("deferred catalog write succeeded", "dataset_id", id, "attempt", attempt)
		if run != nil {
			run.Retry = RetrySucceeded
			r.transition(run, StateCommitted, fmt.Sprintf("catalog write succeeded on retry %d", attempt))
			r.save(ctx, run)
		}
		return nil
	}

	if !final {
		metrics.CatalogRetriesTotal.WithLabelValues("attempt_failed").Inc()
		slog.Warn("deferred catalog write failed", "dataset_id", id, "attempt", attempt, "error", err)
		return fmt.Errorf("record dataset %s (attempt %d): %w", id, attempt, err)
	}

	metrics.CatalogRetriesTotal.WithLabelValues("exhausted").Inc()
	slog.Error("deferred catalog write exhausted, rolling back", "dataset_id", id, "attempts", attempt, "error", err)
	if run != nil {
		run.Retry = RetryExhausted
	}
	if cerr := r.Compensate(ctx, run, job.Bucket, job.Dataset.StoragePath,
		fmt.Sprintf("catalog write failed after %d attempts", attempt)); cerr != nil {
		return errors.Join(err, cerr)
	}
	return fmt.Errorf("record dataset %s: retries exhausted: %w", id, err)
}

// Compensate deletes an uploaded artifact whose catalog entry could not be
// written and moves run (which may be nil) through rollback. The delete is
// retried a few times and is not cut short by ctx cancellation.
func (r *Recovery) Compensate(ctx context.Context, run *Run, bucket, path, reason string) error {
	if run != nil {
		r.transition(run, StateRollbackUploading, reason)
		r.save(ctx, run)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	var err error
	for i := 0; i < deleteAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * 200 * time.Millisecond):
			case <-dctx.Done():
			}
		}
		if err = r.storage.Delete(dctx, bucket, path); err == nil {
			break
		}
	}

	note := "artifact deleted"
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		slog.Error("compensating delete failed, artifact orphaned", "bucket", bucket, "path", path, "error", err)
		note = "artifact delete failed"
		if run != nil {
			run.Error = fmt.Sprintf("%s; orphaned artifact %s", reason, path)
		}
		err = fmt.Errorf("delete artifact %s: %w", path, err)
	} else {
		metrics.CompensationsTotal.WithLabelValues("deleted").Inc()
		slog.Info("compensating delete completed", "bucket", bucket, "path", path)
		if run != nil {
			run.Error = reason
		}
	}

	if run != nil {
		r.transition(run, StateRolledBack, note)
		r.save(ctx, run)
	}
	return err
}

func (r *Recovery) load(ctx context.Context, job RecordJob) *Run {
	if r.runs == nil {
		return nil
	}
	run, err := r.runs.Load(ctx, job.Dataset.ID)
	if err != nil {
		slog.Warn("ingestion run status unavailable", "dataset_id", job.Dataset.ID, "error", err)
		return nil
	}
	return run
}

func (r *Recovery) save(ctx context.Context, run *Run) {
	if r.runs == nil {
		return
	}
	if err := r.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("save ingestion run status", "dataset_id", run.DatasetID, "state", run.State, "error", err)
	}
}

func (r *Recovery) transition(run *Run, next State, note string) {
	if err := run.Transition(next, note, r.now()); err != nil {
		slog.Error("ingestion run transition", "dataset_id", run.DatasetID, "error", err)
	}
}
