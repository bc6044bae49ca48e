package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/metrics"
)

// RetryPolicy bounds the background catalog retry loop.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func RetryPolicyFromConfig(rc config.RetryConfig, attemptTimeout time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		BaseDelay:      rc.BaseDelay,
		MaxDelay:       rc.MaxDelay,
		AttemptTimeout: attemptTimeout,
	}
}

// Backoff is the wait before retry n (1-based): BaseDelay doubled per
// retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

var ErrUnknownJob = errors.New("ingest: no deferred job for dataset")

// finishedJobRetention is how long a finished job stays visible to Wait.
const finishedJobRetention = 10 * time.Minute

// LocalRetrier runs deferred catalog writes in goroutines of this process.
// Jobs do not survive a restart; the queue-backed deferrer does.
type LocalRetrier struct {
	recovery  *Recovery
	policy    RetryPolicy
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[uuid.UUID]*localJob
}

type localJob struct {
	done   chan struct{}
	status RetryStatus
}

func NewLocalRetrier(recovery *Recovery, policy RetryPolicy) *LocalRetrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalRetrier{
		recovery:  recovery,
		policy:    policy,
		retention: finishedJobRetention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[uuid.UUID]*localJob),
	}
}

// Defer starts the retry loop for job. The loop is detached from ctx.
func (l *LocalRetrier) Defer(ctx context.Context, job RecordJob) error {
	if err := l.ctx.Err(); err != nil {
		return errors.New("ingest: retrier is closed")
	}

	j := &localJob{done: make(chan struct{}), status: RetryPending}
	l.mu.Lock()
	l.jobs[job.Dataset.ID] = j
	l.mu.Unlock()

	metrics.CatalogRetriesTotal.WithLabelValues("deferred").Inc()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(j.done)
		status := l.run(job)
		l.mu.Lock()
		j.status = status
		l.mu.Unlock()
		time.AfterFunc(l.retention, func() { l.forget(job.Dataset.ID, j) })
	}()
	return nil
}

// forget drops a finished job unless a newer deferral replaced it.
func (l *LocalRetrier) forget(id uuid.UUID, j *localJob) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs[id] == j {
		delete(l.jobs, id)
	}
}

func (l *LocalRetrier) run(job RecordJob) RetryStatus {
	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		select {
		case <-time.After(l.policy.Backoff(attempt)):
		case <-l.ctx.Done():
			slog.Warn("catalog retry abandoned on shutdown", "dataset_id", job.Dataset.ID, "attempt", attempt)
			return RetryPending
		}

		final := attempt == l.policy.MaxAttempts
		actx, cancel := l.attemptContext()
		err := l.recovery.Attempt(actx, job, attempt, final)
		cancel()
		if err == nil {
			return RetrySucceeded
		}
		if final {
			return RetryExhausted
		}
	}
	return RetryExhausted
}

func (l *LocalRetrier) attemptContext() (context.Context, context.CancelFunc) {
	if l.policy.AttemptTimeout > 0 {
		return context.WithTimeout(l.ctx, l.policy.AttemptTimeout)
	}
	return context.WithCancel(l.ctx)
}

// Wait blocks until the job for id finishes or ctx ends, and returns its
// final status. Finished jobs are forgotten after a retention window.
func (l *LocalRetrier) Wait(ctx context.Context, id uuid.UUID) (RetryStatus, error) {
	l.mu.Lock()
	j, ok := l.jobs[id]
	l.mu.Unlock()
	if !ok {
		return RetryNone, ErrUnknownJob
	}

	select {
	case <-j.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return j.status, nil
	case <-ctx.Done():
		return RetryPending, ctx.Err()
	}
}

// Close stops pending retries and waits for running attempts to return.
func (l *LocalRetrier) Close() {
	l.cancel()
	l.wg.Wait()
}
