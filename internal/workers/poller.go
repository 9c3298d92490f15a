package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/repositories"
	"github.com/tidemark-store/api/internal/services"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultWorkerCount  = 4
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 30 * time.Second
	jobTimeout          = time.Minute
)

var errUnknownJobType = errors.New("unknown job type")

// PollerDeps bundles the collaborators required to construct the poller.
type PollerDeps struct {
	Jobs       repositories.JobRepository
	AutoCancel services.AutoCancelHandler
	Logger     *zap.Logger
	Clock      func() time.Time

	PollInterval time.Duration
	BatchSize    int
	WorkerCount  int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Poller drains the durable job queue. Each tick claims a batch of due jobs
// and fans them out over a bounded worker pool; the next tick only starts
// once the previous batch has settled, so the pool size caps concurrency.
type Poller struct {
	jobs       repositories.JobRepository
	autoCancel services.AutoCancelHandler
	logger     *zap.Logger
	clock      func() time.Time

	pollInterval time.Duration
	batchSize    int
	workerCount  int
	maxAttempts  int
	retryBackoff time.Duration
}

// NewPoller validates dependencies and applies defaults for unset tunables.
func NewPoller(deps PollerDeps) (*Poller, error) {
	if deps.Jobs == nil {
		return nil, errors.New("job poller: job repository is required")
	}
	if deps.AutoCancel == nil {
		return nil, errors.New("job poller: auto-cancel handler is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	p := &Poller{
		jobs:       deps.Jobs,
		autoCancel: deps.AutoCancel,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
		pollInterval: deps.PollInterval,
		batchSize:    deps.BatchSize,
		workerCount:  deps.WorkerCount,
		maxAttempts:  deps.MaxAttempts,
		retryBackoff: deps.RetryBackoff,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.workerCount <= 0 {
		p.workerCount = defaultWorkerCount
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.retryBackoff <= 0 {
		p.retryBackoff = defaultRetryBackoff
	}
	return p, nil
}

// Run polls until the context is cancelled. It returns the context error so
// callers in an errgroup treat shutdown as a clean exit.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("job poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims one batch of due jobs and processes it to completion.
func (p *Poller) RunOnce(ctx context.Context) error {
	now := p.clock()
	claimed, err := p.jobs.ClaimDue(ctx, now, p.batchSize)
	if err != nil {
		return fmt.Errorf("claim due jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	queue := make(chan domain.ScheduledJob, len(claimed))
	for _, job := range claimed {
		queue <- job
	}
	close(queue)

	var wg sync.WaitGroup
	workers := p.workerCount
	if workers > len(claimed) {
		workers = len(claimed)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				p.processJob(ctx, job)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *Poller) processJob(ctx context.Context, job domain.ScheduledJob) {
	logger := p.logger.With(
		zap.String("jobId", job.ID),
		zap.String("jobType", job.Type),
		zap.String("orderRef", job.OrderRef),
		zap.Int("attempts", job.Attempts))

	runCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	err := p.dispatch(runCtx, job)
	now := p.clock()
	if err == nil {
		if err := p.jobs.MarkDone(ctx, job.ID, now); err != nil {
			logger.Error("mark job done failed", zap.Error(err))
		}
		return
	}

	if errors.Is(err, errUnknownJobType) {
		logger.Error("dropping job of unknown type")
		if markErr := p.jobs.MarkFailed(ctx, job.ID, err, nil, now); markErr != nil {
			logger.Error("mark job failed errored", zap.Error(markErr))
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= p.maxAttempts {
		logger.Error("job exhausted retries", zap.Error(err))
		if markErr := p.jobs.MarkFailed(ctx, job.ID, err, nil, now); markErr != nil {
			logger.Error("mark job failed errored", zap.Error(markErr))
		}
		return
	}

	retryAt := now.Add(p.backoffFor(attempts))
	logger.Warn("job failed, scheduling retry", zap.Error(err), zap.Time("retryAt", retryAt))
	if markErr := p.jobs.MarkFailed(ctx, job.ID, err, &retryAt, now); markErr != nil {
		logger.Error("mark job failed errored", zap.Error(markErr))
	}
}

func (p *Poller) dispatch(ctx context.Context, job domain.ScheduledJob) error {
	switch job.Type {
	case services.JobTypeAutoCancel:
		return p.autoCancel.HandleAutoCancel(ctx, job.OrderRef)
	default:
		return fmt.Errorf("%w: %s", errUnknownJobType, job.Type)
	}
}

// backoffFor doubles the delay per attempt, capped at ten times the base.
func (p *Poller) backoffFor(attempts int) time.Duration {
	backoff := p.retryBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= 10*p.retryBackoff {
			return 10 * p.retryBackoff
		}
	}
	return backoff
}
