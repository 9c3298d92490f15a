package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const jobsCollection = "scheduledJobs"

// JobRepository persists the durable delayed-job queue. Jobs are claimed
// inside a transaction so concurrent pollers never run the same entry twice.
type JobRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.ScheduledJob]
	newID    func() string
}

// NewJobRepository constructs a Firestore-backed job repository.
func NewJobRepository(provider *pfirestore.Provider) (*JobRepository, error) {
	if provider == nil {
		return nil, errors.New("job repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[domain.ScheduledJob](provider, jobsCollection, nil, nil)
	return &JobRepository{
		provider: provider,
		base:     base,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// Schedule enqueues a pending job. The caller supplies type, payload, and
// the run-at timestamp; the repository assigns the ID.
func (r *JobRepository) Schedule(ctx context.Context, job domain.ScheduledJob) (domain.ScheduledJob, error) {
	if strings.TrimSpace(job.Type) == "" {
		return domain.ScheduledJob{}, errors.New("job repository: job type is required")
	}
	if job.RunAt.IsZero() {
		return domain.ScheduledJob{}, errors.New("job repository: run-at timestamp is required")
	}

	job.ID = r.newID()
	job.Status = domain.JobStatusPending
	job.Attempts = 0
	job.LastError = ""
	job.RunAt = job.RunAt.UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	ref, err := r.base.DocumentRef(ctx, job.ID)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	if _, err := ref.Create(ctx, job); err != nil {
		return domain.ScheduledJob{}, pfirestore.WrapError("jobs.schedule", err)
	}
	return job, nil
}

// CancelPending tombstones every pending job of the given type attached to
// the order. Jobs already claimed by a poller keep running; their handler is
// expected to re-check order state before acting.
func (r *JobRepository) CancelPending(ctx context.Context, jobType string, orderRef string) error {
	jobType = strings.TrimSpace(jobType)
	orderRef = strings.TrimSpace(orderRef)
	if jobType == "" || orderRef == "" {
		return errors.New("job repository: job type and order ref are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("jobs.cancelPending", err)
	}

	iter := client.Collection(jobsCollection).
		Where("type", "==", jobType).
		Where("orderRef", "==", orderRef).
		Where("status", "==", string(domain.JobStatusPending)).
		Documents(ctx)
	defer iter.Stop()

	now := time.Now().UTC()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pfirestore.WrapError("jobs.cancelPending", err)
		}
		_, err = snap.Ref.Update(ctx, []firestore.Update{
			{Path: "status", Value: string(domain.JobStatusCancelled)},
			{Path: "updatedAt", Value: now},
		})
		if err != nil {
			return pfirestore.WrapError("jobs.cancelPending", err)
		}
	}
	return nil
}

// ClaimDue finds up to limit pending jobs whose run-at time has passed and
// flips each to running inside a transaction. A job that another poller
// claimed between the query and the transaction is skipped, not an error.
func (r *JobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("jobs.claimDue", err)
	}

	iter := client.Collection(jobsCollection).
		Where("status", "==", string(domain.JobStatusPending)).
		Where("runAt", "<=", now.UTC()).
		OrderBy("runAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var candidates []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("jobs.claimDue", err)
		}
		candidates = append(candidates, snap.Ref)
	}

	var claimed []domain.ScheduledJob
	for _, ref := range candidates {
		job, err := r.claimOne(ctx, ref, now)
		if err != nil {
			if errors.Is(err, repositories.ErrJobNotClaimable) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (r *JobRepository) claimOne(ctx context.Context, ref *firestore.DocumentRef, now time.Time) (domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&job); err != nil {
			return fmt.Errorf("decode scheduled job %s: %w", ref.ID, err)
		}
		if job.Status != domain.JobStatusPending {
			return repositories.ErrJobNotClaimable
		}
		job.ID = ref.ID
		job.Status = domain.JobStatusRunning
		job.Attempts++
		job.UpdatedAt = now.UTC()
		return tx.Set(ref, job)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrJobNotClaimable) {
			return domain.ScheduledJob{}, repositories.ErrJobNotClaimable
		}
		return domain.ScheduledJob{}, pfirestore.WrapError("jobs.claim", err)
	}
	return job, nil
}

// MarkDone finalises a running job after the handler succeeded.
func (r *JobRepository) MarkDone(ctx context.Context, jobID string, now time.Time) error {
	ref, err := r.base.DocumentRef(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(domain.JobStatusDone)},
		{Path: "lastError", Value: firestore.Delete},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		return pfirestore.WrapError("jobs.markDone", err)
	}
	return nil
}

// MarkFailed records a handler failure. With a retry time the job goes back
// to pending for another attempt; without one it is failed terminally.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, jobErr error, retryAt *time.Time, now time.Time) error {
	ref, err := r.base.DocumentRef(ctx, jobID)
	if err != nil {
		return err
	}

	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	updates := []firestore.Update{
		{Path: "lastError", Value: message},
		{Path: "updatedAt", Value: now.UTC()},
	}
	if retryAt != nil {
		updates = append(updates,
			firestore.Update{Path: "status", Value: string(domain.JobStatusPending)},
			firestore.Update{Path: "runAt", Value: retryAt.UTC()},
		)
	} else {
		updates = append(updates, firestore.Update{Path: "status", Value: string(domain.JobStatusFailed)})
	}

	if _, err := ref.Update(ctx, updates); err != nil {
		return pfirestore.WrapError("jobs.markFailed", err)
	}
	return nil
}
