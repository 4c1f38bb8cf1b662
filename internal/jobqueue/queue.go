package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
)

// Submission defaults.
const (
	DefaultMaxAttempts = 3
	DefaultLease       = 30 * time.Second
)

// claimBatch is how many eligible jobs ClaimNext inspects per call.
const claimBatch = 16

// transitionAttempts bounds reload-and-retry after a lost CAS on
// Complete and Fail.
const transitionAttempts = 4

// Dead-letter messages recorded by the queue itself.
const (
	reasonLeaseExpired = "lease expired on final attempt"
)

// Options tune a submission. Zero values take the queue defaults.
type Options struct {
	MaxAttempts int
	Lease       time.Duration
}

// Queue implements submit, claim, complete and fail over a Store.
type Queue struct {
	store    Store
	ids      *entityid.Generator
	defaults Options
	now      func() time.Time
	rand     func() float64
}

// New creates a Queue. Zero fields of defaults fall back to
// DefaultMaxAttempts and DefaultLease.
func New(store Store, ids *entityid.Generator, defaults Options) *Queue {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = DefaultMaxAttempts
	}
	if defaults.Lease <= 0 {
		defaults.Lease = DefaultLease
	}
	return &Queue{
		store:    store,
		ids:      ids,
		defaults: defaults,
		now:      time.Now,
		rand:     rand.Float64,
	}
}

// Submit appends a queued job with attemptCount 0.
func (q *Queue) Submit(ctx context.Context, projectID, kind string, payload json.RawMessage, opts Options) (*Job, error) {
	if kind == "" {
		return nil, apperr.InvalidPayload(apperr.ReasonMissingField, "job kind is required").With("field", "kind")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaults.MaxAttempts
	}
	if opts.Lease <= 0 {
		opts.Lease = q.defaults.Lease
	}
	id, err := q.ids.Next(entityid.PrefixJob, func(id string) (bool, error) {
		_, err := q.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: minting id: %w", err)
	}
	now := q.clock()
	job := &Job{
		ID:          id,
		ProjectID:   projectID,
		Kind:        kind,
		Payload:     cloneRaw(payload),
		Status:      StatusQueued,
		MaxAttempts: opts.MaxAttempts,
		LeaseMs:     opts.Lease.Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("jobqueue: inserting %s: %w", id, err)
	}
	return job.Clone(), nil
}

// ClaimNext moves the oldest eligible job to running for workerID and
// returns it, or returns nil when nothing is eligible. A running job whose
// lease expired on its last allowed attempt is dead-lettered instead of
// being handed out again.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	now := q.clock()
	candidates, err := q.store.ListEligible(ctx, now, claimBatch)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing eligible jobs: %w", err)
	}
	for _, current := range candidates {
		next := current.Clone()
		next.UpdatedAt = now

		if current.Status == StatusRunning && current.AttemptCount >= current.MaxAttempts {
			deadLetter(next, reasonLeaseExpired)
			if err := q.swap(ctx, next, current.Version); err != nil && !errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			continue
		}

		expires := now.Add(time.Duration(current.LeaseMs) * time.Millisecond)
		next.Status = StatusRunning
		next.WorkerID = workerID
		next.AttemptCount++
		next.LeaseExpiresAt = &expires
		next.NextRetryAt = nil
		err := q.swap(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next.Clone(), nil
	}
	return nil, nil
}

// Complete marks a running job completed with result. Only the worker
// holding the current claim may complete it.
func (q *Queue) Complete(ctx context.Context, id, workerID string, result json.RawMessage) (*Job, error) {
	return q.transition(ctx, id, workerID, func(next *Job, _ time.Time) {
		next.Status = StatusCompleted
		next.Result = cloneRaw(result)
		next.Error = ""
		next.LeaseExpiresAt = nil
	})
}

// Fail records a failed attempt. With attempts left the job is re-queued
// with NextRetryAt = now + Backoff(attemptCount); otherwise it becomes
// failed and dead-lettered. A worker whose lease was reclaimed gets
// job_lease_lost and the job is left alone.
func (q *Queue) Fail(ctx context.Context, id, workerID, message string) (*Job, error) {
	return q.transition(ctx, id, workerID, func(next *Job, now time.Time) {
		if next.AttemptCount >= next.MaxAttempts {
			deadLetter(next, message)
			return
		}
		retryAt := now.Add(Backoff(next.AttemptCount, q.rand))
		next.Status = StatusQueued
		next.Error = message
		next.WorkerID = ""
		next.LeaseExpiresAt = nil
		next.NextRetryAt = &retryAt
	})
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: reading %s: %w", id, err)
	}
	return job, nil
}

// ListByProject returns a project's jobs, oldest first.
func (q *Queue) ListByProject(ctx context.Context, projectID string) ([]*Job, error) {
	jobs, err := q.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing jobs for %s: %w", projectID, err)
	}
	return jobs, nil
}

// ListDeadLetters returns every dead-lettered job for operator inspection.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]*Job, error) {
	jobs, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing dead letters: %w", err)
	}
	return jobs, nil
}

// PurgeProject drops every job of a deleted project.
func (q *Queue) PurgeProject(ctx context.Context, projectID string) error {
	if _, err := q.store.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("jobqueue: purging %s: %w", projectID, err)
	}
	return nil
}

// transition applies mutate to a job running under workerID with CAS,
// reloading after a lost race.
func (q *Queue) transition(ctx context.Context, id, workerID string, mutate func(next *Job, now time.Time)) (*Job, error) {
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		current, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != StatusRunning {
			return nil, apperr.Newf(apperr.CodeInvalidState, apperr.ReasonJobNotRunning,
				"job %s is %s, not running", id, current.Status).
				With("jobId", id).
				With("status", string(current.Status))
		}
		if current.WorkerID != workerID {
			return nil, apperr.Newf(apperr.CodeInvalidState, apperr.ReasonJobLeaseLost,
				"job %s is claimed by another worker", id).
				With("jobId", id).
				With("workerId", workerID)
		}
		now := q.clock()
		next := current.Clone()
		next.UpdatedAt = now
		mutate(next, now)
		err = q.swap(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next.Clone(), nil
	}
	return nil, fmt.Errorf("jobqueue: job %s: %w", id, ErrVersionConflict)
}

func (q *Queue) swap(ctx context.Context, next *Job, expected int64) error {
	next.Version = expected + 1
	err := q.store.CompareAndSwap(ctx, next, expected)
	if err != nil && !errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("jobqueue: updating %s: %w", next.ID, err)
	}
	return err
}

func (q *Queue) clock() time.Time {
	return q.now().UTC().Truncate(time.Millisecond)
}

func deadLetter(job *Job, message string) {
	job.Status = StatusFailed
	job.DeadLetter = true
	job.Error = message
	job.LeaseExpiresAt = nil
	job.NextRetryAt = nil
}

func notFound(id string) *apperr.Error {
	return apperr.InvalidPayload(apperr.ReasonJobNotFound, "job not found: "+id).With("jobId", id)
}
