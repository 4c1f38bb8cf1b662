// Package jobqueue tracks asynchronous work (export conversion, texture
// preflight) with claim, lease, retry and dead-letter semantics.
//
// Every transition is a compare-and-swap on Job.Version, so two workers
// racing for the same job never both win. Retry is an explicit state: a
// failed attempt puts the job back to queued with NextRetryAt set; a lease
// that runs out makes a running job claimable again and the next claim
// counts as a new attempt.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool { return validStatuses[s] }

// Job kinds produced by the reference engine.
const (
	KindExportConversion = "export_conversion"
	KindTexturePreflight = "texture_preflight"
)

// Errors returned by Store implementations.
var (
	ErrNotFound        = errors.New("jobqueue: job not found")
	ErrVersionConflict = errors.New("jobqueue: version conflict")
)

// Job is one unit of asynchronous work.
type Job struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"projectId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	LeaseMs        int64           `json:"leaseMs"`
	WorkerID       string          `json:"workerId,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	DeadLetter     bool            `json:"deadLetter"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Version        int64           `json:"-"`
}

// Clone returns a deep copy safe to mutate.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = cloneRaw(j.Payload)
	cp.Result = cloneRaw(j.Result)
	cp.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	cp.NextRetryAt = cloneTime(j.NextRetryAt)
	return &cp
}

// Eligible reports whether a worker may claim the job at now: queued with
// no pending retry delay, or running with an expired lease.
func (j *Job) Eligible(now time.Time) bool {
	switch j.Status {
	case StatusQueued:
		return j.NextRetryAt == nil || !now.Before(*j.NextRetryAt)
	case StatusRunning:
		return j.LeaseExpiresAt != nil && !now.Before(*j.LeaseExpiresAt)
	default:
		return false
	}
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Store persists jobs. CompareAndSwap writes next only if the stored
// version equals expectedVersion and then stores next.Version =
// expectedVersion+1; otherwise it returns ErrVersionConflict.
// ListEligible returns jobs for which Eligible(now) holds, oldest first.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CompareAndSwap(ctx context.Context, next *Job, expectedVersion int64) error
	ListByProject(ctx context.Context, projectID string) ([]*Job, error)
	ListDeadLetters(ctx context.Context) ([]*Job, error)
	DeleteByProject(ctx context.Context, projectID string) (int, error)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
