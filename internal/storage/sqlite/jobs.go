package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sigee-min/bbmcp/internal/jobqueue"
)

var _ jobqueue.Store = (*JobStore)(nil)

// JobStore persists jobs.
type JobStore struct {
	s *Store
}

const jobColumns = `id, project_id, kind, payload, status, attempt_count, max_attempts, lease_ms,
	worker_id, lease_expires_at, next_retry_at, result, error, dead_letter,
	created_at, updated_at, version`

// Insert adds a new job.
func (js *JobStore) Insert(ctx context.Context, j *jobqueue.Job) error {
	_, err := js.s.execHook(ctx, js.s.db,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.Kind, nullRaw(j.Payload), string(j.Status), j.AttemptCount, j.MaxAttempts, j.LeaseMs,
		j.WorkerID, nullMillis(j.LeaseExpiresAt), nullMillis(j.NextRetryAt), nullRaw(j.Result), j.Error, j.DeadLetter,
		toMillis(j.CreatedAt), toMillis(j.UpdatedAt), j.Version)
	if err != nil {
		return fmt.Errorf("sqlite: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns one job.
func (js *JobStore) Get(ctx context.Context, id string) (*jobqueue.Job, error) {
	list, err := js.list(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, jobqueue.ErrNotFound
	}
	return list[0], nil
}

// ListEligible returns up to limit claimable jobs, oldest first.
func (js *JobStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*jobqueue.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	ms := toMillis(now)
	return js.list(ctx,
		`WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		 ORDER BY created_at, id LIMIT ?`,
		string(jobqueue.StatusQueued), ms, string(jobqueue.StatusRunning), ms, limit)
}

// CompareAndSwap stores next when the stored version matches.
func (js *JobStore) CompareAndSwap(ctx context.Context, next *jobqueue.Job, expectedVersion int64) error {
	res, err := js.s.execHook(ctx, js.s.db,
		`UPDATE jobs SET project_id = ?, kind = ?, payload = ?, status = ?, attempt_count = ?,
		   max_attempts = ?, lease_ms = ?, worker_id = ?, lease_expires_at = ?, next_retry_at = ?,
		   result = ?, error = ?, dead_letter = ?, updated_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		next.ProjectID, next.Kind, nullRaw(next.Payload), string(next.Status), next.AttemptCount,
		next.MaxAttempts, next.LeaseMs, next.WorkerID, nullMillis(next.LeaseExpiresAt), nullMillis(next.NextRetryAt),
		nullRaw(next.Result), next.Error, next.DeadLetter, toMillis(next.UpdatedAt), expectedVersion+1,
		next.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", next.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var found int
	err = js.s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, next.ID).Scan(&found)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return jobqueue.ErrNotFound
	case err != nil:
		return fmt.Errorf("sqlite: check job %s: %w", next.ID, err)
	}
	return jobqueue.ErrVersionConflict
}

// ListByProject returns a project's jobs, oldest first.
func (js *JobStore) ListByProject(ctx context.Context, projectID string) ([]*jobqueue.Job, error) {
	return js.list(ctx, `WHERE project_id = ? ORDER BY created_at, id`, projectID)
}

// ListDeadLetters returns dead-lettered jobs, oldest first.
func (js *JobStore) ListDeadLetters(ctx context.Context) ([]*jobqueue.Job, error) {
	return js.list(ctx, `WHERE dead_letter = 1 ORDER BY created_at, id`)
}

// DeleteByProject removes a project's jobs and reports how many.
func (js *JobStore) DeleteByProject(ctx context.Context, projectID string) (int, error) {
	res, err := js.s.execHook(ctx, js.s.db, `DELETE FROM jobs WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete jobs: %w", err)
	}
	n, err := rowsAffected(res)
	return int(n), err
}

func (js *JobStore) list(ctx context.Context, where string, args ...any) ([]*jobqueue.Job, error) {
	rows, err := js.s.queryHook(ctx, js.s.db, `SELECT `+jobColumns+` FROM jobs `+strings.TrimSpace(where), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobqueue.Job
	for rows.Next() {
		var (
			j                    jobqueue.Job
			status               string
			payload, result      sql.NullString
			leaseExp, retryAt    sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&j.ID, &j.ProjectID, &j.Kind, &payload, &status, &j.AttemptCount,
			&j.MaxAttempts, &j.LeaseMs, &j.WorkerID, &leaseExp, &retryAt, &result, &j.Error,
			&j.DeadLetter, &createdAt, &updatedAt, &j.Version); err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		j.Status = jobqueue.Status(status)
		if !jobqueue.ValidStatus(j.Status) {
			return nil, fmt.Errorf("sqlite: job %s has unknown status %q", j.ID, status)
		}
		j.Payload = fromNullRaw(payload)
		j.Result = fromNullRaw(result)
		j.LeaseExpiresAt = fromNullMillis(leaseExp)
		j.NextRetryAt = fromNullMillis(retryAt)
		j.CreatedAt = fromMillis(createdAt)
		j.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}
