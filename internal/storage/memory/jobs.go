package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sigee-min/bbmcp/internal/jobqueue"
)

// JobStore implements jobqueue.Store.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*jobqueue.Job
}

var _ jobqueue.Store = (*JobStore)(nil)

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*jobqueue.Job)}
}

// Insert adds a new job.
func (s *JobStore) Insert(_ context.Context, job *jobqueue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("memory: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of one job.
func (s *JobStore) Get(_ context.Context, id string) (*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	return j.Clone(), nil
}

// ListEligible returns up to limit claimable jobs, oldest first.
func (s *JobStore) ListEligible(_ context.Context, now time.Time, limit int) ([]*jobqueue.Job, error) {
	return s.list(limit, func(j *jobqueue.Job) bool { return j.Eligible(now) }), nil
}

// CompareAndSwap stores next when the stored version matches.
func (s *JobStore) CompareAndSwap(_ context.Context, next *jobqueue.Job, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[next.ID]
	if !ok {
		return jobqueue.ErrNotFound
	}
	if current.Version != expectedVersion {
		return jobqueue.ErrVersionConflict
	}
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	s.jobs[next.ID] = stored
	return nil
}

// ListByProject returns a project's jobs, oldest first.
func (s *JobStore) ListByProject(_ context.Context, projectID string) ([]*jobqueue.Job, error) {
	return s.list(0, func(j *jobqueue.Job) bool { return j.ProjectID == projectID }), nil
}

// ListDeadLetters returns dead-lettered jobs, oldest first.
func (s *JobStore) ListDeadLetters(_ context.Context) ([]*jobqueue.Job, error) {
	return s.list(0, func(j *jobqueue.Job) bool { return j.DeadLetter }), nil
}

// DeleteByProject removes a project's jobs and reports how many.
func (s *JobStore) DeleteByProject(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.ProjectID == projectID {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *JobStore) list(limit int, keep func(*jobqueue.Job) bool) []*jobqueue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobqueue.Job
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *jobqueue.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
