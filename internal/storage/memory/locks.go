package memory

import (
	"context"
	"sync"

	"github.com/sigee-min/bbmcp/internal/projectlock"
)

// LockStore implements projectlock.Store.
type LockStore struct {
	mu    sync.Mutex
	locks map[string]projectlock.Lock
}

var _ projectlock.Store = (*LockStore)(nil)

// NewLockStore creates an empty LockStore.
func NewLockStore() *LockStore {
	return &LockStore{locks: make(map[string]projectlock.Lock)}
}

// Get returns the stored lock, or nil.
func (s *LockStore) Get(_ context.Context, projectID string) (*projectlock.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// CompareAndSwap replaces the lock when the stored one equals expected.
func (s *LockStore) CompareAndSwap(_ context.Context, projectID string, expected, next *projectlock.Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current *projectlock.Lock
	if l, ok := s.locks[projectID]; ok {
		current = &l
	}
	if !current.Same(expected) {
		return false, nil
	}
	if next == nil {
		delete(s.locks, projectID)
	} else {
		s.locks[projectID] = *next
	}
	return true, nil
}
