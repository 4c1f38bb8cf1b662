// Package projectlock implements the per-project exclusive lock with lease
// expiry.
//
// State per project is unlocked or locked(owner, expiresAt). A lock whose
// lease has run out (now >= ExpiresAt) counts as unlocked: any session may
// take it over without an explicit release. Ownership is decided by session
// id; the agent id is recorded for callers inspecting a conflict.
package projectlock

import (
	"context"
	"fmt"
	"time"

	"github.com/sigee-min/bbmcp/internal/apperr"
)

// DefaultTTL is the lease applied when callers pass a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// casAttempts bounds retries after a lost compare-and-swap.
const casAttempts = 8

// Lock is a live or expired lease on one project.
type Lock struct {
	ProjectID      string    `json:"projectId"`
	OwnerAgentID   string    `json:"ownerAgentId"`
	OwnerSessionID string    `json:"ownerSessionId"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Live reports whether the lease is still running at now.
func (l *Lock) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Same reports whether two locks are the same lease. Stores use it to
// implement CompareAndSwap.
func (l *Lock) Same(o *Lock) bool {
	if l == nil || o == nil {
		return l == nil && o == nil
	}
	return l.ProjectID == o.ProjectID &&
		l.OwnerAgentID == o.OwnerAgentID &&
		l.OwnerSessionID == o.OwnerSessionID &&
		l.AcquiredAt.Equal(o.AcquiredAt) &&
		l.ExpiresAt.Equal(o.ExpiresAt)
}

// Store holds at most one lock row per project. CompareAndSwap replaces
// the stored lock only if it equals expected (nil meaning absent); a nil
// next deletes the row. It reports whether the swap happened.
type Store interface {
	Get(ctx context.Context, projectID string) (*Lock, error)
	CompareAndSwap(ctx context.Context, projectID string, expected, next *Lock) (bool, error)
}

// Manager applies the lock state machine over a Store.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a Manager. ttl is the lease used when callers pass 0.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// TTL reports the default lease.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire takes or extends the lock for ownerSessionID. A live lock held
// by another session fails with project_locked.
func (m *Manager) Acquire(ctx context.Context, projectID, ownerAgentID, ownerSessionID string, ttl time.Duration) (*Lock, error) {
	ttl = m.lease(ttl)
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.Get(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("projectlock: reading %s: %w", projectID, err)
		}
		now := m.clock()
		next := &Lock{
			ProjectID:      projectID,
			OwnerAgentID:   ownerAgentID,
			OwnerSessionID: ownerSessionID,
			AcquiredAt:     now,
			ExpiresAt:      now.Add(ttl),
		}
		if current.Live(now) {
			if current.OwnerSessionID != ownerSessionID {
				return nil, lockedError(current)
			}
			next.AcquiredAt = current.AcquiredAt
		}
		swapped, err := m.store.CompareAndSwap(ctx, projectID, current, next)
		if err != nil {
			return nil, fmt.Errorf("projectlock: acquiring %s: %w", projectID, err)
		}
		if swapped {
			return next, nil
		}
	}
	return nil, m.contended(ctx, projectID)
}

// Release clears the lock when ownerSessionID holds it. Releasing a lock
// that is absent or held by someone else is a no-op.
func (m *Manager) Release(ctx context.Context, projectID, ownerAgentID, ownerSessionID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.Get(ctx, projectID)
		if err != nil {
			return fmt.Errorf("projectlock: reading %s: %w", projectID, err)
		}
		if current == nil || current.OwnerSessionID != ownerSessionID {
			return nil
		}
		swapped, err := m.store.CompareAndSwap(ctx, projectID, current, nil)
		if err != nil {
			return fmt.Errorf("projectlock: releasing %s: %w", projectID, err)
		}
		if swapped {
			return nil
		}
	}
	return nil
}

// Refresh pushes the owner's lease to now+ttl. Anyone other than the
// current holder gets lock_holder_mismatch, including a previous owner
// whose expired lease was taken over.
func (m *Manager) Refresh(ctx context.Context, projectID, ownerAgentID, ownerSessionID string, ttl time.Duration) (*Lock, error) {
	ttl = m.lease(ttl)
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.Get(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("projectlock: reading %s: %w", projectID, err)
		}
		if current == nil || current.OwnerSessionID != ownerSessionID {
			return nil, holderMismatch(projectID, current)
		}
		next := *current
		next.OwnerAgentID = ownerAgentID
		next.ExpiresAt = m.clock().Add(ttl)
		swapped, err := m.store.CompareAndSwap(ctx, projectID, current, &next)
		if err != nil {
			return nil, fmt.Errorf("projectlock: refreshing %s: %w", projectID, err)
		}
		if swapped {
			return &next, nil
		}
	}
	return nil, m.contended(ctx, projectID)
}

// Get returns the live lock on projectID, or nil.
func (m *Manager) Get(ctx context.Context, projectID string) (*Lock, error) {
	current, err := m.store.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("projectlock: reading %s: %w", projectID, err)
	}
	if !current.Live(m.clock()) {
		return nil, nil
	}
	return current, nil
}

// PurgeProject drops any lock row for a deleted project.
func (m *Manager) PurgeProject(ctx context.Context, projectID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.Get(ctx, projectID)
		if err != nil {
			return fmt.Errorf("projectlock: reading %s: %w", projectID, err)
		}
		if current == nil {
			return nil
		}
		swapped, err := m.store.CompareAndSwap(ctx, projectID, current, nil)
		if err != nil {
			return fmt.Errorf("projectlock: purging %s: %w", projectID, err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("projectlock: purging %s: lock kept changing", projectID)
}

func (m *Manager) lease(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.ttl
	}
	return ttl
}

// clock truncates to milliseconds so leases survive stores that persist
// epoch milliseconds.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// contended reports a lock that kept changing under us as project_locked,
// naming whoever holds it now.
func (m *Manager) contended(ctx context.Context, projectID string) error {
	current, err := m.store.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("projectlock: reading %s: %w", projectID, err)
	}
	if current == nil {
		return apperr.InvalidState(apperr.ReasonProjectLocked, "project lock is contended; retry").
			With("projectId", projectID)
	}
	return lockedError(current)
}

func lockedError(l *Lock) *apperr.Error {
	return apperr.Newf(apperr.CodeInvalidState, apperr.ReasonProjectLocked,
		"project %s is locked by another session", l.ProjectID).
		With("projectId", l.ProjectID).
		With("ownerAgentId", l.OwnerAgentID).
		With("ownerSessionId", l.OwnerSessionID).
		With("expiresAt", l.ExpiresAt.Format(time.RFC3339Nano))
}

func holderMismatch(projectID string, current *Lock) *apperr.Error {
	e := apperr.Newf(apperr.CodeInvalidState, apperr.ReasonLockHolderMismatch,
		"session does not hold the lock on project %s", projectID).
		With("projectId", projectID)
	if current != nil {
		e = e.With("ownerSessionId", current.OwnerSessionID).With("ownerAgentId", current.OwnerAgentID)
	}
	return e
}
