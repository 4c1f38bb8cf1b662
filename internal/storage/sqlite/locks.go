package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sigee-min/bbmcp/internal/projectlock"
)

var _ projectlock.Store = (*LockStore)(nil)

// LockStore persists project locks, one row per project.
type LockStore struct {
	s *Store
}

// Get returns the stored lock, or nil.
func (ls *LockStore) Get(ctx context.Context, projectID string) (*projectlock.Lock, error) {
	var (
		l                     projectlock.Lock
		acquiredAt, expiresAt int64
	)
	err := ls.s.db.QueryRowContext(ctx,
		`SELECT project_id, owner_agent_id, owner_session_id, acquired_at, expires_at
		 FROM project_locks WHERE project_id = ?`, projectID,
	).Scan(&l.ProjectID, &l.OwnerAgentID, &l.OwnerSessionID, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get lock: %w", err)
	}
	l.AcquiredAt = fromMillis(acquiredAt)
	l.ExpiresAt = fromMillis(expiresAt)
	return &l, nil
}

// CompareAndSwap replaces the lock row when it matches expected exactly.
func (ls *LockStore) CompareAndSwap(ctx context.Context, projectID string, expected, next *projectlock.Lock) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case expected == nil && next == nil:
		cur, err := ls.Get(ctx, projectID)
		return cur == nil, err
	case expected == nil:
		res, err = ls.s.execHook(ctx, ls.s.db,
			`INSERT INTO project_locks (project_id, owner_agent_id, owner_session_id, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT(project_id) DO NOTHING`,
			projectID, next.OwnerAgentID, next.OwnerSessionID, toMillis(next.AcquiredAt), toMillis(next.ExpiresAt))
	case next == nil:
		res, err = ls.s.execHook(ctx, ls.s.db,
			`DELETE FROM project_locks
			 WHERE project_id = ? AND owner_agent_id = ? AND owner_session_id = ?
			   AND acquired_at = ? AND expires_at = ?`,
			projectID, expected.OwnerAgentID, expected.OwnerSessionID,
			toMillis(expected.AcquiredAt), toMillis(expected.ExpiresAt))
	default:
		res, err = ls.s.execHook(ctx, ls.s.db,
			`UPDATE project_locks
			 SET owner_agent_id = ?, owner_session_id = ?, acquired_at = ?, expires_at = ?
			 WHERE project_id = ? AND owner_agent_id = ? AND owner_session_id = ?
			   AND acquired_at = ? AND expires_at = ?`,
			next.OwnerAgentID, next.OwnerSessionID, toMillis(next.AcquiredAt), toMillis(next.ExpiresAt),
			projectID, expected.OwnerAgentID, expected.OwnerSessionID,
			toMillis(expected.AcquiredAt), toMillis(expected.ExpiresAt))
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: swap lock: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}
