package projectlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/projectlock"
	"github.com/sigee-min/bbmcp/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T) (*projectlock.Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := projectlock.NewManager(memory.NewLockStore(), time.Minute)
	m.SetClock(clock.Now)
	return m, clock
}

func TestAcquire_FreshAndReentrant(t *testing.T) {
	m, clock := newManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !l.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v", l.ExpiresAt)
	}

	clock.Advance(30 * time.Second)
	again, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !again.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("lease not extended: %v", again.ExpiresAt)
	}
	if !again.AcquiredAt.Equal(l.AcquiredAt) {
		t.Errorf("AcquiredAt changed on re-acquire")
	}
}

func TestAcquire_ConflictCarriesOwner(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}

	_, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0)
	ae, ok := apperr.As(err)
	if !ok || ae.Reason() != apperr.ReasonProjectLocked || ae.Code != apperr.CodeInvalidState {
		t.Fatalf("expected project_locked, got %v", err)
	}
	if ae.Details["ownerSessionId"] != "sess-a" || ae.Details["ownerAgentId"] != "agent-a" {
		t.Errorf("details = %v", ae.Details)
	}
	if _, ok := ae.Details["expiresAt"]; !ok {
		t.Error("details missing expiresAt")
	}
}

func TestAcquire_ExpiredLockTakenOver(t *testing.T) {
	m, clock := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}

	// now == expiresAt counts as expired.
	clock.Advance(time.Minute)
	l, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if l.OwnerSessionID != "sess-b" {
		t.Errorf("owner = %s", l.OwnerSessionID)
	}

	// The previous owner is now a holder mismatch.
	_, err = m.Refresh(ctx, "prj_1", "agent-a", "sess-a", 0)
	if !apperr.HasReason(err, apperr.ReasonLockHolderMismatch) {
		t.Errorf("expected lock_holder_mismatch, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if err := m.Release(ctx, "prj_1", "agent-a", "sess-a"); err != nil {
		t.Fatalf("release of unlocked project: %v", err)
	}
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "prj_1", "agent-b", "sess-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if l, _ := m.Get(ctx, "prj_1"); l == nil {
		t.Fatal("foreign release cleared the lock")
	}
	if err := m.Release(ctx, "prj_1", "agent-a", "sess-a"); err != nil {
		t.Fatal(err)
	}
	if l, _ := m.Get(ctx, "prj_1"); l != nil {
		t.Errorf("lock still held: %+v", l)
	}
}

func TestRefresh_ExtendsLease(t *testing.T) {
	m, clock := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(50 * time.Second)
	l, err := m.Refresh(ctx, "prj_1", "agent-a", "sess-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !l.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v", l.ExpiresAt)
	}
	clock.Advance(50 * time.Second)
	if _, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0); !apperr.HasReason(err, apperr.ReasonProjectLocked) {
		t.Errorf("refreshed lock should still block, got %v", err)
	}
}

func TestGet_HidesExpiredLock(t *testing.T) {
	m, clock := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if l, err := m.Get(ctx, "prj_1"); err != nil || l != nil {
		t.Errorf("Get = %+v, %v; want nil", l, err)
	}
}

func TestPurgeProject(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.PurgeProject(ctx, "prj_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0); err != nil {
		t.Errorf("acquire after purge: %v", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	const sessions = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := "sess-" + string(rune('a'+i))
			_, err := m.Acquire(ctx, "prj_1", "agent", session, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case !apperr.HasReason(err, apperr.ReasonProjectLocked):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d sessions acquired the lock, want exactly 1", wins.Load())
	}
}
