package sqlite_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projectlock"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/storage/sqlite"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(s string) *string { return &s }

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s, err := sqlite.New(sqlite.Config{DataDir: dir})
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		var n int
		if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("open #%d: %d migrations recorded, want 1", i+1, n)
		}
		_ = s.Close()
	}
}

func TestNew_OpenFailure(t *testing.T) {
	restore := sqlite.SetOpenDB(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := sqlite.New(sqlite.Config{DataDir: t.TempDir()}); err == nil {
		t.Fatal("expected open error")
	}
}

func TestProjectSave_RevisionCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &project.Project{ID: "prj_1", WorkspaceID: "ws_1", Name: "Robot", Revision: 1,
		Snapshot: json.RawMessage(`{"cubes":[]}`), CreatedAt: now, UpdatedAt: now}

	if err := s.Projects.Save(ctx, p, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Projects.Save(ctx, p, 0); !errors.Is(err, project.ErrRevisionConflict) {
		t.Errorf("second create: expected revision conflict, got %v", err)
	}

	next := p.Clone()
	next.Revision = 2
	next.ParentFolderID = ptr("fld_1")
	if err := s.Projects.Save(ctx, next, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Projects.Save(ctx, next, 1); !errors.Is(err, project.ErrRevisionConflict) {
		t.Errorf("stale update: expected revision conflict, got %v", err)
	}

	got, err := s.Projects.Find(ctx, project.Scope{WorkspaceID: "ws_1"}, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 2 || got.ParentFolderID == nil || *got.ParentFolderID != "fld_1" {
		t.Errorf("project = %+v", got)
	}
	if string(got.Snapshot) != `{"cubes":[]}` || !got.CreatedAt.Equal(now) {
		t.Errorf("snapshot/createdAt not preserved: %s %v", got.Snapshot, got.CreatedAt)
	}
	if _, err := s.Projects.Find(ctx, project.Scope{WorkspaceID: "ws_other"}, "prj_1"); !errors.Is(err, project.ErrNotFound) {
		t.Errorf("foreign scope: expected not found, got %v", err)
	}
	if err := s.Projects.Remove(ctx, project.Scope{}, "prj_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Projects.Remove(ctx, project.Scope{}, "prj_1"); !errors.Is(err, project.ErrNotFound) {
		t.Errorf("second remove: expected not found, got %v", err)
	}
}

func TestTreeStore_OverSQLite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tree := projecttree.NewStore(s.Projects, s.Projects, entityid.New("sqlite"), projecttree.Config{})

	a, err := tree.CreateFolder(ctx, "ws_1", nil, "A", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tree.CreateFolder(ctx, "ws_1", &a.ID, "B", nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := tree.CreateProject(ctx, "ws_1", projecttree.CreateProjectInput{Name: "Robot", ParentFolderID: &b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Projects.FolderExists(ctx, b.ID); !ok {
		t.Error("folder index missing B")
	}

	path, err := tree.AncestorPath(ctx, "ws_1", &b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 3 || *path[0] != b.ID || *path[1] != a.ID || path[2] != nil {
		t.Errorf("path = %v", path)
	}

	res, err := tree.DeleteFolder(ctx, "ws_1", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Folders) != 2 || len(res.Projects) != 1 || res.Projects[0] != p.ID {
		t.Errorf("delete result = %+v", res)
	}
	if _, err := s.Projects.Find(ctx, project.Scope{}, p.ID); !errors.Is(err, project.ErrNotFound) {
		t.Errorf("project survived folder delete: %v", err)
	}
	if ok, _ := s.Projects.FolderExists(ctx, a.ID); ok {
		t.Error("folder index still lists A")
	}
	loaded, err := s.Projects.LoadTree(ctx, "ws_1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != 4 || len(loaded.Folders) != 0 {
		t.Errorf("tree version=%d folders=%d", loaded.Version, len(loaded.Folders))
	}
}

func TestCommitTree_StaleVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := projecttree.Commit{WorkspaceID: "ws_1", Tree: projecttree.NewTree()}
	if err := s.Projects.CommitTree(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.Projects.CommitTree(ctx, c); !errors.Is(err, projecttree.ErrTreeConflict) {
		t.Errorf("expected tree conflict, got %v", err)
	}
}

func TestCommitTree_RollsBackOnCommitFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.SetCommitHook(func(*sql.Tx) error { return errors.New("disk full") })

	now := time.Now()
	tr := projecttree.NewTree()
	if err := tr.AddProject("prj_1", nil, "Robot", nil); err != nil {
		t.Fatal(err)
	}
	err := s.Projects.CommitTree(ctx, projecttree.Commit{
		WorkspaceID: "ws_1",
		Tree:        tr,
		Upserts: []projecttree.ProjectWrite{{Project: &project.Project{
			ID: "prj_1", WorkspaceID: "ws_1", Name: "Robot", Revision: 1, CreatedAt: now, UpdatedAt: now,
		}}},
	})
	if err == nil {
		t.Fatal("expected commit error")
	}
	if _, err := s.Projects.Find(ctx, project.Scope{}, "prj_1"); !errors.Is(err, project.ErrNotFound) {
		t.Errorf("project written despite failed commit: %v", err)
	}
	loaded, _ := s.Projects.LoadTree(ctx, "ws_1")
	if loaded.Version != 0 {
		t.Errorf("tree version = %d, want 0", loaded.Version)
	}
}

func TestLockStore_CompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &projectlock.Lock{ProjectID: "prj_1", OwnerAgentID: "agent", OwnerSessionID: "sess-a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	b := &projectlock.Lock{ProjectID: "prj_1", OwnerAgentID: "agent", OwnerSessionID: "sess-b", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}

	if ok, err := s.Locks.CompareAndSwap(ctx, "prj_1", nil, a); err != nil || !ok {
		t.Fatalf("insert: %v %v", ok, err)
	}
	if ok, _ := s.Locks.CompareAndSwap(ctx, "prj_1", nil, b); ok {
		t.Error("insert over existing lock succeeded")
	}
	if ok, _ := s.Locks.CompareAndSwap(ctx, "prj_1", b, nil); ok {
		t.Error("delete with wrong expected succeeded")
	}
	got, err := s.Locks.Get(ctx, "prj_1")
	if err != nil || !got.Same(a) {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if ok, _ := s.Locks.CompareAndSwap(ctx, "prj_1", a, b); !ok {
		t.Error("swap a->b failed")
	}
	if ok, _ := s.Locks.CompareAndSwap(ctx, "prj_1", b, nil); !ok {
		t.Error("delete failed")
	}
	if got, _ := s.Locks.Get(ctx, "prj_1"); got != nil {
		t.Errorf("lock still stored: %+v", got)
	}
}

func TestLockManager_OverSQLite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := projectlock.NewManager(s.Locks, time.Minute)

	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, "prj_1", "agent-a", "sess-a", 0); err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0); !apperr.HasReason(err, apperr.ReasonProjectLocked) {
		t.Errorf("expected project_locked, got %v", err)
	}
	if err := m.Release(ctx, "prj_1", "agent-a", "sess-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, "prj_1", "agent-b", "sess-b", 0); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestJobQueue_OverSQLite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := jobqueue.New(s.Jobs, entityid.New("sqlite"), jobqueue.Options{MaxAttempts: 2})
	q.SetClock(func() time.Time { return now })
	q.SetRand(func() float64 { return 0 })

	job, err := q.Submit(ctx, "prj_1", jobqueue.KindExportConversion, json.RawMessage(`{"format":"gltf"}`), jobqueue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := q.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.Equal(now.Add(jobqueue.DefaultLease)) {
		t.Errorf("lease = %v", claimed.LeaseExpiresAt)
	}

	failed, err := q.Fail(ctx, job.ID, "w1", "converter crashed")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != jobqueue.StatusQueued || failed.NextRetryAt == nil {
		t.Fatalf("after first failure: %+v", failed)
	}
	if again, _ := q.ClaimNext(ctx, "w1"); again != nil {
		t.Error("claimed before retry delay elapsed")
	}

	now = now.Add(time.Second)
	if _, err := q.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	done, err := q.Fail(ctx, job.ID, "w1", "converter crashed")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobqueue.StatusFailed || !done.DeadLetter {
		t.Errorf("after final failure: %+v", done)
	}
	dead, err := q.ListDeadLetters(ctx)
	if err != nil || len(dead) != 1 {
		t.Errorf("dead letters = %d, %v", len(dead), err)
	}
	if err := q.PurgeProject(ctx, "prj_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Get(ctx, job.ID); !apperr.HasReason(err, apperr.ReasonJobNotFound) {
		t.Errorf("expected job_not_found after purge, got %v", err)
	}
}

func TestJobStore_VersionConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()
	j := &jobqueue.Job{ID: "job_1", ProjectID: "prj_1", Kind: "k", Status: jobqueue.StatusQueued,
		MaxAttempts: 3, LeaseMs: 1000, CreatedAt: now, UpdatedAt: now, Version: 1}
	if err := s.Jobs.Insert(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.Jobs.CompareAndSwap(ctx, j, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Jobs.CompareAndSwap(ctx, j, 1); !errors.Is(err, jobqueue.ErrVersionConflict) {
		t.Errorf("expected version conflict, got %v", err)
	}
	ghost := j.Clone()
	ghost.ID = "job_missing"
	if err := s.Jobs.CompareAndSwap(ctx, ghost, 1); !errors.Is(err, jobqueue.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestWorkspaceStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	admin := workspace.NewAdmin(s.Workspaces, entityid.New("sqlite"), nil)

	ws, err := admin.CreateWorkspace(ctx, workspace.CreateWorkspaceInput{Name: "Studio", Mode: workspace.ModeRBAC, CreatedBy: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	roles, err := admin.ListRoles(ctx, ws.ID)
	if err != nil || len(roles) != 2 {
		t.Fatalf("roles = %d, %v", len(roles), err)
	}
	m, err := s.Workspaces.GetMember(ctx, ws.ID, "owner")
	if err != nil || len(m.RoleIDs) != 1 || m.RoleIDs[0] != ws.ID+"_admin" {
		t.Fatalf("owner = %+v, %v", m, err)
	}

	if err := s.Workspaces.SaveACL(ctx, &workspace.FolderACLRule{WorkspaceID: ws.ID, RoleID: ws.ID + "_user", Read: workspace.EffectAllow, Write: workspace.EffectDeny}); err != nil {
		t.Fatal(err)
	}
	rules, err := s.Workspaces.ListACL(ctx, ws.ID)
	if err != nil || len(rules) != 1 || rules[0].FolderID != nil || rules[0].Write != workspace.EffectDeny {
		t.Fatalf("rules = %+v, %v", rules, err)
	}
	if err := s.Workspaces.DeleteACL(ctx, ws.ID, nil, ws.ID+"_user"); err != nil {
		t.Fatal(err)
	}
	if err := s.Workspaces.DeleteACL(ctx, ws.ID, nil, ws.ID+"_user"); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("second delete: expected not found, got %v", err)
	}
}

func TestJobStore_RejectsUnknownStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	q := jobqueue.New(s.Jobs, entityid.New("sqlite"), jobqueue.Options{})
	job, err := q.Submit(ctx, "prj_1", jobqueue.KindExportConversion, nil, jobqueue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(`UPDATE jobs SET status = 'paused' WHERE id = ?`, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Jobs.Get(ctx, job.ID); err == nil {
		t.Error("expected error decoding a job with an unknown status")
	}
}
