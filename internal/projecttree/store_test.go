package projecttree_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/storage/memory"
)

const ws = "ws_test"

type recordingPublisher struct {
	mu     sync.Mutex
	events []int64
}

func (p *recordingPublisher) Publish(_ string, seq int64, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, seq)
	return nil
}

type recordingCleaner struct {
	mu     sync.Mutex
	purged []string
}

func (c *recordingCleaner) PurgeProject(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged = append(c.purged, id)
	return nil
}

type fixture struct {
	store   *projecttree.Store
	repo    *memory.ProjectStore
	events  *recordingPublisher
	cleaner *recordingCleaner
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	restore := projecttree.SetTimeNow(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })
	t.Cleanup(restore)

	repo := memory.NewProjectStore()
	f := &fixture{
		repo:    repo,
		events:  &recordingPublisher{},
		cleaner: &recordingCleaner{},
		ctx:     context.Background(),
	}
	f.store = projecttree.NewStore(repo, repo, entityid.New("test"), projecttree.Config{
		Publisher: f.events,
		Cleaners:  []projecttree.Cleaner{f.cleaner},
	})
	return f
}

func ptr[T any](v T) *T { return &v }

func TestStore_CreateFolderAndProject(t *testing.T) {
	f := newFixture(t)

	folder, err := f.store.CreateFolder(f.ctx, ws, nil, "  Characters  ", nil)
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if folder.Name != "Characters" || folder.ID[:4] != "fld_" {
		t.Errorf("unexpected folder %+v", folder)
	}

	p, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{ParentFolderID: ptr(folder.ID)})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Name != projecttree.DefaultProjectName || p.Revision != 1 || *p.ParentFolderID != folder.ID {
		t.Errorf("unexpected project %+v", p)
	}

	stored, err := f.repo.Find(f.ctx, project.Scope{WorkspaceID: ws}, p.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.Revision != 1 {
		t.Errorf("stored revision = %d", stored.Revision)
	}

	nodes, err := f.store.GetProjectTree(f.ctx, ws, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || len(nodes[0].Children) != 1 || nodes[0].Children[0].ID != p.ID {
		t.Errorf("tree = %+v", nodes)
	}
}

func TestStore_RenameAndMoveProjectBumpRevision(t *testing.T) {
	f := newFixture(t)
	folder, err := f.store.CreateFolder(f.ctx, ws, nil, "A", nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{Name: "Knight"})
	if err != nil {
		t.Fatal(err)
	}

	renamed, err := f.store.RenameProject(f.ctx, ws, p.ID, "Paladin")
	if err != nil {
		t.Fatalf("RenameProject: %v", err)
	}
	if renamed.Revision != 2 || renamed.Name != "Paladin" {
		t.Errorf("after rename: %+v", renamed)
	}

	moved, err := f.store.MoveProject(f.ctx, ws, p.ID, ptr(folder.ID), nil)
	if err != nil {
		t.Fatalf("MoveProject: %v", err)
	}
	if moved.Revision != 3 || *moved.ParentFolderID != folder.ID {
		t.Errorf("after move: %+v", moved)
	}

	want := []int64{1, 2, 3}
	if len(f.events.events) != len(want) {
		t.Fatalf("events = %v, want %v", f.events.events, want)
	}
	for i, seq := range want {
		if f.events.events[i] != seq {
			t.Errorf("event %d seq = %d, want %d", i, f.events.events[i], seq)
		}
	}
}

func TestStore_FailedMoveLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	p, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{Name: "Knight"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.MoveProject(f.ctx, ws, p.ID, ptr("fld_missing"), nil)
	if !apperr.HasReason(err, apperr.ReasonFolderNotFound) {
		t.Fatalf("expected folder_not_found, got %v", err)
	}
	stored, err := f.repo.Find(f.ctx, project.Scope{}, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Revision != 1 || stored.ParentFolderID != nil {
		t.Errorf("project changed on failed move: %+v", stored)
	}
}

func TestStore_DeleteFolderCascades(t *testing.T) {
	f := newFixture(t)
	outer, err := f.store.CreateFolder(f.ctx, ws, nil, "outer", nil)
	if err != nil {
		t.Fatal(err)
	}
	inner, err := f.store.CreateFolder(f.ctx, ws, ptr(outer.ID), "inner", nil)
	if err != nil {
		t.Fatal(err)
	}
	p1, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{ParentFolderID: ptr(inner.ID)})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{ParentFolderID: ptr(outer.ID)})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.store.DeleteFolder(f.ctx, ws, outer.ID)
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if len(res.Folders) != 2 || len(res.Projects) != 2 {
		t.Errorf("delete result %+v", res)
	}
	for _, id := range []string{p1.ID, p2.ID} {
		if _, err := f.repo.Find(f.ctx, project.Scope{}, id); !errors.Is(err, project.ErrNotFound) {
			t.Errorf("project %s still stored: %v", id, err)
		}
	}
	if len(f.cleaner.purged) != 2 {
		t.Errorf("purged = %v, want both projects", f.cleaner.purged)
	}
	nodes, err := f.store.GetProjectTree(f.ctx, ws, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Errorf("tree not empty: %+v", nodes)
	}
}

func TestStore_DeleteProject(t *testing.T) {
	f := newFixture(t)
	p, err := f.store.CreateProject(f.ctx, ws, projecttree.CreateProjectInput{Name: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.DeleteProject(f.ctx, ws, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := f.store.DeleteProject(f.ctx, ws, p.ID); !apperr.HasReason(err, apperr.ReasonProjectNotFound) {
		t.Errorf("second delete: expected project_not_found, got %v", err)
	}
	if len(f.cleaner.purged) != 1 || f.cleaner.purged[0] != p.ID {
		t.Errorf("purged = %v", f.cleaner.purged)
	}
}

func TestStore_WorkspacesAreIsolated(t *testing.T) {
	f := newFixture(t)
	folder, err := f.store.CreateFolder(f.ctx, "ws_a", nil, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.CreateFolder(f.ctx, "ws_b", ptr(folder.ID), "b", nil)
	if !apperr.HasReason(err, apperr.ReasonFolderNotFound) {
		t.Errorf("expected folder_not_found across workspaces, got %v", err)
	}
}

// conflictingRepo loses the first n commits to a concurrent writer.
type conflictingRepo struct {
	*memory.ProjectStore
	failures int
}

func (r *conflictingRepo) CommitTree(ctx context.Context, c projecttree.Commit) error {
	if r.failures > 0 {
		r.failures--
		return projecttree.ErrTreeConflict
	}
	return r.ProjectStore.CommitTree(ctx, c)
}

func TestStore_CommitConflictRetries(t *testing.T) {
	base := memory.NewProjectStore()

	repo := &conflictingRepo{ProjectStore: base, failures: 2}
	s := projecttree.NewStore(repo, base, entityid.New("test"), projecttree.Config{})
	if _, err := s.CreateFolder(context.Background(), ws, nil, "a", nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	repo = &conflictingRepo{ProjectStore: base, failures: 3}
	s = projecttree.NewStore(repo, base, entityid.New("test"), projecttree.Config{})
	_, err := s.CreateFolder(context.Background(), ws, nil, "b", nil)
	if !apperr.HasReason(err, apperr.ReasonTreeConflict) {
		t.Fatalf("expected tree_conflict, got %v", err)
	}
}

func TestStore_AncestorPath(t *testing.T) {
	f := newFixture(t)
	a, err := f.store.CreateFolder(f.ctx, ws, nil, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.store.CreateFolder(f.ctx, ws, ptr(a.ID), "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	path, err := f.store.AncestorPath(f.ctx, ws, ptr(b.ID))
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 3 || *path[0] != b.ID || *path[1] != a.ID || path[2] != nil {
		t.Errorf("path = %v", path)
	}
	root, err := f.store.AncestorPath(f.ctx, ws, nil)
	if err != nil || len(root) != 1 || root[0] != nil {
		t.Errorf("root path = %v, %v", root, err)
	}
}

type failingHooks struct{}

func (failingHooks) Publish(string, int64, any) error { return errors.New("hub down") }
func (failingHooks) PurgeProject(context.Context, string) error { return errors.New("store down") }

func TestStore_HookFailuresDoNotFailCommittedChange(t *testing.T) {
	var logs bytes.Buffer
	repo := memory.NewProjectStore()
	after := &recordingCleaner{}
	store := projecttree.NewStore(repo, repo, entityid.New("test"), projecttree.Config{
		Publisher: failingHooks{},
		Cleaners:  []projecttree.Cleaner{failingHooks{}, after},
		Logger:    zerolog.New(&logs),
	})
	ctx := context.Background()

	p, err := store.CreateProject(ctx, ws, projecttree.CreateProjectInput{Name: "crate"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := repo.Find(ctx, project.Scope{}, p.ID); err != nil {
		t.Fatalf("project not committed: %v", err)
	}
	res, err := store.DeleteProject(ctx, ws, p.ID)
	if err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if len(res.Projects) != 1 || len(after.purged) != 1 {
		t.Errorf("deleted %v, later cleaner purged %v", res.Projects, after.purged)
	}
	for _, want := range []string{"hub down", "store down", p.ID} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("log missing %q:\n%s", want, logs.String())
		}
	}
}

func TestStore_SiblingNamesMayRepeat(t *testing.T) {
	f := newFixture(t)
	a, err := f.store.CreateFolder(f.ctx, ws, nil, "props", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.store.CreateFolder(f.ctx, ws, nil, "props", nil)
	if err != nil {
		t.Fatalf("second folder with the same name: %v", err)
	}
	if a.ID == b.ID {
		t.Error("folders share an id")
	}
	nodes, _ := f.store.GetProjectTree(f.ctx, ws, "")
	if len(nodes) != 2 {
		t.Errorf("root = %+v", nodes)
	}
}
