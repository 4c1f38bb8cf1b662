// Package memory implements every persistence port in process memory.
//
// Each store guards its maps with one mutex, which makes every operation
// atomic per key as the ports require. Values are cloned on the way in and
// out so callers never share state with the store.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projecttree"
)

// Store bundles the in-memory repositories.
type Store struct {
	Projects   *ProjectStore
	Locks      *LockStore
	Jobs       *JobStore
	Workspaces *WorkspaceStore
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		Projects:   NewProjectStore(),
		Locks:      NewLockStore(),
		Jobs:       NewJobStore(),
		Workspaces: NewWorkspaceStore(),
	}
}

// Close is a no-op kept for symmetry with the SQLite store.
func (s *Store) Close() error { return nil }

var (
	_ project.Repository     = (*ProjectStore)(nil)
	_ projecttree.Repository = (*ProjectStore)(nil)
)

// ProjectStore holds project records and workspace trees. It implements
// project.Repository and projecttree.Repository so a tree commit and its
// project writes apply under one lock.
type ProjectStore struct {
	mu       sync.Mutex
	projects map[string]*project.Project
	trees    map[string]*projecttree.Tree
}

// NewProjectStore creates an empty ProjectStore.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{
		projects: make(map[string]*project.Project),
		trees:    make(map[string]*projecttree.Tree),
	}
}

// Find returns a copy of the project, restricted to scope.
func (s *ProjectStore) Find(_ context.Context, scope project.Scope, id string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || (scope.WorkspaceID != "" && p.WorkspaceID != scope.WorkspaceID) {
		return nil, project.ErrNotFound
	}
	return p.Clone(), nil
}

// Save writes p if the stored revision equals expectedRevision.
func (s *ProjectStore) Save(_ context.Context, p *project.Project, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRevision(p.ID, expectedRevision); err != nil {
		return err
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

// Remove deletes the project record.
func (s *ProjectStore) Remove(_ context.Context, scope project.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || (scope.WorkspaceID != "" && p.WorkspaceID != scope.WorkspaceID) {
		return project.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

// LoadTree returns a copy of the workspace tree, empty when none exists.
func (s *ProjectStore) LoadTree(_ context.Context, workspaceID string) (*projecttree.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[workspaceID]
	if !ok {
		return projecttree.NewTree(), nil
	}
	return t.Clone(), nil
}

// CommitTree applies c atomically.
func (s *ProjectStore) CommitTree(_ context.Context, c projecttree.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if t, ok := s.trees[c.WorkspaceID]; ok {
		version = t.Version
	}
	if version != c.ExpectedVersion {
		return projecttree.ErrTreeConflict
	}
	for _, w := range c.Upserts {
		if err := s.checkRevision(w.Project.ID, w.ExpectedRevision); err != nil {
			return err
		}
	}

	next := c.Tree.Clone()
	next.Version = c.ExpectedVersion + 1
	s.trees[c.WorkspaceID] = next
	for _, w := range c.Upserts {
		s.projects[w.Project.ID] = w.Project.Clone()
	}
	for _, id := range c.Removed {
		delete(s.projects, id)
	}
	return nil
}

// FolderExists reports whether any workspace tree holds folderID.
func (s *ProjectStore) FolderExists(_ context.Context, folderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trees {
		if t.HasFolder(folderID) {
			return true, nil
		}
	}
	return false, nil
}

// ListProjects returns every project of a workspace ordered by id.
func (s *ProjectStore) ListProjects(_ context.Context, workspaceID string) ([]*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*project.Project
	for _, p := range s.projects {
		if p.WorkspaceID == workspaceID {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *project.Project) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *ProjectStore) checkRevision(id string, expected int64) error {
	current, ok := s.projects[id]
	switch {
	case !ok && expected == 0:
		return nil
	case !ok:
		return project.ErrRevisionConflict
	case current.Revision != expected:
		return project.ErrRevisionConflict
	}
	return nil
}
