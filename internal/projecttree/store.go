package projecttree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/project"
)

// ErrTreeConflict is returned by Repository.CommitTree when the stored tree
// version is not the expected one.
var ErrTreeConflict = errors.New("projecttree: tree version conflict")

// maxCommitAttempts bounds reload-and-reapply cycles after a lost commit.
const maxCommitAttempts = 3

// timeNow is a package-level variable for testing.
var timeNow = time.Now

// ProjectWrite is one project record to persist with a revision check.
type ProjectWrite struct {
	Project          *project.Project
	ExpectedRevision int64
}

// Commit is the unit of work a Repository applies atomically: the new tree
// (stored as ExpectedVersion+1), project upserts and project removals.
// Nothing is written when any check fails.
type Commit struct {
	WorkspaceID     string
	Tree            *Tree
	ExpectedVersion int64
	Upserts         []ProjectWrite
	Removed         []string
}

// Repository persists one tree per workspace. LoadTree returns an empty
// tree (version 0) for a workspace without one. CommitTree reports a stale
// version with ErrTreeConflict and a stale project with
// project.ErrRevisionConflict.
type Repository interface {
	LoadTree(ctx context.Context, workspaceID string) (*Tree, error)
	CommitTree(ctx context.Context, c Commit) error
	FolderExists(ctx context.Context, folderID string) (bool, error)
}

// Cleaner drops per-project state held outside the tree (locks, jobs,
// event streams) once a project is deleted.
type Cleaner interface {
	PurgeProject(ctx context.Context, projectID string) error
}

// Publisher receives a project_snapshot event after each committed change
// to a project record.
type Publisher interface {
	Publish(projectID string, seq int64, data any) error
}

// Config carries the optional collaborators of a Store.
type Config struct {
	MaxFolderDepth int
	Publisher      Publisher
	Cleaners       []Cleaner
	// Logger records publish and cleaner failures after a commit.
	Logger zerolog.Logger
}

// Store serializes tree mutations per workspace and commits them through
// a Repository.
type Store struct {
	repo      Repository
	projects  project.Repository
	ids       *entityid.Generator
	publisher Publisher
	cleaners  []Cleaner
	maxDepth  int
	log       zerolog.Logger

	mu      sync.Mutex
	wsLocks map[string]*sync.Mutex
}

// NewStore creates a Store. MaxFolderDepth defaults to
// DefaultMaxFolderDepth.
func NewStore(repo Repository, projects project.Repository, ids *entityid.Generator, cfg Config) *Store {
	if cfg.MaxFolderDepth <= 0 {
		cfg.MaxFolderDepth = DefaultMaxFolderDepth
	}
	return &Store{
		repo:      repo,
		projects:  projects,
		ids:       ids,
		publisher: cfg.Publisher,
		cleaners:  cfg.Cleaners,
		maxDepth:  cfg.MaxFolderDepth,
		log:       cfg.Logger.With().Str("component", "projecttree").Logger(),
		wsLocks:   make(map[string]*sync.Mutex),
	}
}

// MaxFolderDepth reports the configured depth limit.
func (s *Store) MaxFolderDepth() int { return s.maxDepth }

// DeleteResult lists everything a delete removed.
type DeleteResult struct {
	Folders  []string `json:"deletedFolderIds"`
	Projects []string `json:"deletedProjectIds"`
}

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	Name           string
	ParentFolderID *string
	Index          *int
	Snapshot       []byte
}

// --- Folders ---

// CreateFolder adds a folder under parentID (root when nil).
func (s *Store) CreateFolder(ctx context.Context, workspaceID string, parentID *string, name string, index *int) (*Folder, error) {
	var out *Folder
	err := s.mutate(ctx, workspaceID, func(ctx context.Context, t *Tree, _ *change) error {
		id, err := s.ids.Next(entityid.PrefixFolder, func(id string) (bool, error) {
			if t.HasFolder(id) {
				return true, nil
			}
			return s.repo.FolderExists(ctx, id)
		})
		if err != nil {
			return err
		}
		f, err := t.AddFolder(id, parentID, name, index, s.maxDepth)
		if err != nil {
			return err
		}
		out = snapshotFolder(f)
		return nil
	})
	return out, err
}

// RenameFolder renames a folder.
func (s *Store) RenameFolder(ctx context.Context, workspaceID, folderID, name string) (*Folder, error) {
	var out *Folder
	err := s.mutate(ctx, workspaceID, func(_ context.Context, t *Tree, _ *change) error {
		f, err := t.RenameFolder(folderID, name)
		if err != nil {
			return err
		}
		out = snapshotFolder(f)
		return nil
	})
	return out, err
}

// MoveFolder re-parents or reorders a folder. Projects inside the moved
// subtree keep their parent, so their records are untouched.
func (s *Store) MoveFolder(ctx context.Context, workspaceID, folderID string, parentID *string, index *int) (*Folder, error) {
	var out *Folder
	err := s.mutate(ctx, workspaceID, func(_ context.Context, t *Tree, _ *change) error {
		f, err := t.MoveFolder(folderID, parentID, index, s.maxDepth)
		if err != nil {
			return err
		}
		out = snapshotFolder(f)
		return nil
	})
	return out, err
}

// DeleteFolder removes a folder with its subtree and purges the state of
// every removed project.
func (s *Store) DeleteFolder(ctx context.Context, workspaceID, folderID string) (*DeleteResult, error) {
	var out *DeleteResult
	err := s.mutate(ctx, workspaceID, func(_ context.Context, t *Tree, ch *change) error {
		folders, projects, err := t.RemoveFolder(folderID)
		if err != nil {
			return err
		}
		ch.removed = projects
		out = &DeleteResult{Folders: folders, Projects: projects}
		return nil
	})
	return out, err
}

// --- Projects ---

// CreateProject adds a project record and its tree node.
func (s *Store) CreateProject(ctx context.Context, workspaceID string, in CreateProjectInput) (*project.Project, error) {
	var out *project.Project
	err := s.mutate(ctx, workspaceID, func(ctx context.Context, t *Tree, ch *change) error {
		id, err := s.ids.Next(entityid.PrefixProject, func(id string) (bool, error) {
			if _, ok := t.Projects[id]; ok {
				return true, nil
			}
			_, err := s.projects.Find(ctx, project.Scope{}, id)
			if errors.Is(err, project.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return err
		}
		node, err := t.AddProject(id, in.ParentFolderID, in.Name, in.Index)
		if err != nil {
			return err
		}
		now := timeNow().UTC()
		p := &project.Project{
			ID:             id,
			WorkspaceID:    workspaceID,
			Name:           node.Name,
			ParentFolderID: copyID(node.ParentID),
			Revision:       1,
			Snapshot:       append([]byte(nil), in.Snapshot...),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		ch.upsert(p, 0)
		out = p
		return nil
	})
	return out, err
}

// RenameProject renames a project and advances its revision by one.
func (s *Store) RenameProject(ctx context.Context, workspaceID, projectID, name string) (*project.Project, error) {
	var out *project.Project
	err := s.mutate(ctx, workspaceID, func(ctx context.Context, t *Tree, ch *change) error {
		node, err := t.RenameProject(projectID, name)
		if err != nil {
			return err
		}
		out, err = s.touchProject(ctx, workspaceID, node, ch)
		return err
	})
	return out, err
}

// MoveProject re-parents or reorders a project and advances its revision
// by one.
func (s *Store) MoveProject(ctx context.Context, workspaceID, projectID string, parentID *string, index *int) (*project.Project, error) {
	var out *project.Project
	err := s.mutate(ctx, workspaceID, func(ctx context.Context, t *Tree, ch *change) error {
		node, err := t.MoveProject(projectID, parentID, index)
		if err != nil {
			return err
		}
		out, err = s.touchProject(ctx, workspaceID, node, ch)
		return err
	})
	return out, err
}

// DeleteProject removes a project and purges its state.
func (s *Store) DeleteProject(ctx context.Context, workspaceID, projectID string) (*DeleteResult, error) {
	var out *DeleteResult
	err := s.mutate(ctx, workspaceID, func(_ context.Context, t *Tree, ch *change) error {
		if err := t.RemoveProject(projectID); err != nil {
			return err
		}
		ch.removed = []string{projectID}
		out = &DeleteResult{Folders: []string{}, Projects: []string{projectID}}
		return nil
	})
	return out, err
}

// --- Reads ---

// GetProjectTree returns the workspace tree filtered by query.
func (s *Store) GetProjectTree(ctx context.Context, workspaceID, query string) ([]Node, error) {
	t, err := s.repo.LoadTree(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("projecttree: loading tree for %s: %w", workspaceID, err)
	}
	return t.Query(query), nil
}

// AncestorPath returns the folder chain from folderID up to the root
// (nil last). It backs folder ACL resolution.
func (s *Store) AncestorPath(ctx context.Context, workspaceID string, folderID *string) ([]*string, error) {
	if folderID == nil {
		return []*string{nil}, nil
	}
	t, err := s.repo.LoadTree(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("projecttree: loading tree for %s: %w", workspaceID, err)
	}
	return t.AncestorPath(folderID)
}

// --- Internals ---

type change struct {
	upserts []ProjectWrite
	removed []string
}

func (c *change) upsert(p *project.Project, expected int64) {
	c.upserts = append(c.upserts, ProjectWrite{Project: p, ExpectedRevision: expected})
}

// touchProject mirrors a node's name and parent into the project record
// and queues the revision bump.
func (s *Store) touchProject(ctx context.Context, workspaceID string, node *ProjectNode, ch *change) (*project.Project, error) {
	current, err := s.projects.Find(ctx, project.Scope{WorkspaceID: workspaceID}, node.ID)
	if errors.Is(err, project.ErrNotFound) {
		return nil, projectNotFound(node.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("projecttree: loading project %s: %w", node.ID, err)
	}
	next := current.Clone()
	next.Name = node.Name
	next.ParentFolderID = copyID(node.ParentID)
	next.Revision = current.Revision + 1
	next.UpdatedAt = timeNow().UTC()
	ch.upsert(next, current.Revision)
	return next, nil
}

// mutate runs fn against a fresh clone of the workspace tree and commits
// the result. A lost commit reloads and reapplies fn.
func (s *Store) mutate(ctx context.Context, workspaceID string, fn func(context.Context, *Tree, *change) error) error {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		current, err := s.repo.LoadTree(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("projecttree: loading tree for %s: %w", workspaceID, err)
		}
		work := current.Clone()
		ch := &change{}
		if err := fn(ctx, work, ch); err != nil {
			return err
		}

		err = s.repo.CommitTree(ctx, Commit{
			WorkspaceID:     workspaceID,
			Tree:            work,
			ExpectedVersion: current.Version,
			Upserts:         ch.upserts,
			Removed:         ch.removed,
		})
		if errors.Is(err, ErrTreeConflict) || errors.Is(err, project.ErrRevisionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("projecttree: committing tree for %s: %w", workspaceID, err)
		}
		s.afterCommit(ctx, workspaceID, ch)
		return nil
	}
	return apperr.InvalidState(apperr.ReasonTreeConflict,
		"the project tree changed concurrently; retry the operation").
		With("workspaceId", workspaceID)
}

// afterCommit publishes snapshot events and runs cascade cleaners. The
// change is already committed, so hook failures are logged and never
// reach the caller.
func (s *Store) afterCommit(ctx context.Context, workspaceID string, ch *change) {
	if s.publisher != nil {
		for _, w := range ch.upserts {
			if err := s.publisher.Publish(w.Project.ID, w.Project.Revision, w.Project); err != nil {
				s.log.Warn().Err(err).
					Str("workspace_id", workspaceID).
					Str("project_id", w.Project.ID).
					Int64("revision", w.Project.Revision).
					Msg("publishing project snapshot failed")
			}
		}
	}
	for _, id := range ch.removed {
		for _, c := range s.cleaners {
			if err := c.PurgeProject(ctx, id); err != nil {
				s.log.Warn().Err(err).
					Str("workspace_id", workspaceID).
					Str("project_id", id).
					Msg("purging deleted project failed")
			}
		}
	}
}

func (s *Store) lockWorkspace(workspaceID string) func() {
	s.mu.Lock()
	l, ok := s.wsLocks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.wsLocks[workspaceID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func snapshotFolder(f *Folder) *Folder {
	return &Folder{
		ID:       f.ID,
		Name:     f.Name,
		ParentID: copyID(f.ParentID),
		Children: append([]Child{}, f.Children...),
	}
}
