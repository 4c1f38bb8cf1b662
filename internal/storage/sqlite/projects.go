package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projecttree"
)

var (
	_ project.Repository     = (*ProjectStore)(nil)
	_ projecttree.Repository = (*ProjectStore)(nil)
)

// ProjectStore persists project records and workspace trees.
type ProjectStore struct {
	s *Store
}

const projectColumns = `project_id, workspace_id, name, parent_folder_id, revision,
	active_job_id, snapshot, created_at, updated_at`

// Find returns the project, restricted to scope.
func (ps *ProjectStore) Find(ctx context.Context, scope project.Scope, id string) (*project.Project, error) {
	rows, err := ps.s.queryHook(ctx, ps.s.db,
		`SELECT `+projectColumns+` FROM projects
		 WHERE project_id = ? AND (? = '' OR workspace_id = ?)`,
		id, scope.WorkspaceID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find project: %w", err)
	}
	list, err := scanProjects(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, project.ErrNotFound
	}
	return list[0], nil
}

// Save writes p if the stored revision equals expectedRevision.
func (ps *ProjectStore) Save(ctx context.Context, p *project.Project, expectedRevision int64) error {
	return ps.saveProject(ctx, ps.s.db, p, expectedRevision)
}

// Remove deletes the project record.
func (ps *ProjectStore) Remove(ctx context.Context, scope project.Scope, id string) error {
	res, err := ps.s.execHook(ctx, ps.s.db,
		`DELETE FROM projects WHERE project_id = ? AND (? = '' OR workspace_id = ?)`,
		id, scope.WorkspaceID, scope.WorkspaceID)
	if err != nil {
		return fmt.Errorf("sqlite: remove project: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return project.ErrNotFound
	}
	return nil
}

// ListProjects returns every project of a workspace ordered by id.
func (ps *ProjectStore) ListProjects(ctx context.Context, workspaceID string) ([]*project.Project, error) {
	rows, err := ps.s.queryHook(ctx, ps.s.db,
		`SELECT `+projectColumns+` FROM projects WHERE workspace_id = ? ORDER BY project_id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	return scanProjects(rows)
}

// LoadTree returns the workspace tree, empty when none was committed.
func (ps *ProjectStore) LoadTree(ctx context.Context, workspaceID string) (*projecttree.Tree, error) {
	var (
		version int64
		raw     string
	)
	err := ps.s.db.QueryRowContext(ctx,
		`SELECT version, tree_json FROM project_trees WHERE workspace_id = ?`, workspaceID,
	).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return projecttree.NewTree(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load tree: %w", err)
	}
	t := projecttree.NewTree()
	if err := json.Unmarshal([]byte(raw), t); err != nil {
		return nil, fmt.Errorf("sqlite: decode tree %s: %w", workspaceID, err)
	}
	if t.Folders == nil {
		t.Folders = map[string]*projecttree.Folder{}
	}
	if t.Projects == nil {
		t.Projects = map[string]*projecttree.ProjectNode{}
	}
	t.Version = version
	return t, nil
}

// CommitTree applies c in one transaction.
func (ps *ProjectStore) CommitTree(ctx context.Context, c projecttree.Commit) error {
	next := c.Tree.Clone()
	next.Version = c.ExpectedVersion + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("sqlite: encode tree: %w", err)
	}

	return ps.s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		if c.ExpectedVersion == 0 {
			res, err = ps.s.execHook(ctx, tx,
				`INSERT INTO project_trees (workspace_id, version, tree_json) VALUES (?, 1, ?)
				 ON CONFLICT(workspace_id) DO NOTHING`,
				c.WorkspaceID, string(raw))
		} else {
			res, err = ps.s.execHook(ctx, tx,
				`UPDATE project_trees SET version = ?, tree_json = ?
				 WHERE workspace_id = ? AND version = ?`,
				next.Version, string(raw), c.WorkspaceID, c.ExpectedVersion)
		}
		if err != nil {
			return fmt.Errorf("sqlite: write tree: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return projecttree.ErrTreeConflict
		}

		if _, err := ps.s.execHook(ctx, tx, `DELETE FROM folders WHERE workspace_id = ?`, c.WorkspaceID); err != nil {
			return fmt.Errorf("sqlite: reset folder index: %w", err)
		}
		for id := range next.Folders {
			if _, err := ps.s.execHook(ctx, tx,
				`INSERT INTO folders (folder_id, workspace_id) VALUES (?, ?)`, id, c.WorkspaceID); err != nil {
				return fmt.Errorf("sqlite: index folder %s: %w", id, err)
			}
		}

		for _, w := range c.Upserts {
			if err := ps.saveProject(ctx, tx, w.Project, w.ExpectedRevision); err != nil {
				return err
			}
		}
		for _, id := range c.Removed {
			if _, err := ps.s.execHook(ctx, tx, `DELETE FROM projects WHERE project_id = ?`, id); err != nil {
				return fmt.Errorf("sqlite: delete project %s: %w", id, err)
			}
		}
		return nil
	})
}

// FolderExists reports whether any workspace tree holds folderID.
func (ps *ProjectStore) FolderExists(ctx context.Context, folderID string) (bool, error) {
	var found int
	err := ps.s.db.QueryRowContext(ctx, `SELECT 1 FROM folders WHERE folder_id = ?`, folderID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: folder exists: %w", err)
	}
	return true, nil
}

func (ps *ProjectStore) saveProject(ctx context.Context, db execer, p *project.Project, expected int64) error {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = ps.s.execHook(ctx, db,
			`INSERT INTO projects (`+projectColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id) DO NOTHING`,
			p.ID, p.WorkspaceID, p.Name, nullString(p.ParentFolderID), p.Revision,
			p.ActiveJobID, nullRaw(p.Snapshot), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	} else {
		res, err = ps.s.execHook(ctx, db,
			`UPDATE projects SET workspace_id = ?, name = ?, parent_folder_id = ?, revision = ?,
			   active_job_id = ?, snapshot = ?, updated_at = ?
			 WHERE project_id = ? AND revision = ?`,
			p.WorkspaceID, p.Name, nullString(p.ParentFolderID), p.Revision,
			p.ActiveJobID, nullRaw(p.Snapshot), toMillis(p.UpdatedAt),
			p.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("sqlite: save project %s: %w", p.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return project.ErrRevisionConflict
	}
	return nil
}

func scanProjects(rows *sql.Rows) ([]*project.Project, error) {
	defer rows.Close()
	var out []*project.Project
	for rows.Next() {
		var (
			p                    project.Project
			parent, snapshot     sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &parent, &p.Revision,
			&p.ActiveJobID, &snapshot, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan project: %w", err)
		}
		p.ParentFolderID = fromNullString(parent)
		p.Snapshot = fromNullRaw(snapshot)
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
