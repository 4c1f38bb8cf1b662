package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sigee-min/bbmcp/internal/workspace"
)

var _ workspace.Repository = (*WorkspaceStore)(nil)

// WorkspaceStore persists workspaces, roles, members and folder ACL rules.
type WorkspaceStore struct {
	s *Store
}

const workspaceColumns = `workspace_id, tenant_id, name, mode, default_member_role_id, created_by, created_at, updated_at`

func (ws *WorkspaceStore) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	list, err := ws.listWorkspaces(ctx, `WHERE workspace_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, workspace.ErrNotFound
	}
	return list[0], nil
}

func (ws *WorkspaceStore) ListWorkspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	return ws.listWorkspaces(ctx, `ORDER BY workspace_id`)
}

func (ws *WorkspaceStore) SaveWorkspace(ctx context.Context, w *workspace.Workspace) error {
	_, err := ws.s.execHook(ctx, ws.s.db,
		`INSERT INTO workspaces (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, name = excluded.name, mode = excluded.mode,
		   default_member_role_id = excluded.default_member_role_id,
		   created_by = excluded.created_by, updated_at = excluded.updated_at`,
		w.ID, w.TenantID, w.Name, string(w.Mode), w.DefaultMemberRoleID, w.CreatedBy,
		toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save workspace %s: %w", w.ID, err)
	}
	return nil
}

func (ws *WorkspaceStore) GetRole(ctx context.Context, workspaceID, roleID string) (*workspace.Role, error) {
	list, err := ws.listRoles(ctx, `WHERE workspace_id = ? AND role_id = ?`, workspaceID, roleID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, workspace.ErrNotFound
	}
	return list[0], nil
}

func (ws *WorkspaceStore) ListRoles(ctx context.Context, workspaceID string) ([]*workspace.Role, error) {
	return ws.listRoles(ctx, `WHERE workspace_id = ? ORDER BY role_id`, workspaceID)
}

func (ws *WorkspaceStore) SaveRole(ctx context.Context, r *workspace.Role) error {
	perms, err := encodeList(r.Permissions)
	if err != nil {
		return err
	}
	_, err = ws.s.execHook(ctx, ws.s.db,
		`INSERT INTO workspace_roles (workspace_id, role_id, name, builtin, permissions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, role_id) DO UPDATE SET
		   name = excluded.name, builtin = excluded.builtin,
		   permissions = excluded.permissions, updated_at = excluded.updated_at`,
		r.WorkspaceID, r.ID, r.Name, string(r.Builtin), perms, toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save role %s: %w", r.ID, err)
	}
	return nil
}

func (ws *WorkspaceStore) DeleteRole(ctx context.Context, workspaceID, roleID string) error {
	return ws.deleteOne(ctx, `DELETE FROM workspace_roles WHERE workspace_id = ? AND role_id = ?`, workspaceID, roleID)
}

func (ws *WorkspaceStore) GetMember(ctx context.Context, workspaceID, accountID string) (*workspace.Member, error) {
	list, err := ws.listMembers(ctx, `WHERE workspace_id = ? AND account_id = ?`, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, workspace.ErrNotFound
	}
	return list[0], nil
}

func (ws *WorkspaceStore) ListMembers(ctx context.Context, workspaceID string) ([]*workspace.Member, error) {
	return ws.listMembers(ctx, `WHERE workspace_id = ? ORDER BY account_id`, workspaceID)
}

func (ws *WorkspaceStore) SaveMember(ctx context.Context, m *workspace.Member) error {
	roles, err := encodeList(m.RoleIDs)
	if err != nil {
		return err
	}
	_, err = ws.s.execHook(ctx, ws.s.db,
		`INSERT INTO workspace_members (workspace_id, account_id, role_ids, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace_id, account_id) DO UPDATE SET role_ids = excluded.role_ids`,
		m.WorkspaceID, m.AccountID, roles, toMillis(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save member %s: %w", m.AccountID, err)
	}
	return nil
}

func (ws *WorkspaceStore) DeleteMember(ctx context.Context, workspaceID, accountID string) error {
	return ws.deleteOne(ctx, `DELETE FROM workspace_members WHERE workspace_id = ? AND account_id = ?`, workspaceID, accountID)
}

// ListACL returns the rules of a workspace, root rules first.
func (ws *WorkspaceStore) ListACL(ctx context.Context, workspaceID string) ([]*workspace.FolderACLRule, error) {
	rows, err := ws.s.queryHook(ctx, ws.s.db,
		`SELECT workspace_id, folder_key, role_id, read_effect, write_effect, updated_at
		 FROM folder_acl_rules WHERE workspace_id = ? ORDER BY folder_key, role_id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list acl: %w", err)
	}
	defer rows.Close()

	var out []*workspace.FolderACLRule
	for rows.Next() {
		var (
			r                 workspace.FolderACLRule
			key               string
			readEff, writeEff string
			updatedAt         int64
		)
		if err := rows.Scan(&r.WorkspaceID, &key, &r.RoleID, &readEff, &writeEff, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan acl: %w", err)
		}
		if key != "" {
			r.FolderID = &key
		}
		r.Read = workspace.Effect(readEff)
		r.Write = workspace.Effect(writeEff)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (ws *WorkspaceStore) SaveACL(ctx context.Context, r *workspace.FolderACLRule) error {
	_, err := ws.s.execHook(ctx, ws.s.db,
		`INSERT INTO folder_acl_rules (workspace_id, folder_key, role_id, read_effect, write_effect, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, folder_key, role_id) DO UPDATE SET
		   read_effect = excluded.read_effect, write_effect = excluded.write_effect,
		   updated_at = excluded.updated_at`,
		r.WorkspaceID, folderKey(r.FolderID), r.RoleID, string(r.Read), string(r.Write), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save acl: %w", err)
	}
	return nil
}

func (ws *WorkspaceStore) DeleteACL(ctx context.Context, workspaceID string, folderID *string, roleID string) error {
	return ws.deleteOne(ctx,
		`DELETE FROM folder_acl_rules WHERE workspace_id = ? AND folder_key = ? AND role_id = ?`,
		workspaceID, folderKey(folderID), roleID)
}

func (ws *WorkspaceStore) deleteOne(ctx context.Context, query string, args ...any) error {
	res, err := ws.s.execHook(ctx, ws.s.db, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return workspace.ErrNotFound
	}
	return nil
}

func (ws *WorkspaceStore) listWorkspaces(ctx context.Context, tail string, args ...any) ([]*workspace.Workspace, error) {
	rows, err := ws.s.queryHook(ctx, ws.s.db, `SELECT `+workspaceColumns+` FROM workspaces `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Workspace
	for rows.Next() {
		var (
			w                    workspace.Workspace
			mode                 string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &mode, &w.DefaultMemberRoleID, &w.CreatedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan workspace: %w", err)
		}
		w.Mode = workspace.Mode(mode)
		w.CreatedAt = fromMillis(createdAt)
		w.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (ws *WorkspaceStore) listRoles(ctx context.Context, tail string, args ...any) ([]*workspace.Role, error) {
	rows, err := ws.s.queryHook(ctx, ws.s.db,
		`SELECT workspace_id, role_id, name, builtin, permissions, created_at, updated_at
		 FROM workspace_roles `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list roles: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Role
	for rows.Next() {
		var (
			r                    workspace.Role
			builtin, perms       string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.WorkspaceID, &r.ID, &r.Name, &builtin, &perms, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan role: %w", err)
		}
		if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
			return nil, fmt.Errorf("sqlite: decode permissions of %s: %w", r.ID, err)
		}
		r.Builtin = workspace.Builtin(builtin)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (ws *WorkspaceStore) listMembers(ctx context.Context, tail string, args ...any) ([]*workspace.Member, error) {
	rows, err := ws.s.queryHook(ctx, ws.s.db,
		`SELECT workspace_id, account_id, role_ids, joined_at FROM workspace_members `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list members: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Member
	for rows.Next() {
		var (
			m        workspace.Member
			roleIDs  string
			joinedAt int64
		)
		if err := rows.Scan(&m.WorkspaceID, &m.AccountID, &roleIDs, &joinedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan member: %w", err)
		}
		if err := json.Unmarshal([]byte(roleIDs), &m.RoleIDs); err != nil {
			return nil, fmt.Errorf("sqlite: decode roles of %s: %w", m.AccountID, err)
		}
		m.JoinedAt = fromMillis(joinedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode list: %w", err)
	}
	return string(b), nil
}

// folderKey maps the root folder (nil) to the empty key.
func folderKey(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
