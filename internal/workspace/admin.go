package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
)

// timeNow is a package-level variable for testing.
var timeNow = time.Now

// Admin performs workspace management operations. Callers authorize the
// matching manage-class action before calling in.
type Admin struct {
	repo  Repository
	ids   *entityid.Generator
	paths PathResolver
}

// NewAdmin creates an Admin.
func NewAdmin(repo Repository, ids *entityid.Generator, paths PathResolver) *Admin {
	return &Admin{repo: repo, ids: ids, paths: paths}
}

// CreateWorkspaceInput describes a new workspace. An empty ID is minted.
type CreateWorkspaceInput struct {
	ID        string
	TenantID  string
	Name      string
	Mode      Mode
	CreatedBy string
}

// CreateWorkspace creates a workspace with its built-in roles: an
// immutable workspace_admin granted to the creator and a user role that
// becomes the default member role.
func (a *Admin) CreateWorkspace(ctx context.Context, in CreateWorkspaceInput) (*Workspace, error) {
	if in.Mode == "" {
		in.Mode = ModeRBAC
	}
	if err := ValidateMode(in.Mode); err != nil {
		return nil, apperr.InvalidPayload(apperr.ReasonInvalidField, err.Error()).With("field", "mode")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidPayload(apperr.ReasonMissingField, "workspace name is required").With("field", "name")
	}

	id := in.ID
	if id == "" {
		var err error
		id, err = a.ids.Next(entityid.PrefixWorkspace, func(id string) (bool, error) {
			return a.exists(a.repo.GetWorkspace(ctx, id))
		})
		if err != nil {
			return nil, fmt.Errorf("workspace: minting id: %w", err)
		}
	} else if _, err := a.repo.GetWorkspace(ctx, id); err == nil {
		return nil, apperr.InvalidState(apperr.ReasonInvalidField, "workspace already exists: "+id).With("field", "workspaceId")
	}

	now := timeNow().UTC()
	adminRole := &Role{
		WorkspaceID: id,
		ID:          id + "_admin",
		Name:        "Workspace Admin",
		Builtin:     BuiltinAdmin,
		Permissions: append([]string(nil), AllPermissions...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	userRole := &Role{
		WorkspaceID: id,
		ID:          id + "_user",
		Name:        "User",
		Builtin:     BuiltinUser,
		Permissions: append([]string(nil), userPermissions...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ws := &Workspace{
		ID:                  id,
		TenantID:            in.TenantID,
		Name:                name,
		Mode:                in.Mode,
		DefaultMemberRoleID: userRole.ID,
		CreatedBy:           in.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := a.repo.SaveWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("workspace: saving %s: %w", id, err)
	}
	for _, r := range []*Role{adminRole, userRole} {
		if err := a.repo.SaveRole(ctx, r); err != nil {
			return nil, fmt.Errorf("workspace: saving role %s: %w", r.ID, err)
		}
	}
	if in.CreatedBy != "" {
		creator := &Member{WorkspaceID: id, AccountID: in.CreatedBy, RoleIDs: []string{adminRole.ID}, JoinedAt: now}
		if err := a.repo.SaveMember(ctx, creator); err != nil {
			return nil, fmt.Errorf("workspace: saving creator membership: %w", err)
		}
	}
	return ws, nil
}

// Get returns one workspace.
func (a *Admin) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	ws, err := a.repo.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return nil, workspaceNotFound(workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: loading %s: %w", workspaceID, err)
	}
	return ws, nil
}

// SetMode switches a workspace between all_open and rbac.
func (a *Admin) SetMode(ctx context.Context, workspaceID string, mode Mode) (*Workspace, error) {
	if err := ValidateMode(mode); err != nil {
		return nil, apperr.InvalidPayload(apperr.ReasonInvalidField, err.Error()).With("field", "mode")
	}
	ws, err := a.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	ws.Mode = mode
	ws.UpdatedAt = timeNow().UTC()
	if err := a.repo.SaveWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("workspace: saving %s: %w", workspaceID, err)
	}
	return ws, nil
}

// RoleInput describes a role to create (empty ID) or replace.
type RoleInput struct {
	ID          string
	Name        string
	Permissions []string
}

// UpsertRole creates or replaces a custom role. The built-in admin role
// cannot be changed.
func (a *Admin) UpsertRole(ctx context.Context, workspaceID string, in RoleInput) (*Role, error) {
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	perms, err := normalizePermissions(in.Permissions)
	if err != nil {
		return nil, err
	}
	now := timeNow().UTC()

	if in.ID != "" {
		existing, err := a.role(ctx, workspaceID, in.ID)
		if err != nil {
			return nil, err
		}
		if existing.IsAdmin() {
			return nil, adminImmutable(in.ID)
		}
		if name := strings.TrimSpace(in.Name); name != "" {
			existing.Name = name
		}
		existing.Permissions = perms
		existing.UpdatedAt = now
		if err := a.repo.SaveRole(ctx, existing); err != nil {
			return nil, fmt.Errorf("workspace: saving role %s: %w", in.ID, err)
		}
		return existing, nil
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidPayload(apperr.ReasonMissingField, "role name is required").With("field", "name")
	}
	id, err := a.ids.Next(entityid.PrefixRole, func(id string) (bool, error) {
		return a.exists(a.repo.GetRole(ctx, workspaceID, id))
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: minting role id: %w", err)
	}
	r := &Role{WorkspaceID: workspaceID, ID: id, Name: name, Permissions: perms, CreatedAt: now, UpdatedAt: now}
	if err := a.repo.SaveRole(ctx, r); err != nil {
		return nil, fmt.Errorf("workspace: saving role %s: %w", id, err)
	}
	return r, nil
}

// DeleteRole removes a role, strips it from every member and drops its
// ACL rules. The admin role and the designated default member role cannot
// be deleted.
func (a *Admin) DeleteRole(ctx context.Context, workspaceID, roleID string) error {
	ws, err := a.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	r, err := a.role(ctx, workspaceID, roleID)
	if err != nil {
		return err
	}
	if r.IsAdmin() {
		return adminImmutable(roleID)
	}
	if ws.DefaultMemberRoleID == roleID {
		return apperr.InvalidState(apperr.ReasonDefaultMemberRoleDelete,
			"the default member role cannot be deleted; designate another role first").
			With("roleId", roleID)
	}

	members, err := a.repo.ListMembers(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: listing members: %w", err)
	}
	for _, m := range members {
		if !slices.Contains(m.RoleIDs, roleID) {
			continue
		}
		m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
		if err := a.repo.SaveMember(ctx, m); err != nil {
			return fmt.Errorf("workspace: updating member %s: %w", m.AccountID, err)
		}
	}
	rules, err := a.repo.ListACL(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: listing ACL: %w", err)
	}
	for _, rule := range rules {
		if rule.RoleID != roleID {
			continue
		}
		if err := a.repo.DeleteACL(ctx, workspaceID, rule.FolderID, roleID); err != nil {
			return fmt.Errorf("workspace: deleting ACL rule: %w", err)
		}
	}
	if err := a.repo.DeleteRole(ctx, workspaceID, roleID); err != nil {
		return fmt.Errorf("workspace: deleting role %s: %w", roleID, err)
	}
	return nil
}

// SetDefaultMemberRole designates the role given to members added without
// explicit roles. The admin role is refused.
func (a *Admin) SetDefaultMemberRole(ctx context.Context, workspaceID, roleID string) (*Workspace, error) {
	ws, err := a.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	r, err := a.role(ctx, workspaceID, roleID)
	if err != nil {
		return nil, err
	}
	if r.IsAdmin() {
		return nil, apperr.InvalidState(apperr.ReasonDefaultMemberAdmin,
			"the workspace_admin role cannot be the default member role").
			With("roleId", roleID)
	}
	ws.DefaultMemberRoleID = roleID
	ws.UpdatedAt = timeNow().UTC()
	if err := a.repo.SaveWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("workspace: saving %s: %w", workspaceID, err)
	}
	return ws, nil
}

// ListRoles returns the workspace roles.
func (a *Admin) ListRoles(ctx context.Context, workspaceID string) ([]*Role, error) {
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return a.repo.ListRoles(ctx, workspaceID)
}

// SetMember adds or updates a membership. An empty role set assigns the
// default member role.
func (a *Admin) SetMember(ctx context.Context, workspaceID, accountID string, roleIDs []string) (*Member, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperr.InvalidPayload(apperr.ReasonMissingField, "accountId is required").With("field", "accountId")
	}
	ws, err := a.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 && ws.DefaultMemberRoleID != "" {
		roleIDs = []string{ws.DefaultMemberRoleID}
	}
	roleIDs = dedupe(roleIDs)
	for _, id := range roleIDs {
		if _, err := a.role(ctx, workspaceID, id); err != nil {
			return nil, err
		}
	}

	m, err := a.repo.GetMember(ctx, workspaceID, accountID)
	switch {
	case errors.Is(err, ErrNotFound):
		m = &Member{WorkspaceID: workspaceID, AccountID: accountID, JoinedAt: timeNow().UTC()}
	case err != nil:
		return nil, fmt.Errorf("workspace: loading member %s: %w", accountID, err)
	}
	m.RoleIDs = roleIDs
	if err := a.repo.SaveMember(ctx, m); err != nil {
		return nil, fmt.Errorf("workspace: saving member %s: %w", accountID, err)
	}
	return m, nil
}

// RemoveMember removes a membership.
func (a *Admin) RemoveMember(ctx context.Context, workspaceID, accountID string) error {
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return err
	}
	if _, err := a.repo.GetMember(ctx, workspaceID, accountID); errors.Is(err, ErrNotFound) {
		return apperr.InvalidPayload(apperr.ReasonMemberNotFound, "member not found: "+accountID).
			With("accountId", accountID)
	} else if err != nil {
		return fmt.Errorf("workspace: loading member %s: %w", accountID, err)
	}
	return a.repo.DeleteMember(ctx, workspaceID, accountID)
}

// ListMembers returns the workspace members.
func (a *Admin) ListMembers(ctx context.Context, workspaceID string) ([]*Member, error) {
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return a.repo.ListMembers(ctx, workspaceID)
}

// SetFolderACL upserts the rule for (folder, role). A rule whose read and
// write are both inherit is removed.
func (a *Admin) SetFolderACL(ctx context.Context, workspaceID string, folderID *string, roleID string, read, write Effect) (*FolderACLRule, error) {
	for field, e := range map[string]Effect{"read": read, "write": write} {
		if err := ValidateEffect(e); err != nil {
			return nil, apperr.InvalidPayload(apperr.ReasonInvalidField, err.Error()).With("field", field)
		}
	}
	if read == "" {
		read = EffectInherit
	}
	if write == "" {
		write = EffectInherit
	}
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	if _, err := a.role(ctx, workspaceID, roleID); err != nil {
		return nil, err
	}
	if _, err := a.paths.AncestorPath(ctx, workspaceID, folderID); err != nil {
		return nil, err
	}

	rule := &FolderACLRule{
		WorkspaceID: workspaceID,
		FolderID:    folderID,
		RoleID:      roleID,
		Read:        read,
		Write:       write,
		UpdatedAt:   timeNow().UTC(),
	}
	if read == EffectInherit && write == EffectInherit {
		if err := a.repo.DeleteACL(ctx, workspaceID, folderID, roleID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("workspace: deleting ACL rule: %w", err)
		}
		return rule, nil
	}
	if err := a.repo.SaveACL(ctx, rule); err != nil {
		return nil, fmt.Errorf("workspace: saving ACL rule: %w", err)
	}
	return rule, nil
}

// ListACL returns the workspace's folder ACL rules.
func (a *Admin) ListACL(ctx context.Context, workspaceID string) ([]*FolderACLRule, error) {
	if _, err := a.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return a.repo.ListACL(ctx, workspaceID)
}

func (a *Admin) role(ctx context.Context, workspaceID, roleID string) (*Role, error) {
	r, err := a.repo.GetRole(ctx, workspaceID, roleID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.InvalidPayload(apperr.ReasonRoleNotFound, "role not found: "+roleID).
			With("roleId", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: loading role %s: %w", roleID, err)
	}
	return r, nil
}

// exists adapts a repository lookup to an entityid.ExistsFunc result.
func (a *Admin) exists(_ any, err error) (bool, error) {
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func normalizePermissions(perms []string) ([]string, error) {
	out := dedupe(perms)
	for _, p := range out {
		if err := ValidatePermission(p); err != nil {
			return nil, apperr.InvalidPayload(apperr.ReasonInvalidField, err.Error()).With("field", "permissions")
		}
	}
	slices.Sort(out)
	return out, nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func workspaceNotFound(id string) *apperr.Error {
	return apperr.InvalidState(apperr.ReasonWorkspaceNotFound, "workspace not found: "+id).With("workspaceId", id)
}

func adminImmutable(roleID string) *apperr.Error {
	return apperr.InvalidState(apperr.ReasonRoleAdminImmutable, "the workspace_admin role is immutable").
		With("roleId", roleID)
}
