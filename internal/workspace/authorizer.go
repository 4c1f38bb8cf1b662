package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/requestctx"
)

// Action is what the caller wants to do inside a workspace.
type Action string

const (
	// ActionMember only requires membership.
	ActionMember Action = "workspace.member"
	// ActionRead reads folders and projects under FolderID.
	ActionRead Action = "folder.read"
	// ActionProjectWrite mutates a project living in FolderID.
	ActionProjectWrite Action = "project.write"
	// ActionFolderWrite changes the tree structure under FolderID.
	ActionFolderWrite Action = "folder.write"
	// Management actions require their explicit permission.
	ActionManage       Action = PermManage
	ActionMemberManage Action = PermMemberManage
	ActionRoleManage   Action = PermRoleManage
	ActionACLManage    Action = PermACLManage
)

type actionRule struct {
	permission string
	reason     string
	access     Access
	folder     bool
	manage     bool
}

var actionRules = map[Action]actionRule{
	ActionMember:       {permission: "", reason: apperr.ReasonForbiddenRead},
	ActionRead:         {permission: PermFolderRead, reason: apperr.ReasonForbiddenRead, access: AccessRead, folder: true},
	ActionProjectWrite: {permission: PermFolderWrite, reason: apperr.ReasonForbiddenProjectWrite, access: AccessWrite, folder: true},
	ActionFolderWrite:  {permission: PermFolderWrite, reason: apperr.ReasonForbiddenFolderWrite, access: AccessWrite, folder: true},
	ActionManage:       {permission: PermManage, reason: apperr.ReasonForbiddenManage, manage: true},
	ActionMemberManage: {permission: PermMemberManage, reason: apperr.ReasonForbiddenManage, manage: true},
	ActionRoleManage:   {permission: PermRoleManage, reason: apperr.ReasonForbiddenManage, manage: true},
	ActionACLManage:    {permission: PermACLManage, reason: apperr.ReasonForbiddenManage, manage: true},
}

// Permission returns the base permission the action checks, or "" for
// membership-only actions.
func (a Action) Permission() string { return actionRules[a].permission }

// Request names the workspace, action and (for folder actions) the folder
// being accessed. FolderID nil is the root.
type Request struct {
	WorkspaceID string
	Action      Action
	FolderID    *string
}

// PathResolver returns the folder chain [target, parent, ..., nil].
type PathResolver interface {
	AncestorPath(ctx context.Context, workspaceID string, folderID *string) ([]*string, error)
}

// Authorizer resolves an actor's effective permission.
type Authorizer struct {
	repo  Repository
	paths PathResolver
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(repo Repository, paths PathResolver) *Authorizer {
	return &Authorizer{repo: repo, paths: paths}
}

// Authorize returns nil when actor may perform req. A denial is an
// *apperr.Error whose reason names the refused access; any other error is
// an infrastructure fault.
func (a *Authorizer) Authorize(ctx context.Context, actor requestctx.Actor, req Request) error {
	rule, ok := actionRules[req.Action]
	if !ok {
		return fmt.Errorf("workspace: unknown action %q", req.Action)
	}
	if actor.Elevated() {
		return nil
	}

	ws, err := a.repo.GetWorkspace(ctx, req.WorkspaceID)
	if errors.Is(err, ErrNotFound) {
		return apperr.InvalidState(apperr.ReasonWorkspaceNotFound, "workspace not found: "+req.WorkspaceID).
			With("workspaceId", req.WorkspaceID)
	}
	if err != nil {
		return fmt.Errorf("workspace: loading %s: %w", req.WorkspaceID, err)
	}

	member, err := a.repo.GetMember(ctx, ws.ID, actor.AccountID)
	if errors.Is(err, ErrNotFound) || actor.AccountID == "" {
		return forbidden(rule, req, "account is not a member of the workspace")
	}
	if err != nil {
		return fmt.Errorf("workspace: loading member %s: %w", actor.AccountID, err)
	}

	roles, err := a.memberRoles(ctx, ws.ID, member)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.IsAdmin() {
			return nil
		}
	}

	if ws.Mode == ModeAllOpen && !rule.manage {
		return nil
	}
	if len(roles) == 0 {
		return forbidden(rule, req, "member has no roles")
	}

	base := unionPermissions(roles)
	if rule.manage {
		if base[rule.permission] || base[PermManage] {
			return nil
		}
		return forbidden(rule, req, "missing permission "+rule.permission)
	}
	if !rule.folder {
		return nil
	}

	path, err := a.paths.AncestorPath(ctx, ws.ID, req.FolderID)
	if err != nil {
		return err
	}
	rules, err := a.repo.ListACL(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("workspace: loading ACL for %s: %w", ws.ID, err)
	}
	roleIDs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
	}

	switch ResolveACL(path, rules, roleIDs, rule.access) {
	case EffectAllow:
		return nil
	case EffectDeny:
		return forbidden(rule, req, "denied by folder ACL")
	}
	if base[rule.permission] {
		return nil
	}
	return forbidden(rule, req, "missing permission "+rule.permission)
}

// Permissions returns the actor's base permission set in a workspace,
// sorted. It feeds the tool catalog; folder ACL overrides are applied per
// call by Authorize.
func (a *Authorizer) Permissions(ctx context.Context, actor requestctx.Actor, workspaceID string) ([]string, error) {
	if actor.Elevated() {
		return append([]string(nil), AllPermissions...), nil
	}
	if workspaceID == "" {
		return nil, nil
	}
	ws, err := a.repo.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: loading %s: %w", workspaceID, err)
	}
	member, err := a.repo.GetMember(ctx, ws.ID, actor.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: loading member %s: %w", actor.AccountID, err)
	}
	roles, err := a.memberRoles(ctx, ws.ID, member)
	if err != nil {
		return nil, err
	}
	set := unionPermissions(roles)
	if ws.Mode == ModeAllOpen {
		set[PermFolderRead] = true
		set[PermFolderWrite] = true
	}
	for _, r := range roles {
		if r.IsAdmin() {
			return append([]string(nil), AllPermissions...), nil
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	slices.Sort(perms)
	return perms, nil
}

func (a *Authorizer) memberRoles(ctx context.Context, workspaceID string, m *Member) ([]*Role, error) {
	roles := make([]*Role, 0, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		r, err := a.repo.GetRole(ctx, workspaceID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("workspace: loading role %s: %w", id, err)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func unionPermissions(roles []*Role) map[string]bool {
	set := make(map[string]bool)
	for _, r := range roles {
		for _, p := range r.Permissions {
			set[p] = true
		}
	}
	return set
}

func forbidden(rule actionRule, req Request, message string) *apperr.Error {
	e := apperr.InvalidState(rule.reason, message).
		With("workspaceId", req.WorkspaceID).
		With("permission", string(req.Action))
	if rule.folder {
		if req.FolderID != nil {
			e = e.With("folderId", *req.FolderID)
		} else {
			e = e.With("folderId", nil)
		}
	}
	return e
}
