package gateway

import (
	"context"

	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Workspace administration tool names.
const (
	ToolWorkspaceCreate  = "workspace_create"
	ToolWorkspaceGet     = "workspace_get"
	ToolWorkspaceSetMode = "workspace_set_mode"
	ToolRoleList         = "workspace_role_list"
	ToolRoleUpsert       = "workspace_role_upsert"
	ToolRoleDelete       = "workspace_role_delete"
	ToolDefaultRoleSet   = "workspace_default_role_set"
	ToolMemberList       = "workspace_member_list"
	ToolMemberSet        = "workspace_member_set"
	ToolMemberRemove     = "workspace_member_remove"
	ToolFolderACLList    = "folder_acl_list"
	ToolFolderACLSet     = "folder_acl_set"
)

const modeDescription = "all_open grants every member read and write; rbac derives access from roles and folder ACL rules."

var (
	modes   = []string{string(workspace.ModeAllOpen), string(workspace.ModeRBAC)}
	effects = []string{string(workspace.EffectInherit), string(workspace.EffectAllow), string(workspace.EffectDeny)}

	paramMode      = tool.Param{Name: "mode", Kind: tool.KindString, Enum: modes, Description: modeDescription}
	paramRoleID    = tool.Param{Name: "roleId", Kind: tool.KindString, Required: true, Description: "Role id."}
	paramAccountID = tool.Param{Name: "accountId", Kind: tool.KindString, Required: true, Description: "Account id."}
)

func (d *Dispatcher) adminTools() []builtin {
	ws := func(name, desc string, action workspace.Action, h handlerFunc, params ...tool.Param) builtin {
		return builtin{tool.Spec{
			Name:        name,
			Description: desc,
			Params:      params,
			Target:      tool.TargetWorkspace,
			Action:      action,
		}, h}
	}
	requiredMode := paramMode
	requiredMode.Required = true

	return []builtin{
		{tool.Spec{
			Name:        ToolWorkspaceCreate,
			Description: "Create a workspace with its built-in admin and user roles. The owner becomes its first admin.",
			Params: []tool.Param{
				{Name: "name", Kind: tool.KindString, Required: true, Description: "Workspace name."},
				{Name: "workspaceId", Kind: tool.KindString, Description: "Explicit id. Minted when omitted."},
				{Name: "tenantId", Kind: tool.KindString, Description: "Owning tenant."},
				{Name: "ownerAccountId", Kind: tool.KindString, Description: "First admin. Defaults to the caller."},
				paramMode,
			},
			Target:     tool.TargetNone,
			SystemOnly: true,
		}, d.workspaceCreate},
		ws(ToolWorkspaceGet, "Return the workspace and the caller's permissions in it.",
			workspace.ActionMember, d.workspaceGet),
		ws(ToolWorkspaceSetMode, "Switch the workspace between all_open and rbac.",
			workspace.ActionManage, d.workspaceSetMode, requiredMode),
		ws(ToolRoleList, "List the workspace's roles.",
			workspace.ActionMember, d.roleList),
		ws(ToolRoleUpsert, "Create a role (omit roleId) or replace a custom role's name and permissions.",
			workspace.ActionRoleManage, d.roleUpsert,
			tool.Param{Name: "roleId", Kind: tool.KindString, Description: "Role to replace. Omit to create."},
			tool.Param{Name: "name", Kind: tool.KindString, Description: "Role name. Required when creating."},
			tool.Param{Name: "permissions", Kind: tool.KindStringList, Required: true, Enum: workspace.AllPermissions,
				Description: "Permission set."}),
		ws(ToolRoleDelete, "Delete a custom role, removing it from members and folder ACL rules.",
			workspace.ActionRoleManage, d.roleDelete, paramRoleID),
		ws(ToolDefaultRoleSet, "Designate the role granted to members added without explicit roles.",
			workspace.ActionRoleManage, d.defaultRoleSet, paramRoleID),
		ws(ToolMemberList, "List the workspace's members.",
			workspace.ActionMember, d.memberList),
		ws(ToolMemberSet, "Add a member or replace its roles. No roles means the default member role.",
			workspace.ActionMemberManage, d.memberSet, paramAccountID,
			tool.Param{Name: "roleIds", Kind: tool.KindStringList, Description: "Role ids."}),
		ws(ToolMemberRemove, "Remove a member.",
			workspace.ActionMemberManage, d.memberRemove, paramAccountID),
		ws(ToolFolderACLList, "List folder ACL rules.",
			workspace.ActionACLManage, d.aclList),
		ws(ToolFolderACLSet, "Set a role's read and write effect on a folder (omit folderId for the root). Inherit on both removes the rule.",
			workspace.ActionACLManage, d.aclSet,
			tool.Param{Name: "folderId", Kind: tool.KindString, Description: "Folder id. Omit for the root."},
			paramRoleID,
			tool.Param{Name: "read", Kind: tool.KindString, Enum: effects, Description: "Read effect."},
			tool.Param{Name: "write", Kind: tool.KindString, Enum: effects, Description: "Write effect."}),
	}
}

func (d *Dispatcher) workspaceCreate(ctx context.Context, inv *Invocation) (any, error) {
	owner := inv.Args.String("ownerAccountId")
	if owner == "" {
		owner = inv.Actor.AccountID
	}
	return d.deps.Admin.CreateWorkspace(ctx, workspace.CreateWorkspaceInput{
		ID:        inv.Args.String("workspaceId"),
		TenantID:  inv.Args.String("tenantId"),
		Name:      inv.Args.String("name"),
		Mode:      workspace.Mode(inv.Args.String("mode")),
		CreatedBy: owner,
	})
}

func (d *Dispatcher) workspaceGet(ctx context.Context, inv *Invocation) (any, error) {
	ws, err := d.deps.Admin.Get(ctx, inv.WorkspaceID)
	if err != nil {
		return nil, err
	}
	perms, err := d.deps.Authorizer.Permissions(ctx, inv.Actor, inv.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workspace": ws, "permissions": perms}, nil
}

func (d *Dispatcher) workspaceSetMode(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Admin.SetMode(ctx, inv.WorkspaceID, workspace.Mode(inv.Args.String("mode")))
}

func (d *Dispatcher) roleList(ctx context.Context, inv *Invocation) (any, error) {
	roles, err := d.deps.Admin.ListRoles(ctx, inv.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"roles": roles}, nil
}

func (d *Dispatcher) roleUpsert(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Admin.UpsertRole(ctx, inv.WorkspaceID, workspace.RoleInput{
		ID:          inv.Args.String("roleId"),
		Name:        inv.Args.String("name"),
		Permissions: inv.Args.Strings("permissions"),
	})
}

func (d *Dispatcher) roleDelete(ctx context.Context, inv *Invocation) (any, error) {
	id := inv.Args.String("roleId")
	if err := d.deps.Admin.DeleteRole(ctx, inv.WorkspaceID, id); err != nil {
		return nil, err
	}
	return map[string]any{"roleId": id, "deleted": true}, nil
}

func (d *Dispatcher) defaultRoleSet(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Admin.SetDefaultMemberRole(ctx, inv.WorkspaceID, inv.Args.String("roleId"))
}

func (d *Dispatcher) memberList(ctx context.Context, inv *Invocation) (any, error) {
	members, err := d.deps.Admin.ListMembers(ctx, inv.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"members": members}, nil
}

func (d *Dispatcher) memberSet(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Admin.SetMember(ctx, inv.WorkspaceID, inv.Args.String("accountId"), inv.Args.Strings("roleIds"))
}

func (d *Dispatcher) memberRemove(ctx context.Context, inv *Invocation) (any, error) {
	id := inv.Args.String("accountId")
	if err := d.deps.Admin.RemoveMember(ctx, inv.WorkspaceID, id); err != nil {
		return nil, err
	}
	return map[string]any{"accountId": id, "removed": true}, nil
}

func (d *Dispatcher) aclList(ctx context.Context, inv *Invocation) (any, error) {
	rules, err := d.deps.Admin.ListACL(ctx, inv.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rules": rules}, nil
}

func (d *Dispatcher) aclSet(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Admin.SetFolderACL(ctx, inv.WorkspaceID, inv.Args.StringPtr("folderId"),
		inv.Args.String("roleId"),
		workspace.Effect(inv.Args.String("read")),
		workspace.Effect(inv.Args.String("write")))
}
