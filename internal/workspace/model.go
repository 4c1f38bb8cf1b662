// Package workspace holds workspaces, roles, members and folder ACL rules,
// and decides what an actor may do inside a workspace.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotFound is returned by Repository lookups that match nothing.
var ErrNotFound = errors.New("workspace: not found")

// Mode selects how permissions are derived.
type Mode string

const (
	// ModeAllOpen grants every member read and write everywhere.
	ModeAllOpen Mode = "all_open"
	// ModeRBAC derives permissions from roles and folder ACL rules.
	ModeRBAC Mode = "rbac"
)

var validModes = map[Mode]bool{ModeAllOpen: true, ModeRBAC: true}

// ValidateMode checks that m is a known mode.
func ValidateMode(m Mode) error {
	if !validModes[m] {
		return fmt.Errorf("invalid workspace mode %q: must be %q or %q", m, ModeAllOpen, ModeRBAC)
	}
	return nil
}

// Builtin marks roles seeded with every workspace.
type Builtin string

const (
	BuiltinNone  Builtin = ""
	BuiltinUser  Builtin = "user"
	BuiltinAdmin Builtin = "workspace_admin"
)

// Permissions understood by the authorizer.
const (
	PermFolderRead   = "folder.read"
	PermFolderWrite  = "folder.write"
	PermManage       = "workspace.manage"
	PermMemberManage = "workspace.member.manage"
	PermRoleManage   = "workspace.role.manage"
	PermACLManage    = "workspace.acl.manage"
)

// AllPermissions is the full set carried by workspace_admin roles.
var AllPermissions = []string{
	PermFolderRead,
	PermFolderWrite,
	PermManage,
	PermMemberManage,
	PermRoleManage,
	PermACLManage,
}

// userPermissions is the seeded permission set of the built-in user role.
var userPermissions = []string{PermFolderRead, PermFolderWrite}

// ValidatePermission checks that p is a known permission.
func ValidatePermission(p string) error {
	if !slices.Contains(AllPermissions, p) {
		return fmt.Errorf("unknown permission %q", p)
	}
	return nil
}

// Effect is the value of a folder ACL rule for one access kind.
type Effect string

const (
	EffectInherit Effect = "inherit"
	EffectAllow   Effect = "allow"
	EffectDeny    Effect = "deny"
)

var validEffects = map[Effect]bool{EffectInherit: true, EffectAllow: true, EffectDeny: true}

// ValidateEffect checks that e is a known effect. The empty string is
// accepted and means inherit.
func ValidateEffect(e Effect) error {
	if e != "" && !validEffects[e] {
		return fmt.Errorf("invalid effect %q: must be allow, deny or inherit", e)
	}
	return nil
}

// Workspace is a named collection of folders and projects with its own
// membership and roles.
type Workspace struct {
	ID                  string    `json:"workspaceId"`
	TenantID            string    `json:"tenantId"`
	Name                string    `json:"name"`
	Mode                Mode      `json:"mode"`
	DefaultMemberRoleID string    `json:"defaultMemberRoleId"`
	CreatedBy           string    `json:"createdBy"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Role is a named permission set inside a workspace.
type Role struct {
	WorkspaceID string    `json:"workspaceId"`
	ID          string    `json:"roleId"`
	Name        string    `json:"name"`
	Builtin     Builtin   `json:"builtin,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the role is the immutable workspace_admin.
func (r *Role) IsAdmin() bool { return r.Builtin == BuiltinAdmin }

// Member binds an account to roles in a workspace.
type Member struct {
	WorkspaceID string    `json:"workspaceId"`
	AccountID   string    `json:"accountId"`
	RoleIDs     []string  `json:"roleIds"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// FolderACLRule overrides a role's read or write permission for a folder
// and, through inheritance, its descendants. FolderID nil is the root.
type FolderACLRule struct {
	WorkspaceID string    `json:"workspaceId"`
	FolderID    *string   `json:"folderId"`
	RoleID      string    `json:"roleId"`
	Read        Effect    `json:"read"`
	Write       Effect    `json:"write"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Repository persists workspace entities. Lookups of missing rows return
// ErrNotFound. Save* upserts by natural key.
type Repository interface {
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	SaveWorkspace(ctx context.Context, ws *Workspace) error

	GetRole(ctx context.Context, workspaceID, roleID string) (*Role, error)
	ListRoles(ctx context.Context, workspaceID string) ([]*Role, error)
	SaveRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, workspaceID, roleID string) error

	GetMember(ctx context.Context, workspaceID, accountID string) (*Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]*Member, error)
	SaveMember(ctx context.Context, m *Member) error
	DeleteMember(ctx context.Context, workspaceID, accountID string) error

	ListACL(ctx context.Context, workspaceID string) ([]*FolderACLRule, error)
	SaveACL(ctx context.Context, rule *FolderACLRule) error
	DeleteACL(ctx context.Context, workspaceID string, folderID *string, roleID string) error
}

// SameFolder compares two nullable folder ids.
func SameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
