package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/sigee-min/bbmcp/internal/workspace"
)

// WorkspaceStore implements workspace.Repository.
type WorkspaceStore struct {
	mu         sync.Mutex
	workspaces map[string]workspace.Workspace
	roles      map[roleKey]workspace.Role
	members    map[memberKey]workspace.Member
	acl        map[aclKey]workspace.FolderACLRule
}

var _ workspace.Repository = (*WorkspaceStore)(nil)

type roleKey struct{ workspaceID, roleID string }

type memberKey struct{ workspaceID, accountID string }

type aclKey struct {
	workspaceID string
	root        bool
	folderID    string
	roleID      string
}

func newACLKey(workspaceID string, folderID *string, roleID string) aclKey {
	k := aclKey{workspaceID: workspaceID, roleID: roleID, root: folderID == nil}
	if folderID != nil {
		k.folderID = *folderID
	}
	return k
}

// NewWorkspaceStore creates an empty WorkspaceStore.
func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{
		workspaces: make(map[string]workspace.Workspace),
		roles:      make(map[roleKey]workspace.Role),
		members:    make(map[memberKey]workspace.Member),
		acl:        make(map[aclKey]workspace.FolderACLRule),
	}
}

func (s *WorkspaceStore) GetWorkspace(_ context.Context, id string) (*workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, workspace.ErrNotFound
	}
	return &ws, nil
}

func (s *WorkspaceStore) ListWorkspaces(_ context.Context) ([]*workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workspace.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, &ws)
	}
	slices.SortFunc(out, func(a, b *workspace.Workspace) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *WorkspaceStore) SaveWorkspace(_ context.Context, ws *workspace.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = *ws
	return nil
}

func (s *WorkspaceStore) GetRole(_ context.Context, workspaceID, roleID string) (*workspace.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleKey{workspaceID, roleID}]
	if !ok {
		return nil, workspace.ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *WorkspaceStore) ListRoles(_ context.Context, workspaceID string) ([]*workspace.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workspace.Role
	for k, r := range s.roles {
		if k.workspaceID == workspaceID {
			out = append(out, cloneRole(r))
		}
	}
	slices.SortFunc(out, func(a, b *workspace.Role) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *WorkspaceStore) SaveRole(_ context.Context, role *workspace.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[roleKey{role.WorkspaceID, role.ID}] = *cloneRole(*role)
	return nil
}

func (s *WorkspaceStore) DeleteRole(_ context.Context, workspaceID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := roleKey{workspaceID, roleID}
	if _, ok := s.roles[k]; !ok {
		return workspace.ErrNotFound
	}
	delete(s.roles, k)
	return nil
}

func (s *WorkspaceStore) GetMember(_ context.Context, workspaceID, accountID string) (*workspace.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{workspaceID, accountID}]
	if !ok {
		return nil, workspace.ErrNotFound
	}
	return cloneMember(m), nil
}

func (s *WorkspaceStore) ListMembers(_ context.Context, workspaceID string) ([]*workspace.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workspace.Member
	for k, m := range s.members {
		if k.workspaceID == workspaceID {
			out = append(out, cloneMember(m))
		}
	}
	slices.SortFunc(out, func(a, b *workspace.Member) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return out, nil
}

func (s *WorkspaceStore) SaveMember(_ context.Context, m *workspace.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{m.WorkspaceID, m.AccountID}] = *cloneMember(*m)
	return nil
}

func (s *WorkspaceStore) DeleteMember(_ context.Context, workspaceID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{workspaceID, accountID}
	if _, ok := s.members[k]; !ok {
		return workspace.ErrNotFound
	}
	delete(s.members, k)
	return nil
}

func (s *WorkspaceStore) ListACL(_ context.Context, workspaceID string) ([]*workspace.FolderACLRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workspace.FolderACLRule
	for k, r := range s.acl {
		if k.workspaceID == workspaceID {
			out = append(out, cloneRule(r))
		}
	}
	slices.SortFunc(out, func(a, b *workspace.FolderACLRule) int {
		if c := cmp.Compare(folderSortKey(a.FolderID), folderSortKey(b.FolderID)); c != 0 {
			return c
		}
		return cmp.Compare(a.RoleID, b.RoleID)
	})
	return out, nil
}

func (s *WorkspaceStore) SaveACL(_ context.Context, rule *workspace.FolderACLRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acl[newACLKey(rule.WorkspaceID, rule.FolderID, rule.RoleID)] = *cloneRule(*rule)
	return nil
}

func (s *WorkspaceStore) DeleteACL(_ context.Context, workspaceID string, folderID *string, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := newACLKey(workspaceID, folderID, roleID)
	if _, ok := s.acl[k]; !ok {
		return workspace.ErrNotFound
	}
	delete(s.acl, k)
	return nil
}

func cloneRole(r workspace.Role) *workspace.Role {
	r.Permissions = slices.Clone(r.Permissions)
	return &r
}

func cloneMember(m workspace.Member) *workspace.Member {
	m.RoleIDs = slices.Clone(m.RoleIDs)
	return &m
}

func cloneRule(r workspace.FolderACLRule) *workspace.FolderACLRule {
	if r.FolderID != nil {
		id := *r.FolderID
		r.FolderID = &id
	}
	return &r
}

// folderSortKey orders the root rule first.
func folderSortKey(id *string) string {
	if id == nil {
		return ""
	}
	return "/" + *id
}
