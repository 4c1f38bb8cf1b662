package server

import (
	"context"
	"fmt"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/config"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Seed applies a bootstrap file. Workspaces are matched by id, or by name
// when the file gives none; roles by name; folders by path. Running the
// same file twice changes nothing.
func (r *Runtime) Seed(ctx context.Context, b *config.Bootstrap) error {
	for _, spec := range b.Workspaces {
		if err := r.seedWorkspace(ctx, spec); err != nil {
			return fmt.Errorf("seeding workspace %q: %w", spec.Name, err)
		}
	}
	return nil
}

func (r *Runtime) seedWorkspace(ctx context.Context, spec config.BootstrapWorkspace) error {
	ws, err := r.ensureWorkspace(ctx, spec)
	if err != nil {
		return err
	}

	existing, err := r.Admin.ListRoles(ctx, ws.ID)
	if err != nil {
		return err
	}
	roleIDs := make(map[string]string, len(existing)+len(spec.Roles))
	for _, role := range existing {
		roleIDs[role.Name] = role.ID
	}
	for _, rs := range spec.Roles {
		role, err := r.Admin.UpsertRole(ctx, ws.ID, workspace.RoleInput{
			ID:          roleIDs[rs.Name],
			Name:        rs.Name,
			Permissions: rs.Permissions,
		})
		if err != nil {
			return fmt.Errorf("role %q: %w", rs.Name, err)
		}
		roleIDs[rs.Name] = role.ID
	}
	lookup := func(name string) (string, error) {
		id, ok := roleIDs[name]
		if !ok {
			return "", fmt.Errorf("unknown role %q", name)
		}
		return id, nil
	}

	if spec.DefaultRole != "" {
		id, err := lookup(spec.DefaultRole)
		if err != nil {
			return err
		}
		if _, err := r.Admin.SetDefaultMemberRole(ctx, ws.ID, id); err != nil {
			return err
		}
	}

	for _, m := range spec.Members {
		ids := make([]string, 0, len(m.Roles))
		for _, name := range m.Roles {
			id, err := lookup(name)
			if err != nil {
				return fmt.Errorf("member %q: %w", m.Account, err)
			}
			ids = append(ids, id)
		}
		if _, err := r.Admin.SetMember(ctx, ws.ID, m.Account, ids); err != nil {
			return fmt.Errorf("member %q: %w", m.Account, err)
		}
	}

	for _, path := range spec.Folders {
		if _, err := r.ensureFolderPath(ctx, ws.ID, config.SplitFolderPath(path)); err != nil {
			return fmt.Errorf("folder %q: %w", path, err)
		}
	}

	for _, rule := range spec.ACL {
		folderID, err := r.ensureFolderPath(ctx, ws.ID, config.SplitFolderPath(rule.Folder))
		if err != nil {
			return fmt.Errorf("acl folder %q: %w", rule.Folder, err)
		}
		roleID, err := lookup(rule.Role)
		if err != nil {
			return fmt.Errorf("acl: %w", err)
		}
		if _, err := r.Admin.SetFolderACL(ctx, ws.ID, folderID, roleID,
			workspace.Effect(rule.Read), workspace.Effect(rule.Write)); err != nil {
			return fmt.Errorf("acl on %q for %q: %w", rule.Folder, rule.Role, err)
		}
	}

	r.log.Info().Str("workspace_id", ws.ID).Str("name", ws.Name).Msg("workspace seeded")
	return nil
}

func (r *Runtime) ensureWorkspace(ctx context.Context, spec config.BootstrapWorkspace) (*workspace.Workspace, error) {
	var ws *workspace.Workspace
	if spec.ID != "" {
		found, err := r.Admin.Get(ctx, spec.ID)
		switch {
		case err == nil:
			ws = found
		case !apperr.HasReason(err, apperr.ReasonWorkspaceNotFound):
			return nil, err
		}
	} else {
		all, err := r.store.workspaces.ListWorkspaces(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing workspaces: %w", err)
		}
		for _, w := range all {
			if w.Name == spec.Name {
				ws = w
				break
			}
		}
	}

	if ws == nil {
		owner := spec.Owner
		if owner == "" {
			owner = r.cfg.Actor.AccountID
		}
		return r.Admin.CreateWorkspace(ctx, workspace.CreateWorkspaceInput{
			ID:        spec.ID,
			TenantID:  spec.TenantID,
			Name:      spec.Name,
			Mode:      workspace.Mode(spec.Mode),
			CreatedBy: owner,
		})
	}
	if spec.Mode != "" && workspace.Mode(spec.Mode) != ws.Mode {
		return r.Admin.SetMode(ctx, ws.ID, workspace.Mode(spec.Mode))
	}
	return ws, nil
}

// ensureFolderPath walks segs from the root, creating missing folders,
// and returns the last folder's id. No segments means the root (nil).
func (r *Runtime) ensureFolderPath(ctx context.Context, workspaceID string, segs []string) (*string, error) {
	level, err := r.Tree.GetProjectTree(ctx, workspaceID, "")
	if err != nil {
		return nil, err
	}
	var parent *string
	for _, name := range segs {
		var next *projecttree.Node
		for i := range level {
			if level[i].Kind == projecttree.KindFolder && level[i].Name == name {
				next = &level[i]
				break
			}
		}
		if next != nil {
			id := next.ID
			parent, level = &id, next.Children
			continue
		}
		f, err := r.Tree.CreateFolder(ctx, workspaceID, parent, name, nil)
		if err != nil {
			return nil, err
		}
		id := f.ID
		parent, level = &id, nil
	}
	return parent, nil
}
