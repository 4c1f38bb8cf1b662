package gateway

import (
	"context"

	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Tree tool names.
const (
	ToolFolderCreate  = "folder_create"
	ToolFolderRename  = "folder_rename"
	ToolFolderMove    = "folder_move"
	ToolFolderDelete  = "folder_delete"
	ToolProjectCreate = "project_create"
	ToolProjectGet    = "project_get"
	ToolProjectRename = "project_rename"
	ToolProjectMove   = "project_move"
	ToolProjectDelete = "project_delete"
	ToolProjectTree   = "project_tree"
)

var (
	paramName   = tool.Param{Name: "name", Kind: tool.KindString, Required: true, Description: "Display name."}
	paramIndex  = tool.Param{Name: "index", Kind: tool.KindInt, Description: "Position among siblings. Defaults to the end."}
	paramParent = tool.Param{Name: "parentFolderId", Kind: tool.KindString, Description: "Parent folder id. Omit for the workspace root."}
	paramFolder = tool.Param{Name: "folderId", Kind: tool.KindString, Required: true, Description: "Folder id."}
	paramFormat = tool.Param{Name: "format", Kind: tool.KindString, Description: "Model format understood by the engine."}
)

func (d *Dispatcher) treeTools() []builtin {
	return []builtin{
		{tool.Spec{
			Name:        ToolFolderCreate,
			Description: "Create a folder under parentFolderId (or the root).",
			Params:      []tool.Param{paramParent, paramName, paramIndex},
			Target:      tool.TargetFolder,
			FolderParam: "parentFolderId",
			Action:      workspace.ActionFolderWrite,
		}, d.folderCreate},
		{tool.Spec{
			Name:        ToolFolderRename,
			Description: "Rename a folder.",
			Params:      []tool.Param{paramFolder, paramName},
			Target:      tool.TargetFolder,
			FolderParam: "folderId",
			Action:      workspace.ActionFolderWrite,
		}, d.folderRename},
		{tool.Spec{
			Name:        ToolFolderMove,
			Description: "Move a folder to a new parent and position. Moving a folder into its own subtree or past the depth limit fails.",
			Params:      []tool.Param{paramFolder, paramParent, paramIndex},
			Target:      tool.TargetFolder,
			FolderParam: "folderId",
			Action:      workspace.ActionFolderWrite,
		}, d.folderMove},
		{tool.Spec{
			Name:        ToolFolderDelete,
			Description: "Delete a folder with every folder and project below it.",
			Params:      []tool.Param{paramFolder},
			Target:      tool.TargetFolder,
			FolderParam: "folderId",
			Action:      workspace.ActionFolderWrite,
		}, d.folderDelete},
		{tool.Spec{
			Name:        ToolProjectCreate,
			Description: "Create an empty project in parentFolderId (or the root).",
			Params:      []tool.Param{paramParent, paramName, paramIndex, paramFormat},
			Target:      tool.TargetFolder,
			FolderParam: "parentFolderId",
			Action:      workspace.ActionProjectWrite,
		}, d.projectCreate},
		{tool.Spec{
			Name:        ToolProjectGet,
			Description: "Return a project record with its current lock.",
			Target:      tool.TargetProject,
			Action:      workspace.ActionRead,
		}, d.projectGet},
		{tool.Spec{
			Name:        ToolProjectRename,
			Description: "Rename a project.",
			Params:      []tool.Param{paramName},
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
			Mutating:    true,
		}, d.projectRename},
		{tool.Spec{
			Name:        ToolProjectMove,
			Description: "Move a project to another folder and position.",
			Params:      []tool.Param{paramParent, paramIndex},
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
			Mutating:    true,
		}, d.projectMove},
		{tool.Spec{
			Name:        ToolProjectDelete,
			Description: "Delete a project with its lock, jobs and event stream.",
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
			Mutating:    true,
		}, d.projectDelete},
		{tool.Spec{
			Name:        ToolProjectTree,
			Description: "Return the workspace's folder and project tree. query keeps nodes whose name or id contains it, with their ancestors.",
			Params:      []tool.Param{{Name: "query", Kind: tool.KindString, Description: "Case-insensitive name or id filter."}},
			Target:      tool.TargetWorkspace,
			Action:      workspace.ActionRead,
		}, d.projectTree},
	}
}

func (d *Dispatcher) folderCreate(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Tree.CreateFolder(ctx, inv.WorkspaceID, inv.FolderID,
		inv.Args.String("name"), inv.Args.IntPtr("index"))
}

func (d *Dispatcher) folderRename(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Tree.RenameFolder(ctx, inv.WorkspaceID, inv.Args.String("folderId"), inv.Args.String("name"))
}

func (d *Dispatcher) folderMove(ctx context.Context, inv *Invocation) (any, error) {
	dest := inv.Args.StringPtr("parentFolderId")
	if err := d.authorize(ctx, inv, workspace.ActionFolderWrite, dest); err != nil {
		return nil, err
	}
	return d.deps.Tree.MoveFolder(ctx, inv.WorkspaceID, inv.Args.String("folderId"), dest, inv.Args.IntPtr("index"))
}

func (d *Dispatcher) folderDelete(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Tree.DeleteFolder(ctx, inv.WorkspaceID, inv.Args.String("folderId"))
}

func (d *Dispatcher) projectCreate(ctx context.Context, inv *Invocation) (any, error) {
	snap, err := d.deps.Engine.NewSnapshot(inv.Args.String("format"))
	if err != nil {
		return nil, err
	}
	return d.deps.Tree.CreateProject(ctx, inv.WorkspaceID, projecttree.CreateProjectInput{
		Name:           inv.Args.String("name"),
		ParentFolderID: inv.FolderID,
		Index:          inv.Args.IntPtr("index"),
		Snapshot:       snap,
	})
}

func (d *Dispatcher) projectGet(ctx context.Context, inv *Invocation) (any, error) {
	l, err := d.deps.Locks.Get(ctx, inv.Project.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": inv.Project, "lock": l}, nil
}

func (d *Dispatcher) projectRename(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Tree.RenameProject(ctx, inv.WorkspaceID, inv.Project.ID, inv.Args.String("name"))
}

func (d *Dispatcher) projectMove(ctx context.Context, inv *Invocation) (any, error) {
	dest := inv.Args.StringPtr("parentFolderId")
	if err := d.authorize(ctx, inv, workspace.ActionProjectWrite, dest); err != nil {
		return nil, err
	}
	return d.deps.Tree.MoveProject(ctx, inv.WorkspaceID, inv.Project.ID, dest, inv.Args.IntPtr("index"))
}

func (d *Dispatcher) projectDelete(ctx context.Context, inv *Invocation) (any, error) {
	return d.deps.Tree.DeleteProject(ctx, inv.WorkspaceID, inv.Project.ID)
}

func (d *Dispatcher) projectTree(ctx context.Context, inv *Invocation) (any, error) {
	nodes, err := d.deps.Tree.GetProjectTree(ctx, inv.WorkspaceID, inv.Args.String("query"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"workspaceId": inv.WorkspaceID, "nodes": nodes}, nil
}
