// Package tool describes the tools the gateway exposes and decodes their
// arguments once, at the boundary, into typed values.
package tool

import "github.com/sigee-min/bbmcp/internal/workspace"

// Target says how the gateway locates the workspace (and folder) an
// invocation acts on.
type Target int

const (
	// TargetNone tools are not scoped to a workspace.
	TargetNone Target = iota
	// TargetWorkspace tools take an optional workspaceId, defaulting to
	// the actor's workspace.
	TargetWorkspace
	// TargetFolder tools are TargetWorkspace tools authorized against the
	// folder named by Spec.FolderParam.
	TargetFolder
	// TargetProject tools take a projectId and act in its workspace and
	// parent folder.
	TargetProject
	// TargetJob tools take a jobId and act on the job's project.
	TargetJob
)

// Common argument names.
const (
	ArgWorkspaceID = "workspaceId"
	ArgProjectID   = "projectId"
	ArgJobID       = "jobId"
	ArgIfRevision  = "ifRevision"
)

// Spec is the static description of one tool.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Target      Target
	// FolderParam names the argument holding the folder for TargetFolder
	// tools. An absent argument means the root.
	FolderParam string
	Action      workspace.Action
	// Mutating project tools run under the project lock and honor
	// ifRevision.
	Mutating bool
	// SystemOnly tools require a system role.
	SystemOnly bool
}

// AllParams returns Params plus the implicit target arguments.
func (s Spec) AllParams() []Param {
	var out []Param
	switch s.Target {
	case TargetWorkspace, TargetFolder:
		out = append(out, Param{Name: ArgWorkspaceID, Kind: KindString,
			Description: "Workspace id. Defaults to the caller's workspace."})
	case TargetProject:
		out = append(out, Param{Name: ArgProjectID, Kind: KindString, Required: true,
			Description: "Project id."})
	case TargetJob:
		out = append(out, Param{Name: ArgJobID, Kind: KindString, Required: true,
			Description: "Job id."})
	}
	out = append(out, s.Params...)
	if s.Mutating {
		out = append(out, Param{Name: ArgIfRevision, Kind: KindInt,
			Description: "Reject the call unless the project is at this revision."})
	}
	return out
}

// Permission is the base permission that makes the tool visible in a
// catalog. Empty means visible to every caller.
func (s Spec) Permission() string {
	if s.Action == "" {
		return ""
	}
	return s.Action.Permission()
}
