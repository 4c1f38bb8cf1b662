// Package prompts implements MCP prompt handlers for bbmcp.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigee-min/bbmcp/internal/gateway"
)

// MutatePrompt handles the bbmcp-mutate MCP prompt.
// It walks the AI through a guarded edit: read the revision, hold the
// lock, mutate with ifRevision and follow any queued jobs.
type MutatePrompt struct{}

// NewMutatePrompt creates a MutatePrompt.
func NewMutatePrompt() *MutatePrompt {
	return &MutatePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *MutatePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("bbmcp-mutate",
		mcp.WithPromptDescription(
			"Edit a project safely: check its revision, hold its lock, "+
				"apply the change with ifRevision and track queued jobs.",
		),
		mcp.WithArgument("project_id",
			mcp.ArgumentDescription("Project to edit"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("change",
			mcp.ArgumentDescription("What should change, in plain words"),
		),
	)
}

// Handle processes the bbmcp-mutate prompt request.
func (p *MutatePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	projectID := req.Params.Arguments["project_id"]
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	change := req.Params.Arguments["change"]
	if change == "" {
		change = "the change I describe next"
	}

	text := fmt.Sprintf(
		"I want to apply %s to project `%s`.\n\n"+
			"Follow this sequence:\n"+
			"1. Call `%s` and note `revision` and any current lock.\n"+
			"2. If another session holds the lock, stop and tell me who owns it and when it expires.\n"+
			"3. Call `%s` for the project.\n"+
			"4. Make each edit with `ifRevision` set to the last revision you saw. "+
			"Every success returns the new revision; use it for the next call.\n"+
			"5. On `revision_mismatch`, re-read the project and ask me before retrying.\n"+
			"6. If a result lists jobs, poll `%s` until each is completed or failed.\n"+
			"7. When done, call `%s`.",
		change, projectID,
		gateway.ToolProjectGet, gateway.ToolLockAcquire, gateway.ToolJobGet, gateway.ToolLockRelease,
	)

	return &mcp.GetPromptResult{
		Description: "Guarded project edit",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(text),
			},
		},
	}, nil
}
