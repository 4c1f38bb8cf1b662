package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigee-min/bbmcp/internal/gateway"
)

// WorkspacePrompt handles the bbmcp-workspace MCP prompt.
// It instructs the AI to summarize the caller's workspace.
type WorkspacePrompt struct{}

// NewWorkspacePrompt creates a WorkspacePrompt.
func NewWorkspacePrompt() *WorkspacePrompt {
	return &WorkspacePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *WorkspacePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("bbmcp-workspace",
		mcp.WithPromptDescription(
			"Summarize your workspace: access mode, your permissions, "+
				"the folder tree and the tools you can call.",
		),
	)
}

// Handle processes the bbmcp-workspace prompt request.
func (p *WorkspacePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Workspace overview",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please call `" + gateway.ToolWorkspaceGet + "`, `" + gateway.ToolProjectTree +
						"` and `" + gateway.ToolCatalog + "`.\n\n" +
						"Then:\n" +
						"1. Tell me the workspace mode and which permissions I hold\n" +
						"2. Show the folder tree with project names, indented by depth\n" +
						"3. List the tools I can call, grouped by what they change",
				),
			},
		},
	}, nil
}
