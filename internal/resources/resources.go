// Package resources implements MCP resource handlers for bbmcp.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (bbmcp://...) and read through the
// gateway, so the caller's workspace permissions apply.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigee-min/bbmcp/internal/gateway"
)

// URI layout.
const (
	StatusURI       = "bbmcp://server/status"
	projectPrefix   = "bbmcp://projects/"
	workspacePrefix = "bbmcp://workspaces/"
	treeSuffix      = "/tree"
)

// ProjectURI is the resource URI of a project. Snapshot events are
// announced as updates to it.
func ProjectURI(projectID string) string {
	return projectPrefix + projectID
}

// Invoker runs a named tool for the actor carried by ctx.
type Invoker interface {
	Invoke(ctx context.Context, name string, raw map[string]any) gateway.Response
}

// Handler manages bbmcp resource endpoints.
type Handler struct {
	invoker Invoker
	version string
	tools   int
}

// NewHandler creates a resource Handler. tools is the number of
// registered tools, reported by the status resource.
func NewHandler(invoker Invoker, version string, tools int) *Handler {
	return &Handler{invoker: invoker, version: version, tools: tools}
}

// StatusResource returns the MCP resource definition for server status.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		StatusURI,
		"bbmcp Server Status",
		mcp.WithResourceDescription("Server version, registered tool count and engine health"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStatus returns the server status as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	health := h.invoker.Invoke(ctx, gateway.ToolEngineHealth, nil)
	status := map[string]any{
		"version": h.version,
		"tools":   h.tools,
		"engine":  health,
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling status: %w", err)
	}
	return jsonResource(req.Params.URI, data), nil
}

// ProjectTemplate returns the resource template for a project record.
func (h *Handler) ProjectTemplate() mcp.ResourceTemplate {
	return mcp.NewResourceTemplate(
		projectPrefix+"{projectId}",
		"Project",
		mcp.WithTemplateDescription("Project record with its snapshot, revision and current lock"),
		mcp.WithTemplateMIMEType("application/json"),
	)
}

// HandleProject reads a project through project_get.
func (h *Handler) HandleProject(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	id := strings.TrimPrefix(uri, projectPrefix)
	if id == uri || id == "" || strings.Contains(id, "/") {
		return errorResource(uri, "expected "+projectPrefix+"{projectId}"), nil
	}
	return h.envelope(ctx, uri, gateway.ToolProjectGet, map[string]any{"projectId": id})
}

// TreeTemplate returns the resource template for a workspace tree.
func (h *Handler) TreeTemplate() mcp.ResourceTemplate {
	return mcp.NewResourceTemplate(
		workspacePrefix+"{workspaceId}"+treeSuffix,
		"Workspace Tree",
		mcp.WithTemplateDescription("Folders and projects of a workspace, ordered as stored"),
		mcp.WithTemplateMIMEType("application/json"),
	)
}

// HandleTree reads a workspace tree through project_tree.
func (h *Handler) HandleTree(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	id := strings.TrimSuffix(strings.TrimPrefix(uri, workspacePrefix), treeSuffix)
	if !strings.HasPrefix(uri, workspacePrefix) || !strings.HasSuffix(uri, treeSuffix) || id == "" || strings.Contains(id, "/") {
		return errorResource(uri, "expected "+workspacePrefix+"{workspaceId}"+treeSuffix), nil
	}
	return h.envelope(ctx, uri, gateway.ToolProjectTree, map[string]any{"workspaceId": id})
}

func (h *Handler) envelope(ctx context.Context, uri, name string, args map[string]any) ([]mcp.ResourceContents, error) {
	data, err := h.invoker.Invoke(ctx, name, args).JSON()
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", name, err)
	}
	return jsonResource(uri, data), nil
}

func jsonResource(uri string, data []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
