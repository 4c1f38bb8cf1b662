// Package tools exposes gateway tools as MCP tools.
//
// Each Tool wraps one tool.Spec: Definition turns its parameters
// into an MCP input schema and Handle routes the call through the gateway,
// returning the response envelope as JSON text.
package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigee-min/bbmcp/internal/gateway"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Invoker runs a named tool for the actor carried by ctx.
type Invoker interface {
	Invoke(ctx context.Context, name string, raw map[string]any) gateway.Response
}

// Tool handles one gateway tool over MCP.
type Tool struct {
	spec    tool.Spec
	invoker Invoker
}

// NewTool creates a Tool for spec.
func NewTool(spec tool.Spec, invoker Invoker) *Tool {
	return &Tool{spec: spec, invoker: invoker}
}

// FromDispatcher returns one Tool per registered gateway tool, in name
// order.
func FromDispatcher(d *gateway.Dispatcher) []*Tool {
	specs := d.Specs()
	out := make([]*Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, NewTool(s, d))
	}
	return out
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.spec.Name }

// readActions never change state. Tools without an action are
// informational unless they are system tools.
var readActions = map[workspace.Action]bool{
	"":                     true,
	workspace.ActionRead:   true,
	workspace.ActionMember: true,
}

// Definition returns the MCP tool definition for registration.
func (t *Tool) Definition() mcp.Tool {
	readOnly := !t.spec.Mutating && !t.spec.SystemOnly && readActions[t.spec.Action]
	opts := []mcp.ToolOption{
		mcp.WithDescription(t.spec.Description),
		mcp.WithReadOnlyHintAnnotation(readOnly),
		mcp.WithDestructiveHintAnnotation(!readOnly),
	}
	for _, p := range t.spec.AllParams() {
		opts = append(opts, paramOption(p))
	}
	return mcp.NewTool(t.spec.Name, opts...)
}

// Handle processes the tool call. Gateway failures are tool errors
// carrying the error envelope; only a response that cannot be encoded is
// a protocol error.
func (t *Tool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := t.invoker.Invoke(ctx, t.spec.Name, req.GetArguments())
	body, err := resp.JSON()
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", t.spec.Name, err)
	}
	if !resp.OK {
		return mcp.NewToolResultError(string(body)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func paramOption(p tool.Param) mcp.ToolOption {
	var props []mcp.PropertyOption
	if p.Description != "" {
		props = append(props, mcp.Description(p.Description))
	}
	if p.Required {
		props = append(props, mcp.Required())
	}
	if len(p.Enum) > 0 {
		props = append(props, mcp.Enum(p.Enum...))
	}

	switch p.Kind {
	case tool.KindInt, tool.KindNumber:
		return mcp.WithNumber(p.Name, props...)
	case tool.KindBool:
		return mcp.WithBoolean(p.Name, props...)
	case tool.KindStringList:
		return mcp.WithArray(p.Name, append(props, mcp.Items(map[string]any{"type": "string"}))...)
	case tool.KindNumberList:
		return mcp.WithArray(p.Name, append(props, mcp.Items(map[string]any{"type": "number"}))...)
	default:
		return mcp.WithString(p.Name, props...)
	}
}
