package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/gateway"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

type fakeInvoker struct {
	name string
	raw  map[string]any
	resp gateway.Response
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, raw map[string]any) gateway.Response {
	f.name, f.raw = name, raw
	return f.resp
}

var cubeSpec = tool.Spec{
	Name:        "model_add_cube",
	Description: "Add a cube.",
	Target:      tool.TargetProject,
	Action:      workspace.ActionProjectWrite,
	Mutating:    true,
	Params: []tool.Param{
		{Name: "name", Kind: tool.KindString, Required: true, Description: "Cube name."},
		{Name: "from", Kind: tool.KindNumberList},
		{Name: "mirror", Kind: tool.KindBool},
		{Name: "face", Kind: tool.KindString, Enum: []string{"north", "south"}},
	},
}

// isErrorResult checks if the result is a tool error.
func isErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

// getResultText extracts the text content from a CallToolResult.
func getResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestTool_Definition(t *testing.T) {
	def := NewTool(cubeSpec, &fakeInvoker{}).Definition()

	if def.Name != "model_add_cube" {
		t.Errorf("name = %q", def.Name)
	}
	for _, p := range []string{"projectId", "name", "from", "mirror", "face", "ifRevision"} {
		if _, ok := def.InputSchema.Properties[p]; !ok {
			t.Errorf("schema misses %q", p)
		}
	}
	required := strings.Join(def.InputSchema.Required, ",")
	if required != "projectId,name" {
		t.Errorf("required = %q", required)
	}

	from := def.InputSchema.Properties["from"].(map[string]any)
	if from["type"] != "array" {
		t.Errorf("from type = %v", from["type"])
	}
	if rev := def.InputSchema.Properties["ifRevision"].(map[string]any); rev["type"] != "number" {
		t.Errorf("ifRevision type = %v", rev["type"])
	}
	if def.Annotations.DestructiveHint == nil || !*def.Annotations.DestructiveHint {
		t.Error("mutating tool should carry the destructive hint")
	}
}

func TestTool_Definition_ReadOnlyHint(t *testing.T) {
	tests := []struct {
		spec     tool.Spec
		readOnly bool
	}{
		{tool.Spec{Name: "project_get", Target: tool.TargetProject, Action: workspace.ActionRead}, true},
		{tool.Spec{Name: "tool_catalog"}, true},
		{tool.Spec{Name: "folder_create", Target: tool.TargetFolder, Action: workspace.ActionFolderWrite}, false},
		{tool.Spec{Name: "workspace_create", SystemOnly: true}, false},
		{cubeSpec, false},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Name, func(t *testing.T) {
			def := NewTool(tt.spec, &fakeInvoker{}).Definition()
			if got := def.Annotations.ReadOnlyHint; got == nil || *got != tt.readOnly {
				t.Errorf("readOnlyHint = %v, want %v", got, tt.readOnly)
			}
		})
	}
}

func TestTool_Handle_Success(t *testing.T) {
	inv := &fakeInvoker{resp: gateway.Response{OK: true, Data: map[string]any{"revision": 2}}}
	req := mcp.CallToolRequest{}
	req.Params.Name = "model_add_cube"
	req.Params.Arguments = map[string]any{"projectId": "prj_1", "name": "head"}

	result, err := NewTool(cubeSpec, inv).Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}
	if inv.name != "model_add_cube" || inv.raw["projectId"] != "prj_1" {
		t.Errorf("invoked %s with %v", inv.name, inv.raw)
	}

	var env struct {
		OK   bool           `json:"ok"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(getResultText(result)), &env); err != nil {
		t.Fatal(err)
	}
	if !env.OK || env.Data["revision"] != float64(2) {
		t.Errorf("envelope = %+v", env)
	}
}

func TestTool_Handle_FailureIsToolError(t *testing.T) {
	inv := &fakeInvoker{resp: gateway.Response{
		Error: apperr.InvalidState(apperr.ReasonProjectLocked, "project is locked"),
	}}
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"projectId": "prj_1", "name": "head"}

	result, err := NewTool(cubeSpec, inv).Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !isErrorResult(result) {
		t.Fatal("expected tool error")
	}
	text := getResultText(result)
	if !strings.Contains(text, `"ok":false`) || !strings.Contains(text, apperr.ReasonProjectLocked) {
		t.Errorf("error text = %s", text)
	}
}
