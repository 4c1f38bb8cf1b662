package tool_test

import (
	"slices"
	"testing"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

var params = []tool.Param{
	{Name: "name", Kind: tool.KindString, Required: true},
	{Name: "index", Kind: tool.KindInt},
	{Name: "scale", Kind: tool.KindNumber},
	{Name: "visible", Kind: tool.KindBool},
	{Name: "roles", Kind: tool.KindStringList},
	{Name: "from", Kind: tool.KindNumberList},
	{Name: "mode", Kind: tool.KindString, Enum: []string{"a", "b"}},
}

func TestDecode_ConvertsKinds(t *testing.T) {
	args, err := tool.Decode(params, map[string]any{
		"name":    "cube",
		"index":   float64(2),
		"scale":   "1.5",
		"visible": true,
		"roles":   []any{"r1", "r2"},
		"from":    []any{float64(0), 1, "2"},
		"mode":    nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if args.String("name") != "cube" || args.Int("index") != 2 || args.Float("scale") != 1.5 || !args.Bool("visible") {
		t.Errorf("args = %v", args)
	}
	if !slices.Equal(args.Strings("roles"), []string{"r1", "r2"}) {
		t.Errorf("roles = %v", args.Strings("roles"))
	}
	if !slices.Equal(args.Floats("from"), []float64{0, 1, 2}) {
		t.Errorf("from = %v", args.Floats("from"))
	}
	if args.Has("mode") || args.StringPtr("mode") != nil {
		t.Error("null should decode as absent")
	}
	if p := args.IntPtr("index"); p == nil || *p != 2 {
		t.Errorf("IntPtr = %v", p)
	}
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		raw    map[string]any
		reason string
		field  string
	}{
		{"unknown field", map[string]any{"name": "x", "bogus": 1}, apperr.ReasonUnexpectedField, "bogus"},
		{"missing required", map[string]any{"index": 1}, apperr.ReasonMissingField, "name"},
		{"null required", map[string]any{"name": nil}, apperr.ReasonMissingField, "name"},
		{"string as int", map[string]any{"name": "x", "index": "two"}, apperr.ReasonInvalidField, "index"},
		{"fractional int", map[string]any{"name": "x", "index": 1.5}, apperr.ReasonInvalidField, "index"},
		{"bool as number", map[string]any{"name": "x", "scale": true}, apperr.ReasonInvalidField, "scale"},
		{"number as string", map[string]any{"name": 7}, apperr.ReasonInvalidField, "name"},
		{"list item type", map[string]any{"name": "x", "roles": []any{"a", 1}}, apperr.ReasonInvalidField, "roles"},
		{"scalar as list", map[string]any{"name": "x", "roles": "a"}, apperr.ReasonInvalidField, "roles"},
		{"enum", map[string]any{"name": "x", "mode": "c"}, apperr.ReasonInvalidField, "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tool.Decode(params, tt.raw)
			ae, ok := apperr.As(err)
			if !ok {
				t.Fatalf("expected *apperr.Error, got %v", err)
			}
			if ae.Code != apperr.CodeInvalidPayload || ae.Reason() != tt.reason || ae.Details["field"] != tt.field {
				t.Errorf("got %s/%s field=%v, want %s field=%s", ae.Code, ae.Reason(), ae.Details["field"], tt.reason, tt.field)
			}
		})
	}
}

func TestSpec_AllParams(t *testing.T) {
	s := tool.Spec{
		Name:     "model_add_cube",
		Target:   tool.TargetProject,
		Mutating: true,
		Action:   workspace.ActionProjectWrite,
		Params:   []tool.Param{{Name: "name", Kind: tool.KindString}},
	}
	var names []string
	for _, p := range s.AllParams() {
		names = append(names, p.Name)
	}
	if !slices.Equal(names, []string{tool.ArgProjectID, "name", tool.ArgIfRevision}) {
		t.Errorf("params = %v", names)
	}
	if s.Permission() != workspace.PermFolderWrite {
		t.Errorf("permission = %q", s.Permission())
	}
	if (tool.Spec{Name: "engine_health"}).Permission() != "" {
		t.Error("actionless tool should need no permission")
	}
}
