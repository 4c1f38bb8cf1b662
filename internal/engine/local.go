package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Project formats understood by the local engine.
const (
	FormatGeneric   = "generic"
	FormatJavaBlock = "java_block"
	FormatBedrock   = "bedrock"
)

// Export targets.
const (
	ExportGLTF            = "gltf"
	ExportJavaJSON        = "java_json"
	ExportBedrockGeometry = "bedrock_geometry"
)

var (
	projectFormats = []string{FormatGeneric, FormatJavaBlock, FormatBedrock}
	exportFormats  = []string{ExportGLTF, ExportJavaJSON, ExportBedrockGeometry}

	// exportSupport lists the export targets each project format allows.
	exportSupport = map[string][]string{
		FormatGeneric:   {ExportGLTF},
		FormatJavaBlock: {ExportGLTF, ExportJavaJSON},
		FormatBedrock:   {ExportGLTF, ExportBedrockGeometry},
	}

	exportExt = map[string]string{
		ExportGLTF:            "gltf",
		ExportJavaJSON:        "json",
		ExportBedrockGeometry: "geo.json",
	}
)

// Engine-specific reasons.
const (
	ReasonCubeNotFound    = "cube_not_found"
	ReasonTextureNotFound = "texture_not_found"
	ReasonInvalidSnapshot = "invalid_snapshot"
)

// MaxTextureSize bounds texture width and height.
const MaxTextureSize = 4096

// Tool names served by Local.
const (
	ToolModelGet         = "model_get"
	ToolModelAddCube     = "model_add_cube"
	ToolModelRemoveCube  = "model_remove_cube"
	ToolTextureAdd       = "texture_add"
	ToolTextureRemove    = "texture_remove"
	ToolProjectExport    = "project_export"
	ToolTexturePreflight = "texture_preflight"
)

// Snapshot is the project state the local engine edits.
type Snapshot struct {
	Format   string    `json:"format"`
	Cubes    []Cube    `json:"cubes"`
	Textures []Texture `json:"textures"`
}

// Cube is an axis-aligned box between From and To.
type Cube struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	From [3]float64 `json:"from"`
	To   [3]float64 `json:"to"`
}

// Texture is a named image slot.
type Texture struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DecodeSnapshot parses a stored snapshot. An empty one is a generic
// project with no content.
func DecodeSnapshot(raw json.RawMessage) (*Snapshot, error) {
	s := &Snapshot{Format: FormatGeneric}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, apperr.InvalidState(ReasonInvalidSnapshot, "stored snapshot is not readable").With("cause", err.Error())
	}
	if s.Format == "" {
		s.Format = FormatGeneric
	}
	return s, nil
}

// Local is the in-process reference engine.
type Local struct {
	ids *entityid.Generator
}

var _ Backend = (*Local)(nil)

// NewLocal creates a Local engine minting cube and texture ids from ids.
func NewLocal(ids *entityid.Generator) *Local {
	return &Local{ids: ids}
}

// Tools lists the project tools Local serves.
func (l *Local) Tools() []tool.Spec {
	read := func(name, desc string, params ...tool.Param) tool.Spec {
		return tool.Spec{Name: name, Description: desc, Params: params,
			Target: tool.TargetProject, Action: workspace.ActionRead}
	}
	write := func(name, desc string, params ...tool.Param) tool.Spec {
		return tool.Spec{Name: name, Description: desc, Params: params,
			Target: tool.TargetProject, Action: workspace.ActionProjectWrite, Mutating: true}
	}
	return []tool.Spec{
		read(ToolModelGet, "Return the project's model snapshot: format, cubes and textures."),
		write(ToolModelAddCube, "Add a cube spanning from..to to the model.",
			tool.Param{Name: "name", Kind: tool.KindString, Required: true, Description: "Cube name."},
			tool.Param{Name: "from", Kind: tool.KindNumberList, Required: true, Description: "Minimum corner [x, y, z]."},
			tool.Param{Name: "to", Kind: tool.KindNumberList, Required: true, Description: "Maximum corner [x, y, z]."},
		),
		write(ToolModelRemoveCube, "Remove a cube by id.",
			tool.Param{Name: "cubeId", Kind: tool.KindString, Required: true, Description: "Cube id."},
		),
		write(ToolTextureAdd, "Add a texture slot.",
			tool.Param{Name: "name", Kind: tool.KindString, Required: true, Description: "Texture name."},
			tool.Param{Name: "width", Kind: tool.KindInt, Required: true, Description: "Width in pixels."},
			tool.Param{Name: "height", Kind: tool.KindInt, Required: true, Description: "Height in pixels."},
		),
		write(ToolTextureRemove, "Remove a texture slot by id.",
			tool.Param{Name: "textureId", Kind: tool.KindString, Required: true, Description: "Texture id."},
		),
		write(ToolProjectExport, "Queue an export of the model. The result is written to a fixed blob key per revision, so retries overwrite rather than duplicate.",
			tool.Param{Name: "format", Kind: tool.KindString, Required: true, Enum: exportFormats, Description: "Export target."},
		),
		write(ToolTexturePreflight, "Queue a texture preflight check (power-of-two sizes, size limits, duplicate names)."),
	}
}

// NewSnapshot returns an empty model in format.
func (l *Local) NewSnapshot(format string) (json.RawMessage, error) {
	if format == "" {
		format = FormatGeneric
	}
	if !slices.Contains(projectFormats, format) {
		return nil, apperr.InvalidPayload(apperr.ReasonInvalidField,
			fmt.Sprintf("unknown project format %q", format)).With("field", "format")
	}
	return json.Marshal(Snapshot{Format: format, Cubes: []Cube{}, Textures: []Texture{}})
}

// Health reports the local engine as always available.
func (l *Local) Health(context.Context) Health {
	return Health{Available: true, Engine: "local", Details: map[string]any{"tools": len(l.Tools())}}
}

// Handle applies one tool call to the project's snapshot.
func (l *Local) Handle(ctx context.Context, call Call) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := DecodeSnapshot(call.Project.Snapshot)
	if err != nil {
		return nil, err
	}

	switch call.Tool {
	case ToolModelGet:
		return &Result{Data: snap}, nil
	case ToolModelAddCube:
		return l.addCube(snap, call.Args)
	case ToolModelRemoveCube:
		id := call.Args.String("cubeId")
		i := slices.IndexFunc(snap.Cubes, func(c Cube) bool { return c.ID == id })
		if i < 0 {
			return nil, apperr.InvalidPayload(ReasonCubeNotFound, "cube not found: "+id).With("cubeId", id)
		}
		snap.Cubes = slices.Delete(snap.Cubes, i, i+1)
		return withSnapshot(snap, map[string]any{"removed": id})
	case ToolTextureAdd:
		return l.addTexture(snap, call.Args)
	case ToolTextureRemove:
		id := call.Args.String("textureId")
		i := slices.IndexFunc(snap.Textures, func(t Texture) bool { return t.ID == id })
		if i < 0 {
			return nil, apperr.InvalidPayload(ReasonTextureNotFound, "texture not found: "+id).With("textureId", id)
		}
		snap.Textures = slices.Delete(snap.Textures, i, i+1)
		return withSnapshot(snap, map[string]any{"removed": id})
	case ToolProjectExport:
		return exportRequest(call, snap)
	case ToolTexturePreflight:
		captured, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("engine: encoding snapshot: %w", err)
		}
		payload, err := json.Marshal(PreflightPayload{
			ProjectID: call.Project.ID,
			Revision:  call.Project.Revision + 1,
			Snapshot:  captured,
		})
		if err != nil {
			return nil, err
		}
		return &Result{
			Data: map[string]any{"queued": jobqueue.KindTexturePreflight},
			Jobs: []JobRequest{{Kind: jobqueue.KindTexturePreflight, Payload: payload}},
		}, nil
	}
	return nil, apperr.InvalidPayload(apperr.ReasonUnknownTool, "local engine has no tool "+call.Tool).With("tool", call.Tool)
}

func (l *Local) addCube(snap *Snapshot, args tool.Args) (*Result, error) {
	from, err := vec3(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := vec3(args, "to")
	if err != nil {
		return nil, err
	}
	for i := range 3 {
		if from[i] > to[i] {
			return nil, apperr.InvalidPayload(apperr.ReasonInvalidField, "from must not exceed to on any axis").With("field", "to")
		}
	}
	id, err := l.ids.Next("cube", func(id string) (bool, error) {
		return slices.ContainsFunc(snap.Cubes, func(c Cube) bool { return c.ID == id }), nil
	})
	if err != nil {
		return nil, err
	}
	cube := Cube{ID: id, Name: args.String("name"), From: from, To: to}
	snap.Cubes = append(snap.Cubes, cube)
	return withSnapshot(snap, cube)
}

func (l *Local) addTexture(snap *Snapshot, args tool.Args) (*Result, error) {
	w, h := args.Int("width"), args.Int("height")
	for _, dim := range []struct {
		field string
		v     int64
	}{{"width", w}, {"height", h}} {
		if dim.v < 1 || dim.v > MaxTextureSize {
			return nil, apperr.InvalidPayload(apperr.ReasonInvalidField,
				fmt.Sprintf("%s must be between 1 and %d", dim.field, MaxTextureSize)).With("field", dim.field)
		}
	}
	id, err := l.ids.Next("tex", func(id string) (bool, error) {
		return slices.ContainsFunc(snap.Textures, func(t Texture) bool { return t.ID == id }), nil
	})
	if err != nil {
		return nil, err
	}
	tex := Texture{ID: id, Name: args.String("name"), Width: int(w), Height: int(h)}
	snap.Textures = append(snap.Textures, tex)
	return withSnapshot(snap, tex)
}

func exportRequest(call Call, snap *Snapshot) (*Result, error) {
	format := call.Args.String("format")
	if !slices.Contains(exportSupport[snap.Format], format) {
		return nil, apperr.New(apperr.CodeUnsupportedFormat, apperr.ReasonUnsupportedExportFormat,
			fmt.Sprintf("%s projects cannot be exported as %s", snap.Format, format)).
			With("format", format).
			With("projectFormat", snap.Format).
			With("supported", exportSupport[snap.Format])
	}
	captured, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding snapshot: %w", err)
	}
	revision := call.Project.Revision + 1
	p := ExportPayload{
		ProjectID: call.Project.ID,
		Revision:  revision,
		Format:    format,
		Key:       ExportKey(call.Project.ID, revision, format),
		Snapshot:  captured,
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data: map[string]any{"queued": jobqueue.KindExportConversion, "key": p.Key},
		Jobs: []JobRequest{{Kind: jobqueue.KindExportConversion, Payload: payload}},
	}, nil
}

// ExportKey is the fixed blob key of one project revision's export.
func ExportKey(projectID string, revision int64, format string) string {
	return fmt.Sprintf("exports/%s/r%d.%s", projectID, revision, exportExt[format])
}

func withSnapshot(snap *Snapshot, data any) (*Result, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding snapshot: %w", err)
	}
	return &Result{Data: data, Snapshot: raw}, nil
}

func vec3(args tool.Args, field string) ([3]float64, error) {
	var v [3]float64
	fs := args.Floats(field)
	if len(fs) != 3 {
		return v, apperr.InvalidPayload(apperr.ReasonInvalidField, field+" must have exactly 3 numbers").With("field", field)
	}
	copy(v[:], fs)
	return v, nil
}
