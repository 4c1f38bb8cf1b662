package engine

import (
	"encoding/json"
	"fmt"
)

// Render serializes a snapshot in an export format. Output is a pure
// function of its inputs.
func Render(snap *Snapshot, format, name string) ([]byte, error) {
	var doc any
	switch format {
	case ExportGLTF:
		nodes := make([]map[string]any, 0, len(snap.Cubes))
		for _, c := range snap.Cubes {
			nodes = append(nodes, map[string]any{
				"name":        c.Name,
				"translation": center(c),
				"scale":       size(c),
			})
		}
		doc = map[string]any{
			"asset":  map[string]any{"version": "2.0", "generator": "bbmcp"},
			"scene":  0,
			"scenes": []map[string]any{{"name": name, "nodes": indexes(len(nodes))}},
			"nodes":  nodes,
		}
	case ExportJavaJSON:
		elements := make([]map[string]any, 0, len(snap.Cubes))
		for _, c := range snap.Cubes {
			elements = append(elements, map[string]any{"name": c.Name, "from": c.From, "to": c.To})
		}
		textures := make(map[string]string, len(snap.Textures))
		for _, t := range snap.Textures {
			textures[t.ID] = t.Name
		}
		doc = map[string]any{"textures": textures, "elements": elements}
	case ExportBedrockGeometry:
		cubes := make([]map[string]any, 0, len(snap.Cubes))
		for _, c := range snap.Cubes {
			cubes = append(cubes, map[string]any{"origin": c.From, "size": size(c)})
		}
		doc = map[string]any{
			"format_version":     "1.12.0",
			"minecraft:geometry": []map[string]any{{
				"description": map[string]any{"identifier": "geometry." + name},
				"bones":       []map[string]any{{"name": "root", "pivot": [3]float64{}, "cubes": cubes}},
			}},
		}
	default:
		return nil, fmt.Errorf("engine: no renderer for %q", format)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func center(c Cube) [3]float64 {
	var v [3]float64
	for i := range 3 {
		v[i] = (c.From[i] + c.To[i]) / 2
	}
	return v
}

func size(c Cube) [3]float64 {
	var v [3]float64
	for i := range 3 {
		v[i] = c.To[i] - c.From[i]
	}
	return v
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
