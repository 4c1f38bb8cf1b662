package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"

	"github.com/sigee-min/bbmcp/internal/blob"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/project"
)

// ExportPayload is the payload of an export_conversion job. Snapshot is
// the project state at Revision, captured when the job was queued.
type ExportPayload struct {
	ProjectID string          `json:"projectId"`
	Revision  int64           `json:"revision"`
	Format    string          `json:"format"`
	Key       string          `json:"key"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// PreflightPayload is the payload of a texture_preflight job.
type PreflightPayload struct {
	ProjectID string          `json:"projectId"`
	Revision  int64           `json:"revision"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// PreflightIssue is one problem found by a texture preflight.
type PreflightIssue struct {
	TextureID string `json:"textureId"`
	Problem   string `json:"problem"`
}

// JobRunner executes the jobs the local engine requests.
type JobRunner struct {
	projects project.Repository
	blobs    blob.Store
}

// NewJobRunner creates a JobRunner reading projects and writing blobs.
func NewJobRunner(projects project.Repository, blobs blob.Store) *JobRunner {
	return &JobRunner{projects: projects, blobs: blobs}
}

// Handlers maps job kinds to their handlers for a jobqueue.Worker.
func (r *JobRunner) Handlers() map[string]jobqueue.Handler {
	return map[string]jobqueue.Handler{
		jobqueue.KindExportConversion: jobqueue.HandlerFunc(r.Export),
		jobqueue.KindTexturePreflight: jobqueue.HandlerFunc(r.Preflight),
	}
}

// Export renders the snapshot captured in the payload and writes it to the
// payload's key. Replays write the same bytes to the same key.
func (r *JobRunner) Export(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var p ExportPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("engine: decoding export payload: %w", err)
	}
	snap, err := r.snapshotAt(ctx, p.ProjectID, p.Revision, p.Snapshot)
	if err != nil {
		return nil, err
	}
	data, err := Render(snap, p.Format, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := r.blobs.Put(ctx, p.Key, data); err != nil {
		return nil, fmt.Errorf("engine: storing export: %w", err)
	}
	return json.Marshal(map[string]any{
		"key":      p.Key,
		"format":   p.Format,
		"bytes":    len(data),
		"revision": p.Revision,
	})
}

// Preflight checks every texture of the snapshot captured in the payload.
func (r *JobRunner) Preflight(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var p PreflightPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("engine: decoding preflight payload: %w", err)
	}
	snap, err := r.snapshotAt(ctx, p.ProjectID, p.Revision, p.Snapshot)
	if err != nil {
		return nil, err
	}
	issues := CheckTextures(snap.Textures)
	return json.Marshal(map[string]any{
		"ok":       len(issues) == 0,
		"textures": len(snap.Textures),
		"issues":   issues,
		"revision": p.Revision,
	})
}

// CheckTextures reports textures that are not power-of-two sized, exceed
// MaxTextureSize or reuse a name.
func CheckTextures(textures []Texture) []PreflightIssue {
	issues := []PreflightIssue{}
	seen := make(map[string]bool, len(textures))
	for _, t := range textures {
		if !powerOfTwo(t.Width) || !powerOfTwo(t.Height) {
			issues = append(issues, PreflightIssue{TextureID: t.ID, Problem: fmt.Sprintf("size %dx%d is not a power of two", t.Width, t.Height)})
		}
		if t.Width > MaxTextureSize || t.Height > MaxTextureSize {
			issues = append(issues, PreflightIssue{TextureID: t.ID, Problem: fmt.Sprintf("exceeds %d pixels", MaxTextureSize)})
		}
		if seen[t.Name] {
			issues = append(issues, PreflightIssue{TextureID: t.ID, Problem: "duplicate name " + t.Name})
		}
		seen[t.Name] = true
	}
	return issues
}

// snapshotAt returns the project state at revision. Payloads queued
// without a captured snapshot fall back to the stored project, which must
// still be at that revision.
func (r *JobRunner) snapshotAt(ctx context.Context, projectID string, revision int64, captured json.RawMessage) (*Snapshot, error) {
	if len(captured) > 0 {
		return DecodeSnapshot(captured)
	}
	p, err := r.projects.Find(ctx, project.Scope{}, projectID)
	if errors.Is(err, project.ErrNotFound) {
		return nil, fmt.Errorf("engine: project %s no longer exists", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: loading project %s: %w", projectID, err)
	}
	if p.Revision != revision {
		return nil, fmt.Errorf("engine: project %s moved to revision %d, job targets %d", projectID, p.Revision, revision)
	}
	return DecodeSnapshot(p.Snapshot)
}

func powerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}
