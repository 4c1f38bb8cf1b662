// Package engine is the boundary to the native modeling engine that
// performs domain edits. The gateway owns authorization, locking and
// revisions; a Backend only turns (project snapshot, arguments) into a new
// snapshot, a result and optional job requests.
package engine

import (
	"context"
	"encoding/json"

	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/tool"
)

// Call is one tool invocation handed to a Backend. Project is a copy the
// backend may read freely.
type Call struct {
	Tool    string
	Project *project.Project
	Args    tool.Args
}

// JobRequest asks the gateway to enqueue asynchronous work for the project.
type JobRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Result is a successful backend outcome. A nil Snapshot leaves the stored
// snapshot unchanged.
type Result struct {
	Data     any
	Snapshot json.RawMessage
	Jobs     []JobRequest
}

// Health reports backend availability.
type Health struct {
	Available bool           `json:"available"`
	Engine    string         `json:"engine"`
	Details   map[string]any `json:"details,omitempty"`
}

// Backend performs domain operations. Errors it returns reach the caller
// unchanged.
type Backend interface {
	// Tools lists the project tools the backend implements.
	Tools() []tool.Spec
	// NewSnapshot returns the initial snapshot of a project in format.
	NewSnapshot(format string) (json.RawMessage, error)
	Handle(ctx context.Context, call Call) (*Result, error)
	Health(ctx context.Context) Health
}
