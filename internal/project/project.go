// Package project defines the project record and its persistence port.
//
// A project's Revision is the optimistic-concurrency token: every accepted
// mutation increments it by exactly one, and Repository.Save refuses to
// write over a revision other than the one the caller read.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Repository.Find when no project matches.
var ErrNotFound = errors.New("project: not found")

// ErrRevisionConflict is returned by Repository.Save when the stored
// revision differs from the expected one.
var ErrRevisionConflict = errors.New("project: revision conflict")

// Project is the authoritative record of one 3D-model project.
type Project struct {
	ID             string          `json:"projectId"`
	WorkspaceID    string          `json:"workspaceId"`
	Name           string          `json:"name"`
	ParentFolderID *string         `json:"parentFolderId"`
	Revision       int64           `json:"revision"`
	ActiveJobID    string          `json:"activeJob,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy safe to mutate.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ParentFolderID != nil {
		parent := *p.ParentFolderID
		cp.ParentFolderID = &parent
	}
	if p.Snapshot != nil {
		cp.Snapshot = append(json.RawMessage(nil), p.Snapshot...)
	}
	return &cp
}

// Scope narrows repository lookups to one workspace. An empty WorkspaceID
// matches any workspace.
type Scope struct {
	WorkspaceID string
}

// Repository persists project records. Save is a compare-and-swap on
// Revision: it succeeds only when the stored revision equals
// expectedRevision (0 with no stored row creates it).
type Repository interface {
	Find(ctx context.Context, scope Scope, id string) (*Project, error)
	Save(ctx context.Context, p *Project, expectedRevision int64) error
	Remove(ctx context.Context, scope Scope, id string) error
}
