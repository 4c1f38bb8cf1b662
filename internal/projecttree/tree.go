// Package projecttree maintains the folder/project hierarchy of a
// workspace and its ordering.
//
// Tree holds the pure algorithms (insert, move, cycle and depth checks,
// filtered traversal). Store wraps a Tree per workspace with persistence,
// id minting, revision bumps, snapshot events and cascade cleanup.
package projecttree

import (
	"strings"

	"github.com/sigee-min/bbmcp/internal/apperr"
)

// DefaultMaxFolderDepth is the deepest level a folder may sit at. Folders
// directly under the root are at depth 1.
const DefaultMaxFolderDepth = 8

// ChildKind distinguishes folder and project entries in a child list.
type ChildKind string

const (
	KindFolder  ChildKind = "folder"
	KindProject ChildKind = "project"
)

// Child is one ordered entry of a folder (or the root).
type Child struct {
	Kind ChildKind `json:"kind"`
	ID   string    `json:"id"`
}

// Folder is a tree node that can contain folders and projects.
type Folder struct {
	ID       string  `json:"folderId"`
	Name     string  `json:"name"`
	ParentID *string `json:"parentFolderId"`
	Children []Child `json:"children"`
}

// ProjectNode is the structural view of a project inside the tree.
type ProjectNode struct {
	ID       string  `json:"projectId"`
	Name     string  `json:"name"`
	ParentID *string `json:"parentFolderId"`
}

// Tree is one workspace's hierarchy. Version is the optimistic commit
// token maintained by the Repository.
type Tree struct {
	Version  int64                   `json:"version"`
	Root     []Child                 `json:"root"`
	Folders  map[string]*Folder      `json:"folders"`
	Projects map[string]*ProjectNode `json:"projects"`
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		Folders:  make(map[string]*Folder),
		Projects: make(map[string]*ProjectNode),
	}
}

// Clone returns a deep copy. Store mutates clones so a failed operation
// never leaves partial changes behind.
func (t *Tree) Clone() *Tree {
	cp := &Tree{
		Version:  t.Version,
		Root:     append([]Child(nil), t.Root...),
		Folders:  make(map[string]*Folder, len(t.Folders)),
		Projects: make(map[string]*ProjectNode, len(t.Projects)),
	}
	for id, f := range t.Folders {
		cp.Folders[id] = &Folder{
			ID:       f.ID,
			Name:     f.Name,
			ParentID: copyID(f.ParentID),
			Children: append([]Child(nil), f.Children...),
		}
	}
	for id, p := range t.Projects {
		cp.Projects[id] = &ProjectNode{ID: p.ID, Name: p.Name, ParentID: copyID(p.ParentID)}
	}
	return cp
}

// --- Structural queries ---

// Depth returns the level of folderID: 0 for the root (nil), 1 for a
// folder directly under the root.
func (t *Tree) Depth(folderID *string) int {
	depth := 0
	for cur := folderID; cur != nil; {
		f, ok := t.Folders[*cur]
		if !ok {
			break
		}
		depth++
		cur = f.ParentID
	}
	return depth
}

// Height returns the number of folder levels in the subtree rooted at
// folderID, counting the folder itself.
func (t *Tree) Height(folderID string) int {
	f, ok := t.Folders[folderID]
	if !ok {
		return 0
	}
	maxChild := 0
	for _, c := range f.Children {
		if c.Kind != KindFolder {
			continue
		}
		if h := t.Height(c.ID); h > maxChild {
			maxChild = h
		}
	}
	return 1 + maxChild
}

// IsWithin reports whether candidate is folderID or one of its
// descendants.
func (t *Tree) IsWithin(candidate *string, folderID string) bool {
	for cur := candidate; cur != nil; {
		if *cur == folderID {
			return true
		}
		f, ok := t.Folders[*cur]
		if !ok {
			return false
		}
		cur = f.ParentID
	}
	return false
}

// AncestorPath returns [folderID, parent, ..., nil]: the chain from the
// target folder to the root, root last. A nil folderID yields [nil].
func (t *Tree) AncestorPath(folderID *string) ([]*string, error) {
	if err := t.requireFolder(folderID); err != nil {
		return nil, err
	}
	var path []*string
	for cur := folderID; cur != nil; {
		path = append(path, copyID(cur))
		cur = t.Folders[*cur].ParentID
	}
	return append(path, nil), nil
}

// HasFolder reports whether id names a folder of this tree.
func (t *Tree) HasFolder(id string) bool {
	_, ok := t.Folders[id]
	return ok
}

// --- Folder operations ---

// AddFolder inserts a new folder under parentID at index (append when nil).
func (t *Tree) AddFolder(id string, parentID *string, name string, index *int, maxDepth int) (*Folder, error) {
	if err := t.requireFolder(parentID); err != nil {
		return nil, err
	}
	if t.Depth(parentID)+1 > maxDepth {
		return nil, depthError(maxDepth)
	}
	f := &Folder{
		ID:       id,
		Name:     NormalizeName(name, DefaultFolderName),
		ParentID: copyID(parentID),
		Children: []Child{},
	}
	t.Folders[id] = f
	t.insert(parentID, Child{Kind: KindFolder, ID: id}, index)
	return f, nil
}

// RenameFolder sets a folder's normalized name.
func (t *Tree) RenameFolder(id, name string) (*Folder, error) {
	f, ok := t.Folders[id]
	if !ok {
		return nil, folderNotFound(id)
	}
	f.Name = NormalizeName(name, DefaultFolderName)
	return f, nil
}

// MoveFolder re-parents a folder. Moving into itself or a descendant, or
// past maxDepth, fails before anything changes. Reordering within the same
// parent removes the folder first and applies index to the remaining list.
func (t *Tree) MoveFolder(id string, parentID *string, index *int, maxDepth int) (*Folder, error) {
	f, ok := t.Folders[id]
	if !ok {
		return nil, folderNotFound(id)
	}
	if err := t.requireFolder(parentID); err != nil {
		return nil, err
	}
	if t.IsWithin(parentID, id) {
		return nil, apperr.InvalidState(apperr.ReasonFolderCycle,
			"a folder cannot be moved into itself or one of its descendants").
			With("folderId", id)
	}
	if t.Depth(parentID)+t.Height(id) > maxDepth {
		return nil, depthError(maxDepth)
	}
	t.detach(f.ParentID, Child{Kind: KindFolder, ID: id})
	f.ParentID = copyID(parentID)
	t.insert(parentID, Child{Kind: KindFolder, ID: id}, index)
	return f, nil
}

// RemoveFolder detaches a folder and deletes its whole subtree. It returns
// the ids of every removed folder and project.
func (t *Tree) RemoveFolder(id string) (folders, projects []string, err error) {
	f, ok := t.Folders[id]
	if !ok {
		return nil, nil, folderNotFound(id)
	}
	t.detach(f.ParentID, Child{Kind: KindFolder, ID: id})
	t.removeSubtree(id, &folders, &projects)
	return folders, projects, nil
}

func (t *Tree) removeSubtree(id string, folders, projects *[]string) {
	f := t.Folders[id]
	for _, c := range f.Children {
		switch c.Kind {
		case KindFolder:
			t.removeSubtree(c.ID, folders, projects)
		case KindProject:
			delete(t.Projects, c.ID)
			*projects = append(*projects, c.ID)
		}
	}
	delete(t.Folders, id)
	*folders = append(*folders, id)
}

// --- Project operations ---

// AddProject inserts a project node under parentID.
func (t *Tree) AddProject(id string, parentID *string, name string, index *int) (*ProjectNode, error) {
	if err := t.requireFolder(parentID); err != nil {
		return nil, err
	}
	p := &ProjectNode{ID: id, Name: NormalizeName(name, DefaultProjectName), ParentID: copyID(parentID)}
	t.Projects[id] = p
	t.insert(parentID, Child{Kind: KindProject, ID: id}, index)
	return p, nil
}

// RenameProject sets a project's normalized name.
func (t *Tree) RenameProject(id, name string) (*ProjectNode, error) {
	p, ok := t.Projects[id]
	if !ok {
		return nil, projectNotFound(id)
	}
	p.Name = NormalizeName(name, DefaultProjectName)
	return p, nil
}

// MoveProject re-parents or reorders a project.
func (t *Tree) MoveProject(id string, parentID *string, index *int) (*ProjectNode, error) {
	p, ok := t.Projects[id]
	if !ok {
		return nil, projectNotFound(id)
	}
	if err := t.requireFolder(parentID); err != nil {
		return nil, err
	}
	t.detach(p.ParentID, Child{Kind: KindProject, ID: id})
	p.ParentID = copyID(parentID)
	t.insert(parentID, Child{Kind: KindProject, ID: id}, index)
	return p, nil
}

// RemoveProject detaches and deletes a project node.
func (t *Tree) RemoveProject(id string) error {
	p, ok := t.Projects[id]
	if !ok {
		return projectNotFound(id)
	}
	t.detach(p.ParentID, Child{Kind: KindProject, ID: id})
	delete(t.Projects, id)
	return nil
}

// --- Traversal ---

// Node is one entry of a GetProjectTree result.
type Node struct {
	Kind     ChildKind `json:"kind"`
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Children []Node    `json:"children,omitempty"`
}

// Query returns the tree depth-first. A non-empty query keeps nodes whose
// name or id contains it (case-insensitive) plus every folder on the way
// to a match; a matching folder keeps its whole subtree.
func (t *Tree) Query(query string) []Node {
	q := strings.ToLower(strings.TrimSpace(query))
	return t.collect(t.Root, q)
}

func (t *Tree) collect(children []Child, q string) []Node {
	nodes := []Node{}
	for _, c := range children {
		switch c.Kind {
		case KindFolder:
			f, ok := t.Folders[c.ID]
			if !ok {
				continue
			}
			if q == "" || matches(f.ID, f.Name, q) {
				nodes = append(nodes, Node{Kind: KindFolder, ID: f.ID, Name: f.Name, Children: t.collect(f.Children, "")})
				continue
			}
			if sub := t.collect(f.Children, q); len(sub) > 0 {
				nodes = append(nodes, Node{Kind: KindFolder, ID: f.ID, Name: f.Name, Children: sub})
			}
		case KindProject:
			p, ok := t.Projects[c.ID]
			if !ok {
				continue
			}
			if q == "" || matches(p.ID, p.Name, q) {
				nodes = append(nodes, Node{Kind: KindProject, ID: p.ID, Name: p.Name})
			}
		}
	}
	return nodes
}

func matches(id, name, q string) bool {
	return strings.Contains(strings.ToLower(name), q) || strings.Contains(strings.ToLower(id), q)
}

// --- Internals ---

func (t *Tree) childList(parentID *string) *[]Child {
	if parentID == nil {
		return &t.Root
	}
	return &t.Folders[*parentID].Children
}

// insert places child at index within parent's list, clamped to bounds.
func (t *Tree) insert(parentID *string, child Child, index *int) {
	list := t.childList(parentID)
	pos := len(*list)
	if index != nil && *index >= 0 && *index < pos {
		pos = *index
	}
	*list = append(*list, Child{})
	copy((*list)[pos+1:], (*list)[pos:])
	(*list)[pos] = child
}

func (t *Tree) detach(parentID *string, child Child) {
	if parentID != nil && !t.HasFolder(*parentID) {
		return
	}
	list := t.childList(parentID)
	for i, c := range *list {
		if c == child {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (t *Tree) requireFolder(id *string) error {
	if id == nil || t.HasFolder(*id) {
		return nil
	}
	return folderNotFound(*id)
}

func folderNotFound(id string) *apperr.Error {
	return apperr.InvalidPayload(apperr.ReasonFolderNotFound, "folder not found: "+id).With("folderId", id)
}

func projectNotFound(id string) *apperr.Error {
	return apperr.InvalidPayload(apperr.ReasonProjectNotFound, "project not found: "+id).With("projectId", id)
}

func depthError(maxDepth int) *apperr.Error {
	return apperr.Newf(apperr.CodeInvalidState, apperr.ReasonFolderDepthExceeded,
		"folder depth limit (%d) exceeded", maxDepth).With("maxDepth", maxDepth)
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
