// Package entityid mints short, deterministic, collision-checked ids for
// workspaces, roles, folders, projects and jobs.
package entityid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Id prefixes used across the control plane.
const (
	PrefixWorkspace = "ws"
	PrefixRole      = "role"
	PrefixFolder    = "fld"
	PrefixProject   = "prj"
	PrefixJob       = "job"
)

// MaxAttempts bounds how many consecutive collisions Next tolerates.
const MaxAttempts = 1024

const hashLen = 12

// ExistsFunc reports whether an id is already taken.
type ExistsFunc func(id string) (bool, error)

// Generator produces ids of the form {prefix}_{12 hex chars}. The hash
// input is "prefix:nonce:seed" where nonce advances on every attempt,
// collisions included.
type Generator struct {
	mu    sync.Mutex
	seed  string
	nonce uint64
}

// New creates a Generator. Two generators with the same seed produce the
// same id sequence.
func New(seed string) *Generator {
	return &Generator{seed: seed}
}

// Next returns the first id for prefix that exists does not report as
// taken. A nil exists accepts the first candidate.
func (g *Generator) Next(prefix string, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		id := g.candidate(prefix)
		if exists == nil {
			return id, nil
		}
		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("entityid: checking %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("entityid: no free %s id after %d attempts", prefix, MaxAttempts)
}

// Nonce returns the number of candidates minted so far.
func (g *Generator) Nonce() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonce
}

func (g *Generator) candidate(prefix string) string {
	g.mu.Lock()
	g.nonce++
	nonce := g.nonce
	g.mu.Unlock()
	return Format(prefix, nonce, g.seed)
}

// Format computes the id for an explicit nonce.
func Format(prefix string, nonce uint64, seed string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", prefix, nonce, seed)))
	return prefix + "_" + hex.EncodeToString(sum[:])[:hashLen]
}
