package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/sigee-min/bbmcp/internal/tool"
)

// SystemPermission marks an elevated caller in a permission snapshot. It
// unlocks SystemOnly tools.
const SystemPermission = "system"

// Catalog resolves the tools visible to a permission snapshot. Results are
// cached per snapshot hash for the lifetime of the catalog.
type Catalog struct {
	specs []tool.Spec

	mu    sync.RWMutex
	cache map[string][]tool.Spec
	group singleflight.Group

	resolutions atomic.Int64
}

// NewCatalog creates a Catalog over specs.
func NewCatalog(specs []tool.Spec) *Catalog {
	return &Catalog{
		specs: slices.Clone(specs),
		cache: make(map[string][]tool.Spec),
	}
}

// SnapshotKey is the hex sha256 of the sorted, de-duplicated permissions.
func SnapshotKey(perms []string) string {
	sorted := slices.Clone(perms)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Visible returns the tools a caller holding perms may see. Concurrent
// misses on the same snapshot resolve once.
func (c *Catalog) Visible(perms []string) ([]tool.Spec, error) {
	key := SnapshotKey(perms)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return slices.Clone(cached), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		c.resolutions.Add(1)
		resolved := c.resolve(perms)
		c.mu.Lock()
		c.cache[key] = resolved
		c.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]tool.Spec)), nil
}

// Resolutions counts cache misses.
func (c *Catalog) Resolutions() int64 { return c.resolutions.Load() }

func (c *Catalog) resolve(perms []string) []tool.Spec {
	out := make([]tool.Spec, 0, len(c.specs))
	for _, s := range c.specs {
		if s.SystemOnly && !slices.Contains(perms, SystemPermission) {
			continue
		}
		if p := s.Permission(); p != "" && !slices.Contains(perms, p) {
			continue
		}
		out = append(out, s)
	}
	return out
}
