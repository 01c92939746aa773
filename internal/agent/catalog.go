package agent

import (
	"os"
	"path/filepath"
	"sort"
)

// Catalog answers whether an agent id is known. The handoff validator and
// the executor consult it before routing work.
type Catalog interface {
	Exists(agentID string) bool
}

// DirCatalog resolves agents against an agents directory: an agent exists
// when <dir>/<id>.md or <dir>/<id>/ is present, or when the id was
// registered as a configured extra.
type DirCatalog struct {
	dir    string
	extras map[string]bool
}

// NewDirCatalog returns a catalog over dir with the configured extra ids.
func NewDirCatalog(dir string, extras []string) *DirCatalog {
	m := make(map[string]bool, len(extras))
	for _, id := range extras {
		m[id] = true
	}
	return &DirCatalog{dir: dir, extras: m}
}

// Exists reports whether the agent has a definition file, a directory, or a
// configuration entry.
func (c *DirCatalog) Exists(agentID string) bool {
	if agentID == "" {
		return false
	}
	if c.extras[agentID] {
		return true
	}
	if _, err := os.Stat(filepath.Join(c.dir, agentID+".md")); err == nil {
		return true
	}
	info, err := os.Stat(filepath.Join(c.dir, agentID))
	return err == nil && info.IsDir()
}

// List returns the known agent ids in sorted order: configured extras plus
// every definition found in the directory.
func (c *DirCatalog) List() []string {
	seen := make(map[string]bool, len(c.extras))
	for id := range c.extras {
		seen[id] = true
	}

	if entries, err := os.ReadDir(c.dir); err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				seen[name] = true
				continue
			}
			if filepath.Ext(name) == ".md" {
				seen[name[:len(name)-len(".md")]] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StaticCatalog is a fixed id set for tests.
type StaticCatalog map[string]bool

// Exists reports membership in the set.
func (c StaticCatalog) Exists(agentID string) bool { return c[agentID] }
