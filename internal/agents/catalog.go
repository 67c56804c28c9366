// Package agents holds the read-only agent catalog: built-in and
// YAML-configured entries merged by slug, validated at registration.
package agents

import (
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Catalog is the read-mostly Agent Registry (§3 "Agent", §9): built-in
// agents merged with configuration-supplied agents by slug, guarded by a
// concurrent map built at init (§5 "Shared resources").
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]*models.CatalogAgent
}

// NewCatalog creates an empty Agent Registry.
func NewCatalog() *Catalog {
	return &Catalog{agents: make(map[string]*models.CatalogAgent)}
}

// Register adds or replaces an agent by slug; a later Register for the
// same slug overrides an earlier one, which is how configuration-supplied
// agents take precedence over built-ins registered first. The entry is
// copied, and a Subagent-category entry always has CanSpawnSubagents
// forced false.
func (c *Catalog) Register(agent *models.CatalogAgent) {
	a := *agent
	if a.Category == models.CategorySubagent {
		a.CanSpawnSubagents = false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[a.Slug] = &a
}

// BySlug looks up an agent by slug, satisfying subagent.AgentResolver.
func (c *Catalog) BySlug(slug string) (*models.CatalogAgent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[slug]
	return a, ok
}

// List returns every registered agent regardless of visibility, ordered
// by DisplayOrder then slug.
func (c *Catalog) List() []*models.CatalogAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.CatalogAgent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sortByDisplayOrder(out)
	return out
}

// Enumerable returns every non-Hidden agent, the view surfaced to users
// (§3 "Hidden agents are never enumerated").
func (c *Catalog) Enumerable() []*models.CatalogAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.CatalogAgent, 0, len(c.agents))
	for _, a := range c.agents {
		if a.Category != models.CategoryHidden {
			out = append(out, a)
		}
	}
	sortByDisplayOrder(out)
	return out
}

// Primaries returns every Primary-category agent, the set a user turn may
// select from directly.
func (c *Catalog) Primaries() []*models.CatalogAgent {
	return c.byCategory(models.CategoryPrimary)
}

// Subagents returns every Subagent-category agent, the set the `task`
// tool may spawn.
func (c *Catalog) Subagents() []*models.CatalogAgent {
	return c.byCategory(models.CategorySubagent)
}

func (c *Catalog) byCategory(cat models.AgentCategory) []*models.CatalogAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.CatalogAgent, 0)
	for _, a := range c.agents {
		if a.Category == cat {
			out = append(out, a)
		}
	}
	sortByDisplayOrder(out)
	return out
}

func sortByDisplayOrder(agents []*models.CatalogAgent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].DisplayOrder != agents[j].DisplayOrder {
			return agents[i].DisplayOrder < agents[j].DisplayOrder
		}
		return agents[i].Slug < agents[j].Slug
	})
}

// CanSpawn reports whether parent is permitted to spawn childSlug: the
// parent must be able to spawn at all, and if it declares an explicit
// allow-list, childSlug must be on it.
func (c *Catalog) CanSpawn(parent *models.CatalogAgent, childSlug string) bool {
	if parent == nil || !parent.CanSpawnSubagents {
		return false
	}
	child, ok := c.BySlug(childSlug)
	if !ok || child.Category != models.CategorySubagent {
		return false
	}
	if len(parent.AllowedSubagentSlugs) == 0 {
		return true
	}
	for _, s := range parent.AllowedSubagentSlugs {
		if s == childSlug {
			return true
		}
	}
	return false
}
