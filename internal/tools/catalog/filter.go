// Package catalog implements the Tool Registry's filtered views and
// declarative pipeline-tool composition (§4.7).
package catalog

import (
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// FilterTools applies a ToolConfiguration to the full tool set, returning
// only the tools an agent may see.
func FilterTools(all []agent.Tool, cfg models.ToolConfiguration) []agent.Tool {
	switch cfg.Mode {
	case models.ToolFilterNone:
		return nil
	case models.ToolFilterOnlyThese:
		return filterBy(all, cfg.List, true)
	case models.ToolFilterAllExcept:
		return filterBy(all, cfg.List, false)
	case models.ToolFilterAll:
		fallthrough
	default:
		return append([]agent.Tool(nil), all...)
	}
}

// ToolsForAgent builds an agent's full filtered tool view: the agent's
// ToolConfiguration applied to the registry, with the `task` tool
// stripped for agents that may not spawn subagents.
func ToolsForAgent(all []agent.Tool, a *models.CatalogAgent) []agent.Tool {
	tools := FilterTools(all, a.ToolConfig)
	if a.CanSpawnSubagents {
		return tools
	}
	out := tools[:0]
	for _, t := range tools {
		if t.Name() != "task" {
			out = append(out, t)
		}
	}
	return out
}

func filterBy(all []agent.Tool, list []string, include bool) []agent.Tool {
	set := make(map[string]bool, len(list))
	for _, name := range list {
		set[name] = true
	}
	out := make([]agent.Tool, 0, len(all))
	for _, t := range all {
		if set[t.Name()] == include {
			out = append(out, t)
		}
	}
	return out
}
