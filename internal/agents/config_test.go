package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

const catalogYAML = `agents:
  - slug: reviewer
    name: Reviewer
    category: subagent
    model_id: claude-sonnet-4-5
    max_iterations: 10
    max_concurrent_instances: 2
    can_spawn_subagents: true
    tool_config:
      mode: only_these
      list: [read, grep]
    permissions:
      default_action: ask
      rules:
        - pattern: "read:*"
          action: allow
          priority: 10
  - slug: coder
    name: Coder Override
    category: primary
    model_id: claude-opus-4
`

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cat := NewCatalog()
	cat.Register(&models.CatalogAgent{Slug: "coder", Name: "Built-in Coder", Category: models.CategoryPrimary})

	if err := LoadCatalogFile(path, cat); err != nil {
		t.Fatalf("LoadCatalogFile returned error: %v", err)
	}

	reviewer, ok := cat.BySlug("reviewer")
	if !ok {
		t.Fatal("reviewer not registered")
	}
	if reviewer.Category != models.CategorySubagent || reviewer.MaxConcurrentInstances != 2 {
		t.Errorf("reviewer fields not decoded: %+v", reviewer)
	}
	// A Subagent-category entry never keeps can_spawn_subagents.
	if reviewer.CanSpawnSubagents {
		t.Error("Register must force CanSpawnSubagents false for subagents")
	}
	if reviewer.ToolConfig.Mode != models.ToolFilterOnlyThese || len(reviewer.ToolConfig.List) != 2 {
		t.Errorf("tool config not decoded: %+v", reviewer.ToolConfig)
	}
	if reviewer.Permissions.DefaultAction != models.ActionAsk || len(reviewer.Permissions.Rules) != 1 {
		t.Errorf("permissions not decoded: %+v", reviewer.Permissions)
	}

	// Config entries override built-ins registered earlier under the same slug.
	coder, _ := cat.BySlug("coder")
	if coder.Name != "Coder Override" {
		t.Errorf("config must override the built-in, got %q", coder.Name)
	}
}

func TestLoadCatalogFileRejectsEmptySlug(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: nameless\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadCatalogFile(path, NewCatalog()); err == nil {
		t.Fatal("expected an error for an entry with no slug")
	}
}
