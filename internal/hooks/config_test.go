package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func writeHookConfig(t *testing.T, root, rel string, defs []HookDefinition) {
	t.Helper()
	data, err := json.Marshal(defs)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadHookDefinitionsPrefersDotDir(t *testing.T) {
	root := t.TempDir()
	writeHookConfig(t, root, filepath.Join(".openfork", "hooks.json"), []HookDefinition{{Name: "dot"}})
	writeHookConfig(t, root, "openfork.hooks.json", []HookDefinition{{Name: "flat"}})

	defs, err := LoadHookDefinitions(root)
	if err != nil {
		t.Fatalf("LoadHookDefinitions returned error: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "dot" {
		t.Errorf("expected the .openfork config to win, got %+v", defs)
	}
}

func TestLoadHookDefinitionsMissingIsEmpty(t *testing.T) {
	defs, err := LoadHookDefinitions(t.TempDir())
	if err != nil {
		t.Fatalf("missing config must not error, got %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("expected no definitions, got %d", len(defs))
	}
}

func TestRegisterDefinitionsBuiltIn(t *testing.T) {
	pipe := NewPipeline()
	called := false
	builtins := map[string]PipelineHook{
		"mark": func(ctx context.Context, hc *models.HookContext) HookResult {
			called = true
			return HookResult{Success: true, Continue: true}
		},
	}

	defs := []HookDefinition{
		{Name: "mark", Trigger: "PreTool", Type: HookTypeBuiltIn, Enabled: true},
		{Name: "disabled", Trigger: "PreTool", Type: HookTypeBuiltIn, Enabled: false},
	}
	if err := RegisterDefinitions(pipe, defs, builtins); err != nil {
		t.Fatalf("RegisterDefinitions returned error: %v", err)
	}

	cont, err := pipe.RunPre(context.Background(), "PreTool", &models.HookContext{Data: map[string]any{}})
	if err != nil || !cont {
		t.Fatalf("RunPre = (%v, %v)", cont, err)
	}
	if !called {
		t.Error("enabled built-in hook did not run")
	}
}

func TestRegisterDefinitionsUnknownBuiltIn(t *testing.T) {
	err := RegisterDefinitions(NewPipeline(), []HookDefinition{
		{Name: "ghost", Trigger: "PreTool", Type: HookTypeBuiltIn, Enabled: true},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown built-in name")
	}
}

func TestCommandHookRunsAndExportsContext(t *testing.T) {
	pipe := NewPipeline()
	defs := []HookDefinition{{
		Name:    "echo-tool",
		Trigger: "PostTool",
		Type:    HookTypeCommand,
		Enabled: true,
		Command: `printf '%s' "$HOOK_TOOL_NAME"`,
	}}
	if err := RegisterDefinitions(pipe, defs, nil); err != nil {
		t.Fatalf("RegisterDefinitions returned error: %v", err)
	}

	hc := &models.HookContext{ToolName: "bash", Data: map[string]any{}}
	pipe.RunPost(context.Background(), "PostTool", hc)
	if got := hc.Data["command_output:echo-tool"]; got != "bash" {
		t.Errorf("command output in data bag = %v, want bash", got)
	}
}

func TestCommandHookFailureCancelsPre(t *testing.T) {
	pipe := NewPipeline()
	defs := []HookDefinition{{
		Name:    "always-fails",
		Trigger: "PreTool",
		Type:    HookTypeCommand,
		Enabled: true,
		Command: "exit 3",
	}}
	if err := RegisterDefinitions(pipe, defs, nil); err != nil {
		t.Fatal(err)
	}

	cont, _ := pipe.RunPre(context.Background(), "PreTool", &models.HookContext{Data: map[string]any{}})
	if cont {
		t.Error("a failing Pre* command hook must abort the action")
	}
}

func TestPatternGatedSkipsNonMatchingTools(t *testing.T) {
	pipe := NewPipeline()
	defs := []HookDefinition{{
		Name:    "bash-only",
		Trigger: "PreTool",
		Type:    HookTypeCommand,
		Enabled: true,
		Pattern: "bash*",
		Command: "exit 1",
	}}
	if err := RegisterDefinitions(pipe, defs, nil); err != nil {
		t.Fatal(err)
	}

	cont, _ := pipe.RunPre(context.Background(), "PreTool", &models.HookContext{ToolName: "read", Data: map[string]any{}})
	if !cont {
		t.Error("hook must be skipped when the tool name does not match the pattern")
	}

	cont, _ = pipe.RunPre(context.Background(), "PreTool", &models.HookContext{ToolName: "bash", Data: map[string]any{}})
	if cont {
		t.Error("hook must run (and here fail) when the tool name matches")
	}
}

func TestWebhookHookPostsContext(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pipe := NewPipeline()
	defs := []HookDefinition{{
		Name:       "notify",
		Trigger:    "PostTool",
		Type:       HookTypeWebhook,
		Enabled:    true,
		WebhookURL: srv.URL,
	}}
	if err := RegisterDefinitions(pipe, defs, nil); err != nil {
		t.Fatal(err)
	}

	pipe.RunPost(context.Background(), "PostTool", &models.HookContext{
		SessionID: "s1", ToolName: "bash", Output: "ok", Data: map[string]any{},
	})
	if received.SessionID != "s1" || received.ToolName != "bash" || received.Output != "ok" {
		t.Errorf("webhook payload = %+v", received)
	}
}
