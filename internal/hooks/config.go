package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Hook definition types accepted in hooks.json.
const (
	HookTypeBuiltIn = "BuiltIn"
	HookTypeCommand = "Command"
	HookTypeWebhook = "Webhook"
)

// hookConfigFilenames are probed in order under the workspace root.
var hookConfigFilenames = []string{
	filepath.Join(".openfork", "hooks.json"),
	"openfork.hooks.json",
}

// HookDefinition is one entry in a hooks.json config file.
type HookDefinition struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Trigger         string `json:"trigger"`
	Type            string `json:"type"` // BuiltIn | Command | Webhook
	Priority        int    `json:"priority"`
	Enabled         bool   `json:"enabled"`
	Command         string `json:"command,omitempty"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	Pattern         string `json:"pattern,omitempty"`
	TimeoutSeconds  int    `json:"timeout"`
	ContinueOnError bool   `json:"continue_on_error"`
}

func (d HookDefinition) timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// LoadHookDefinitions reads the first hooks.json found under root
// (`.openfork/hooks.json`, then `openfork.hooks.json`). A missing file
// is not an error; it returns an empty set.
func LoadHookDefinitions(root string) ([]HookDefinition, error) {
	for _, name := range hookConfigFilenames {
		p := filepath.Join(root, name)
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read hook config %s: %w", p, err)
		}
		var defs []HookDefinition
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("decode hook config %s: %w", p, err)
		}
		return defs, nil
	}
	return nil, nil
}

// RegisterDefinitions registers every enabled definition on pipe.
// BuiltIn definitions resolve their hook function from builtins by name;
// an unknown built-in name is an error, as is an unknown type.
func RegisterDefinitions(pipe *Pipeline, defs []HookDefinition, builtins map[string]PipelineHook) error {
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		var fn PipelineHook
		switch def.Type {
		case HookTypeBuiltIn:
			f, ok := builtins[def.Name]
			if !ok {
				return fmt.Errorf("hook %q: unknown built-in", def.Name)
			}
			fn = f
		case HookTypeCommand:
			fn = commandHook(def)
		case HookTypeWebhook:
			fn = webhookHook(def)
		default:
			return fmt.Errorf("hook %q: unknown type %q", def.Name, def.Type)
		}
		if def.Pattern != "" {
			fn = patternGated(def.Pattern, fn)
		}
		pipe.Register(Trigger(def.Trigger), def.Name, fn,
			WithHookPriority(Priority(def.Priority)),
			WithContinueOnError(def.ContinueOnError),
		)
	}
	return nil
}

// patternGated skips the wrapped hook when the context's tool name does
// not match the `*`/`?` glob pattern (case-insensitive).
func patternGated(pattern string, fn PipelineHook) PipelineHook {
	return func(ctx context.Context, hc *models.HookContext) HookResult {
		matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(hc.ToolName))
		if err != nil || !matched {
			return HookResult{Success: true, Continue: true}
		}
		return fn(ctx, hc)
	}
}

// commandHook runs the configured shell command with hook context
// exported through HOOK_* environment variables. A non-zero exit is a
// failing, non-continuing result; stdout is merged into the data bag.
func commandHook(def HookDefinition) PipelineHook {
	return func(ctx context.Context, hc *models.HookContext) HookResult {
		runCtx, cancel := context.WithTimeout(ctx, def.timeout())
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", def.Command)
		cmd.Env = append(os.Environ(),
			"HOOK_SESSION_ID="+hc.SessionID,
			"HOOK_TOOL_NAME="+hc.ToolName,
			"HOOK_TOOL_CALL_ID="+hc.ToolCallID,
			"HOOK_TOOL_INPUT="+hc.Input,
		)
		out, err := cmd.Output()
		if err != nil {
			return HookResult{Success: false, Continue: false, Err: fmt.Errorf("hook command %q: %w", def.Name, err)}
		}
		return HookResult{
			Success:  true,
			Continue: true,
			Data:     map[string]any{"command_output:" + def.Name: strings.TrimSpace(string(out))},
		}
	}
}

// webhookPayload is the JSON body posted to webhook hooks.
type webhookPayload struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// webhookHook POSTs the hook context to the configured URL. Any non-2xx
// status is a failing, non-continuing result.
func webhookHook(def HookDefinition) PipelineHook {
	client := &http.Client{Timeout: def.timeout()}
	return func(ctx context.Context, hc *models.HookContext) HookResult {
		payload := webhookPayload{
			SessionID:  hc.SessionID,
			ToolCallID: hc.ToolCallID,
			ToolName:   hc.ToolName,
			Input:      hc.Input,
			Output:     hc.Output,
			DurationMs: hc.Duration.Milliseconds(),
		}
		if hc.Err != nil {
			payload.Error = hc.Err.Error()
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return HookResult{Success: false, Continue: false, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return HookResult{Success: false, Continue: false, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return HookResult{Success: false, Continue: false, Err: fmt.Errorf("hook webhook %q: %w", def.Name, err)}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return HookResult{Success: false, Continue: false, Err: fmt.Errorf("hook webhook %q: status %d", def.Name, resp.StatusCode)}
		}
		return HookResult{Success: true, Continue: true}
	}
}
