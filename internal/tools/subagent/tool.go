package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// TaskTool is the `task` tool through which a Primary agent spawns a
// subagent (§4.6, §9 glossary "Subagent"). A Subagent whose
// can_spawn_subagents is false must never see this tool registered
// (§8 P9); that filtering happens at the Tool Registry layer, not here.
type TaskTool struct {
	service    *Service
	workingDir func(ctx context.Context) string
}

// NewTaskTool creates the `task` tool bound to a Subagent Service.
func NewTaskTool(service *Service, workingDir func(ctx context.Context) string) *TaskTool {
	return &TaskTool{service: service, workingDir: workingDir}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Spawn a subagent identified by subagent_type to carry out a prompt, subject to its concurrency cap."
}

func (t *TaskTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subagent_type": map[string]any{"type": "string", "description": "Registered subagent slug"},
			"prompt":        map[string]any{"type": "string", "description": "Task prompt for the subagent"},
			"description":   map[string]any{"type": "string", "description": "Short human-readable description"},
			"max_iterations": map[string]any{"type": "integer", "description": "Optional cap, min'd with the agent's own limit"},
		},
		"required": []string{"subagent_type", "prompt"},
	}
}

type taskParams struct {
	SubagentType  string `json:"subagent_type"`
	Prompt        string `json:"prompt"`
	Description   string `json:"description"`
	MaxIterations int    `json:"max_iterations"`
}

// Execute blocks until the spawned subsession reaches a terminal state,
// synchronously surfacing its result or error as the tool's own output —
// the non-blocking part of §4.6 (queueing, concurrency) happens inside
// Service.Execute before this call returns.
func (t *TaskTool) Execute(ctx context.Context, input json.RawMessage, parentSessionID, parentMessageID string) (string, error) {
	var p taskParams
	if err := json.Unmarshal(input, &p); err != nil {
		return "", fmt.Errorf("invalid task input: %w", err)
	}
	if p.SubagentType == "" || p.Prompt == "" {
		return "", fmt.Errorf("subagent_type and prompt are required")
	}

	sub, err := t.service.Create(ctx, parentSessionID, parentMessageID, p.SubagentType, p.Prompt, p.Description, p.MaxIterations)
	if err != nil {
		return "", err
	}

	workingDir := ""
	if t.workingDir != nil {
		workingDir = t.workingDir(ctx)
	}

	t.service.Execute(ctx, sub, workingDir)

	switch sub.Status {
	case models.SubSessionCompleted:
		return sub.Result, nil
	case models.SubSessionCancelled:
		return "", fmt.Errorf("subagent %s cancelled: %s", sub.AgentSlug, sub.CancelReason)
	default:
		return "", fmt.Errorf("subagent %s failed: %s", sub.AgentSlug, sub.Error)
	}
}

// AgentTool adapts TaskTool to agent.Tool, binding the parent session
// and message ID a turn's tool set is built with (the Agent Loop builds
// req.Tools fresh per turn, so a new AgentTool is constructed per turn
// too).
type AgentTool struct {
	task            *TaskTool
	parentSessionID string
	parentMessageID string
}

// NewAgentTool wraps task for one turn's tool set.
func NewAgentTool(task *TaskTool, parentSessionID, parentMessageID string) *AgentTool {
	return &AgentTool{task: task, parentSessionID: parentSessionID, parentMessageID: parentMessageID}
}

func (a *AgentTool) Name() string        { return a.task.Name() }
func (a *AgentTool) Description() string { return a.task.Description() }

func (a *AgentTool) Schema() json.RawMessage {
	b, _ := json.Marshal(a.task.Schema())
	return b
}

func (a *AgentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	content, err := a.task.Execute(ctx, params, a.parentSessionID, a.parentMessageID)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: content}, nil
}
