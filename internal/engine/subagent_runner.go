package engine

import (
	"context"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// SubagentLoopRunner adapts Loop to subagent.LoopRunner, running a
// subsession's prompt as a fresh single-user-turn Agent Loop invocation
// under the subagent's own system prompt and filtered tool list (§4.6
// "Run under slot").
type SubagentLoopRunner struct {
	Loop         *Loop
	SessionIDFor func(req subagent.SubagentRequest) string
	ToolsFor     func(agentDef *models.CatalogAgent) []agent.Tool
}

// RunSubagent drives one Agent Loop turn for the subagent request and
// returns its final text.
func (r *SubagentLoopRunner) RunSubagent(ctx context.Context, req subagent.SubagentRequest) (string, error) {
	sessionID := req.Agent.Slug
	if r.SessionIDFor != nil {
		sessionID = r.SessionIDFor(req)
	}

	var tools []agent.Tool
	if r.ToolsFor != nil {
		tools = r.ToolsFor(req.Agent)
	}

	result, err := r.Loop.Run(ctx, Request{
		SessionID:       sessionID,
		Agent:           req.Agent,
		UserInput:       req.Prompt,
		Tools:           tools,
		OnDelta:         req.OnUpdate,
		OnToolExecution: req.OnToolExecution,
	})
	if err != nil {
		return "", err
	}
	return result.FinalText, nil
}
