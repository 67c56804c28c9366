package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/tokens"
	"github.com/haasonsaas/nexus/internal/tools/catalog"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// contextCharsPerToken / structuralTokensPerMessage implement the
// preflight estimate's 4-chars-per-token heuristic plus per-message
// structural overhead (§4.1 step 1).
const (
	contextCharsPerToken        = 4
	structuralTokensPerMessage  = 4
	preflightPruneThreshold     = 0.85
	preflightCompactThreshold   = 0.90
)

// HookPipeline drives the ordered Pre*/Post* hook triggers (§4.8).
type HookPipeline interface {
	// RunPre executes PreTrigger hooks; cont=false means the action must
	// be aborted.
	RunPre(ctx context.Context, trigger string, hc *models.HookContext) (cont bool, err error)
	// RunPost executes PostTrigger hooks; failures are recorded but never
	// retroactively affect the action already taken.
	RunPost(ctx context.Context, trigger string, hc *models.HookContext)
}

// MessageStore persists committed messages/parts for a session, used to
// load history for the preflight token estimate and L3 reload.
type MessageStore interface {
	LoadParts(ctx context.Context, sessionID string) []models.MessagePart
	LoadMessages(ctx context.Context, sessionID string) []*models.Message
	AppendPart(ctx context.Context, sessionID string, part models.MessagePart) error
	MarkCompacted(ctx context.Context, messageIDs []string) error
}

// Request carries everything the Agent Loop needs to run one user turn
// to completion or to the iteration cap (§4.1).
type Request struct {
	SessionID     string
	Agent         *models.CatalogAgent
	UserInput     string
	Tools         []agent.Tool
	OnDelta       func(delta string)
	OnToolExecution func(toolName, args, output string, success bool)
}

// Result is the Agent Loop's output for one turn.
type Result struct {
	FinalText      string
	IterationsUsed int
	IsDone         bool
	HitIterationCap bool
}

// Loop implements the Agent Loop (§4.1) over a streaming LLM provider,
// the three-layer token manager, the Permission Engine, and the Hook
// Pipeline.
type Loop struct {
	Provider    agent.LLMProvider
	Store       MessageStore
	Truncator   *tokens.Truncator
	Permissions *policy.Engine
	Hooks       HookPipeline
	Summarizer  compaction.Summarizer
	DefaultModel string

	// Logger, Metrics, and Tracer are optional; when nil, the
	// corresponding instrumentation is skipped.
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Run executes one turn for req, streaming deltas to req.OnDelta and
// notifying req.OnToolExecution as tool calls complete.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	agentDef := req.Agent
	parts := l.Store.LoadParts(ctx, req.SessionID)

	userPart := models.MessagePart{
		ID:         uuid.NewString(),
		MessageID:  uuid.NewString(),
		Kind:       models.PartText,
		Role:       "user",
		Text:       req.UserInput,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := l.Store.AppendPart(ctx, req.SessionID, userPart); err != nil {
		return Result{}, fmt.Errorf("persist user input: %w", err)
	}
	parts = append(parts, userPart)

	toolsByName := make(map[string]agent.Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name()] = t
	}

	iteration := 0
	logicalIteration := 0
	maxIterations := agentDef.MaxIterations

	var finalText string
	// continuationText accumulates assistant text across truncation
	// continuations so fence/bracket balance is judged on the whole
	// response, not the latest fragment.
	var continuationText string
	isDone := false
	hitCap := false

	for {
		if maxIterations > 0 && logicalIteration >= maxIterations {
			hitCap = true
			if req.OnDelta != nil {
				req.OnDelta("\n[warning: reached max_iterations without natural termination]")
			}
			break
		}
		iteration++

		// 1. Preflight token check: estimate, then L2 prune / L3 compact as needed.
		contextLimit := agentDef.ContextWindowTokens
		if contextLimit <= 0 {
			contextLimit = tokens.PruneProtectTokens * 4 // generous fallback
		}
		estimate := estimateRequestTokens(parts, agentDef.SystemPrompt, req.Tools)

		if float64(estimate) >= float64(contextLimit)*preflightPruneThreshold {
			pruned, pruneResult := tokens.Prune(parts, estimate, contextLimit)
			if pruneResult.WasPruned {
				parts = pruned
				estimate = pruneResult.TokensAfter
			}
		}

		if float64(estimate) >= float64(contextLimit)*preflightCompactThreshold && l.Summarizer != nil {
			messages := l.Store.LoadMessages(ctx, req.SessionID)
			result, compactedIDs, err := compaction.Compact(ctx, req.SessionID, messages, estimate, contextLimit, l.Summarizer, nil)
			if err == nil && result.WasCompacted {
				if markErr := l.Store.MarkCompacted(ctx, compactedIDs); markErr == nil {
					parts = l.Store.LoadParts(ctx, req.SessionID)
				}
			}
		}

		// 2/3. Stream with retry.
		text, toolCalls, finishReason, err := l.streamWithRetry(ctx, agentDef, parts, req.Tools, req.OnDelta)
		if err != nil {
			return Result{FinalText: finalText}, err
		}

		finalText += text

		// 4. Truncation continuation: re-loop without counting a logical
		// iteration. A response that assembled tool calls is never treated
		// as truncated; the calls take precedence.
		if len(toolCalls) == 0 && looksTruncated(finishReason, continuationText+text) {
			continuationText += text
			assistantPart := models.MessagePart{
				ID: uuid.NewString(), MessageID: uuid.NewString(), Kind: models.PartText,
				Role: "assistant", Text: text, CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}
			continuationPart := models.MessagePart{
				ID: uuid.NewString(), MessageID: uuid.NewString(), Kind: models.PartText,
				Role: "user", Text: ContinuationPrompt, CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}
			_ = l.Store.AppendPart(ctx, req.SessionID, assistantPart)
			_ = l.Store.AppendPart(ctx, req.SessionID, continuationPart)
			parts = append(parts, assistantPart, continuationPart)
			continue
		}
		continuationText = ""

		// 5. Terminate or delegate to tools.
		if len(toolCalls) == 0 {
			assistantPart := models.MessagePart{
				ID: uuid.NewString(), MessageID: uuid.NewString(), Kind: models.PartText,
				Role: "assistant", Text: text, CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}
			_ = l.Store.AppendPart(ctx, req.SessionID, assistantPart)
			isDone = true
			if req.OnDelta != nil {
				req.OnDelta("") // is_done signalled via Result.IsDone to the caller
			}
			break
		}

		// Assistant text accompanying tool calls is committed before the
		// calls run; the calls themselves are reconstructed from the tool
		// parts when the next request is built.
		if text != "" {
			assistantPart := models.MessagePart{
				ID: uuid.NewString(), MessageID: uuid.NewString(), Kind: models.PartText,
				Role: "assistant", Text: text, CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}
			_ = l.Store.AppendPart(ctx, req.SessionID, assistantPart)
		}

		for _, call := range toolCalls {
			l.runToolCall(ctx, req, agentDef, toolsByName, call)
		}

		parts = l.Store.LoadParts(ctx, req.SessionID)
		logicalIteration++
	}

	return Result{
		FinalText:       finalText,
		IterationsUsed:  logicalIteration,
		IsDone:          isDone,
		HitIterationCap: hitCap,
	}, nil
}

// streamWithRetry opens a streaming chat request and retries transient
// failures per §4.1.1, clearing per-attempt buffers on each retry.
func (l *Loop) streamWithRetry(ctx context.Context, agentDef *models.CatalogAgent, parts []models.MessagePart, toolList []agent.Tool, onDelta func(string)) (text string, calls []models.ToolCall, finishReason string, err error) {
	req := buildCompletionRequest(agentDef, parts, toolList)

	for attempt := 1; attempt <= MaxRetryAttempts; attempt++ {
		text, calls, finishReason, err = l.streamOnce(ctx, req, onDelta)
		if err == nil {
			return text, calls, finishReason, nil
		}
		if !IsRetryable(err) || attempt == MaxRetryAttempts {
			return "", nil, "", err
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, RetryPolicy, attempt); sleepErr != nil {
			return "", nil, "", sleepErr
		}
	}
	return "", nil, "", err
}

// streamOnce drains a single streaming response, delivering text deltas
// in arrival order, assembling tool-call fragments by call id, and
// collecting the finish reason.
func (l *Loop) streamOnce(ctx context.Context, req *agent.CompletionRequest, onDelta func(string)) (string, []models.ToolCall, string, error) {
	start := time.Now()
	if l.Tracer != nil {
		var span trace.Span
		ctx, span = l.Tracer.TraceLLMRequest(ctx, l.Provider.Name(), req.Model)
		defer span.End()
	}

	chunks, err := l.Provider.Complete(ctx, req)
	if err != nil {
		if l.Metrics != nil {
			l.Metrics.RecordLLMRequest(l.Provider.Name(), req.Model, "error", time.Since(start).Seconds(), 0, 0)
		}
		if l.Logger != nil {
			l.Logger.Error(ctx, "llm request failed", "provider", l.Provider.Name(), "model", req.Model, "err", err)
		}
		return "", nil, "", err
	}

	var text string
	finishReason := ""
	callsByID := make(map[string]*models.ToolCall)
	var order []string

	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, "", chunk.Error
		}
		if chunk.Text != "" {
			text += chunk.Text
			if onDelta != nil {
				onDelta(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			id := chunk.ToolCall.ID
			if existing, ok := callsByID[id]; ok {
				existing.Input = append(existing.Input, chunk.ToolCall.Input...)
			} else {
				tc := *chunk.ToolCall
				callsByID[id] = &tc
				order = append(order, id)
			}
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}

	calls := make([]models.ToolCall, 0, len(order))
	for _, id := range order {
		calls = append(calls, *callsByID[id])
	}

	if l.Metrics != nil {
		l.Metrics.RecordLLMRequest(l.Provider.Name(), req.Model, "ok", time.Since(start).Seconds(), 0, 0)
	}
	if l.Logger != nil {
		l.Logger.Debug(ctx, "llm request completed", "provider", l.Provider.Name(), "model", req.Model, "tool_calls", len(calls), "finish_reason", finishReason)
	}

	return text, calls, finishReason, nil
}

func buildCompletionRequest(agentDef *models.CatalogAgent, parts []models.MessagePart, toolList []agent.Tool) *agent.CompletionRequest {
	messages := make([]agent.CompletionMessage, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case models.PartText, models.PartReasoning:
			role := p.Role
			if role == "" {
				role = "user"
			}
			messages = append(messages, agent.CompletionMessage{Role: role, Content: p.Text})
		case models.PartTool:
			// Each tool part replays as the assistant's call followed by
			// the tool's result, so providers see the pairing they require.
			messages = append(messages,
				agent.CompletionMessage{
					Role:      "assistant",
					ToolCalls: []models.ToolCall{{ID: p.CallID, Name: p.ToolName, Input: json.RawMessage(p.Input)}},
				},
				agent.CompletionMessage{
					Role:        "tool",
					ToolResults: []models.ToolResult{{ToolCallID: p.CallID, Content: p.Output, IsError: p.Status == models.ToolPartError}},
				},
			)
		}
	}
	return &agent.CompletionRequest{
		Model:     agentDef.ModelID,
		System:    agentDef.SystemPrompt,
		Messages:  messages,
		Tools:     toolList,
		MaxTokens: agentDef.MaxTokens,
	}
}

// estimateRequestTokens applies the preflight heuristic: 4 chars/token
// plus 4 structural tokens per message, plus the serialized tool schema.
func estimateRequestTokens(parts []models.MessagePart, systemPrompt string, toolList []agent.Tool) int {
	total := (len(systemPrompt) + contextCharsPerToken - 1) / contextCharsPerToken
	for _, p := range parts {
		total += p.EstimatedTokens() + structuralTokensPerMessage
	}
	for _, t := range toolList {
		total += (len(t.Schema()) + contextCharsPerToken - 1) / contextCharsPerToken
	}
	return total
}

// runToolCall performs the full per-tool-call pipeline: Permission Engine
// -> Pre-Tool hook -> execute -> Post-Tool hook -> L1 truncation -> commit
// (§4.1 step 5).
func (l *Loop) runToolCall(ctx context.Context, req Request, agentDef *models.CatalogAgent, toolsByName map[string]agent.Tool, call models.ToolCall) {
	var args map[string]any
	_ = json.Unmarshal(call.Input, &args)
	resource := policy.ResourceExtractor(call.Name, args)

	now := time.Now()
	toolPart := models.MessagePart{
		ID: uuid.NewString(), MessageID: uuid.NewString(), Kind: models.PartTool,
		CallID: call.ID, ToolName: call.Name, Input: string(call.Input),
		Status: models.ToolPartPending, CreatedAt: now, UpdatedAt: now,
	}

	commitResult := func(output string, status models.ToolPartStatus, success bool) {
		toolPart.Output = output
		toolPart.Status = status
		completed := time.Now()
		toolPart.CompletedAt = &completed
		toolPart.UpdatedAt = completed
		_ = l.Store.AppendPart(ctx, req.SessionID, toolPart)
		if req.OnToolExecution != nil {
			req.OnToolExecution(call.Name, string(call.Input), output, success)
		}
	}

	if l.Permissions != nil {
		decision, err := l.Permissions.Check(ctx, req.SessionID, agentDef.Permissions, call.Name, resource)
		if err == nil && decision.Action == models.ActionDeny {
			commitResult(fmt.Sprintf("Permission denied: %s", decision.Reason), models.ToolPartError, false)
			return
		}
	}

	hc := &models.HookContext{
		SessionID: req.SessionID, ToolCallID: call.ID, ToolName: call.Name,
		Input: string(call.Input), StartedAt: now, Data: map[string]any{},
	}
	if l.Hooks != nil {
		cont, err := l.Hooks.RunPre(ctx, "PreTool", hc)
		if err != nil || !cont {
			commitResult("tool execution cancelled by hook", models.ToolPartError, false)
			return
		}
	}

	toolCtx := ctx
	var toolSpan trace.Span
	if l.Tracer != nil {
		toolCtx, toolSpan = l.Tracer.TraceToolExecution(ctx, call.Name)
	}

	toolPart.Status = models.ToolPartRunning
	tool, ok := toolsByName[call.Name]
	var output string
	var execErr error
	if !ok {
		execErr = fmt.Errorf("tool %q is not registered", call.Name)
	} else if verr := catalog.ValidateToolInput(call.Name, tool.Schema(), call.Input); verr != nil {
		execErr = verr
	} else {
		res, err := tool.Execute(toolCtx, call.Input)
		execErr = err
		if res != nil {
			output = res.Content
			if res.IsError && execErr == nil {
				execErr = fmt.Errorf("%s", res.Content)
			}
		}
	}

	if toolSpan != nil {
		if execErr != nil {
			l.Tracer.RecordError(toolSpan, execErr)
		}
		toolSpan.End()
	}

	hc.Output = output
	hc.Err = execErr
	hc.Duration = time.Since(now)
	if l.Hooks != nil {
		l.Hooks.RunPost(ctx, "PostTool", hc)
	}

	success := execErr == nil
	if execErr != nil {
		output = execErr.Error()
	}

	if l.Metrics != nil {
		status := "ok"
		if !success {
			status = "error"
		}
		l.Metrics.RecordToolExecution(call.Name, status, hc.Duration.Seconds())
	}
	if l.Logger != nil {
		l.Logger.Debug(ctx, "tool execution completed", "tool", call.Name, "success", success, "duration_ms", hc.Duration.Milliseconds())
	}

	if l.Truncator != nil {
		truncResult, terr := l.Truncator.Truncate(output, call.Name, "")
		if terr == nil && truncResult.WasTruncated {
			output = truncResult.Output + "\n" + truncResult.TruncationMessage
		}
	}

	status := models.ToolPartCompleted
	if !success {
		status = models.ToolPartError
	}
	commitResult(output, status, success)
}
