// Package hooks implements the Hook Pipeline: ordered pre/post hook
// execution around tools and other agent lifecycle points, with
// cancel/modify semantics, plus loading of declarative hook config.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Priority determines the order hooks are called; lower runs earlier.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Trigger names the Agent Loop lifecycle points hooks attach to (§4.8).
type Trigger string

const (
	TriggerPreTool       Trigger = "PreTool"
	TriggerPostTool      Trigger = "PostTool"
	TriggerPreEdit       Trigger = "PreEdit"
	TriggerPostEdit      Trigger = "PostEdit"
	TriggerPreCommand    Trigger = "PreCommand"
	TriggerPostCommand   Trigger = "PostCommand"
	TriggerPreMessage    Trigger = "PreMessage"
	TriggerPostMessage   Trigger = "PostMessage"
	TriggerSessionStart  Trigger = "SessionStart"
	TriggerSessionEnd    Trigger = "SessionEnd"
	TriggerOnError       Trigger = "OnError"
	TriggerOnWarning     Trigger = "OnWarning"
	TriggerPreAgentLoop  Trigger = "PreAgentLoop"
	TriggerPostAgentLoop Trigger = "PostAgentLoop"
	TriggerMaxIterations Trigger = "MaxIterations"
)

// HookResult is the return contract every pipeline hook must honor (§4.8).
type HookResult struct {
	Success         bool
	Continue        bool
	ModifiedContext *models.HookContext
	Err             error
	Data            map[string]any
}

// PipelineHook is one hook registration against a trigger.
type PipelineHook func(ctx context.Context, hc *models.HookContext) HookResult

type pipelineEntry struct {
	name            string
	priority        Priority
	fn              PipelineHook
	continueOnError bool
}

// PipelineHookOption configures a single RegisterHook call.
type PipelineHookOption func(*pipelineEntry)

// WithHookPriority sets the ordering priority (lower runs earlier).
func WithHookPriority(p Priority) PipelineHookOption {
	return func(e *pipelineEntry) { e.priority = p }
}

// WithContinueOnError keeps the pipeline running past this hook's panic
// or returned error instead of aborting the trigger.
func WithContinueOnError(continueOnError bool) PipelineHookOption {
	return func(e *pipelineEntry) { e.continueOnError = continueOnError }
}

// Pipeline implements the Hook Pipeline (§4.8): hooks registered per
// trigger run in ascending-priority order over a mutable HookContext.
type Pipeline struct {
	mu    sync.RWMutex
	hooks map[Trigger][]pipelineEntry
}

// NewPipeline creates an empty Hook Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{hooks: make(map[Trigger][]pipelineEntry)}
}

// Register adds a hook for trigger, returning its registration name.
func (p *Pipeline) Register(trigger Trigger, name string, fn PipelineHook, opts ...PipelineHookOption) {
	entry := pipelineEntry{name: name, priority: PriorityNormal, fn: fn}
	for _, opt := range opts {
		opt(&entry)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[trigger] = append(p.hooks[trigger], entry)
	sort.SliceStable(p.hooks[trigger], func(i, j int) bool {
		return p.hooks[trigger][i].priority < p.hooks[trigger][j].priority
	})
}

// isPre reports whether trigger is one of the Pre* triggers, whose
// continue=false result must abort the caller's action.
func isPre(trigger Trigger) bool {
	switch trigger {
	case TriggerPreTool, TriggerPreEdit, TriggerPreCommand, TriggerPreMessage, TriggerPreAgentLoop:
		return true
	default:
		return false
	}
}

// run executes every hook registered for trigger in priority order,
// applying modified_context/data merges and honoring each hook's
// continueOnError setting. It returns the final (possibly merged)
// context and whether the action should continue.
func (p *Pipeline) run(ctx context.Context, trigger Trigger, hc *models.HookContext) (*models.HookContext, bool) {
	p.mu.RLock()
	entries := append([]pipelineEntry(nil), p.hooks[trigger]...)
	p.mu.RUnlock()

	current := hc
	cont := true

	for _, entry := range entries {
		result := invokeHookSafely(entry, ctx, current)

		if result.ModifiedContext != nil {
			current = result.ModifiedContext
		}
		if result.Data != nil {
			if current.Data == nil {
				current.Data = make(map[string]any, len(result.Data))
			}
			for k, v := range result.Data {
				current.Data[k] = v
			}
		}

		if result.Err != nil && !entry.continueOnError {
			cont = false
			break
		}

		if !result.Continue {
			if isPre(trigger) {
				cont = false
				break
			}
			// Post* non-continue is recorded but never retroactive.
			continue
		}
	}

	return current, cont
}

// invokeHookSafely calls a hook and converts a panic into a failed,
// continuing-per-config HookResult rather than crashing the pipeline.
func invokeHookSafely(entry pipelineEntry, ctx context.Context, hc *models.HookContext) (result HookResult) {
	defer func() {
		if r := recover(); r != nil {
			result = HookResult{Success: false, Continue: entry.continueOnError}
		}
	}()
	return entry.fn(ctx, hc)
}

// RunPre executes the named Pre* trigger; cont=false tells the caller to
// abort the action the hook guards.
func (p *Pipeline) RunPre(ctx context.Context, trigger string, hc *models.HookContext) (bool, error) {
	_, cont := p.run(ctx, Trigger(trigger), hc)
	return cont, nil
}

// RunPost executes the named Post* trigger; failures are recorded via
// the hook's own side effects but never retroactively undo the action.
func (p *Pipeline) RunPost(ctx context.Context, trigger string, hc *models.HookContext) {
	p.run(ctx, Trigger(trigger), hc)
}
