// Package subagent implements the Subagent Service and its Concurrency
// Manager: spawning child sessions via the task tool, enforcing
// per-slug concurrency caps with FIFO queueing, and publishing
// lifecycle events.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// AgentResolver looks up a catalog agent by slug, used to validate a
// spawn request and to read its concurrency/permission/tool settings.
type AgentResolver interface {
	BySlug(slug string) (*models.CatalogAgent, bool)
}

// LoopRunner executes the Agent Loop for a subsession's prompt under the
// subagent's system prompt and filtered tool list, matching §4.6 "Run
// under slot": SubagentRequest in, final text + error out. Progress is
// reported through onUpdate/onTool as the loop streams.
type LoopRunner interface {
	RunSubagent(ctx context.Context, req SubagentRequest) (string, error)
}

// SubagentRequest carries everything the Agent Loop needs to drive a
// subsession's turn (§4.6).
type SubagentRequest struct {
	Agent         *models.CatalogAgent
	Prompt        string
	WorkingDir    string
	MaxIterations int
	OnUpdate      func(delta string)
	OnToolExecution func(toolName string, args, output string, success bool)
}

// Store persists SubSession records (§6 abstract repository).
type Store interface {
	Create(ctx context.Context, s *models.SubSession) error
	Update(ctx context.Context, s *models.SubSession) error
	Get(ctx context.Context, id string) (*models.SubSession, bool)
	ListByParent(ctx context.Context, parentSessionID string) []*models.SubSession
}

// EventPublisher emits lifecycle events onto the Event Bus (§4.6, §4.9).
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Event type names published by the Subagent Service.
const (
	EventSubSessionCreated   = "SubSessionCreated"
	EventStatusChanged       = "StatusChanged"
	EventSubSessionProgress  = "SubSessionProgress"
	EventSubSessionCompleted = "SubSessionCompleted"
	EventSubSessionFailed    = "SubSessionFailed"
	EventSubSessionCancelled = "SubSessionCancelled"
)

// Service implements the Subagent Service + Concurrency Manager (§4.6).
type Service struct {
	agents      AgentResolver
	store       Store
	concurrency *ConcurrencyManager
	runner      LoopRunner
	events      EventPublisher

	mu        sync.Mutex
	cancelled map[string]chan struct{}
}

// NewService constructs the Subagent Service.
func NewService(agents AgentResolver, store Store, runner LoopRunner, events EventPublisher) *Service {
	return &Service{
		agents:      agents,
		store:       store,
		concurrency: NewConcurrencyManager(),
		runner:      runner,
		events:      events,
		cancelled:   make(map[string]chan struct{}),
	}
}

// Create validates the request and persists a Pending SubSession (§4.6 "Create").
func (s *Service) Create(ctx context.Context, parentSessionID, parentMessageID, agentSlug, prompt, description string, maxIterations int) (*models.SubSession, error) {
	agentDef, ok := s.agents.BySlug(agentSlug)
	if !ok {
		return nil, fmt.Errorf("agent slug %q is not registered", agentSlug)
	}
	if agentDef.Category != models.CategorySubagent {
		return nil, fmt.Errorf("agent slug %q is not a subagent", agentSlug)
	}

	effectiveMax := agentDef.MaxIterations
	if maxIterations > 0 && maxIterations < effectiveMax {
		effectiveMax = maxIterations
	}

	sub := &models.SubSession{
		ID:                   uuid.NewString(),
		ParentSessionID:      parentSessionID,
		ParentMessageID:      parentMessageID,
		AgentSlug:            agentSlug,
		Status:               models.SubSessionPending,
		Prompt:               prompt,
		Description:          description,
		MaxIterations:        effectiveMax,
		EffectivePermissions: agentDef.Permissions,
		CreatedAt:            time.Now(),
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subsession: %w", err)
	}

	s.publish(ctx, EventSubSessionCreated, sub)
	return sub, nil
}

// Execute runs a subsession to completion, transitioning it through the
// concurrency-gated Pending/Queued -> Running -> terminal lifecycle
// (§4.6 "Execute" / "Run under slot").
func (s *Service) Execute(ctx context.Context, sub *models.SubSession, workingDir string) {
	agentDef, ok := s.agents.BySlug(sub.AgentSlug)
	if !ok {
		sub.Status = models.SubSessionFailed
		sub.Error = fmt.Sprintf("agent slug %q no longer registered", sub.AgentSlug)
		s.finish(ctx, sub)
		return
	}

	cancelCh := s.cancelChan(sub.ID)

	if s.concurrency.TryAcquire(sub.AgentSlug, agentDef.MaxConcurrentInstances) {
		s.transition(ctx, sub, models.SubSessionRunning)
		s.runUnderSlot(ctx, sub, agentDef, workingDir, cancelCh)
		return
	}

	s.transition(ctx, sub, models.SubSessionQueued)
	acquired := s.concurrency.AcquireBlocking(sub.AgentSlug, agentDef.MaxConcurrentInstances, cancelCh)
	if !acquired {
		// Cancellation observed while queued.
		s.transition(ctx, sub, models.SubSessionCancelled)
		sub.CancelReason = "cancelled while queued"
		s.finish(ctx, sub)
		return
	}
	s.transition(ctx, sub, models.SubSessionRunning)
	s.runUnderSlot(ctx, sub, agentDef, workingDir, cancelCh)
}

func (s *Service) runUnderSlot(ctx context.Context, sub *models.SubSession, agentDef *models.CatalogAgent, workingDir string, cancelCh <-chan struct{}) {
	defer s.concurrency.Release(sub.AgentSlug)

	req := SubagentRequest{
		Agent:         agentDef,
		Prompt:        sub.Prompt,
		WorkingDir:    workingDir,
		MaxIterations: sub.MaxIterations,
		OnUpdate: func(delta string) {
			s.publish(ctx, EventSubSessionProgress, map[string]any{"sub_session_id": sub.ID, "delta": delta})
		},
		OnToolExecution: func(toolName string, args, output string, success bool) {
			s.publish(ctx, EventSubSessionProgress, map[string]any{
				"sub_session_id": sub.ID, "part_type": "tool",
				"tool": toolName, "args": args, "output": output, "success": success,
			})
		},
	}

	result, err := s.runner.RunSubagent(ctx, req)

	select {
	case <-cancelCh:
		sub.Status = models.SubSessionCancelled
		sub.CancelReason = "cancelled during execution"
	default:
		if err != nil {
			sub.Status = models.SubSessionFailed
			sub.Error = err.Error()
		} else {
			sub.Status = models.SubSessionCompleted
			sub.Result = result
		}
	}
	s.finish(ctx, sub)
}

// Cancel marks a non-terminal subsession Cancelled and wakes any blocked
// slot acquisition for it (§4.6 "Cancellation").
func (s *Service) Cancel(ctx context.Context, sub *models.SubSession, reason string) {
	if sub.Status.IsTerminal() {
		return
	}
	s.mu.Lock()
	ch, ok := s.cancelled[sub.ID]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
	sub.Status = models.SubSessionCancelled
	sub.CancelReason = reason
	s.finish(ctx, sub)
}

func (s *Service) cancelChan(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancelled[id]
	if !ok {
		ch = make(chan struct{})
		s.cancelled[id] = ch
	}
	return ch
}

func (s *Service) transition(ctx context.Context, sub *models.SubSession, to models.SubSessionStatus) {
	from := sub.Status
	sub.Status = to
	_ = s.store.Update(ctx, sub)
	s.publish(ctx, EventStatusChanged, map[string]any{"sub_session_id": sub.ID, "from": from, "to": to})
}

func (s *Service) finish(ctx context.Context, sub *models.SubSession) {
	now := time.Now()
	sub.CompletedAt = &now
	_ = s.store.Update(ctx, sub)

	s.mu.Lock()
	delete(s.cancelled, sub.ID)
	s.mu.Unlock()

	switch sub.Status {
	case models.SubSessionCompleted:
		s.publish(ctx, EventSubSessionCompleted, sub)
	case models.SubSessionFailed:
		s.publish(ctx, EventSubSessionFailed, sub)
	case models.SubSessionCancelled:
		s.publish(ctx, EventSubSessionCancelled, sub)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	var p map[string]any
	switch v := payload.(type) {
	case map[string]any:
		p = v
	case *models.SubSession:
		p = map[string]any{"sub_session": v}
	default:
		p = map[string]any{"payload": v}
	}
	s.events.Publish(ctx, eventType, p)
}

// Snapshots exposes the Concurrency Manager's observable counters.
func (s *Service) Snapshots() []Snapshot {
	return s.concurrency.Snapshots()
}
