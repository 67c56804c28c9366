package models

import "time"

// AgentCategory classifies how an agent catalog entry may be used.
type AgentCategory string

const (
	// CategoryPrimary agents are user-facing and may spawn subagents.
	CategoryPrimary AgentCategory = "primary"
	// CategorySubagent agents are invoked only via the task tool and
	// can never spawn further subagents.
	CategorySubagent AgentCategory = "subagent"
	// CategoryHidden agents are internal (e.g. compaction) and never
	// enumerated to a user.
	CategoryHidden AgentCategory = "hidden"
)

// ExecutionMode controls how the agent loop drives a turn for an agent.
type ExecutionMode string

const (
	ExecutionAgentic   ExecutionMode = "agentic"
	ExecutionSingleShot ExecutionMode = "single_shot"
	ExecutionStreaming ExecutionMode = "streaming"
	ExecutionPlanning  ExecutionMode = "planning"
)

// ToolFilterMode selects which tools an agent is exposed to.
type ToolFilterMode string

const (
	ToolFilterAll       ToolFilterMode = "all"
	ToolFilterNone      ToolFilterMode = "none"
	ToolFilterOnlyThese ToolFilterMode = "only_these"
	ToolFilterAllExcept ToolFilterMode = "all_except"
)

// ToolConfiguration describes how a tool registry view is filtered for an agent.
type ToolConfiguration struct {
	Mode ToolFilterMode `json:"mode" yaml:"mode"`
	List []string       `json:"list,omitempty" yaml:"list,omitempty"`
}

// RuleAction is the outcome of evaluating a permission rule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
	ActionAsk   RuleAction = "ask"
)

// Restrictiveness orders actions from least to most restrictive, used
// when merging ruleset defaults (deny is the most restrictive).
func (a RuleAction) Restrictiveness() int {
	switch a {
	case ActionDeny:
		return 2
	case ActionAsk:
		return 1
	default:
		return 0
	}
}

// PermissionRule is a single glob-pattern rule over `category:resource`.
type PermissionRule struct {
	Pattern  string     `json:"pattern" yaml:"pattern"`
	Action   RuleAction `json:"action" yaml:"action"`
	Reason   string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Priority int        `json:"priority" yaml:"priority"`
}

// PermissionRuleset is an ordered collection of rules plus a default.
type PermissionRuleset struct {
	Rules         []PermissionRule `json:"rules" yaml:"rules"`
	DefaultAction RuleAction       `json:"default_action" yaml:"default_action"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
}

// CatalogAgent is a read-mostly agent catalog entry (§3 "Agent").
type CatalogAgent struct {
	ID                   string            `json:"id" yaml:"id"`
	Slug                 string            `json:"slug" yaml:"slug"`
	Name                 string            `json:"name" yaml:"name"`
	Category             AgentCategory     `json:"category" yaml:"category"`
	ProviderID           string            `json:"provider_id" yaml:"provider_id"`
	ModelID              string            `json:"model_id" yaml:"model_id"`
	Temperature          float64           `json:"temperature" yaml:"temperature"`
	MaxTokens            int               `json:"max_tokens" yaml:"max_tokens"`
	ContextWindowTokens  int               `json:"context_window_tokens" yaml:"context_window_tokens"`
	SystemPrompt         string            `json:"system_prompt" yaml:"system_prompt"`
	ExecutionMode        ExecutionMode     `json:"execution_mode" yaml:"execution_mode"`
	MaxIterations        int               `json:"max_iterations" yaml:"max_iterations"`
	MaxConcurrentInstances int             `json:"max_concurrent_instances" yaml:"max_concurrent_instances"` // 0 = unlimited
	CanSpawnSubagents    bool              `json:"can_spawn_subagents" yaml:"can_spawn_subagents"`
	AllowedSubagentSlugs []string          `json:"allowed_subagent_slugs,omitempty" yaml:"allowed_subagent_slugs,omitempty"`
	ToolConfig           ToolConfiguration `json:"tool_config" yaml:"tool_config"`
	Permissions          PermissionRuleset `json:"permissions" yaml:"permissions"`
	Visibility           string            `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	DisplayOrder         int               `json:"display_order" yaml:"display_order"`
}

// SubSessionStatus tracks the lifecycle of a spawned child execution.
type SubSessionStatus string

const (
	SubSessionPending   SubSessionStatus = "pending"
	SubSessionQueued    SubSessionStatus = "queued"
	SubSessionRunning   SubSessionStatus = "running"
	SubSessionCompleted SubSessionStatus = "completed"
	SubSessionFailed    SubSessionStatus = "failed"
	SubSessionCancelled SubSessionStatus = "cancelled"
)

// IsTerminal reports whether the status will never transition further.
func (s SubSessionStatus) IsTerminal() bool {
	switch s {
	case SubSessionCompleted, SubSessionFailed, SubSessionCancelled:
		return true
	default:
		return false
	}
}

// SubSession is a child execution spawned by a `task` tool call (§3 "SubSession").
type SubSession struct {
	ID                   string            `json:"id"`
	ParentSessionID      string            `json:"parent_session_id"`
	ParentMessageID      string            `json:"parent_message_id"`
	AgentSlug            string            `json:"agent_slug"`
	Status               SubSessionStatus  `json:"status"`
	Prompt               string            `json:"prompt"`
	Description          string            `json:"description,omitempty"`
	Result               string            `json:"result,omitempty"`
	Error                string            `json:"error,omitempty"`
	MaxIterations        int               `json:"max_iterations"`
	IterationsUsed       int               `json:"iterations_used"`
	EffectivePermissions PermissionRuleset `json:"effective_permissions"`
	CancelReason         string            `json:"cancel_reason,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// PartKind discriminates the polymorphic MessagePart variants (§3).
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartTool       PartKind = "tool"
	PartCompaction PartKind = "compaction"
	PartFile       PartKind = "file"
	PartPatch      PartKind = "patch"
	PartStep       PartKind = "step"
	PartSubtask    PartKind = "subtask"
	PartAgent      PartKind = "agent"
	PartRetry      PartKind = "retry"
	PartSnapshot   PartKind = "snapshot"
)

// ToolPartStatus is the tool-part state machine (§3).
type ToolPartStatus string

const (
	ToolPartPending   ToolPartStatus = "pending"
	ToolPartRunning   ToolPartStatus = "running"
	ToolPartCompleted ToolPartStatus = "completed"
	ToolPartError     ToolPartStatus = "error"
)

// IsTerminal reports whether the tool part state machine has reached a
// state that never re-opens.
func (s ToolPartStatus) IsTerminal() bool {
	return s == ToolPartCompleted || s == ToolPartError
}

// MessagePart is the polymorphic, ordered-within-message part type.
// Only Kind plus the fields relevant to that kind are populated; all
// other kind-specific fields are zero. Tool and Compaction fields are
// the only ones mutated by the core after creation.
type MessagePart struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id"`
	OrderIndex    int       `json:"order_index"`
	Kind          PartKind  `json:"kind"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Text / Reasoning. Role records which side of the conversation
	// produced the part ("user" or "assistant"); empty means user.
	Text string `json:"text,omitempty"`
	Role string `json:"role,omitempty"`

	// Tool
	CallID      string         `json:"call_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Title       string         `json:"title,omitempty"`
	Status      ToolPartStatus `json:"status,omitempty"`
	Input       string         `json:"input,omitempty"`
	Output      string         `json:"output,omitempty"`
	IsPruned    bool           `json:"is_pruned,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	SpillPath   string         `json:"spill_path,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`

	// Compaction
	Summary                string `json:"summary,omitempty"`
	CompactedMessageCount  int    `json:"compacted_message_count,omitempty"`
	CompactedTokenCount    int    `json:"compacted_token_count,omitempty"`
	CompactedAt            *time.Time `json:"compacted_at,omitempty"`

	// Generic payload for descriptive kinds (File, Patch, Step, Subtask,
	// Agent, Retry, Snapshot) carried through storage untouched by the core.
	Payload map[string]any `json:"payload,omitempty"`
}

// EstimatedTokens is the coarse 4-chars-per-token heuristic used
// throughout the token manager, applied to a part's textual content.
func (p MessagePart) EstimatedTokens() int {
	var s string
	switch p.Kind {
	case PartTool:
		s = p.Output
	default:
		s = p.Text
	}
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// HookContext is the mutable carrier shared across one hook pipeline
// invocation (§3 "Hook Context").
type HookContext struct {
	SessionID  string
	MessageID  string
	ToolCallID string
	ToolName   string
	Input      string
	Output     string
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
	Data       map[string]any
}

// Clone returns a shallow copy safe for a hook to mutate without
// affecting the caller's reference until explicitly reassigned.
func (c *HookContext) Clone() *HookContext {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Data = make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		clone.Data[k] = v
	}
	return &clone
}
