// Package policy implements the Permission Engine: last-match-wins
// glob rules over category:resource patterns, ruleset merging,
// remembered decisions, and interactive prompting.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// categoryAliases maps tool names onto their permission category. Tools not
// present here map to themselves (§4.5 pattern grammar).
var categoryAliases = map[string]string{
	"edit":      "edit",
	"multiedit": "edit",
	"write":     "edit",
}

// Category returns the permission category for a tool name.
func Category(toolName string) string {
	if c, ok := categoryAliases[strings.ToLower(toolName)]; ok {
		return c
	}
	return toolName
}

// Pattern builds the `category:resource` pattern string for a decision.
func Pattern(category, resource string) string {
	return category + ":" + resource
}

// MatchPattern reports whether a `category:resource` glob pattern matches
// a concrete value, per §4.5/§8 P6: `*` matches any sequence, `?` matches
// exactly one character, matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(value))
}

// globMatch is a classic recursive/iterative glob matcher supporting `*`
// and `?`, operating byte-wise (patterns and values here are ASCII
// tool/category/resource identifiers).
func globMatch(pattern, value string) bool {
	var p, v int
	starIdx, matchIdx := -1, 0
	for v < len(value) {
		if p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]) {
			p++
			v++
		} else if p < len(pattern) && pattern[p] == '*' {
			starIdx = p
			matchIdx = v
			p++
		} else if starIdx != -1 {
			p = starIdx + 1
			matchIdx++
			v = matchIdx
		} else {
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Decision is the evaluated outcome of a permission check (§4.5).
type Decision struct {
	Action      models.RuleAction
	Reason      string
	MatchedRule *models.PermissionRule
	Tool        string
	Resource    string
}

// Evaluate applies §8 P5: order rules by ascending priority and select the
// last matching rule; if none matches, use the ruleset's default action.
func Evaluate(ruleset models.PermissionRuleset, category, resource string) Decision {
	pattern := Pattern(category, resource)
	rules := make([]models.PermissionRule, len(ruleset.Rules))
	copy(rules, ruleset.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var matched *models.PermissionRule
	for i := range rules {
		if MatchPattern(rules[i].Pattern, pattern) {
			r := rules[i]
			matched = &r
		}
	}

	if matched != nil {
		return Decision{
			Action:      matched.Action,
			Reason:      matched.Reason,
			MatchedRule: matched,
			Tool:        category,
			Resource:    resource,
		}
	}

	def := ruleset.DefaultAction
	if def == "" {
		def = models.ActionDeny
	}
	return Decision{Action: def, Tool: category, Resource: resource, Reason: "default action"}
}

// MergeRulesets concatenates rules in one canonical total order — the
// agent ruleset's own rules first (by ascending priority), then
// session-scoped remembered rules (by ascending priority) — and takes the
// most restrictive default (Deny > Ask > Allow). This resolves the open
// question in the design notes about concatenation order: agent-ruleset
// rules are considered the base policy and are evaluated before any
// session-scoped override, matching last-match-wins semantics where a
// session-remembered rule can still override a narrower base rule placed
// later in the combined, priority-sorted list.
func MergeRulesets(base models.PermissionRuleset, overlays ...models.PermissionRuleset) models.PermissionRuleset {
	merged := models.PermissionRuleset{
		Name:          base.Name,
		DefaultAction: base.DefaultAction,
	}
	merged.Rules = append(merged.Rules, base.Rules...)
	for _, o := range overlays {
		merged.Rules = append(merged.Rules, o.Rules...)
		if o.DefaultAction.Restrictiveness() > merged.DefaultAction.Restrictiveness() {
			merged.DefaultAction = o.DefaultAction
		}
	}
	return merged
}

// RememberScope selects how a user's interactive decision is retained.
type RememberScope string

const (
	RememberThisCall    RememberScope = "this_call"
	RememberThisSession RememberScope = "this_session"
	RememberThisPattern RememberScope = "this_pattern"
	RememberAlways      RememberScope = "always"
)

// PromptOption is one button/key offered to the user in a permission prompt.
type PromptOption struct {
	Key   string
	Label string
}

// StandardPromptOptions are the four remembering choices offered by §4.5.
var StandardPromptOptions = []PromptOption{
	{Key: "y", Label: "Allow this call"},
	{Key: "n", Label: "Deny"},
	{Key: "a", Label: "Always allow this pattern"},
	{Key: "s", Label: "Allow for this session"},
}

// PromptRequest is sent to the user prompt service when action == Ask.
type PromptRequest struct {
	ID        string
	Title     string
	Message   string
	Options   []PromptOption
	Default   string
	Timeout   time.Duration
}

// PromptResponse is the user prompt service's reply.
type PromptResponse struct {
	OptionKey string
	TimedOut  bool
	Cancelled bool
}

// PromptService is the abstract out-of-band confirmation collaborator
// consumed by the Permission Engine (§6).
type PromptService interface {
	Prompt(ctx context.Context, req PromptRequest) (PromptResponse, error)
}

// DurableStore persists ThisPattern/Always remembered rules outside of
// process memory.
type DurableStore interface {
	SaveRule(ctx context.Context, scopeKey string, rule models.PermissionRule) error
	LoadRules(ctx context.Context, scopeKey string) ([]models.PermissionRule, error)
}

const defaultPromptTimeout = 5 * time.Minute

// Engine is the Permission Engine: evaluates rules, merges rulesets,
// remembers user decisions at three scopes, and drives interactive
// prompting (§4.5).
type Engine struct {
	prompts PromptService
	store   DurableStore

	mu             sync.RWMutex
	sessionRules   map[string][]models.PermissionRule // sessionID -> remembered rules
	persistedRules map[string][]models.PermissionRule // scopeKey -> remembered rules (cache over store)
}

// NewEngine constructs a Permission Engine. prompts and store may be nil;
// a nil prompts service causes Ask decisions to resolve as denied.
func NewEngine(prompts PromptService, store DurableStore) *Engine {
	return &Engine{
		prompts:        prompts,
		store:          store,
		sessionRules:   make(map[string][]models.PermissionRule),
		persistedRules: make(map[string][]models.PermissionRule),
	}
}

// Check evaluates a tool call against the agent's ruleset merged with any
// remembered session/pattern rules, prompting the user when the resolved
// action is Ask.
func (e *Engine) Check(ctx context.Context, sessionID string, agentRuleset models.PermissionRuleset, toolName, resource string) (Decision, error) {
	category := Category(toolName)

	e.mu.RLock()
	session := append([]models.PermissionRule(nil), e.sessionRules[sessionID]...)
	persisted := append([]models.PermissionRule(nil), e.persistedRules[scopeKeyAlways]...)
	e.mu.RUnlock()

	effective := MergeRulesets(agentRuleset,
		models.PermissionRuleset{Rules: persisted},
		models.PermissionRuleset{Rules: session},
	)

	decision := Evaluate(effective, category, resource)
	if decision.Action != models.ActionAsk {
		return decision, nil
	}

	if e.prompts == nil {
		return Decision{Action: models.ActionDeny, Reason: "no prompt service configured; Ask resolved to deny", Tool: category, Resource: resource}, nil
	}

	req := PromptRequest{
		ID:      fmt.Sprintf("%s:%s:%s", sessionID, category, resource),
		Title:   "Permission Required",
		Message: fmt.Sprintf("Allow tool %q to access %q?", toolName, resource),
		Options: StandardPromptOptions,
		Default: "n",
		Timeout: defaultPromptTimeout,
	}

	promptCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		promptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := e.prompts.Prompt(promptCtx, req)
	if err != nil || resp.TimedOut || resp.Cancelled {
		return Decision{Action: models.ActionDeny, Reason: "permission prompt timed out or was cancelled", Tool: category, Resource: resource}, nil
	}

	switch resp.OptionKey {
	case "y":
		return Decision{Action: models.ActionAllow, Reason: "allowed once by user", Tool: category, Resource: resource}, nil
	case "n":
		return Decision{Action: models.ActionDeny, Reason: "denied by user", Tool: category, Resource: resource}, nil
	case "a":
		e.Remember(ctx, sessionID, RememberAlways, models.PermissionRule{
			Pattern: Pattern(category, resource), Action: models.ActionAllow, Priority: 0, Reason: "remembered: always allow",
		})
		return Decision{Action: models.ActionAllow, Reason: "allowed and remembered for this pattern", Tool: category, Resource: resource}, nil
	case "s":
		e.Remember(ctx, sessionID, RememberThisSession, models.PermissionRule{
			Pattern: Pattern(category, resource), Action: models.ActionAllow, Priority: 0, Reason: "remembered: this session",
		})
		return Decision{Action: models.ActionAllow, Reason: "allowed and remembered for this session", Tool: category, Resource: resource}, nil
	default:
		return Decision{Action: models.ActionDeny, Reason: "unrecognized prompt response", Tool: category, Resource: resource}, nil
	}
}

const scopeKeyAlways = "always"

// Remember records a user's decision at the requested scope (§4.5).
// ThisCall is a no-op; ThisSession appends to an in-memory, per-session
// list guarded by a lock; ThisPattern/Always persist to the durable store.
func (e *Engine) Remember(ctx context.Context, sessionID string, scope RememberScope, rule models.PermissionRule) error {
	switch scope {
	case RememberThisCall:
		return nil
	case RememberThisSession:
		e.mu.Lock()
		e.sessionRules[sessionID] = append(e.sessionRules[sessionID], rule)
		e.mu.Unlock()
		return nil
	case RememberThisPattern, RememberAlways:
		e.mu.Lock()
		e.persistedRules[scopeKeyAlways] = append(e.persistedRules[scopeKeyAlways], rule)
		e.mu.Unlock()
		if e.store != nil {
			return e.store.SaveRule(ctx, scopeKeyAlways, rule)
		}
		return nil
	default:
		return fmt.Errorf("unknown remember scope: %s", scope)
	}
}

// LoadPersisted hydrates the in-memory persisted-rule cache from the
// durable store at startup.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.LoadRules(ctx, scopeKeyAlways)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.persistedRules[scopeKeyAlways] = rules
	e.mu.Unlock()
	return nil
}

// ClearSession drops all session-scoped remembered rules, e.g. on session end.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessionRules, sessionID)
	e.mu.Unlock()
}

// ResourceExtractor derives the `resource` half of a pattern from a tool
// call's arguments, per tool (§4.5): bash → command, read/edit/write/list/
// glob → file path, task → subagent slug, else "*".
func ResourceExtractor(toolName string, args map[string]any) string {
	switch strings.ToLower(toolName) {
	case "bash", "exec":
		if v, ok := args["command"].(string); ok {
			return v
		}
	case "read", "edit", "write", "multiedit", "list", "glob":
		if v, ok := args["path"].(string); ok {
			return v
		}
		if v, ok := args["file_path"].(string); ok {
			return v
		}
	case "task":
		if v, ok := args["subagent_type"].(string); ok {
			return v
		}
		if v, ok := args["slug"].(string); ok {
			return v
		}
	}
	return "*"
}
