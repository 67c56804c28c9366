package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

type memStore struct {
	mu    sync.Mutex
	parts map[string][]models.MessagePart
}

func newMemStore() *memStore { return &memStore{parts: make(map[string][]models.MessagePart)} }

func (m *memStore) LoadParts(ctx context.Context, sessionID string) []models.MessagePart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MessagePart(nil), m.parts[sessionID]...)
}

func (m *memStore) LoadMessages(ctx context.Context, sessionID string) []*models.Message { return nil }

func (m *memStore) AppendPart(ctx context.Context, sessionID string, part models.MessagePart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[sessionID] = append(m.parts[sessionID], part)
	return nil
}

func (m *memStore) MarkCompacted(ctx context.Context, messageIDs []string) error { return nil }

// fakeProvider replays a scripted sequence of completion responses, one
// per call to Complete, modeling a stub LLM backend.
type fakeProvider struct {
	responses [][]*agent.CompletionChunk
	call      int
}

func (f *fakeProvider) Name() string          { return "fake" }
func (f *fakeProvider) Models() []agent.Model { return nil }
func (f *fakeProvider) SupportsTools() bool    { return true }

func (f *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	resp := f.responses[f.call]
	f.call++
	ch := make(chan *agent.CompletionChunk, len(resp))
	for _, c := range resp {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "echoed:" + string(params)}, nil
}

func testAgent() *models.CatalogAgent {
	return &models.CatalogAgent{
		Slug: "coder", ModelID: "m", SystemPrompt: "sys",
		MaxIterations: 5, ContextWindowTokens: 100000, MaxTokens: 1000,
	}
}

func TestLoopRunCompletesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{{Text: "hello"}, {Done: true, FinishReason: "stop"}},
	}}
	loop := &Loop{Provider: provider, Store: newMemStore()}

	result, err := loop.Run(context.Background(), Request{SessionID: "s1", Agent: testAgent(), UserInput: "hi"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.IsDone {
		t.Error("expected IsDone true when the model returns no tool calls")
	}
	if result.FinalText != "hello" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "hello")
	}
}

func TestLoopRunDeliversDeltasInArrivalOrder(t *testing.T) {
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{{Text: "hi "}, {Text: "there"}, {Done: true, FinishReason: "stop"}},
	}}
	loop := &Loop{Provider: provider, Store: newMemStore()}

	var deltas []string
	result, err := loop.Run(context.Background(), Request{
		SessionID: "s1", Agent: testAgent(), UserInput: "hello",
		OnDelta: func(d string) {
			if d != "" {
				deltas = append(deltas, d)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.FinalText != "hi there" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "hi there")
	}
	if len(deltas) != 2 || deltas[0] != "hi " || deltas[1] != "there" {
		t.Errorf("deltas = %v, want [hi , there]", deltas)
	}
}

func TestLoopRunExecutesToolCallThenFinishes(t *testing.T) {
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "call1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{{Text: "done"}, {Done: true, FinishReason: "stop"}},
	}}
	store := newMemStore()
	loop := &Loop{Provider: provider, Store: store}

	var recorded []string
	req := Request{
		SessionID: "s1", Agent: testAgent(), UserInput: "hi",
		Tools: []agent.Tool{echoTool{}},
		OnToolExecution: func(name, args, output string, success bool) {
			recorded = append(recorded, output)
		},
	}

	result, err := loop.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.IsDone || result.FinalText != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(recorded) != 1 || recorded[0] != `echoed:{"x":1}` {
		t.Fatalf("OnToolExecution recorded %v, want one echoed call", recorded)
	}

	parts := store.LoadParts(context.Background(), "s1")
	var sawToolPart bool
	for _, p := range parts {
		if p.Kind == models.PartTool && p.Status == models.ToolPartCompleted {
			sawToolPart = true
		}
	}
	if !sawToolPart {
		t.Error("expected a completed tool MessagePart to be committed to the store")
	}
}

func TestLoopRunDeniedToolCallNeverExecutes(t *testing.T) {
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "c1", Name: "list", Input: json.RawMessage(`{"path":"/tmp"}`)}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{{Text: "done"}, {Done: true, FinishReason: "stop"}},
	}}
	store := newMemStore()

	a := testAgent()
	a.Permissions = models.PermissionRuleset{
		DefaultAction: models.ActionAllow,
		Rules: []models.PermissionRule{
			{Pattern: "list:/tmp", Action: models.ActionDeny, Priority: 100, Reason: "blocked"},
		},
	}

	executed := false
	denied := listTool{onExecute: func() { executed = true }}

	var results []bool
	loop := &Loop{Provider: provider, Store: store, Permissions: policy.NewEngine(nil, nil)}
	_, err := loop.Run(context.Background(), Request{
		SessionID: "s1", Agent: a, UserInput: "list /tmp",
		Tools: []agent.Tool{denied},
		OnToolExecution: func(name, args, output string, success bool) {
			results = append(results, success)
			if output != "Permission denied: blocked" {
				t.Errorf("tool output = %q, want the denial string", output)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if executed {
		t.Error("denied tool must never execute")
	}
	if len(results) != 1 || results[0] {
		t.Errorf("OnToolExecution must report one failure, got %v", results)
	}

	parts := store.LoadParts(context.Background(), "s1")
	var sawDeniedPart bool
	for _, p := range parts {
		if p.Kind == models.PartTool && p.Status == models.ToolPartError && p.Output == "Permission denied: blocked" {
			sawDeniedPart = true
		}
	}
	if !sawDeniedPart {
		t.Error("expected an error tool part carrying the denial string")
	}
}

type listTool struct {
	onExecute func()
}

func (l listTool) Name() string            { return "list" }
func (l listTool) Description() string     { return "lists a directory" }
func (l listTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (l listTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if l.onExecute != nil {
		l.onExecute()
	}
	return &agent.ToolResult{Content: "a\nb\n"}, nil
}

func TestLoopRunTruncationContinuation(t *testing.T) {
	partial := "fn foo() { ```rust\nlet x"
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{{Text: partial}, {Done: true, FinishReason: "length"}},
		{{Text: " = 1; }\n```"}, {Done: true, FinishReason: "stop"}},
	}}
	store := newMemStore()
	loop := &Loop{Provider: provider, Store: store}

	result, err := loop.Run(context.Background(), Request{SessionID: "s1", Agent: testAgent(), UserInput: "write foo"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if provider.call != 2 {
		t.Fatalf("expected a continuation stream, saw %d call(s)", provider.call)
	}
	if result.FinalText != partial+" = 1; }\n```" {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	// The continuation must not consume a logical iteration.
	if result.IterationsUsed != 0 {
		t.Errorf("IterationsUsed = %d, want 0", result.IterationsUsed)
	}

	var sawContinuationPrompt bool
	for _, p := range store.LoadParts(context.Background(), "s1") {
		if p.Kind == models.PartText && p.Text == ContinuationPrompt && p.Role == "user" {
			sawContinuationPrompt = true
		}
	}
	if !sawContinuationPrompt {
		t.Error("expected the synthetic continuation user part in the store")
	}
}

func TestLoopRunToolResultsKeepEmittedOrder(t *testing.T) {
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "t1", Name: "echo", Input: json.RawMessage(`{"n":1}`)}},
			{ToolCall: &models.ToolCall{ID: "t2", Name: "echo", Input: json.RawMessage(`{"n":2}`)}},
			{ToolCall: &models.ToolCall{ID: "t3", Name: "echo", Input: json.RawMessage(`{"n":3}`)}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{{Text: "done"}, {Done: true, FinishReason: "stop"}},
	}}
	store := newMemStore()
	loop := &Loop{Provider: provider, Store: store}

	if _, err := loop.Run(context.Background(), Request{
		SessionID: "s1", Agent: testAgent(), UserInput: "go", Tools: []agent.Tool{echoTool{}},
	}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var order []string
	for _, p := range store.LoadParts(context.Background(), "s1") {
		if p.Kind == models.PartTool {
			order = append(order, p.CallID)
		}
	}
	want := []string{"t1", "t2", "t3"}
	if len(order) != len(want) {
		t.Fatalf("committed %d tool parts, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("tool part %d = %q, want %q (model emission order)", i, order[i], want[i])
		}
	}
}

func TestLoopRunToolCallFragmentsAssemble(t *testing.T) {
	// The first fragment carries the call id; later fragments append
	// argument bytes to the same call.
	provider := &fakeProvider{responses: [][]*agent.CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"pa`)}},
			{ToolCall: &models.ToolCall{ID: "c1", Input: json.RawMessage(`th":"/x"}`)}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{{Text: "done"}, {Done: true, FinishReason: "stop"}},
	}}
	store := newMemStore()
	loop := &Loop{Provider: provider, Store: store}

	var gotArgs string
	if _, err := loop.Run(context.Background(), Request{
		SessionID: "s1", Agent: testAgent(), UserInput: "go", Tools: []agent.Tool{echoTool{}},
		OnToolExecution: func(name, args, output string, success bool) { gotArgs = args },
	}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if gotArgs != `{"path":"/x"}` {
		t.Errorf("assembled arguments = %q, want the concatenated fragments", gotArgs)
	}
}

func TestLoopRunHonorsIterationCap(t *testing.T) {
	// Every response requests a new tool call, so the loop never
	// naturally terminates and must stop at max_iterations.
	responses := make([][]*agent.CompletionChunk, 3)
	for i := range responses {
		responses[i] = []*agent.CompletionChunk{
			{ToolCall: &models.ToolCall{ID: "call", Name: "echo", Input: json.RawMessage(`{}`)}},
			{Done: true, FinishReason: "tool_calls"},
		}
	}
	provider := &fakeProvider{responses: responses}
	loop := &Loop{Provider: provider, Store: newMemStore()}

	a := testAgent()
	a.MaxIterations = 2
	result, err := loop.Run(context.Background(), Request{
		SessionID: "s1", Agent: a, UserInput: "hi", Tools: []agent.Tool{echoTool{}},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.HitIterationCap {
		t.Error("expected HitIterationCap true")
	}
	if result.IsDone {
		t.Error("expected IsDone false when stopped by the iteration cap")
	}
}
