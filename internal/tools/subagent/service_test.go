package subagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

type fakeAgentResolver struct {
	agents map[string]*models.CatalogAgent
}

func (f *fakeAgentResolver) BySlug(slug string) (*models.CatalogAgent, bool) {
	a, ok := f.agents[slug]
	return a, ok
}

type memStore struct {
	mu   sync.Mutex
	subs map[string]*models.SubSession
}

func newMemStore() *memStore { return &memStore{subs: make(map[string]*models.SubSession)} }

func (m *memStore) Create(_ context.Context, s *models.SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s
	return nil
}
func (m *memStore) Update(_ context.Context, s *models.SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s
	return nil
}
func (m *memStore) Get(_ context.Context, id string) (*models.SubSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok
}
func (m *memStore) ListByParent(_ context.Context, parent string) []*models.SubSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubSession
	for _, s := range m.subs {
		if s.ParentSessionID == parent {
			out = append(out, s)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Publish(_ context.Context, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

type blockingRunner struct {
	gate chan struct{}
}

func (b *blockingRunner) RunSubagent(ctx context.Context, req SubagentRequest) (string, error) {
	if b.gate != nil {
		<-b.gate
	}
	return "done:" + req.Prompt, nil
}

func TestService_CreateRejectsUnknownSlug(t *testing.T) {
	svc := NewService(&fakeAgentResolver{agents: map[string]*models.CatalogAgent{}}, newMemStore(), &blockingRunner{}, nil)
	_, err := svc.Create(context.Background(), "p", "m", "missing", "do it", "", 0)
	if err == nil {
		t.Fatal("expected error for unregistered slug")
	}
}

func TestService_CreateRejectsNonSubagentCategory(t *testing.T) {
	resolver := &fakeAgentResolver{agents: map[string]*models.CatalogAgent{
		"primary": {Slug: "primary", Category: models.CategoryPrimary, MaxIterations: 10},
	}}
	svc := NewService(resolver, newMemStore(), &blockingRunner{}, nil)
	_, err := svc.Create(context.Background(), "p", "m", "primary", "do it", "", 0)
	if err == nil {
		t.Fatal("expected error for non-subagent category")
	}
}

func TestService_ExecuteCompletesUnderCapacity(t *testing.T) {
	resolver := &fakeAgentResolver{agents: map[string]*models.CatalogAgent{
		"explore": {Slug: "explore", Category: models.CategorySubagent, MaxIterations: 5, MaxConcurrentInstances: 1},
	}}
	store := newMemStore()
	events := &recordingEvents{}
	svc := NewService(resolver, store, &blockingRunner{}, events)

	sub, err := svc.Create(context.Background(), "parent", "msg", "explore", "look around", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Execute(context.Background(), sub, "")

	if sub.Status != models.SubSessionCompleted {
		t.Fatalf("status = %v, want Completed", sub.Status)
	}
	if sub.Result != "done:look around" {
		t.Fatalf("result = %q", sub.Result)
	}
}

func TestService_QueueFIFO(t *testing.T) {
	resolver := &fakeAgentResolver{agents: map[string]*models.CatalogAgent{
		"explore": {Slug: "explore", Category: models.CategorySubagent, MaxIterations: 5, MaxConcurrentInstances: 1},
	}}
	store := newMemStore()
	gate := make(chan struct{})
	runner := &blockingRunner{gate: gate}
	svc := NewService(resolver, store, runner, &recordingEvents{})

	subA, _ := svc.Create(context.Background(), "parent", "m", "explore", "A", "", 0)
	subB, _ := svc.Create(context.Background(), "parent", "m", "explore", "B", "", 0)

	doneA := make(chan struct{})
	go func() {
		svc.Execute(context.Background(), subA, "")
		close(doneA)
	}()

	// Give A time to acquire the slot before B attempts to.
	time.Sleep(20 * time.Millisecond)

	doneB := make(chan struct{})
	go func() {
		svc.Execute(context.Background(), subB, "")
		close(doneB)
	}()
	time.Sleep(20 * time.Millisecond)

	if subB.Status != models.SubSessionQueued {
		t.Fatalf("B status = %v, want Queued", subB.Status)
	}

	close(gate)
	<-doneA
	<-doneB

	if subA.Status != models.SubSessionCompleted || subB.Status != models.SubSessionCompleted {
		t.Fatalf("both should complete: A=%v B=%v", subA.Status, subB.Status)
	}
}

func TestConcurrencyManager_UnboundedNeverBlocks(t *testing.T) {
	cm := NewConcurrencyManager()
	for i := 0; i < 100; i++ {
		if !cm.TryAcquire("unlimited", 0) {
			t.Fatal("unbounded slug should always acquire immediately")
		}
	}
}

func TestConcurrencyManager_CapacityRespected(t *testing.T) {
	cm := NewConcurrencyManager()
	if !cm.TryAcquire("slug", 1) {
		t.Fatal("expected first acquire to succeed")
	}
	if cm.TryAcquire("slug", 1) {
		t.Fatal("expected second acquire to fail while capacity is exhausted")
	}
	cm.Release("slug")
	if !cm.TryAcquire("slug", 1) {
		t.Fatal("expected acquire to succeed after release")
	}
}
