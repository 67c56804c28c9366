package subagent

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-memory Store implementation for the Subagent
// Service, mirroring the session package's clone-on-read/write shape.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*models.SubSession
}

// NewMemoryStore creates an empty in-memory SubSession store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*models.SubSession)}
}

func (m *MemoryStore) Create(ctx context.Context, s *models.SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.subs[s.ID] = &clone
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, s *models.SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.subs[s.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.SubSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	clone := *s
	return &clone, true
}

func (m *MemoryStore) ListByParent(ctx context.Context, parentSessionID string) []*models.SubSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SubSession
	for _, s := range m.subs {
		if s.ParentSessionID == parentSessionID {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out
}
