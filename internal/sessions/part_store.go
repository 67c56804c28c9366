// Package sessions provides the message-part repositories the engine
// persists turn history through: an in-memory store and a durable
// Postgres/CockroachDB-backed one.
package sessions

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryPartStore is an in-memory implementation of the Agent Loop's
// MessageStore plus the boundary-aware message queries: active-message
// listing, list-after-boundary, and most-recent-compaction lookup.
// Reads return clones; callers never share the stored slices.
type MemoryPartStore struct {
	mu       sync.RWMutex
	parts    map[string][]models.MessagePart
	messages map[string][]*models.Message
	seq      map[string]int64
}

// NewMemoryPartStore creates an empty in-memory part store.
func NewMemoryPartStore() *MemoryPartStore {
	return &MemoryPartStore{
		parts:    make(map[string][]models.MessagePart),
		messages: make(map[string][]*models.Message),
		seq:      make(map[string]int64),
	}
}

// LoadParts returns every part committed for sessionID, oldest first.
func (s *MemoryPartStore) LoadParts(ctx context.Context, sessionID string) []models.MessagePart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MessagePart(nil), s.parts[sessionID]...)
}

// AppendPart commits part to sessionID's history.
func (s *MemoryPartStore) AppendPart(ctx context.Context, sessionID string, part models.MessagePart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[sessionID] = append(s.parts[sessionID], part)
	return nil
}

// AppendMessage commits msg to sessionID's message history, assigning the
// next strictly increasing sequence number.
func (s *MemoryPartStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[sessionID]++
	m := *msg
	m.SessionID = sessionID
	m.Sequence = s.seq[sessionID]
	s.messages[sessionID] = append(s.messages[sessionID], &m)
	return nil
}

// LoadMessages returns sessionID's active (non-compacted) messages,
// oldest first. This is the list_active_by_session query.
func (s *MemoryPartStore) LoadMessages(ctx context.Context, sessionID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, m := range s.messages[sessionID] {
		if !m.IsCompacted {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out
}

// ListAfter returns every message whose sequence is strictly greater than
// messageID's, the list_after query used for boundary-aware loading.
func (s *MemoryPartStore) ListAfter(ctx context.Context, sessionID, messageID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var boundarySeq int64 = -1
	for _, m := range s.messages[sessionID] {
		if m.ID == messageID {
			boundarySeq = m.Sequence
			break
		}
	}
	var out []*models.Message
	for _, m := range s.messages[sessionID] {
		if m.Sequence > boundarySeq {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out
}

// MarkCompacted sets IsCompacted on every message in messageIDs.
func (s *MemoryPartStore) MarkCompacted(ctx context.Context, messageIDs []string) error {
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if ids[m.ID] {
				m.IsCompacted = true
			}
		}
	}
	return nil
}

// MostRecentCompaction returns the latest Compaction part committed for
// sessionID, or false when the session has never been compacted.
func (s *MemoryPartStore) MostRecentCompaction(ctx context.Context, sessionID string) (models.MessagePart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest models.MessagePart
	found := false
	for _, p := range s.parts[sessionID] {
		if p.Kind != models.PartCompaction {
			continue
		}
		if !found || (p.CompactedAt != nil && latest.CompactedAt != nil && p.CompactedAt.After(*latest.CompactedAt)) {
			latest = p
			found = true
		}
	}
	return latest, found
}
