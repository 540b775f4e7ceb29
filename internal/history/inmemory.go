package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]MessageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]MessageRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.ConversationID] = append(s.records[record.ConversationID], record)
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, conversationID string) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]MessageRecord, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Conversations(_ context.Context, limit, offset int) ([]ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConversationInfo, 0, len(s.records))
	for id, arr := range s.records {
		if len(arr) == 0 {
			continue
		}
		infos = append(infos, ConversationInfo{
			ID:            id,
			MessageCount:  len(arr),
			LastMessageAt: arr[len(arr)-1].CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastMessageAt.After(infos[j].LastMessageAt)
	})

	if offset >= len(infos) {
		return nil, nil
	}
	infos = infos[offset:]
	if limit > 0 && limit < len(infos) {
		infos = infos[:limit]
	}
	return infos, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conversationID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
