package repositories

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
)

const defaultMaxTopics = 10_000

var _ contract.HistoryStore = (*MemoryStore)(nil)

// MemoryStore keeps the last limit messages of each topic in process.
// The number of topics is bounded too, the least recently used topic is
// forgotten first.
type MemoryStore struct {
	mu     sync.Mutex
	topics *lru.Cache[domain.Topic, []domain.Message]
	limit  int
}

func NewMemoryStore(limit, maxTopics int) (*MemoryStore, error) {
	if maxTopics <= 0 {
		maxTopics = defaultMaxTopics
	}
	cache, err := lru.New[domain.Topic, []domain.Message](maxTopics)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{topics: cache, limit: limit}, nil
}

func (s *MemoryStore) Append(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages, _ := s.topics.Get(msg.Topic)
	s.topics.Add(msg.Topic, append(messages, msg))
	return nil
}

func (s *MemoryStore) Trim(_ context.Context, topic domain.Topic, maxSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages, ok := s.topics.Peek(topic)
	if !ok || maxSize < 0 || len(messages) <= maxSize {
		return nil
	}
	s.topics.Add(topic, append([]domain.Message(nil), messages[len(messages)-maxSize:]...))
	return nil
}

// Read returns at most limit entries even when a trim is still pending.
func (s *MemoryStore) Read(_ context.Context, topic domain.Topic) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	messages, _ := s.topics.Get(topic)
	s.mu.Unlock()
	if s.limit > 0 && len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}
	return lo.Map(messages, func(item domain.Message, _ int) domain.HistoryEntry {
		return item.Entry()
	}), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics.Purge()
	return nil
}
