package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var _ contract.IRegistry = (*Registry)(nil)

type Set[T comparable] map[T]struct{}

// Registry is the bidirectional subscription index.
// A relation lives in topicMembers iff it lives in connTopics; every
// mutation touches both maps under the same lock.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[domain.ConnectionID]contract.EventSink // map connection -> Sink
	topicMembers map[domain.Topic]Set[domain.ConnectionID]  // map topic -> connections
	connTopics   map[domain.ConnectionID]Set[domain.Topic]  // map connection -> topics
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[domain.ConnectionID]contract.EventSink),
		topicMembers: make(map[domain.Topic]Set[domain.ConnectionID]),
		connTopics:   make(map[domain.ConnectionID]Set[domain.Topic]),
	}
}

// Connect registers a connection with an empty topic set.
func (r *Registry) Connect(conn domain.ConnectionID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[conn] = sink
	if _, ok := r.connTopics[conn]; !ok {
		r.connTopics[conn] = make(Set[domain.Topic])
	}
}

// Subscribe records the relation in both maps.
// added is false when the relation already existed or the connection is
// unknown; first is true when conn is the topic's only local subscriber.
func (r *Registry) Subscribe(conn domain.ConnectionID, topic domain.Topic) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.connTopics[conn]
	if !ok {
		return false, false
	}
	if _, exists := topics[topic]; exists {
		return false, false
	}

	members, ok := r.topicMembers[topic]
	if !ok {
		members = make(Set[domain.ConnectionID])
		r.topicMembers[topic] = members
	}
	members[conn] = struct{}{}
	topics[topic] = struct{}{}
	return true, len(members) == 1
}

// Unsubscribe removes the relation. last is true when the topic has no
// local subscriber anymore.
func (r *Registry) Unsubscribe(conn domain.ConnectionID, topic domain.Topic) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.connTopics[conn]
	if !ok {
		return false, false
	}
	if _, exists := topics[topic]; !exists {
		return false, false
	}
	delete(topics, topic)
	return true, r.removeMember(topic, conn)
}

// removeMember must be called with the lock held.
func (r *Registry) removeMember(topic domain.Topic, conn domain.ConnectionID) bool {
	members, ok := r.topicMembers[topic]
	if !ok {
		return true
	}
	delete(members, conn)
	// No empty sets are kept so the map doesn't grow with dead topics
	if len(members) == 0 {
		delete(r.topicMembers, topic)
		return true
	}
	return false
}

// DropConnection removes every subscription of conn and the connection
// itself, returning the topics left without local subscribers.
func (r *Registry) DropConnection(conn domain.ConnectionID) []domain.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, conn)
	topics, ok := r.connTopics[conn]
	if !ok {
		return nil
	}
	delete(r.connTopics, conn)

	var emptied []domain.Topic
	for topic := range topics {
		if r.removeMember(topic, conn) {
			emptied = append(emptied, topic)
		}
	}
	return sortTopics(emptied)
}

func (r *Registry) IsSubscribed(conn domain.ConnectionID, topic domain.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connTopics[conn][topic]
	return ok
}

// TopicsOf returns a sorted snapshot of the connection's topics.
func (r *Registry) TopicsOf(conn domain.ConnectionID) []domain.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortTopics(lo.Keys(r.connTopics[conn]))
}

func (r *Registry) SubscribersOf(topic domain.Topic) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.topicMembers[topic])
}

// SinksFor resolves the current subscribers of a topic into their sinks.
// It is read at delivery time so late joiners get the message.
// Returns nil if the topic has no subscriber.
func (r *Registry) SinksFor(topic domain.Topic) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.topicMembers[topic]
	if !ok {
		return nil
	}
	var activeSinks []contract.EventSink
	for conn := range members {
		if sink, exists := r.sessions[conn]; exists {
			activeSinks = append(activeSinks, sink)
		}
	}
	return activeSinks
}

func (r *Registry) Sink(conn domain.ConnectionID) (contract.EventSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.sessions[conn]
	return sink, ok
}

func (r *Registry) Count(topic domain.Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.topicMembers[topic])
}

// Connections returns the number of live connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connTopics)
}

func sortTopics(topics []domain.Topic) []domain.Topic {
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}
