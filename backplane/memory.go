// Package backplane carries published messages between relay instances.
// Every instance publishes to the shared transport and opens one inbound
// stream per topic it has local subscribers for.
package backplane

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 256

// MemoryBus links in-process backplanes together. A single process with a
// single MemoryBackplane is the common case, several members simulate
// several relay instances.
type MemoryBus struct {
	mu      sync.RWMutex
	members map[*MemoryBackplane]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{members: make(map[*MemoryBackplane]struct{})}
}

func (b *MemoryBus) join(m *MemoryBackplane) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[m] = struct{}{}
}

func (b *MemoryBus) leave(m *MemoryBackplane) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, m)
}

func (b *MemoryBus) deliver(msg domain.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for member := range b.members {
		member.route(msg)
	}
}

var _ contract.Backplane = (*MemoryBackplane)(nil)

type MemoryBackplane struct {
	log        *slog.Logger
	bus        *MemoryBus
	bufferSize int

	mu     sync.RWMutex
	routes map[domain.Topic]chan domain.Message
	closed bool
}

func NewMemoryBackplane(log *slog.Logger, bus *MemoryBus, bufferSize int) *MemoryBackplane {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	m := &MemoryBackplane{
		log:        log,
		bus:        bus,
		bufferSize: bufferSize,
		routes:     make(map[domain.Topic]chan domain.Message),
	}
	bus.join(m)
	return m
}

func (m *MemoryBackplane) Publish(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return errors.ErrBackplaneClosed
	}
	m.bus.deliver(msg)
	return nil
}

func (m *MemoryBackplane) Subscribe(_ context.Context, topic domain.Topic) (<-chan domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrBackplaneClosed
	}
	if ch, ok := m.routes[topic]; ok {
		return ch, nil
	}
	ch := make(chan domain.Message, m.bufferSize)
	m.routes[topic] = ch
	return ch, nil
}

func (m *MemoryBackplane) Unsubscribe(_ context.Context, topic domain.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.routes[topic]; ok {
		delete(m.routes, topic)
		close(ch)
	}
	return nil
}

func (m *MemoryBackplane) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for topic, ch := range m.routes {
		delete(m.routes, topic)
		close(ch)
	}
	m.mu.Unlock()
	m.bus.leave(m)
	return nil
}

// route never blocks the publisher, a listener that cannot keep up loses
// messages.
func (m *MemoryBackplane) route(msg domain.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.routes[msg.Topic]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		m.log.Warn("Inbound stream full, message dropped", "topic", msg.Topic.String())
	}
}
