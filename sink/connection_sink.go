package sink

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"sync"
)

var _ contract.EventSink = (*ConnectionSink)(nil)

// ConnectionSink is the outbound queue of one client connection.
// Listeners and the coordinator push into it, the connection's write
// loop takes events from Events until Done is closed.
type ConnectionSink struct {
	events chan event.DomainEvent
	done   chan struct{}
	once   sync.Once
}

func NewConnectionSink(bufferSize int) *ConnectionSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &ConnectionSink{
		events: make(chan event.DomainEvent, bufferSize),
		done:   make(chan struct{}),
	}
}

// Consume queues e for the connection. It waits for room until ctx is done,
// then gives up with ErrSinkFull.
func (s *ConnectionSink) Consume(ctx context.Context, e event.DomainEvent) error {
	select {
	case <-s.done:
		return errors.ErrSinkClosed
	default:
	}

	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return errors.ErrSinkClosed
	case <-ctx.Done():
		return errors.ErrSinkFull
	}
}

func (s *ConnectionSink) Events() <-chan event.DomainEvent { return s.events }

func (s *ConnectionSink) Done() <-chan struct{} { return s.done }

// Close is idempotent. Queued events are left for the write loop to discard.
func (s *ConnectionSink) Close() {
	s.once.Do(func() { close(s.done) })
}
