//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
	Wait(ctx context.Context) error
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink receives the events addressed to one connection.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// Backplane is the process-wide publish/subscribe transport shared by
// every relay instance. Publish is fire-and-forget.
type Backplane interface {
	Publish(ctx context.Context, msg domain.Message) error
	Subscribe(ctx context.Context, topic domain.Topic) (<-chan domain.Message, error)
	Unsubscribe(ctx context.Context, topic domain.Topic) error
	Close() error
}

// HistoryStore keeps past messages per topic. Read always returns
// chronological order whatever the storage order is.
type HistoryStore interface {
	Append(ctx context.Context, msg domain.Message) error
	Trim(ctx context.Context, topic domain.Topic, maxSize int) error
	Read(ctx context.Context, topic domain.Topic) ([]domain.HistoryEntry, error)
	Close() error
}

type IRegistry interface {
	Connect(conn domain.ConnectionID, sink EventSink)
	Subscribe(conn domain.ConnectionID, topic domain.Topic) (added, first bool)
	Unsubscribe(conn domain.ConnectionID, topic domain.Topic) (removed, last bool)
	IsSubscribed(conn domain.ConnectionID, topic domain.Topic) bool
	TopicsOf(conn domain.ConnectionID) []domain.Topic
	SubscribersOf(topic domain.Topic) []domain.ConnectionID
	SinksFor(topic domain.Topic) []EventSink
	Sink(conn domain.ConnectionID) (EventSink, bool)
	Count(topic domain.Topic) int
	DropConnection(conn domain.ConnectionID) []domain.Topic
}

// ICoordinator is what the connection gateway drives.
type ICoordinator interface {
	OnConnect(ctx context.Context, conn domain.ConnectionID, sink EventSink)
	OnSubscribe(ctx context.Context, conn domain.ConnectionID, topic domain.Topic)
	OnUnsubscribe(ctx context.Context, conn domain.ConnectionID, topic domain.Topic)
	OnSend(ctx context.Context, conn domain.ConnectionID, cmd domain.SendCommand)
	OnHistoryRequest(ctx context.Context, conn domain.ConnectionID, channel domain.Topic)
	OnDisconnect(ctx context.Context, conn domain.ConnectionID)
}
