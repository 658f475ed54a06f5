package workers

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/observability"
	"context"
	"log/slog"
	"time"
)

// TopicListener forwards what the backplane delivers for one topic to the
// connections subscribed to it on this process.
//
// Recipients are looked up in the registry for every message, never cached,
// so a connection that subscribed a moment ago receives the next message and
// one that left does not. Delivery is best-effort: a slow or closed
// connection loses the message and the others still get it.
type TopicListener struct {
	log         *slog.Logger
	topic       domain.Topic
	inbound     <-chan domain.Message
	registry    contract.IRegistry
	mode        domain.Mode
	sinkTimeout time.Duration
	metrics     *observability.Metrics
}

func NewTopicListener(
	log *slog.Logger,
	topic domain.Topic,
	inbound <-chan domain.Message,
	registry contract.IRegistry,
	mode domain.Mode,
	sinkTimeout time.Duration,
	metrics *observability.Metrics,
) *TopicListener {
	return &TopicListener{
		log:         log.With("topic", topic.String()),
		topic:       topic,
		inbound:     inbound,
		registry:    registry,
		mode:        mode,
		sinkTimeout: sinkTimeout,
		metrics:     metrics,
	}
}

func (w *TopicListener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping topic listener")
			return nil
		case msg, ok := <-w.inbound:
			if !ok {
				w.log.Debug("Backplane stream closed")
				return nil
			}
			w.Fanout(ctx, msg)
		}
	}
}

// Fanout One event per local subscriber
func (w *TopicListener) Fanout(ctx context.Context, msg domain.Message) {
	evt := w.newMessage(msg)
	for _, sink := range w.registry.SinksFor(w.topic) {
		if err := w.deliver(ctx, sink, evt); err != nil {
			w.log.Debug("Message lost for one subscriber", "error", err)
			if w.metrics != nil {
				w.metrics.Dropped.Inc()
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.Delivered.Inc()
		}
	}
}

func (w *TopicListener) deliver(ctx context.Context, sink contract.EventSink, evt event.DomainEvent) error {
	if w.sinkTimeout <= 0 {
		return sink.Consume(ctx, evt)
	}
	sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
	defer cancel()
	return sink.Consume(sinkCtx, evt)
}

func (w *TopicListener) newMessage(msg domain.Message) event.NewMessage {
	if w.mode == domain.ModePeers {
		return event.NewMessage{Channel: w.topic, Message: msg.Text}
	}
	return event.NewMessage{Topic: w.topic, Message: msg.Text}
}
