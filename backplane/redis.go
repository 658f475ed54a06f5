package backplane

import (
	"chat-relay/codec"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

var _ contract.Backplane = (*RedisBackplane)(nil)

// RedisBackplane multiplexes every topic over one publishing client and one
// PubSub handle. Reconnection and re-subscription after a network failure
// are handled by go-redis.
type RedisBackplane struct {
	log        *slog.Logger
	publisher  redis.UniversalClient
	pubsub     *redis.PubSub
	prefix     string
	bufferSize int

	mu     sync.RWMutex
	routes map[domain.Topic]chan domain.Message
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBackplane needs two clients: a connection in subscribe mode cannot
// publish. They may be the same UniversalClient, the PubSub handle gets a
// dedicated connection from its pool.
func NewRedisBackplane(
	ctx context.Context,
	log *slog.Logger,
	publisher, subscriber redis.UniversalClient,
	prefix string,
	bufferSize int,
) *RedisBackplane {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	r := &RedisBackplane{
		log:        log,
		publisher:  publisher,
		pubsub:     subscriber.Subscribe(ctx),
		prefix:     prefix,
		bufferSize: bufferSize,
		routes:     make(map[domain.Topic]chan domain.Message),
		done:       make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *RedisBackplane) channel(topic domain.Topic) string {
	return r.prefix + topic.String()
}

func (r *RedisBackplane) Publish(ctx context.Context, msg domain.Message) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errors.ErrBackplaneClosed
	}
	payload, err := codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBackplane, err)
	}
	if err := r.publisher.Publish(ctx, r.channel(msg.Topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBackplane, err)
	}
	return nil
}

func (r *RedisBackplane) Subscribe(ctx context.Context, topic domain.Topic) (<-chan domain.Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrBackplaneClosed
	}
	if ch, ok := r.routes[topic]; ok {
		r.mu.Unlock()
		return ch, nil
	}
	ch := make(chan domain.Message, r.bufferSize)
	r.routes[topic] = ch
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(ctx, r.channel(topic)); err != nil {
		r.removeRoute(topic)
		// The handle records the channel even when the command fails and
		// would resubscribe it on reconnect.
		if uerr := r.pubsub.Unsubscribe(ctx, r.channel(topic)); uerr != nil {
			r.log.Debug("Unsubscribe after failed subscribe", "topic", topic.String(), "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrBackplane, err)
	}
	return ch, nil
}

func (r *RedisBackplane) Unsubscribe(ctx context.Context, topic domain.Topic) error {
	if !r.removeRoute(topic) {
		return nil
	}
	if err := r.pubsub.Unsubscribe(ctx, r.channel(topic)); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBackplane, err)
	}
	return nil
}

func (r *RedisBackplane) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for topic, ch := range r.routes {
			delete(r.routes, topic)
			close(ch)
		}
		r.mu.Unlock()
		err = r.pubsub.Close()
		<-r.done
	})
	return err
}

func (r *RedisBackplane) removeRoute(topic domain.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.routes[topic]
	if !ok {
		return false
	}
	delete(r.routes, topic)
	close(ch)
	return true
}

// dispatch reads the shared PubSub stream until it is closed and hands
// every payload to the stream of its topic.
func (r *RedisBackplane) dispatch() {
	defer close(r.done)
	for raw := range r.pubsub.Channel() {
		topic := domain.Topic(strings.TrimPrefix(raw.Channel, r.prefix))
		msg, err := codec.DecodeMessage([]byte(raw.Payload))
		if err != nil {
			r.log.Warn("Discarding undecodable backplane payload", "topic", topic.String(), "error", err)
			continue
		}
		r.route(topic, msg)
	}
}

func (r *RedisBackplane) route(topic domain.Topic, msg domain.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.routes[topic]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		r.log.Warn("Inbound stream full, message dropped", "topic", topic.String())
	}
}
