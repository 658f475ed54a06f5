package repositories

import (
	"chat-relay/codec"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

var _ contract.HistoryStore = BoundedRedisStore{}

// BoundedRedisStore keeps each topic in a Redis list "history:{topic}",
// newest message first.
type BoundedRedisStore struct {
	client redis.UniversalClient
	log    *slog.Logger
	limit  int
}

func NewBoundedRedisStore(client redis.UniversalClient, log *slog.Logger, limit int) BoundedRedisStore {
	return BoundedRedisStore{client: client, log: log, limit: limit}
}

func historyKey(topic domain.Topic) string {
	return fmt.Sprintf("history:%s", topic)
}

func (s BoundedRedisStore) Append(ctx context.Context, msg domain.Message) error {
	payload, err := codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	if err := s.client.LPush(ctx, historyKey(msg.Topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	return nil
}

// Trim keeps the maxSize newest entries. Zero or less empties the topic.
func (s BoundedRedisStore) Trim(ctx context.Context, topic domain.Topic, maxSize int) error {
	var err error
	if maxSize <= 0 {
		err = s.client.Del(ctx, historyKey(topic)).Err()
	} else {
		err = s.client.LTrim(ctx, historyKey(topic), 0, int64(maxSize-1)).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	return nil
}

// Read returns the retained window oldest first. Only the first limit
// elements are read so a pending trim is never visible.
func (s BoundedRedisStore) Read(ctx context.Context, topic domain.Topic) ([]domain.HistoryEntry, error) {
	stop := int64(-1)
	if s.limit > 0 {
		stop = int64(s.limit - 1)
	}
	payloads, err := s.client.LRange(ctx, historyKey(topic), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStore, err)
	}

	entries := make([]domain.HistoryEntry, 0, len(payloads))
	for _, payload := range payloads {
		msg, err := codec.DecodeMessage([]byte(payload))
		if err != nil {
			s.log.Warn("Skipping undecodable history entry", "topic", topic.String(), "error", err)
			continue
		}
		entries = append(entries, msg.Entry())
	}
	return lo.Reverse(entries), nil
}

// Close is a no-op, the client is shared with the backplane and closed by its owner.
func (s BoundedRedisStore) Close() error { return nil }
