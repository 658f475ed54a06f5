package backplane

import (
	"chat-relay/codec"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPrefix = "relay:"

func newRedisBackplane(t *testing.T, mr *miniredis.Miniredis) (*RedisBackplane, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bp := NewRedisBackplane(context.Background(), logs.GetLoggerFromLevel(slog.LevelDebug), client, client, testPrefix, 8)
	t.Cleanup(func() { _ = bp.Close() })
	return bp, client
}

func waitSubscribers(t *testing.T, client *redis.Client, topic string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), testPrefix+topic).Result()
		return err == nil && counts[testPrefix+topic] == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBackplane_Publish_Reaches_Other_Instance(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	publisher, _ := newRedisBackplane(t, mr)
	listener, client := newRedisBackplane(t, mr)

	// Given another instance subscribed to "sports"
	inbound, err := listener.Subscribe(ctx, "sports")
	req.NoError(err)
	waitSubscribers(t, client, "sports", 1)

	// When a message is published on it
	msg := domain.NewMessage("sports", "c1", "goal", time.Now())
	req.NoError(publisher.Publish(ctx, msg))

	// Then it is decoded on the inbound stream
	select {
	case got := <-inbound:
		req.Equal(msg.ID, got.ID)
		req.Equal(msg.Text, got.Text)
		req.Equal(msg.Topic, got.Topic)
		req.True(msg.At.Equal(got.At))
	case <-time.After(2 * time.Second):
		req.Fail("message not received")
	}
}

func TestRedisBackplane_Unsubscribe_Stops_Delivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	bp, client := newRedisBackplane(t, mr)

	inbound, err := bp.Subscribe(ctx, "news")
	req.NoError(err)
	waitSubscribers(t, client, "news", 1)

	req.NoError(bp.Unsubscribe(ctx, "news"))
	waitSubscribers(t, client, "news", 0)

	_, ok := <-inbound
	req.False(ok)
}

func TestRedisBackplane_Ignores_Undecodable_Payload(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	bp, client := newRedisBackplane(t, mr)

	inbound, err := bp.Subscribe(ctx, "t")
	req.NoError(err)
	waitSubscribers(t, client, "t", 1)

	// Given garbage followed by a valid payload
	mr.Publish(testPrefix+"t", "not cbor")
	payload, err := codec.EncodeMessage(domain.NewMessage("t", "c1", "valid", time.Now()))
	req.NoError(err)
	mr.Publish(testPrefix+"t", string(payload))

	// Then only the valid one comes through
	select {
	case got := <-inbound:
		req.Equal("valid", got.Text)
	case <-time.After(2 * time.Second):
		req.Fail("message not received")
	}
}

func TestRedisBackplane_Failed_Subscribe_Is_Not_Restored_On_Reconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// Given redis is down when "a" is subscribed
	mr.Close()
	bp, client := newRedisBackplane(t, mr)
	_, err := bp.Subscribe(ctx, "a")
	req.ErrorIs(err, errors.ErrBackplane)

	// When redis comes back and another topic is subscribed
	req.NoError(mr.Restart())
	_, err = bp.Subscribe(ctx, "b")
	req.NoError(err)
	waitSubscribers(t, client, "b", 1)

	// Then the failed topic was not resubscribed with the new connection
	counts, err := client.PubSubNumSub(ctx, testPrefix+"a").Result()
	req.NoError(err)
	req.Zero(counts[testPrefix+"a"])
}

func TestRedisBackplane_Publish_Failure_Is_Backplane_Error(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	bp, _ := newRedisBackplane(t, mr)

	mr.Close()

	err := bp.Publish(context.Background(), domain.NewMessage("t", "c1", "x", time.Now()))
	req.ErrorIs(err, errors.ErrBackplane)
}

func TestRedisBackplane_Closed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	bp, _ := newRedisBackplane(t, mr)

	inbound, err := bp.Subscribe(ctx, "t")
	req.NoError(err)
	req.NoError(bp.Close())

	_, ok := <-inbound
	req.False(ok)
	req.ErrorIs(bp.Publish(ctx, domain.NewMessage("t", "c1", "x", time.Now())), errors.ErrBackplaneClosed)
}
