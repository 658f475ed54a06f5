package repositories

import (
	"chat-relay/domain"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Test_Record_Multiple_Message_Read_In_Timestamp_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewMessageRepository(openBadger(t), slog.Default())
	channel := domain.DeriveChannel("alice", "bob")
	at := time.Now().UTC()

	// Given messages appended out of order
	messages := []domain.Message{
		domain.NewMessage(channel, "bob", "bob: second", at.Add(1*time.Minute)),
		domain.NewMessage(channel, "alice", "alice: first", at),
		domain.NewMessage(channel, "alice", "alice: third", at.Add(2*time.Minute)),
	}
	for _, m := range messages {
		req.NoError(repository.Append(ctx, m))
	}

	// When the channel is read
	entries, err := repository.Read(ctx, channel)
	req.NoError(err)

	// Then the entries come back by timestamp
	req.Equal([]domain.HistoryEntry{
		messages[1].Entry(),
		messages[0].Entry(),
		messages[2].Entry(),
	}, entries)
}

func Test_Read_Does_Not_Leak_Into_Channels_Sharing_A_Prefix(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewMessageRepository(openBadger(t), slog.Default())
	at := time.Now().UTC()

	req.NoError(repository.Append(ctx, domain.NewMessage("alice", "x", "mine", at)))
	req.NoError(repository.Append(ctx, domain.NewMessage("alice:bob", "x", "not mine", at)))

	entries, err := repository.Read(ctx, "alice")
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal("mine", entries[0].Text)

	entries, err = repository.Read(ctx, "alice:bob")
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal("not mine", entries[0].Text)
}

func Test_Read_Unknown_Channel_Is_Empty(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openBadger(t), slog.Default())

	entries, err := repository.Read(context.Background(), domain.PublicChannel)
	req.NoError(err)
	req.Empty(entries)
}

func Test_Trim_Keeps_Newest_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewMessageRepository(openBadger(t), slog.Default())
	at := time.Now().UTC()

	for i := 0; i < 5; i++ {
		req.NoError(repository.Append(ctx, domain.NewMessage("t", "x", fmt.Sprintf("m%d", i), at.Add(time.Duration(i)*time.Second))))
	}
	req.NoError(repository.Append(ctx, domain.NewMessage("t:other", "x", "kept", at)))

	// When trimmed to two
	req.NoError(repository.Trim(ctx, "t", 2))

	// Then only the two newest remain, in order
	entries, err := repository.Read(ctx, "t")
	req.NoError(err)
	req.Equal([]string{"m3", "m4"}, []string{entries[0].Text, entries[1].Text})
	req.Len(entries, 2)

	// And the neighbouring channel is untouched
	other, err := repository.Read(ctx, "t:other")
	req.NoError(err)
	req.Len(other, 1)
}

func Test_Limited_Read_Returns_Newest_Window_Until_Trimmed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewMessageRepository(openBadger(t), slog.Default()).WithLimit(2)
	at := time.Now().UTC()

	// Given four messages on a channel bounded to two
	for i := 0; i < 4; i++ {
		req.NoError(repository.Append(ctx, domain.NewMessage("t", "x", fmt.Sprintf("m%d", i), at.Add(time.Duration(i)*time.Second))))
	}

	// Then a read before any trim already returns only the newest two
	entries, err := repository.Read(ctx, "t")
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal("m2", entries[0].Text)
	req.Equal("m3", entries[1].Text)

	// And the older ones are still stored until the trim runs
	stored, err := repository.Messages("t")
	req.NoError(err)
	req.Len(stored, 4)

	req.NoError(repository.Trim(ctx, "t", 2))
	stored, err = repository.Messages("t")
	req.NoError(err)
	req.Len(stored, 2)
	req.Equal("m2", stored[0].Text)
}
