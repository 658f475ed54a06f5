package repositories

import (
	"chat-relay/codec"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const (
	tsWidth   = 19
	uuidWidth = 36
)

var _ contract.HistoryStore = MessageRepository{}

// MessageRepository is the durable history: every message ever appended
// for a channel, read back in timestamp order. With a limit it serves
// bounded history and relies on Trim to reclaim space.
type MessageRepository struct {
	db    *badger.DB
	log   *slog.Logger
	limit int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

// WithLimit caps reads to the newest limit messages of a channel, pending
// trims included. Zero reads everything.
func (m MessageRepository) WithLimit(limit int) MessageRepository {
	m.limit = limit
	return m
}

func channelPrefix(topic domain.Topic) []byte {
	return []byte(fmt.Sprintf("msg:%s:", topic))
}

// messageKey is formatted as "msg:{channel}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding (lexicographical order).
//  2. Prevent data loss by using UUID as a collision disconnector if two messages
//     arrive at the same nanosecond.
func messageKey(msg domain.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", msg.Topic, msg.At.UnixNano(), msg.ID))
}

// ownKey filters out the keys of channels whose name starts with this
// channel's name followed by a separator ("alice" and "alice:bob").
func ownKey(key, prefix []byte) bool {
	rest := key[len(prefix):]
	return len(rest) == tsWidth+1+uuidWidth && rest[tsWidth] == ':'
}

func (m MessageRepository) Append(_ context.Context, msg domain.Message) error {
	bytes, err := codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), bytes)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	return nil
}

// Read retrieves the whole channel using a prefix scan.
// Thanks to the padded timestamp in the key, messages are naturally sorted by time.
func (m MessageRepository) Read(_ context.Context, topic domain.Topic) ([]domain.HistoryEntry, error) {
	messages, err := m.messages(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	if m.limit > 0 && len(messages) > m.limit {
		messages = messages[len(messages)-m.limit:]
	}
	return lo.Map(messages, func(item domain.Message, _ int) domain.HistoryEntry {
		return item.Entry()
	}), nil
}

// Messages is Read without the projection, used by the inspection tool.
func (m MessageRepository) Messages(topic domain.Topic) ([]domain.Message, error) {
	return m.messages(topic)
}

func (m MessageRepository) messages(topic domain.Topic) ([]domain.Message, error) {
	var byteMessages [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := channelPrefix(topic)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !ownKey(item.Key(), prefix) {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			byteMessages = append(byteMessages, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(byteMessages))
	for _, b := range byteMessages {
		message, err := codec.DecodeMessage(b)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Trim deletes everything but the newest maxSize messages of the channel.
func (m MessageRepository) Trim(_ context.Context, topic domain.Topic, maxSize int) error {
	var stale [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := channelPrefix(topic)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		// Let's go the newest position msg:topic:9999999999999999999
		// Then, we go back and skip the retained window
		kept := 0
		for it.Seek(append(prefix, []byte("9999999999999999999")...)); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !ownKey(key, prefix) {
				continue
			}
			if kept < maxSize {
				kept++
				continue
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	if len(stale) == 0 {
		return nil
	}

	wb := m.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrStore, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStore, err)
	}
	m.log.Debug("History trimmed", "topic", topic.String(), "deleted", len(stale))
	return nil
}

// Close is a no-op, the badger handle belongs to whoever opened it.
func (m MessageRepository) Close() error { return nil }
